package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"livesub/internal/chunker"
	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

// Upload progress messages shown to subscribers.
const (
	UploadReceivingMessage  = "Receiving audio file..."
	UploadProcessingMessage = "Processing uploaded audio..."
	UploadFinishedMessage   = "Finished processing audio."
	uploadErrorPrefix       = "Error processing audio: "
)

// UploadIngestor decodes uploaded files, cuts them into frames and feeds the
// pipeline. Each upload runs on its own tracked goroutine.
type UploadIngestor struct {
	decoder ports.Decoder
	chunker *chunker.Chunker
	frames  ports.FrameSink
	notify  ports.Notifier
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUploadIngestor(decoder ports.Decoder, c *chunker.Chunker, frames ports.FrameSink, notify ports.Notifier) *UploadIngestor {
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadIngestor{
		decoder: decoder,
		chunker: c,
		frames:  frames,
		notify:  notify,
		newID:   uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Starting announces that an upload is on its way.
func (u *UploadIngestor) Starting(ctx context.Context) {
	u.notify.Status(ctx, domain.OriginUpload, UploadReceivingMessage)
}

// Ingest processes payload in the background and returns the upload id.
func (u *UploadIngestor) Ingest(ctx context.Context, payload []byte) string {
	id := u.newID()
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(u.ctx, cancel)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer cancel()
		defer stop()
		if err := u.Process(runCtx, id, payload); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warnw("upload failed", append(logging.SessionFields(id, string(domain.OriginUpload)), "error", err)...)
		}
	}()
	return id
}

// Process handles one upload synchronously. Decode failures are reported to
// subscribers and returned.
func (u *UploadIngestor) Process(ctx context.Context, id string, payload []byte) error {
	u.notify.Status(ctx, domain.OriginUpload, UploadProcessingMessage)

	pcm, err := u.decoder.Decode(ctx, payload)
	if err != nil {
		u.notify.Error(ctx, domain.OriginUpload, uploadErrorPrefix+err.Error())
		return fmt.Errorf("decode upload: %w", err)
	}

	frames := 0
	for frame := range u.chunker.Frames(ctx, pcm, domain.OriginUpload, id) {
		if err := u.frames.Submit(ctx, frame); err != nil {
			if ctx.Err() == nil {
				u.notify.Error(ctx, domain.OriginUpload, uploadErrorPrefix+err.Error())
			}
			return fmt.Errorf("submit upload frame: %w", err)
		}
		frames++
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	logging.Infow("upload processed", append(logging.SessionFields(id, string(domain.OriginUpload)),
		"bytes", len(payload), "frames", frames)...)
	u.notify.Status(ctx, domain.OriginUpload, UploadFinishedMessage)
	return nil
}

// Close cancels in-flight uploads and waits for them.
func (u *UploadIngestor) Close() {
	u.cancel()
	u.wg.Wait()
}
