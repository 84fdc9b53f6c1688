package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

var errCaptureEnded = errors.New("capture stream ended")

// pumpFrames reads fixed-size frames from the capture and submits them until
// the capture ends or ctx is cancelled. A nil stream disables interim audio.
func pumpFrames(
	ctx context.Context,
	audio io.Reader,
	frames ports.FrameSink,
	stream ports.StreamingSession,
	sessionID string,
	frameBytes int,
) error {
	buf := make([]byte, frameBytes)
	var offset time.Duration
	for {
		n, err := io.ReadFull(audio, buf)
		n -= n % domain.BytesPerSample
		if n > 0 {
			pcm := append([]byte(nil), buf[:n]...)
			if stream != nil {
				if sendErr := stream.SendAudio(pcm); sendErr != nil {
					logging.Warnw("interim stream rejected audio, continuing without interims",
						"session.id", sessionID, "error", sendErr)
					stream = nil
				}
			}

			frame := domain.AudioFrame{
				PCM:       pcm,
				Samples:   n / domain.BytesPerSample,
				Offset:    offset,
				Origin:    domain.OriginMic,
				SessionID: sessionID,
			}
			if submitErr := frames.Submit(ctx, frame); submitErr != nil {
				return fmt.Errorf("submit frame: %w", submitErr)
			}
			offset += frame.Duration()
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errCaptureEnded
			}
			return fmt.Errorf("audio capture error: %w", err)
		}
	}
}

// forwardInterims turns partial hypotheses into interim results. Interims
// carry source text only; translation happens once per frame in the pool.
func forwardInterims(
	ctx context.Context,
	stream ports.StreamingSession,
	out chan<- domain.TranscriptResult,
	sessionID string,
) {
	for event := range stream.Events() {
		text := strings.TrimSpace(event.Text)
		if text == "" || event.Kind != domain.KindInterim {
			continue
		}
		select {
		case out <- domain.TranscriptResult{
			SourceText: text,
			Kind:       domain.KindInterim,
			Origin:     domain.OriginMic,
			SessionID:  sessionID,
		}:
		case <-ctx.Done():
			return
		}
	}
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
