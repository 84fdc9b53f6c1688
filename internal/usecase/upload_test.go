package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livesub/internal/chunker"
	"livesub/internal/domain"
)

type fakeDecoder struct {
	pcm []byte
	err error
}

func (f fakeDecoder) Decode(context.Context, []byte) ([]byte, error) { return f.pcm, f.err }

type notice struct {
	kind   domain.TranscriptKind
	origin domain.Origin
	text   string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (f *fakeNotifier) Status(_ context.Context, origin domain.Origin, text string) {
	f.add(notice{domain.KindStatus, origin, text})
}

func (f *fakeNotifier) Error(_ context.Context, origin domain.Origin, text string) {
	f.add(notice{domain.KindError, origin, text})
}

func (f *fakeNotifier) add(n notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

func (f *fakeNotifier) snapshot() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notice(nil), f.notices...)
}

func seconds(s float64) []byte {
	return make([]byte, int(s*domain.SampleRate)*domain.BytesPerSample)
}

func TestUploadProcessSubmitsFramesAndReportsProgress(t *testing.T) {
	t.Parallel()

	sink := &fakeFrameSink{}
	notify := &fakeNotifier{}
	ingestor := NewUploadIngestor(fakeDecoder{pcm: seconds(3.5)}, chunker.New(time.Second, false), sink, notify)

	if err := ingestor.Process(context.Background(), "up-1", []byte("RIFF")); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	frames := sink.snapshot()
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for _, frame := range frames {
		if frame.Origin != domain.OriginUpload || frame.SessionID != "up-1" {
			t.Fatalf("unexpected frame tags: %+v", frame)
		}
	}
	if frames[3].Duration() != 500*time.Millisecond {
		t.Fatalf("expected short last frame, got %v", frames[3].Duration())
	}

	got := notify.snapshot()
	if len(got) != 2 || got[0].text != UploadProcessingMessage || got[1].text != UploadFinishedMessage {
		t.Fatalf("unexpected notices: %+v", got)
	}
}

func TestUploadDecodeFailureReportsError(t *testing.T) {
	t.Parallel()

	sink := &fakeFrameSink{}
	notify := &fakeNotifier{}
	ingestor := NewUploadIngestor(fakeDecoder{err: errors.New("bad header")}, chunker.New(time.Second, false), sink, notify)

	if err := ingestor.Process(context.Background(), "up-2", []byte("junk")); err == nil {
		t.Fatalf("expected decode error")
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("no frames expected after decode failure")
	}
	got := notify.snapshot()
	last := got[len(got)-1]
	if last.kind != domain.KindError || last.origin != domain.OriginUpload || last.text != "Error processing audio: bad header" {
		t.Fatalf("unexpected error notice: %+v", last)
	}
}

func TestUploadIngestRunsInBackground(t *testing.T) {
	t.Parallel()

	sink := &fakeFrameSink{}
	notify := &fakeNotifier{}
	ingestor := NewUploadIngestor(fakeDecoder{pcm: seconds(2)}, chunker.New(time.Second, false), sink, notify)
	ingestor.newID = func() string { return "up-3" }

	ingestor.Starting(context.Background())
	if id := ingestor.Ingest(context.Background(), []byte("RIFF")); id != "up-3" {
		t.Fatalf("unexpected upload id %q", id)
	}
	waitFor(t, func() bool { return len(notify.snapshot()) == 3 })
	ingestor.Close()

	got := notify.snapshot()
	if got[0].text != UploadReceivingMessage || got[2].text != UploadFinishedMessage {
		t.Fatalf("unexpected notices: %+v", got)
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(sink.snapshot()))
	}
}

func TestUploadCloseCancelsInFlight(t *testing.T) {
	t.Parallel()

	notify := &fakeNotifier{}
	ingestor := NewUploadIngestor(fakeDecoder{pcm: seconds(5)}, chunker.New(time.Second, false), &fakeFrameSink{block: true}, notify)
	ingestor.Ingest(context.Background(), []byte("RIFF"))

	done := make(chan struct{})
	go func() {
		ingestor.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not cancel the upload")
	}
	for _, n := range notify.snapshot() {
		if n.text == UploadFinishedMessage || n.kind == domain.KindError {
			t.Fatalf("cancelled upload should end quietly, got %+v", n)
		}
	}
}
