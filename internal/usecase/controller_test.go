package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livesub/internal/domain"
	"livesub/internal/ports"
)

func TestSessionControllerStartStopLifecycle(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	sink := &fakeFrameSink{}
	events := &fakeEventSink{}
	controller := NewSessionController(capture, nil, sink, events, Config{FrameBytes: 4})
	controller.newID = func() string { return "session-1" }

	if err := controller.Start(context.Background(), "hw:1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	status := controller.Status()
	if status.State != domain.SessionStateListening || !status.Active || status.SessionID != "session-1" || status.Device != "hw:1" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if got := capture.lastConfig().InputDevice; got != "hw:1" {
		t.Fatalf("device not passed to capture: %q", got)
	}

	session := capture.session(0)
	session.feed <- []byte{1, 0, 2, 0}
	session.feed <- []byte{3, 0, 4, 0}
	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	frames := sink.snapshot()
	if frames[0].SessionID != "session-1" || frames[0].Origin != domain.OriginMic || frames[0].Samples != 2 {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
	if frames[1].Offset != domain.SamplesDuration(2) {
		t.Fatalf("unexpected offset: %v", frames[1].Offset)
	}
	if session.stopCalls.Load() != 1 {
		t.Fatalf("expected capture stopped once, got %d", session.stopCalls.Load())
	}
	if controller.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle after stop")
	}

	expectStates(t, events.snapshotStates(), []stateEvent{
		{domain.SessionStateStarting, domain.SessionReasonCaptureStarting},
		{domain.SessionStateListening, domain.SessionReasonCaptureStarted},
		{domain.SessionStateStopping, domain.SessionReasonStopRequested},
		{domain.SessionStateIdle, domain.SessionReasonCaptureStopped},
	})
}

func TestSessionControllerStopWithoutActiveSession(t *testing.T) {
	t.Parallel()

	controller := NewSessionController(newFakeAudioCapture(), nil, &fakeFrameSink{}, &fakeEventSink{}, Config{})
	if err := controller.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestSessionControllerRestartReleasesPreviousCaptureFirst(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	events := &fakeEventSink{}
	controller := NewSessionController(capture, nil, &fakeFrameSink{}, events, Config{})
	ids := []string{"first", "second"}
	var next atomic.Int32
	controller.newID = func() string { return ids[next.Add(1)-1] }

	if err := controller.Start(context.Background(), "a"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := controller.Start(context.Background(), "b"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	if got := capture.log(); fmt.Sprint(got) != "[start#0 stop#0 start#1]" {
		t.Fatalf("previous capture not released before new acquisition: %v", got)
	}
	status := controller.Status()
	if status.SessionID != "second" || status.State != domain.SessionStateListening {
		t.Fatalf("unexpected status: %+v", status)
	}

	states := events.snapshotStates()
	if states[2] != (stateEvent{domain.SessionStateStopping, domain.SessionReasonCaptureReplaced}) {
		t.Fatalf("expected replacement transition, got %+v", states[2])
	}
	if states[len(states)-1].reason != domain.SessionReasonCaptureRestarted {
		t.Fatalf("expected capture_restarted, got %s", states[len(states)-1].reason)
	}
	controller.Close()
}

func TestSessionControllerConcurrentStartsKeepOneSession(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	controller := NewSessionController(capture, nil, &fakeFrameSink{}, &fakeEventSink{}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := controller.Start(context.Background(), ""); err != nil {
				t.Errorf("start failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if capture.maxOpen.Load() != 1 {
		t.Fatalf("expected at most one open capture, saw %d", capture.maxOpen.Load())
	}
	if capture.open.Load() != 1 || controller.Status().State != domain.SessionStateListening {
		t.Fatalf("expected exactly one listening session")
	}
	controller.Close()
	if capture.open.Load() != 0 {
		t.Fatalf("close left a capture running")
	}
}

func TestSessionControllerCaptureFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	events := &fakeEventSink{}
	controller := NewSessionController(capture, nil, &fakeFrameSink{}, events, Config{})

	if err := controller.Start(context.Background(), ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.session(0).endErr = errors.New("device unplugged")
	close(capture.session(0).feed)

	waitFor(t, func() bool { return controller.Status().State == domain.SessionStateIdle })
	waitFor(t, func() bool { return len(events.snapshotStates()) == 4 })

	expectStates(t, events.snapshotStates()[2:], []stateEvent{
		{domain.SessionStateStopping, domain.SessionReasonCaptureFailed},
		{domain.SessionStateIdle, domain.SessionReasonCaptureFailed},
	})
	errs := events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeCaptureStream {
		t.Fatalf("expected capture stream error, got %+v", errs)
	}
	if err := controller.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no session after failure, got %v", err)
	}
	if capture.starts.Load() != 1 {
		t.Fatalf("failed capture must not restart automatically")
	}
}

func TestSessionControllerStartFailure(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	capture.err = errors.New("no such device")
	events := &fakeEventSink{}
	controller := NewSessionController(capture, nil, &fakeFrameSink{}, events, Config{})

	if err := controller.Start(context.Background(), "bogus"); err == nil {
		t.Fatalf("expected start error")
	}
	if controller.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle after failed start")
	}
	expectStates(t, events.snapshotStates(), []stateEvent{
		{domain.SessionStateStarting, domain.SessionReasonCaptureStarting},
		{domain.SessionStateIdle, domain.SessionReasonStartFailed},
	})
	if errs := events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeCaptureStart {
		t.Fatalf("expected capture_start error, got %+v", errs)
	}
}

func TestSessionControllerForwardsInterims(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	stream := newFakeStreamingSession()
	provider := &fakeProvider{sessions: []ports.StreamingSession{stream}}
	controller := NewSessionController(capture, provider, &fakeFrameSink{}, &fakeEventSink{}, Config{FrameBytes: 2})

	if err := controller.Start(context.Background(), ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.session(0).feed <- []byte{7, 0}
	stream.events <- domain.TranscriptEvent{Kind: domain.KindFinal, Text: "ignored"}
	stream.events <- domain.TranscriptEvent{Kind: domain.KindInterim, Text: " नमस "}

	select {
	case got := <-controller.Interims():
		if got.SourceText != "नमस" || got.Kind != domain.KindInterim || got.Origin != domain.OriginMic {
			t.Fatalf("unexpected interim: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("interim not forwarded")
	}
	waitFor(t, func() bool { return stream.sent() == 1 })

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if stream.closeCalls.Load() == 0 {
		t.Fatalf("expected interim stream closed")
	}
}

func TestSessionControllerStreamFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	capture := newFakeAudioCapture()
	provider := &fakeProvider{err: errors.New("deepgram down")}
	controller := NewSessionController(capture, provider, &fakeFrameSink{}, &fakeEventSink{}, Config{})

	if err := controller.Start(context.Background(), ""); err != nil {
		t.Fatalf("start should survive stream failure: %v", err)
	}
	if controller.Status().State != domain.SessionStateListening {
		t.Fatalf("expected listening")
	}
	controller.Close()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func expectStates(t *testing.T, got, want []stateEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

type fakeAudioCapture struct {
	mu       sync.Mutex
	sessions []*fakeAudioSession
	configs  []ports.AudioConfig
	events   []string
	err      error

	starts  atomic.Int32
	open    atomic.Int32
	maxOpen atomic.Int32
}

func newFakeAudioCapture() *fakeAudioCapture { return &fakeAudioCapture{} }

func (f *fakeAudioCapture) Start(_ context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.sessions)
	session := &fakeAudioSession{
		feed:    make(chan []byte, 8),
		stopped: make(chan struct{}),
		onStop: func() {
			f.mu.Lock()
			f.events = append(f.events, fmt.Sprintf("stop#%d", idx))
			f.mu.Unlock()
			f.open.Add(-1)
		},
	}
	f.sessions = append(f.sessions, session)
	f.events = append(f.events, fmt.Sprintf("start#%d", idx))
	f.starts.Add(1)
	if n := f.open.Add(1); n > f.maxOpen.Load() {
		f.maxOpen.Store(n)
	}
	return session, nil
}

func (f *fakeAudioCapture) session(i int) *fakeAudioSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeAudioCapture) lastConfig() ports.AudioConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[len(f.configs)-1]
}

func (f *fakeAudioCapture) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// fakeAudioSession delivers fed chunks until stopped. Closing feed ends the
// stream with endErr, or io.EOF when unset.
type fakeAudioSession struct {
	feed    chan []byte
	pending []byte
	endErr  error

	stopped   chan struct{}
	stopOnce  sync.Once
	stopCalls atomic.Int32
	onStop    func()
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-f.feed:
		if !ok {
			if f.endErr != nil {
				return 0, f.endErr
			}
			return 0, io.EOF
		}
		n := copy(p, chunk)
		f.pending = chunk[n:]
		return n, nil
	case <-f.stopped:
		return 0, io.EOF
	}
}

func (f *fakeAudioSession) Close() error { return nil }

func (f *fakeAudioSession) Stop() error {
	f.stopCalls.Add(1)
	f.stopOnce.Do(func() {
		close(f.stopped)
		if f.onStop != nil {
			f.onStop()
		}
	})
	return nil
}

type fakeFrameSink struct {
	mu     sync.Mutex
	frames []domain.AudioFrame
	block  bool
	err    error
}

func (f *fakeFrameSink) Submit(ctx context.Context, frame domain.AudioFrame) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeFrameSink) snapshot() []domain.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AudioFrame(nil), f.frames...)
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions []ports.StreamingSession
	err      error
	calls    int
}

func (f *fakeProvider) StartStreaming(_ context.Context, _ ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no stream session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

type fakeStreamingSession struct {
	events     chan domain.TranscriptEvent
	waitErr    error
	sendErr    error
	closeCalls atomic.Int32
	chunks     atomic.Int32

	mu     sync.Mutex
	closed bool
}

func newFakeStreamingSession() *fakeStreamingSession {
	return &fakeStreamingSession{events: make(chan domain.TranscriptEvent, 16)}
}

func (f *fakeStreamingSession) SendAudio(_ []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.chunks.Add(1)
	return nil
}

func (f *fakeStreamingSession) sent() int { return int(f.chunks.Load()) }

func (f *fakeStreamingSession) CloseSend() error {
	f.closeEvents()
	return nil
}

func (f *fakeStreamingSession) Events() <-chan domain.TranscriptEvent { return f.events }

func (f *fakeStreamingSession) Wait() error { return f.waitErr }

func (f *fakeStreamingSession) Close() error {
	f.closeCalls.Add(1)
	f.closeEvents()
	return nil
}

func (f *fakeStreamingSession) closeEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

type fakeEventSink struct {
	mu     sync.Mutex
	states []stateEvent
	errors []errEvent
}

type stateEvent struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}
