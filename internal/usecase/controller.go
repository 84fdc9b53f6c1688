package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

var ErrNoActiveSession = errors.New("no active capture session")

const (
	defaultFrameBytes  = domain.SampleRate * domain.BytesPerSample
	streamCloseTimeout = 2 * time.Second
	interimBuffer      = 64
)

// Config controls live capture behavior.
type Config struct {
	Audio     ports.AudioConfig
	Streaming ports.StreamingConfig
	// FrameBytes is the size of one mic frame handed to the pipeline.
	FrameBytes int
}

// SessionController owns the single live-capture session. Start and Stop are
// serialized; a Start while listening replaces the running session after it
// has fully released its capture.
type SessionController struct {
	audio    ports.AudioCapture
	provider ports.TranscriptionProvider
	frames   ports.FrameSink
	events   ports.EventSink
	cfg      Config
	newID    func() string

	interims chan domain.TranscriptResult

	lifecycleMu sync.Mutex
	mu          sync.Mutex
	current     *activeSession
	wg          sync.WaitGroup
}

// NewSessionController wires a controller. provider may be nil, in which
// case no interim hypotheses are produced.
func NewSessionController(
	audio ports.AudioCapture,
	provider ports.TranscriptionProvider,
	frames ports.FrameSink,
	events ports.EventSink,
	cfg Config,
) *SessionController {
	if cfg.FrameBytes < domain.BytesPerSample {
		cfg.FrameBytes = defaultFrameBytes
	}
	cfg.FrameBytes -= cfg.FrameBytes % domain.BytesPerSample
	return &SessionController{
		audio:    audio,
		provider: provider,
		frames:   frames,
		events:   events,
		cfg:      cfg,
		newID:    uuid.NewString,
		interims: make(chan domain.TranscriptResult, interimBuffer),
	}
}

// Interims is the stream of partial hypotheses for the router.
func (c *SessionController) Interims() <-chan domain.TranscriptResult {
	return c.interims
}

// Start begins capturing from device, replacing any running session.
func (c *SessionController) Start(ctx context.Context, device string) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	previous := c.getCurrent()
	if previous != nil {
		if previous.claim() {
			c.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonCaptureReplaced)
			c.teardown(previous)
			c.release(previous)
		} else {
			<-previous.finished
		}
	}

	active := newActiveSession(c.newID(), device)
	c.mu.Lock()
	c.current = active
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateStarting, domain.SessionReasonCaptureStarting)

	audioCfg := c.cfg.Audio
	if device != "" {
		audioCfg.InputDevice = device
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	audioSession, err := c.audio.Start(sessionCtx, audioCfg)
	if err != nil {
		cancel()
		active.claim()
		c.release(active)
		c.events.SessionError(domain.ErrorCodeCaptureStart, err.Error())
		c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStartFailed)
		return fmt.Errorf("start capture: %w", err)
	}
	active.cancel = cancel
	active.audio = audioSession

	if c.provider != nil {
		stream, err := c.provider.StartStreaming(sessionCtx, c.cfg.Streaming)
		if err != nil {
			logging.Warnw("interim stream unavailable", "session.id", active.id, "error", err)
		} else {
			active.stream = stream
		}
	}

	active.setState(domain.SessionStateListening)
	reason := domain.SessionReasonCaptureStarted
	if previous != nil {
		reason = domain.SessionReasonCaptureRestarted
	}
	c.events.SessionStateChanged(domain.SessionStateListening, reason)
	logging.Infow("live capture started", active.logFields()...)

	if active.stream != nil {
		go func() {
			defer close(active.interimDone)
			forwardInterims(sessionCtx, active.stream, c.interims, active.id)
		}()
	} else {
		close(active.interimDone)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := pumpFrames(sessionCtx, active.audio, c.frames, active.stream, active.id, c.cfg.FrameBytes)
		close(active.pumpDone)
		if sessionCtx.Err() == nil {
			c.fail(active, err)
		}
	}()
	return nil
}

// Stop ends the running session and waits for its teardown.
func (c *SessionController) Stop(_ context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	active := c.getCurrent()
	if active == nil {
		return ErrNoActiveSession
	}
	if !active.claim() {
		<-active.finished
		return ErrNoActiveSession
	}

	c.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonStopRequested)
	c.teardown(active)
	c.release(active)
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonCaptureStopped)
	logging.Infow("live capture stopped", active.logFields()...)
	return nil
}

// fail handles a capture that ended on its own.
func (c *SessionController) fail(active *activeSession, cause error) {
	if !active.claim() {
		return
	}
	logging.Warnw("live capture failed", append(active.logFields(), "error", cause)...)
	c.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonCaptureFailed)
	c.teardown(active)
	c.release(active)
	c.events.SessionError(domain.ErrorCodeCaptureStream, cause.Error())
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonCaptureFailed)
}

// Status returns the current capture status.
func (c *SessionController) Status() domain.Status {
	active := c.getCurrent()
	if active == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}
	state := active.getState()
	return domain.Status{
		State:     state,
		Active:    state != domain.SessionStateIdle,
		SessionID: active.id,
		Device:    active.device,
	}
}

// Close stops any running session and joins background work.
func (c *SessionController) Close() {
	if err := c.Stop(context.Background()); err != nil && !errors.Is(err, ErrNoActiveSession) {
		logging.Warnw("stop on close failed", "error", err)
	}
	c.wg.Wait()
}

func (c *SessionController) getCurrent() *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// teardown cancels the session, releases the capture, closes the interim
// stream and waits for the session goroutines.
func (c *SessionController) teardown(active *activeSession) {
	if active.cancel != nil {
		active.cancel()
	}
	if active.audio != nil {
		if err := active.audio.Stop(); err != nil {
			c.events.SessionError(domain.ErrorCodeCaptureStop, fmt.Sprintf("failed to stop audio capture cleanly: %v", err))
		}
	}
	if active.stream != nil {
		_ = active.stream.CloseSend()
		if err := waitForStream(active.stream, streamCloseTimeout); err != nil {
			logging.Debugw("interim stream closed", "session.id", active.id, "error", err)
		}
		_ = active.stream.Close()
	}
	if active.audio != nil {
		<-active.pumpDone
		_ = active.audio.Close()
	}
	<-active.interimDone
}

func (c *SessionController) release(active *activeSession) {
	active.setState(domain.SessionStateIdle)
	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
	close(active.finished)
}
