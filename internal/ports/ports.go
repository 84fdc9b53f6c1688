package ports

import (
	"context"
	"io"

	"livesub/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active provider websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming sessions used for interim hypotheses.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// Recognizer is one speech-to-text backend.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte, language string) ([]domain.Segment, error)
}

// Translator is one translation backend.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Decoder turns an uploaded container payload into canonical s16le PCM.
type Decoder interface {
	Decode(ctx context.Context, payload []byte) ([]byte, error)
}

// RulesEngine transforms translated text using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// EventSink receives session lifecycle events.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	SessionError(code domain.ErrorCode, detail string)
}

// Broadcaster delivers encoded results to subscribers, locally or remotely.
type Broadcaster interface {
	Broadcast(ctx context.Context, result domain.TranscriptResult) error
}

// Notifier publishes status and error messages to subscribers.
type Notifier interface {
	Status(ctx context.Context, origin domain.Origin, text string)
	Error(ctx context.Context, origin domain.Origin, text string)
}

// FrameSink accepts audio frames for processing, blocking when full.
type FrameSink interface {
	Submit(ctx context.Context, frame domain.AudioFrame) error
}
