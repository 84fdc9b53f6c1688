package domain

import (
	"strings"
	"time"
)

// SessionState models the live-capture lifecycle.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateStarting  SessionState = "starting"
	SessionStateListening SessionState = "listening"
	SessionStateStopping  SessionState = "stopping"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonReady            SessionStateReason = "ready"
	SessionReasonCaptureStarting  SessionStateReason = "capture_starting"
	SessionReasonCaptureStarted   SessionStateReason = "capture_started"
	SessionReasonCaptureRestarted SessionStateReason = "capture_restarted"
	SessionReasonCaptureReplaced  SessionStateReason = "capture_replaced"
	SessionReasonStopRequested    SessionStateReason = "stop_requested"
	SessionReasonCaptureStopped   SessionStateReason = "capture_stopped"
	SessionReasonCaptureFailed    SessionStateReason = "capture_failed"
	SessionReasonStartFailed      SessionStateReason = "start_failed"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeCaptureStart  ErrorCode = "capture_start"
	ErrorCodeCaptureStream ErrorCode = "capture_stream"
	ErrorCodeCaptureStop   ErrorCode = "capture_stop"
	ErrorCodeDecode        ErrorCode = "decode"
	ErrorCodeControl       ErrorCode = "control"
)

// TranscriptKind tags every message delivered to subscribers.
type TranscriptKind string

const (
	KindInterim TranscriptKind = "interim"
	KindFinal   TranscriptKind = "final"
	KindStatus  TranscriptKind = "status"
	KindError   TranscriptKind = "error"
)

// Origin identifies which ingestion path produced a result.
type Origin string

const (
	OriginMic    Origin = "mic"
	OriginUpload Origin = "upload"
)

// Canonical PCM layout used everywhere past the capture/decode boundary.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
)

// Failure markers substituted for text that could not be produced.
const (
	RecognitionFailureMarker = "[Recognition Error]"
	TranslationFailureMarker = "[Translation Error]"
)

// AudioFrame is one owned buffer of s16le mono PCM at SampleRate.
type AudioFrame struct {
	PCM       []byte
	Samples   int
	Offset    time.Duration
	Origin    Origin
	SessionID string
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.Samples)
}

// SamplesDuration converts a sample count at SampleRate into a duration.
func SamplesDuration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}

// Segment is one utterance returned by a recognition backend.
type Segment struct {
	Text string
}

// TranscriptResult is a tagged (source, target) pair ready for delivery.
type TranscriptResult struct {
	SourceText string
	TargetText string
	Kind       TranscriptKind
	Timestamp  time.Time
	Origin     Origin
	SessionID  string
}

// Empty reports whether there is nothing to show for the result.
func (r TranscriptResult) Empty() bool {
	return strings.TrimSpace(r.SourceText) == "" && strings.TrimSpace(r.TargetText) == ""
}

// TranscriptEvent is an incremental hypothesis from a streaming provider.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// Status summarizes the live-capture runtime status.
type Status struct {
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId,omitempty"`
	Device    string       `json:"device,omitempty"`
	Message   string       `json:"message,omitempty"`
}
