package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the wire representation delivered to subscribers. The text
// field names are fixed by the existing display clients.
type Message struct {
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"hindi"`
	Target    string         `json:"english"`
	Origin    Origin         `json:"source"`
	Type      TranscriptKind `json:"type"`
}

// NewMessage converts a result into its wire form.
func NewMessage(r TranscriptResult) Message {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	origin := r.Origin
	if origin == "" {
		origin = OriginMic
	}
	return Message{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Source:    r.SourceText,
		Target:    r.TargetText,
		Origin:    origin,
		Type:      r.Kind,
	}
}

// EncodeResult serializes a result for delivery.
func EncodeResult(r TranscriptResult) ([]byte, error) {
	payload, err := json.Marshal(NewMessage(r))
	if err != nil {
		return nil, fmt.Errorf("encode transcript message: %w", err)
	}
	return payload, nil
}

// Inbound control message types.
const (
	ControlStartLiveAudio = "start_live_audio"
	ControlStopLiveAudio  = "stop_live_audio"
	ControlUploadStart    = "audio_file_upload_start"
)

// ControlMessage is an inbound command from a client.
type ControlMessage struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
}

// DecodeControl parses an inbound text frame.
func DecodeControl(payload []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("decode control message: missing type")
	}
	return msg, nil
}
