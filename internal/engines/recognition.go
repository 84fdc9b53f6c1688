package engines

import (
	"context"
	"strings"
	"time"

	"livesub/internal/domain"
	"livesub/internal/ports"
)

// Recognition is the speech-to-text port: an ordered fallback chain of
// recognizers sharing one source language.
type Recognition struct {
	chain    chain[ports.Recognizer]
	language string
}

func NewRecognition(candidates []Candidate[ports.Recognizer], language string, timeout time.Duration) *Recognition {
	return &Recognition{
		chain:    newChain("recognition", candidates, timeout),
		language: language,
	}
}

// Recognize returns the non-empty segments of the first backend that hears
// speech in the frame. A frame every backend hears as silence yields no
// segments and no error. When all backends fail the error wraps
// ErrChainExhausted.
func (r *Recognition) Recognize(ctx context.Context, frame domain.AudioFrame) ([]domain.Segment, error) {
	if len(frame.PCM) == 0 {
		return nil, nil
	}

	var segments []domain.Segment
	_, err := r.chain.run(ctx, func(ctx context.Context, backend ports.Recognizer) (bool, error) {
		got, err := backend.Recognize(ctx, frame.PCM, r.language)
		if err != nil {
			return false, err
		}
		segments = nonEmpty(got)
		return len(segments) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// Names lists the configured backends in order.
func (r *Recognition) Names() []string { return r.chain.names() }

// Availability constructs every backend and reports construction errors.
func (r *Recognition) Availability() map[string]error { return r.chain.availability() }

func nonEmpty(segments []domain.Segment) []domain.Segment {
	out := make([]domain.Segment, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, domain.Segment{Text: text})
	}
	return out
}
