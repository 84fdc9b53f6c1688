package chunker

import (
	"context"
	"iter"
	"time"

	"livesub/internal/domain"
)

const defaultFrameDuration = time.Second

// Chunker splits a decoded PCM buffer into fixed-duration frames.
type Chunker struct {
	FrameDuration time.Duration
	// Pace sleeps one frame duration after each emitted frame to emulate a
	// live stream. Disable for batch throughput.
	Pace bool

	sleep func(ctx context.Context, d time.Duration) bool
}

// New returns a chunker with the given frame size and pacing.
func New(frameDuration time.Duration, pace bool) *Chunker {
	return &Chunker{FrameDuration: frameDuration, Pace: pace}
}

// FrameBytes is the nominal size of one frame in bytes.
func (c *Chunker) FrameBytes() int {
	samples := int(c.frameDuration() * domain.SampleRate / time.Second)
	if samples < 1 {
		samples = 1
	}
	return samples * domain.BytesPerSample * domain.Channels
}

// Count reports how many frames Frames would yield for a buffer of n bytes.
func (c *Chunker) Count(n int) int {
	usable := n - n%domain.BytesPerSample
	if usable <= 0 {
		return 0
	}
	size := c.FrameBytes()
	return (usable + size - 1) / size
}

// Frames yields non-overlapping frames covering pcm in ascending order. The
// last frame may be shorter. A trailing odd byte is not a whole sample and is
// dropped. Every call starts over from the beginning of pcm.
func (c *Chunker) Frames(ctx context.Context, pcm []byte, origin domain.Origin, sessionID string) iter.Seq[domain.AudioFrame] {
	return func(yield func(domain.AudioFrame) bool) {
		usable := len(pcm) - len(pcm)%domain.BytesPerSample
		size := c.FrameBytes()
		sampleBytes := domain.BytesPerSample * domain.Channels

		for start := 0; start < usable; start += size {
			if ctx.Err() != nil {
				return
			}
			end := min(start+size, usable)
			buf := make([]byte, end-start)
			copy(buf, pcm[start:end])

			frame := domain.AudioFrame{
				PCM:       buf,
				Samples:   len(buf) / sampleBytes,
				Offset:    domain.SamplesDuration(start / sampleBytes),
				Origin:    origin,
				SessionID: sessionID,
			}
			if !yield(frame) {
				return
			}
			if c.Pace && end < usable {
				if !c.wait(ctx, frame.Duration()) {
					return
				}
			}
		}
	}
}

func (c *Chunker) frameDuration() time.Duration {
	if c.FrameDuration <= 0 {
		return defaultFrameDuration
	}
	return c.FrameDuration
}

func (c *Chunker) wait(ctx context.Context, d time.Duration) bool {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
