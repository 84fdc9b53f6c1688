package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

// ErrUnsupportedFormat is returned by a decoder that does not recognize the
// payload, letting a DecoderChain try the next one.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const resampleQuality = 4

// WAVDecoder decodes RIFF/WAVE payloads in-process and resamples them to the
// canonical rate.
type WAVDecoder struct{}

func (WAVDecoder) Decode(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) < 12 || string(payload[:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return nil, ErrUnsupportedFormat
	}

	stream, format, err := wav.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	defer stream.Close()

	var source beep.Streamer = stream
	if format.SampleRate != beep.SampleRate(domain.SampleRate) {
		source = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(domain.SampleRate), stream)
	}

	scale := sampleScale(format.Precision)
	out := bytes.NewBuffer(make([]byte, 0, stream.Len()*domain.BytesPerSample))
	samples := make([][2]float64, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := source.Stream(samples)
		for _, s := range samples[:n] {
			// beep duplicates mono input into both channels, so the mean
			// is correct for mono and stereo alike.
			_ = binary.Write(out, binary.LittleEndian, toInt16((s[0]+s[1])/2, scale))
		}
		if !ok {
			break
		}
	}
	if err := source.Err(); err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return out.Bytes(), nil
}

// sampleScale undoes the normalization beep's wav decoder applies for a
// given byte depth. 8-bit samples span [-1, 1]; wider samples are divided by
// 2^bits-1 and only span [-0.5, 0.5].
func sampleScale(precision int) float64 {
	switch precision {
	case 1:
		return math.MaxInt16
	case 2:
		return 1<<16 - 1
	default:
		return (1<<24 - 1) / float64(1<<8)
	}
}

func toInt16(v, scale float64) int16 {
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v*scale))))
}

// FFMPEGDecoder pipes any container ffmpeg understands through to s16le.
type FFMPEGDecoder struct {
	command string
}

func NewFFMPEGDecoder(command string) *FFMPEGDecoder {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGDecoder{command: command}
}

func (d *FFMPEGDecoder) Decode(ctx context.Context, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.command,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-ac", fmt.Sprint(domain.Channels),
		"-ar", fmt.Sprint(domain.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := &lockedBuffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if detail := stderr.trimmed(); detail != "" {
			return nil, fmt.Errorf("ffmpeg decode failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg decode produced no audio")
	}
	return stdout.Bytes(), nil
}

// DecoderChain tries decoders in order. A decoder answering
// ErrUnsupportedFormat is skipped silently; other failures are logged and
// the next decoder gets a chance.
type DecoderChain []ports.Decoder

func (c DecoderChain) Decode(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty audio payload")
	}
	var lastErr error = ErrUnsupportedFormat
	for _, d := range c {
		pcm, err := d.Decode(ctx, payload)
		if err == nil {
			return pcm, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrUnsupportedFormat) {
			logging.Warnw("decoder failed", "decoder", fmt.Sprintf("%T", d), "error", err)
		}
		lastErr = err
	}
	return nil, lastErr
}
