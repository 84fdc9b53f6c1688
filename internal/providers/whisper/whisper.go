package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesub/internal/audio"
	"livesub/internal/domain"
	"livesub/internal/engines"
	"livesub/internal/logging"
)

// Config points at a self-hosted faster-whisper compatible server.
type Config struct {
	URL        string
	HTTPClient *http.Client
	// Retries is the number of extra attempts after a 5xx or transport error.
	Retries int
	Backoff time.Duration
}

// Client posts WAV frames to a local Whisper server.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	retries  int
	backoff  time.Duration
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("whisper: %w: WHISPER_URL is empty", engines.ErrNotConfigured)
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("whisper: invalid url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	return &Client{endpoint: endpoint, http: cfg.HTTPClient, retries: cfg.Retries, backoff: cfg.Backoff}, nil
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

func (c *Client) Recognize(ctx context.Context, pcm []byte, language string) ([]domain.Segment, error) {
	u := *c.endpoint
	q := u.Query()
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	target := u.String()

	wav := audio.EncodeWAV(pcm, domain.SampleRate, domain.Channels)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.backoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		segments, retry, err := c.post(ctx, target, wav)
		if err == nil {
			return segments, nil
		}
		lastErr = err
		if !retry {
			break
		}
		logging.Debugw("whisper attempt failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, target string, wav []byte) ([]domain.Segment, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(wav))
	if err != nil {
		return nil, false, fmt.Errorf("build whisper request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("whisper server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("whisper returned status %d", resp.StatusCode)
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode whisper response: %w", err)
	}

	var segments []domain.Segment
	for _, s := range out.Segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			segments = append(segments, domain.Segment{Text: text})
		}
	}
	if len(segments) == 0 {
		if text := strings.TrimSpace(out.Text); text != "" {
			segments = append(segments, domain.Segment{Text: text})
		}
	}
	return segments, false, nil
}
