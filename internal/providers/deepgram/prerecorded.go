package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"livesub/internal/domain"
)

// Recognize sends one frame of raw PCM to the pre-recorded endpoint.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, language string) ([]domain.Segment, error) {
	query := url.Values{}
	query.Set("model", p.cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(domain.SampleRate))
	query.Set("channels", strconv.Itoa(domain.Channels))
	query.Set("smart_format", strconv.FormatBool(p.cfg.SmartFormat))
	query.Set("utterances", "true")
	if lang := p.language(language); lang != "" {
		query.Set("language", lang)
	}

	endpoint, err := listenURL(p.cfg.APIBaseURL, false, query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pcm))
	if err != nil {
		return nil, fmt.Errorf("build deepgram request: %w", err)
	}
	p.authorize(req.Header)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read deepgram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var decoded listenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}
	return extractSegments(decoded), nil
}
