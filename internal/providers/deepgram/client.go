package deepgram

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesub/internal/domain"
	"livesub/internal/engines"
)

const (
	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "nova-2"
)

// Config controls Deepgram REST and websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	HTTPClient  *http.Client
}

// Provider talks to Deepgram. It recognizes whole frames over REST and opens
// live websocket streams for interim hypotheses.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{cfg: cfg}
}

// New returns a configured provider or engines.ErrNotConfigured when no API
// key is available.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram: %w: DEEPGRAM_API_KEY is empty", engines.ErrNotConfigured)
	}
	return NewProvider(cfg), nil
}

func (p *Provider) authorize(h http.Header) {
	h.Set("Authorization", "Token "+p.cfg.APIKey)
}

// listenURL builds the /listen endpoint shared by REST and streaming. The
// scheme is swapped to ws/wss when websocket is true.
func listenURL(base string, websocket bool, query url.Values) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultBaseURL
	}
	if websocket {
		if strings.HasPrefix(base, "https://") {
			base = "wss://" + strings.TrimPrefix(base, "https://")
		} else if strings.HasPrefix(base, "http://") {
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (p *Provider) language(hint string) string {
	if p.cfg.Language != "" {
		return p.cfg.Language
	}
	return hint
}

type alternative struct {
	Transcript string `json:"transcript"`
}

// listenResponse covers both live messages and pre-recorded results.
type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Transcript string  `json:"transcript"`
			Start      float64 `json:"start"`
		} `json:"utterances"`
	} `json:"results"`
}

func extractTranscript(response listenResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

// extractSegments prefers utterances and falls back to the whole transcript.
func extractSegments(response listenResponse) []domain.Segment {
	var segments []domain.Segment
	for _, u := range response.Results.Utterances {
		if text := strings.TrimSpace(u.Transcript); text != "" {
			segments = append(segments, domain.Segment{Text: text})
		}
	}
	if len(segments) > 0 {
		return segments
	}
	if text := extractTranscript(response); text != "" {
		return []domain.Segment{{Text: text}}
	}
	return nil
}
