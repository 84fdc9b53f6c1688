package libretranslate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"livesub/internal/engines"
)

type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// Client calls a self-hosted LibreTranslate instance. It is the local
// fallback of the translation chain.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("libretranslate: %w: LIBRETRANSLATE_URL is empty", engines.ErrNotConfigured)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: base + "/translate", apiKey: cfg.APIKey, http: cfg.HTTPClient}, nil
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if sourceLang == "" {
		sourceLang = "auto"
	}
	body, err := json.Marshal(translateRequest{
		Q:      text,
		Source: strings.ToLower(sourceLang),
		Target: strings.ToLower(targetLang),
		Format: "text",
		APIKey: c.apiKey,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build libretranslate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("libretranslate request failed: %w", err)
	}
	defer resp.Body.Close()

	var out translateResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("libretranslate returned status %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("libretranslate returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode libretranslate response: %w", decodeErr)
	}
	return out.TranslatedText, nil
}
