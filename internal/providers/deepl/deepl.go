package deepl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesub/internal/engines"
)

const defaultBaseURL = "https://api-free.deepl.com/v2"

type Config struct {
	APIKey     string
	APIBaseURL string
	HTTPClient *http.Client
}

// Client calls the DeepL /translate endpoint.
type Client struct {
	apiKey string
	base   string
	http   *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepl: %w: DEEPL_API_KEY is empty", engines.ErrNotConfigured)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{apiKey: cfg.APIKey, base: base, http: cfg.HTTPClient}, nil
}

type translateResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	form := url.Values{}
	form.Set("text", text)
	if sourceLang != "" {
		form.Set("source_lang", strings.ToUpper(sourceLang))
	}
	form.Set("target_lang", targetCode(targetLang))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build deepl request: %w", err)
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepl request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("deepl returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode deepl response: %w", err)
	}
	if len(out.Translations) == 0 {
		return "", errors.New("deepl returned no translations")
	}
	return out.Translations[0].Text, nil
}

// targetCode maps bare codes to the regional variants DeepL requires.
func targetCode(lang string) string {
	switch strings.ToLower(lang) {
	case "", "en":
		return "EN-US"
	case "pt":
		return "PT-BR"
	default:
		return strings.ToUpper(lang)
	}
}
