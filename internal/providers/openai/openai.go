package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"livesub/internal/audio"
	"livesub/internal/domain"
	"livesub/internal/engines"
)

// Config controls the OpenAI client.
type Config struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	TranslationModel   string
}

// Client recognizes speech with Whisper and translates with a chat model.
type Client struct {
	api                *goopenai.Client
	transcriptionModel string
	translationModel   string
}

// New returns a client or engines.ErrNotConfigured when the key is missing.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: %w: OPENAI_API_KEY is empty", engines.ErrNotConfigured)
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = goopenai.Whisper1
	}
	if cfg.TranslationModel == "" {
		cfg.TranslationModel = goopenai.GPT4oMini
	}
	return &Client{
		api:                goopenai.NewClientWithConfig(clientCfg),
		transcriptionModel: cfg.TranscriptionModel,
		translationModel:   cfg.TranslationModel,
	}, nil
}

// Recognize uploads the frame as WAV and returns Whisper's segments, or the
// whole text when the response carries none.
func (c *Client) Recognize(ctx context.Context, pcm []byte, language string) ([]domain.Segment, error) {
	wav := audio.EncodeWAV(pcm, domain.SampleRate, domain.Channels)
	resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: "frame.wav",
		Reader:   bytes.NewReader(wav),
		Language: language,
		Format:   goopenai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	var segments []domain.Segment
	for _, s := range resp.Segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			segments = append(segments, domain.Segment{Text: text})
		}
	}
	if len(segments) == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			segments = append(segments, domain.Segment{Text: text})
		}
	}
	return segments, nil
}

// Translate asks the chat model for a plain translation of text.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.translationModel,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt(sourceLang, targetLang)},
			{Role: goopenai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("openai translation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai translation: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func systemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"Translate the user's message from %s to %s. Reply with the translation only, without quotes or commentary.",
		languageName(sourceLang), languageName(targetLang),
	)
}

var languageNames = map[string]string{
	"hi": "Hindi",
	"en": "English",
	"mr": "Marathi",
	"bn": "Bengali",
	"ta": "Tamil",
	"te": "Telugu",
	"ur": "Urdu",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}
