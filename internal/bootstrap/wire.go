package bootstrap

import (
	"fmt"

	"livesub/internal/audio"
	"livesub/internal/chunker"
	"livesub/internal/config"
	"livesub/internal/domain"
	"livesub/internal/engines"
	"livesub/internal/pipeline"
	"livesub/internal/ports"
	"livesub/internal/providers/deepgram"
	"livesub/internal/providers/deepl"
	"livesub/internal/providers/libretranslate"
	"livesub/internal/providers/openai"
	"livesub/internal/providers/whisper"
	"livesub/internal/rules"
	"livesub/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Config      config.Config
	Recognition *engines.Recognition
	Translation *engines.Translation
	Glossary    *rules.Glossary
	Pool        *pipeline.Pool
	Controller  *usecase.SessionController
	Uploads     *usecase.UploadIngestor
}

// Build wires all pipeline dependencies. events receives live session
// transitions; notify publishes upload progress.
func Build(cfg config.Config, events ports.EventSink, notify ports.Notifier) (Services, error) {
	glossary, err := rules.NewGlossary(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, fmt.Errorf("load glossary: %w", err)
	}

	recognition := engines.NewRecognition(RecognitionCandidates(cfg), cfg.Languages.Source, cfg.Pipeline.BackendTimeout)
	translation := engines.NewTranslation(TranslationCandidates(cfg), cfg.Languages.Source, cfg.Languages.Target, cfg.Pipeline.BackendTimeout)

	pool := pipeline.NewPool(recognition, translation, glossary, pipeline.Options{
		Workers:     cfg.Pipeline.Workers,
		FrameQueue:  cfg.Pipeline.FrameQueue,
		ResultQueue: cfg.Pipeline.ResultQueue,
	})

	frames := chunker.New(cfg.Pipeline.FrameDuration, cfg.Pipeline.PaceUploads)

	var interim ports.TranscriptionProvider
	if cfg.Deepgram.Interim && cfg.Deepgram.APIKey != "" {
		interim = deepgram.NewProvider(deepgramConfig(cfg))
	}

	controller := usecase.NewSessionController(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		interim,
		pool,
		events,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  domain.SampleRate,
				Channels:    domain.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				SampleRate:     domain.SampleRate,
				Channels:       domain.Channels,
				Encoding:       "linear16",
				InterimResults: true,
			},
			FrameBytes: chunker.New(cfg.Pipeline.FrameDuration, false).FrameBytes(),
		},
	)

	decoders := audio.DecoderChain{
		audio.WAVDecoder{},
		audio.NewFFMPEGDecoder(cfg.Audio.DecoderCommand),
	}
	uploads := usecase.NewUploadIngestor(decoders, frames, pool, notify)

	return Services{
		Config:      cfg,
		Recognition: recognition,
		Translation: translation,
		Glossary:    glossary,
		Pool:        pool,
		Controller:  controller,
		Uploads:     uploads,
	}, nil
}

// Close stops producers before the pool. The pool's results must still be
// drained while Close runs.
func (s Services) Close() {
	s.Controller.Close()
	s.Uploads.Close()
	s.Pool.Close()
}

// RecognitionCandidates lists the configured recognition backends in chain
// order.
func RecognitionCandidates(cfg config.Config) []engines.Candidate[ports.Recognizer] {
	out := make([]engines.Candidate[ports.Recognizer], 0, len(cfg.Recognition))
	for _, name := range cfg.Recognition {
		var build func() (ports.Recognizer, error)
		switch name {
		case "deepgram":
			build = func() (ports.Recognizer, error) {
				p, err := deepgram.New(deepgramConfig(cfg))
				if err != nil {
					return nil, err
				}
				return p, nil
			}
		case "openai":
			build = func() (ports.Recognizer, error) {
				c, err := openai.New(openaiConfig(cfg))
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		case "whisper":
			build = func() (ports.Recognizer, error) {
				c, err := whisper.New(whisper.Config{URL: cfg.Whisper.URL, Retries: 2})
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		}
		out = append(out, engines.Candidate[ports.Recognizer]{Name: name, New: build})
	}
	return out
}

// TranslationCandidates lists the configured translation backends in chain
// order.
func TranslationCandidates(cfg config.Config) []engines.Candidate[ports.Translator] {
	out := make([]engines.Candidate[ports.Translator], 0, len(cfg.Translation))
	for _, name := range cfg.Translation {
		var build func() (ports.Translator, error)
		switch name {
		case "deepl":
			build = func() (ports.Translator, error) {
				c, err := deepl.New(deepl.Config{APIKey: cfg.DeepL.APIKey, APIBaseURL: cfg.DeepL.APIBaseURL})
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		case "openai":
			build = func() (ports.Translator, error) {
				c, err := openai.New(openaiConfig(cfg))
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		case "libretranslate":
			build = func() (ports.Translator, error) {
				c, err := libretranslate.New(libretranslate.Config{URL: cfg.LibreTranslate.URL, APIKey: cfg.LibreTranslate.APIKey})
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		}
		out = append(out, engines.Candidate[ports.Translator]{Name: name, New: build})
	}
	return out
}

func deepgramConfig(cfg config.Config) deepgram.Config {
	return deepgram.Config{
		APIKey:      cfg.Deepgram.APIKey,
		APIBaseURL:  cfg.Deepgram.APIBaseURL,
		Model:       cfg.Deepgram.Model,
		Language:    cfg.Deepgram.Language,
		SmartFormat: cfg.Deepgram.SmartFormat,
	}
}

func openaiConfig(cfg config.Config) openai.Config {
	return openai.Config{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		TranslationModel:   cfg.OpenAI.TranslationModel,
	}
}
