package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Known backend names accepted in engine chains.
var (
	RecognitionBackends = []string{"deepgram", "openai", "whisper"}
	TranslationBackends = []string{"deepl", "openai", "libretranslate"}
)

// Config stores runtime configuration for the pipeline, hub and relay.
type Config struct {
	LogLevel       string
	Server         ServerConfig
	Relay          RelayConfig
	Audio          AudioConfig
	Pipeline       PipelineConfig
	Languages      LanguageConfig
	Recognition    []string
	Translation    []string
	Deepgram       DeepgramConfig
	OpenAI         OpenAIConfig
	Whisper        WhisperConfig
	DeepL          DeepLConfig
	LibreTranslate LibreTranslateConfig
	Rules          RulesConfig
	Session        SessionConfig
}

type ServerConfig struct {
	Addr           string
	Path           string
	MaxUploadBytes int64
}

type RelayConfig struct {
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type AudioConfig struct {
	RecorderCommand string
	DecoderCommand  string
	InputFormat     string
	InputDevice     string
}

type PipelineConfig struct {
	Workers        int
	FrameQueue     int
	ResultQueue    int
	FrameDuration  time.Duration
	PaceUploads    bool
	BackendTimeout time.Duration
}

type LanguageConfig struct {
	Source string
	Target string
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	Interim     bool
}

type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	TranslationModel   string
}

type WhisperConfig struct {
	URL string
}

type DeepLConfig struct {
	APIKey     string
	APIBaseURL string
}

type LibreTranslateConfig struct {
	URL    string
	APIKey string
}

type RulesConfig struct {
	Path           string
	IterationLimit int
}

type SessionConfig struct {
	StopWhenIdle bool
}

// fileConfig is the optional TOML overlay. Environment variables win over it.
type fileConfig struct {
	Server struct {
		Addr string `toml:"addr"`
		Path string `toml:"path"`
	} `toml:"server"`
	Relay struct {
		URL string `toml:"url"`
	} `toml:"relay"`
	Languages struct {
		Source string `toml:"source"`
		Target string `toml:"target"`
	} `toml:"languages"`
	Chains struct {
		Recognition []string `toml:"recognition"`
		Translation []string `toml:"translation"`
	} `toml:"chains"`
	Pipeline struct {
		Workers     int   `toml:"workers"`
		FrameQueue  int   `toml:"frame_queue"`
		ResultQueue int   `toml:"result_queue"`
		PaceUploads *bool `toml:"pace_uploads"`
	} `toml:"pipeline"`
	Rules struct {
		Path string `toml:"path"`
	} `toml:"rules"`
}

// Load resolves configuration from dotenv files, an optional TOML file and
// environment variables, in increasing priority.
func Load(path string) (Config, error) {
	loadDotenv()

	var file fileConfig
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LIVESUB_CONFIG"))
	}
	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := toml.Unmarshal(contents, &file); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	paceDefault := true
	if file.Pipeline.PaceUploads != nil {
		paceDefault = *file.Pipeline.PaceUploads
	}

	cfg := Config{
		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Addr:           envOrDefault("LIVESUB_ADDR", firstNonEmpty(file.Server.Addr, "0.0.0.0:8768")),
			Path:           envOrDefault("LIVESUB_PATH", firstNonEmpty(file.Server.Path, "/")),
			MaxUploadBytes: int64(envOrDefaultInt("LIVESUB_MAX_UPLOAD_BYTES", 64<<20)),
		},
		Relay: RelayConfig{
			URL:       envOrDefault("LIVESUB_RELAY_URL", file.Relay.URL),
			BaseDelay: envOrDefaultDuration("LIVESUB_RELAY_BASE_DELAY", time.Second),
			MaxDelay:  envOrDefaultDuration("LIVESUB_RELAY_MAX_DELAY", 30*time.Second),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("LIVESUB_FFMPEG_COMMAND", "ffmpeg"),
			DecoderCommand:  envOrDefault("LIVESUB_DECODER_COMMAND", envOrDefault("LIVESUB_FFMPEG_COMMAND", "ffmpeg")),
			InputFormat:     envOrDefault("LIVESUB_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("LIVESUB_AUDIO_INPUT_DEVICE", "default"),
		},
		Pipeline: PipelineConfig{
			Workers:        envOrDefaultInt("LIVESUB_WORKERS", positiveOr(file.Pipeline.Workers, runtime.NumCPU())),
			FrameQueue:     envOrDefaultInt("LIVESUB_FRAME_QUEUE", positiveOr(file.Pipeline.FrameQueue, 32)),
			ResultQueue:    envOrDefaultInt("LIVESUB_RESULT_QUEUE", positiveOr(file.Pipeline.ResultQueue, 64)),
			FrameDuration:  envOrDefaultDuration("LIVESUB_FRAME_DURATION", time.Second),
			PaceUploads:    envOrDefaultBool("LIVESUB_PACE_UPLOADS", paceDefault),
			BackendTimeout: envOrDefaultDuration("LIVESUB_BACKEND_TIMEOUT", 15*time.Second),
		},
		Languages: LanguageConfig{
			Source: envOrDefault("LIVESUB_SOURCE_LANG", firstNonEmpty(file.Languages.Source, "hi")),
			Target: envOrDefault("LIVESUB_TARGET_LANG", firstNonEmpty(file.Languages.Target, "en")),
		},
		Recognition: envOrDefaultList("LIVESUB_RECOGNITION_CHAIN", orDefaultList(file.Chains.Recognition, RecognitionBackends)),
		Translation: envOrDefaultList("LIVESUB_TRANSLATION_CHAIN", orDefaultList(file.Chains.Translation, TranslationBackends)),
		Deepgram: DeepgramConfig{
			APIKey:      credential("DEEPGRAM_API_KEY"),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    strings.TrimSpace(os.Getenv("DEEPGRAM_LANGUAGE")),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
			Interim:     envOrDefaultBool("DEEPGRAM_INTERIM", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:             credential("OPENAI_API_KEY"),
			BaseURL:            strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			TranscriptionModel: envOrDefault("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
			TranslationModel:   envOrDefault("OPENAI_TRANSLATION_MODEL", "gpt-4o-mini"),
		},
		Whisper: WhisperConfig{
			URL: strings.TrimSpace(os.Getenv("WHISPER_URL")),
		},
		DeepL: DeepLConfig{
			APIKey:     credential("DEEPL_API_KEY"),
			APIBaseURL: envOrDefault("DEEPL_API_BASE", "https://api-free.deepl.com/v2"),
		},
		LibreTranslate: LibreTranslateConfig{
			URL:    strings.TrimSpace(os.Getenv("LIBRETRANSLATE_URL")),
			APIKey: credential("LIBRETRANSLATE_API_KEY"),
		},
		Rules: RulesConfig{
			Path:           envOrDefault("LIVESUB_RULES_FILE", file.Rules.Path),
			IterationLimit: envOrDefaultInt("LIVESUB_RULE_ITERATION_LIMIT", 30),
		},
		Session: SessionConfig{
			StopWhenIdle: envOrDefaultBool("LIVESUB_STOP_WHEN_IDLE", false),
		},
	}

	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = runtime.NumCPU()
	}
	if cfg.Pipeline.FrameQueue <= 0 {
		cfg.Pipeline.FrameQueue = 32
	}
	if cfg.Pipeline.ResultQueue <= 0 {
		cfg.Pipeline.ResultQueue = 64
	}
	if cfg.Pipeline.FrameDuration <= 0 {
		cfg.Pipeline.FrameDuration = time.Second
	}
	if cfg.Pipeline.BackendTimeout <= 0 {
		cfg.Pipeline.BackendTimeout = 15 * time.Second
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = 30
	}
	if cfg.Relay.BaseDelay <= 0 {
		cfg.Relay.BaseDelay = time.Second
	}
	if cfg.Relay.MaxDelay < cfg.Relay.BaseDelay {
		cfg.Relay.MaxDelay = cfg.Relay.BaseDelay
	}

	if err := validateChain("recognition", cfg.Recognition, RecognitionBackends); err != nil {
		return Config{}, err
	}
	if err := validateChain("translation", cfg.Translation, TranslationBackends); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotenv() {
	if explicit := strings.TrimSpace(os.Getenv("LIVESUB_ENV_FILE")); explicit != "" {
		_ = godotenv.Load(explicit)
		return
	}
	for _, candidate := range []string{".env", filepath.Join("config", ".env")} {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
		}
	}
}

func validateChain(port string, chain []string, known []string) error {
	if len(chain) == 0 {
		return fmt.Errorf("%s chain is empty", port)
	}
	seen := make(map[string]bool, len(chain))
	for _, name := range chain {
		if !contains(known, name) {
			return fmt.Errorf("%s chain: unknown backend %q", port, name)
		}
		if seen[name] {
			return fmt.Errorf("%s chain: backend %q listed twice", port, name)
		}
		seen[name] = true
	}
	return nil
}

// credential treats template placeholders as absent.
func credential(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if strings.HasPrefix(strings.ToLower(value), "your_") {
		return ""
	}
	return value
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func orDefaultList(values, fallback []string) []string {
	if len(values) == 0 {
		return append([]string(nil), fallback...)
	}
	return normalizeList(values)
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration accepts Go durations ("750ms") or bare milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		if ms < 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envOrDefaultList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return normalizeList(strings.Split(value, ","))
}

// ErrNoRelayURL is returned when a relay deployment has no hub endpoint.
var ErrNoRelayURL = errors.New("relay url is not configured")

// RequireRelay validates the relay section for split deployments.
func (c Config) RequireRelay() error {
	if strings.TrimSpace(c.Relay.URL) == "" {
		return ErrNoRelayURL
	}
	return nil
}
