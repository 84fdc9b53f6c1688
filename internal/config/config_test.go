package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIVESUB_CONFIG", "LIVESUB_ENV_FILE", "LIVESUB_RECOGNITION_CHAIN", "LIVESUB_TRANSLATION_CHAIN",
		"LIVESUB_SOURCE_LANG", "LIVESUB_TARGET_LANG", "LIVESUB_WORKERS", "LIVESUB_RELAY_URL",
		"DEEPGRAM_API_KEY", "OPENAI_API_KEY", "DEEPL_API_KEY", "LIBRETRANSLATE_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Recognition, RecognitionBackends) {
		t.Fatalf("unexpected recognition chain: %v", cfg.Recognition)
	}
	if !reflect.DeepEqual(cfg.Translation, TranslationBackends) {
		t.Fatalf("unexpected translation chain: %v", cfg.Translation)
	}
	if cfg.Languages.Source != "hi" || cfg.Languages.Target != "en" {
		t.Fatalf("unexpected languages: %+v", cfg.Languages)
	}
	if cfg.Pipeline.FrameDuration != time.Second || cfg.Pipeline.FrameQueue != 32 || cfg.Pipeline.ResultQueue != 64 {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Relay.BaseDelay != time.Second || cfg.Relay.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected relay delays: %+v", cfg.Relay)
	}
	if cfg.Pipeline.Workers <= 0 {
		t.Fatalf("expected positive worker count")
	}
}

func TestLoadRespectsOverridesAndFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPGRAM_API_KEY", "test-key")
	t.Setenv("DEEPGRAM_API_BASE", "https://example.com/v1")
	t.Setenv("DEEPGRAM_MODEL", "nova-3")
	t.Setenv("DEEPGRAM_SMART_FORMAT", "false")
	t.Setenv("DEEPGRAM_INTERIM", "yes")
	t.Setenv("OPENAI_API_KEY", "your_openai_key")
	t.Setenv("LIVESUB_RECOGNITION_CHAIN", " Whisper , deepgram ")
	t.Setenv("LIVESUB_FRAME_DURATION", "750ms")
	t.Setenv("LIVESUB_BACKEND_TIMEOUT", "2500")
	t.Setenv("LIVESUB_FFMPEG_COMMAND", "my-ffmpeg")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Deepgram.APIKey != "test-key" || cfg.Deepgram.APIBaseURL != "https://example.com/v1" {
		t.Fatalf("unexpected deepgram config: %+v", cfg.Deepgram)
	}
	if cfg.Deepgram.Model != "nova-3" || cfg.Deepgram.SmartFormat || !cfg.Deepgram.Interim {
		t.Fatalf("unexpected deepgram flags: %+v", cfg.Deepgram)
	}
	if cfg.OpenAI.APIKey != "" {
		t.Fatalf("expected placeholder key to be treated as absent")
	}
	if !reflect.DeepEqual(cfg.Recognition, []string{"whisper", "deepgram"}) {
		t.Fatalf("unexpected chain: %v", cfg.Recognition)
	}
	if cfg.Pipeline.FrameDuration != 750*time.Millisecond || cfg.Pipeline.BackendTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected durations: %+v", cfg.Pipeline)
	}
	if cfg.Audio.RecorderCommand != "my-ffmpeg" || cfg.Audio.DecoderCommand != "my-ffmpeg" {
		t.Fatalf("unexpected audio commands: %+v", cfg.Audio)
	}
}

func TestLoadInvalidValuesFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVESUB_FRAME_QUEUE", "bad")
	t.Setenv("LIVESUB_RESULT_QUEUE", "-4")
	t.Setenv("LIVESUB_FRAME_DURATION", "soon")
	t.Setenv("LIVESUB_RULE_ITERATION_LIMIT", "0")
	t.Setenv("LIVESUB_RELAY_MAX_DELAY", "10ms")
	t.Setenv("DEEPGRAM_SMART_FORMAT", "not-bool")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Pipeline.FrameQueue != 32 || cfg.Pipeline.ResultQueue != 64 {
		t.Fatalf("expected queue fallbacks, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.FrameDuration != time.Second {
		t.Fatalf("expected default frame duration, got %s", cfg.Pipeline.FrameDuration)
	}
	if cfg.Rules.IterationLimit != 30 {
		t.Fatalf("expected default iteration limit, got %d", cfg.Rules.IterationLimit)
	}
	if cfg.Relay.MaxDelay != cfg.Relay.BaseDelay {
		t.Fatalf("expected max delay clamped to base, got %s", cfg.Relay.MaxDelay)
	}
	if !cfg.Deepgram.SmartFormat {
		t.Fatalf("expected default smart format true")
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVESUB_TRANSLATION_CHAIN", "deepl,bing")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown backend error")
	}

	t.Setenv("LIVESUB_TRANSLATION_CHAIN", "deepl,deepl")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected duplicate backend error")
	}
}

func TestLoadReadsTOMLAndEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "livesub.toml")
	contents := `
[server]
addr = "127.0.0.1:9000"

[languages]
source = "mr"
target = "de"

[chains]
recognition = ["openai"]
translation = ["libretranslate", "deepl"]

[pipeline]
workers = 3
pace_uploads = false
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("LIVESUB_TARGET_LANG", "fr")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Languages.Source != "mr" || cfg.Languages.Target != "fr" {
		t.Fatalf("unexpected languages: %+v", cfg.Languages)
	}
	if !reflect.DeepEqual(cfg.Recognition, []string{"openai"}) {
		t.Fatalf("unexpected recognition chain: %v", cfg.Recognition)
	}
	if !reflect.DeepEqual(cfg.Translation, []string{"libretranslate", "deepl"}) {
		t.Fatalf("unexpected translation chain: %v", cfg.Translation)
	}
	if cfg.Pipeline.Workers != 3 || cfg.Pipeline.PaceUploads {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
}

func TestLoadReadsDotenvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "livesub.env")
	if err := os.WriteFile(path, []byte("DEEPL_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("LIVESUB_ENV_FILE", path)
	// godotenv never overrides variables that are already set, even to "".
	os.Unsetenv("DEEPL_API_KEY")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DeepL.APIKey != "from-dotenv" {
		t.Fatalf("expected dotenv key, got %q", cfg.DeepL.APIKey)
	}
	os.Unsetenv("DEEPL_API_KEY")
}

func TestRequireRelay(t *testing.T) {
	t.Parallel()

	if err := (Config{}).RequireRelay(); err != ErrNoRelayURL {
		t.Fatalf("expected ErrNoRelayURL, got %v", err)
	}
	if err := (Config{Relay: RelayConfig{URL: "ws://hub"}}).RequireRelay(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected read error")
	}
}
