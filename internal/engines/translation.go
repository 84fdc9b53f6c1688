package engines

import (
	"context"
	"strings"
	"time"

	"livesub/internal/ports"
)

// Translation is the translation port: an ordered fallback chain of
// translators for one language pair.
type Translation struct {
	chain  chain[ports.Translator]
	source string
	target string
}

func NewTranslation(candidates []Candidate[ports.Translator], source, target string, timeout time.Duration) *Translation {
	return &Translation{
		chain:  newChain("translation", candidates, timeout),
		source: source,
		target: target,
	}
}

// Translate returns the first non-empty translation. Blank input returns ""
// without calling any backend. An empty answer for non-empty input counts
// as a backend failure.
func (t *Translation) Translate(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	var out string
	_, err := t.chain.run(ctx, func(ctx context.Context, backend ports.Translator) (bool, error) {
		got, err := backend.Translate(ctx, text, t.source, t.target)
		if err != nil {
			return false, err
		}
		got = strings.TrimSpace(got)
		if got == "" {
			return false, ErrEmptyResult
		}
		out = got
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (t *Translation) Names() []string { return t.chain.names() }

func (t *Translation) Availability() map[string]error { return t.chain.availability() }
