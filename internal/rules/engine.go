package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

const defaultIterationLimit = 30

type rule interface {
	apply(input string) (output string, changed bool)
}

// Glossary rewrites translated subtitles with a list of deterministic
// substitutions, for example to pin names or domain terms. It is safe for
// concurrent use and can be reloaded while in use.
type Glossary struct {
	path  string
	limit int
	rules atomic.Pointer[[]rule]
}

// NewGlossary loads rules from path. An empty path or a missing file gives
// an empty glossary that returns text unchanged.
func NewGlossary(path string, iterationLimit int) (*Glossary, error) {
	if iterationLimit <= 0 {
		iterationLimit = defaultIterationLimit
	}
	g := &Glossary{path: strings.TrimSpace(path), limit: iterationLimit}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (g *Glossary) Reload() error {
	var parsed []rule
	if g.path != "" {
		contents, err := os.ReadFile(g.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to read rules file %q: %w", g.path, err)
		default:
			parsed, err = parseRules(string(contents))
			if err != nil {
				return fmt.Errorf("failed to parse rules file %q: %w", g.path, err)
			}
		}
	}
	g.rules.Store(&parsed)
	return nil
}

// Len reports the number of active rules.
func (g *Glossary) Len() int {
	if p := g.rules.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Apply runs every rule in file order, repeating until the text is stable or
// the iteration limit is reached.
func (g *Glossary) Apply(text string) (string, error) {
	p := g.rules.Load()
	if p == nil || len(*p) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	result := text
	for i := 0; i < g.limit; i++ {
		changed := false
		for _, r := range *p {
			if next, ok := r.apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result, nil
}

// parseRules accepts one rule per line:
//
//	term => replacement          whole-word, case-insensitive
//	s/pattern/replacement/flags  regular expression (flags: g i m s)
//
// Blank lines and lines starting with # are ignored.
func parseRules(contents string) ([]rule, error) {
	lines := strings.Split(contents, "\n")
	out := make([]rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			r   rule
			err error
		)
		switch {
		case looksLikeRegexRule(line):
			r, err = parseRegexRule(line)
		case strings.Contains(line, "=>"):
			r, err = parseTermRule(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// termRule replaces a whole word or phrase. When the match starts with an
// upper-case letter, so does the replacement, keeping sentence starts intact.
type termRule struct {
	re          *regexp.Regexp
	replacement string
}

func parseTermRule(line string) (rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("term cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	if first, _ := utf8.DecodeRuneInString(from); isWordRune(first) {
		pattern = `\b` + pattern
	}
	if last, _ := utf8.DecodeLastRuneInString(from); isWordRune(last) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid term: %w", err)
	}
	return termRule{re: re, replacement: to}, nil
}

func (r termRule) apply(input string) (string, bool) {
	output := r.re.ReplaceAllStringFunc(input, func(match string) string {
		if match == r.replacement {
			return match
		}
		first, _ := utf8.DecodeRuneInString(match)
		if unicode.IsUpper(first) {
			return capitalize(r.replacement)
		}
		return r.replacement
	})
	return output, output != input
}

func capitalize(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if first == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(first)) + s[size:]
}

// isWordRune matches the ASCII word class used by \b in RE2.
func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

type regexRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseRegexRule(line string) (rule, error) {
	delim := line[1]
	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	global := false
	prefix := ""
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'g':
			global = true
		case 'i', 'm', 's':
			if !strings.ContainsRune(prefix, flag) {
				prefix += string(flag)
			}
		case ' ':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return regexRule{re: re, replacement: replacement, global: global}, nil
}

func (r regexRule) apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return output, output != input
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		switch {
		case escaped:
			// \<delim> is a literal delimiter; other escapes pass to regexp.
			if char != delim {
				builder.WriteByte('\\')
			}
			builder.WriteByte(char)
			escaped = false
		case char == '\\':
			escaped = true
		case char == delim:
			return builder.String(), index + 1, nil
		default:
			builder.WriteByte(char)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func looksLikeRegexRule(line string) bool {
	if len(line) < 4 || line[0] != 's' {
		return false
	}
	d := line[1]
	return d != ' ' && d != '\t' && !isWordRune(rune(d)) && d < utf8.RuneSelf && strings.Count(line, string(d)) >= 3
}
