package canonicalize

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// DefaultForbiddenTokens mark semantic lines that no volatile rule may touch.
var DefaultForbiddenTokens = []string{
	`(?i)threshold`,
	`(?i)tolerance`,
	`(?i)\b(min|max)_[a-z0-9_]+\s*[:=]`,
	`(?i)\blimit\s*[:=]`,
}

// Options configures a Normalizer.
type Options struct {
	// RunIDFields names fields whose values identify a run.
	RunIDFields []string
	// ForbiddenTokens are regular expressions marking semantic lines.
	ForbiddenTokens []string
	// ExtraRules run after the default rules, in order.
	ExtraRules []Rule
	// RecordSchemas maps a path glob (path.Match syntax) to the volatile
	// field tags of structured JSON records at matching paths.
	RecordSchemas map[string]RecordSchema
}

// Normalizer canonicalizes artifact text. It is safe for concurrent use.
type Normalizer struct {
	rules     []Rule
	forbidden []*regexp.Regexp
	schemas   map[string]RecordSchema
	globs     []string
}

// New builds a Normalizer from options.
func New(opts Options) (*Normalizer, error) {
	tokens := opts.ForbiddenTokens
	if tokens == nil {
		tokens = DefaultForbiddenTokens
	}
	n := &Normalizer{
		rules:   append(DefaultRules(opts.RunIDFields), opts.ExtraRules...),
		schemas: opts.RecordSchemas,
	}
	for _, tok := range tokens {
		re, err := regexp.Compile(tok)
		if err != nil {
			return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "forbidden token %q", tok)
		}
		n.forbidden = append(n.forbidden, re)
	}
	for glob := range opts.RecordSchemas {
		if _, err := path.Match(glob, ""); err != nil {
			return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "record schema glob %q", glob)
		}
		n.globs = append(n.globs, glob)
	}
	sort.Strings(n.globs)
	return n, nil
}

// Default returns a Normalizer with the default rules and guard.
func Default() *Normalizer {
	n, err := New(Options{})
	if err != nil {
		panic(err) // defaults are compile-time constants
	}
	return n
}

// Rules returns the rule names in evaluation order.
func (n *Normalizer) Rules() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name()
	}
	return names
}

// Normalize unifies line endings to LF, strips trailing per-line
// whitespace, replaces volatile markers with the run token and collapses
// trailing blank lines so the result ends in exactly one LF. Empty input
// stays empty.
//
// A rule that would alter a line matching a forbidden semantic token
// aborts normalization with StructuralIntegrityViolation.
func (n *Normalizer) Normalize(text string, rc conform.RunContext) (string, error) {
	token := rc.Token()
	lines := splitLines(text)
	for i, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		orig := line
		for _, rule := range n.rules {
			next := rule.Apply(line, token)
			if next == line {
				continue
			}
			if tok := n.guarded(orig); tok != "" {
				return "", conform.Newf(conform.ReasonStructuralIntegrityViolation,
					"line %d: rule %s would alter semantic line matching %s", i+1, rule.Name(), tok)
			}
			line = next
		}
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return joinLines(lines), nil
}

// Layout applies only the whitespace steps of Normalize: LF line endings,
// no trailing whitespace, no trailing blank lines and one final LF.
func Layout(text string) string {
	lines := splitLines(text)
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return joinLines(lines)
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

func joinLines(lines []string) string {
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	if end == 0 {
		return ""
	}
	return strings.Join(lines[:end], "\n") + "\n"
}

// guarded returns the first forbidden token matching line, or "".
func (n *Normalizer) guarded(line string) string {
	for _, re := range n.forbidden {
		if re.MatchString(line) {
			return re.String()
		}
	}
	return ""
}

// schemaFor returns the record schema registered for rel, if any.
func (n *Normalizer) schemaFor(rel string) (RecordSchema, bool) {
	for _, glob := range n.globs {
		if ok, _ := path.Match(glob, rel); ok {
			return n.schemas[glob], true
		}
	}
	return RecordSchema{}, false
}

func (n *Normalizer) checkSchema(rel string, schema RecordSchema) error {
	for _, field := range schema.Volatile {
		if tok := n.guarded(field); tok != "" {
			return conform.Newf(conform.ReasonStructuralIntegrityViolation,
				"%s: volatile tag %q names a semantic field matching %s", rel, field, tok)
		}
	}
	return nil
}
