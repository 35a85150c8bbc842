package canonicalize

import (
	"regexp"
	"strings"
)

// Rule replaces one kind of volatile marker inside a single line.
// Apply must be a fixpoint on its own output: applying it to a line it has
// already rewritten with the same token returns the line unchanged.
type Rule interface {
	Name() string
	Apply(line, token string) string
}

// regexRule rewrites every match of re using a template in which the
// literal "{token}" stands for the run token and $1.. for submatches.
type regexRule struct {
	name     string
	re       *regexp.Regexp
	template string
}

func (r *regexRule) Name() string { return r.name }

func (r *regexRule) Apply(line, token string) string {
	if !r.re.MatchString(line) {
		return line
	}
	escaped := strings.ReplaceAll(token, "$", "$$")
	return r.re.ReplaceAllString(line, strings.ReplaceAll(r.template, "{token}", escaped))
}

// NewRegexRule builds a rule from a pattern and a replacement template.
// The template may reference submatches (${1}) and the run token ({token}).
func NewRegexRule(name, pattern, template string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexRule{name: name, re: re, template: template}, nil
}

// DefaultRunIDFields are the field names whose values identify a run.
var DefaultRunIDFields = []string{"run_id", "run-id", "runId", "execution_id", "invocation_id"}

// TimestampRule matches ISO-8601 date-times with optional fraction and zone.
func TimestampRule() Rule {
	return &regexRule{
		name:     "iso8601_timestamp",
		re:       regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
		template: "{token}",
	}
}

// ElapsedParenRule matches "(123ms)" style duration annotations.
func ElapsedParenRule() Rule {
	return &regexRule{
		name:     "elapsed_paren_ms",
		re:       regexp.MustCompile(`\(\s*\d+(?:\.\d+)?\s*ms\s*\)`),
		template: "({token})",
	}
}

// ElapsedAfterRule matches "after 123ms" style duration annotations.
func ElapsedAfterRule() Rule {
	return &regexRule{
		name:     "elapsed_after_ms",
		re:       regexp.MustCompile(`\bafter\s+\d+(?:\.\d+)?\s*ms\b`),
		template: "after {token}",
	}
}

// RunIDFieldRule matches "field: value", "field=value" and
// "\"field\": \"value\"" for each named field.
func RunIDFieldRule(fields []string) Rule {
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, regexp.QuoteMeta(f))
	}
	pattern := `\b(` + strings.Join(quoted, "|") + `)("?\s*[:=]\s*"?)[A-Za-z0-9._:+-]+`
	return &regexRule{
		name:     "run_id_field",
		re:       regexp.MustCompile(pattern),
		template: "${1}${2}{token}",
	}
}

// DefaultRules returns the ordered volatile-marker rule list.
func DefaultRules(runIDFields []string) []Rule {
	if len(runIDFields) == 0 {
		runIDFields = DefaultRunIDFields
	}
	return []Rule{
		TimestampRule(),
		ElapsedParenRule(),
		ElapsedAfterRule(),
		RunIDFieldRule(runIDFields),
	}
}
