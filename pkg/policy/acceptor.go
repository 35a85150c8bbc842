// Package policy decides whether a stage outcome is acceptable to the
// caller. Stages report facts as status records; the acceptance policy is a
// CEL expression evaluated over them.
package policy

import (
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// DefaultExpression accepts only PASS.
const DefaultExpression = `status == "PASS"`

// costLimit bounds evaluation of a policy expression.
const costLimit = 10_000

// Acceptor evaluates a compiled acceptance expression. It is safe for
// concurrent use.
type Acceptor struct {
	expr string
	prg  cel.Program
}

// New compiles expr, which must evaluate to a bool over the variables
// status, reason_code, stage, epoch (strings) and details (map).
// An empty expr uses DefaultExpression.
func New(expr string) (*Acceptor, error) {
	if expr == "" {
		expr = DefaultExpression
	}
	env, err := cel.NewEnv(
		cel.Variable("status", cel.StringType),
		cel.Variable("reason_code", cel.StringType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("epoch", cel.StringType),
		cel.Variable("details", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, conform.Wrap(conform.ReasonConfigInvalid, issues.Err(), "policy %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, conform.Newf(conform.ReasonConfigInvalid, "policy %q yields %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "policy %q", expr)
	}
	return &Acceptor{expr: expr, prg: prg}, nil
}

// Expression returns the source of the compiled policy.
func (a *Acceptor) Expression() string { return a.expr }

// Accept evaluates the policy for rec. A rejection is a PolicyRejected
// error; evaluation failures are reported as such, never as acceptance.
// FAIL and BLOCKED records are rejected before the expression runs: a
// policy can tolerate PARTIAL or empty-scope outcomes but never a mismatch.
func (a *Acceptor) Accept(rec conform.StatusRecord, epochID string) error {
	if !Promotable(rec.Status) {
		return conform.Newf(conform.ReasonPolicyRejected, "%s %s (%s) is never acceptable",
			rec.Stage, rec.Status, orNone(rec.ReasonCode))
	}
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	val, _, err := a.prg.Eval(map[string]any{
		"status":      string(rec.Status),
		"reason_code": rec.ReasonCode,
		"stage":       rec.Stage,
		"epoch":       epochID,
		"details":     details,
	})
	if err != nil {
		return conform.Wrap(conform.ReasonPolicyRejected, err, "evaluate policy %q", a.expr)
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return conform.Newf(conform.ReasonPolicyRejected, "policy %q returned %T", a.expr, val.Value())
	}
	if !ok {
		return conform.Newf(conform.ReasonPolicyRejected, "%s %s (%s) rejected by policy %s",
			rec.Stage, rec.Status, orNone(rec.ReasonCode), a.expr)
	}
	return nil
}

// Promotable reports whether a policy may accept a record with status s.
func Promotable(s conform.Status) bool {
	return s == conform.StatusPass || s == conform.StatusPartial
}

func orNone(s string) string {
	if s == "" {
		return "no reason code"
	}
	return s
}
