package translate

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"go.lsp.dev/protocol"
)

// Policy filters diagnostics and overrides their severity using CEL
// expressions. Both expressions see the variables
//
//	code     string  rule code, e.g. "LT01"
//	name     string  rule name, e.g. "layout.spacing" (json output only)
//	message  string
//	line     int     1-based start line
//	severity string  "error", "warning", "information" or "hint"
//
// A nil *Policy keeps every diagnostic unchanged.
type Policy struct {
	filter   cel.Program
	severity cel.Program
}

// NewPolicy compiles the filter and severity expressions. The filter must
// evaluate to a bool; diagnostics for which it is false are dropped. The
// severity expression must evaluate to a string naming a severity. Either
// may be empty. NewPolicy returns nil when both are.
func NewPolicy(filter, severity string) (*Policy, error) {
	if filter == "" && severity == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("code", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("line", cel.IntType),
		cel.Variable("severity", cel.StringType),
	)
	if err != nil {
		return nil, err
	}

	p := &Policy{}
	if filter != "" {
		if p.filter, err = compile(env, filter, cel.BoolType); err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
	}
	if severity != "" {
		if p.severity, err = compile(env, severity, cel.StringType); err != nil {
			return nil, fmt.Errorf("severity: %w", err)
		}
	}
	return p, nil
}

func compile(env *cel.Env, expr string, want *cel.Type) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(want) {
		return nil, fmt.Errorf("expression must evaluate to %s, not %s", want, ast.OutputType())
	}
	return env.Program(ast)
}

// apply runs the policy over d. Evaluation errors leave d as it is.
func (p *Policy) apply(d protocol.Diagnostic, code, name string) (protocol.Diagnostic, bool) {
	if p == nil {
		return d, true
	}
	vars := map[string]any{
		"code":     code,
		"name":     name,
		"message":  d.Message,
		"line":     int64(d.Range.Start.Line) + 1,
		"severity": severityName(d.Severity),
	}
	if p.filter != nil {
		out, _, err := p.filter.Eval(vars)
		if err == nil {
			if keep, ok := out.Value().(bool); ok && !keep {
				return d, false
			}
		}
	}
	if p.severity != nil {
		out, _, err := p.severity.Eval(vars)
		if err == nil {
			if name, ok := out.Value().(string); ok {
				if s, ok := parseSeverity(name); ok {
					d.Severity = s
				}
			}
		}
	}
	return d, true
}

func severityName(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.DiagnosticSeverityError:
		return "error"
	case protocol.DiagnosticSeverityWarning:
		return "warning"
	case protocol.DiagnosticSeverityInformation:
		return "information"
	case protocol.DiagnosticSeverityHint:
		return "hint"
	}
	return ""
}

func parseSeverity(name string) (protocol.DiagnosticSeverity, bool) {
	switch name {
	case "error":
		return protocol.DiagnosticSeverityError, true
	case "warning":
		return protocol.DiagnosticSeverityWarning, true
	case "information", "info":
		return protocol.DiagnosticSeverityInformation, true
	case "hint":
		return protocol.DiagnosticSeverityHint, true
	}
	return 0, false
}
