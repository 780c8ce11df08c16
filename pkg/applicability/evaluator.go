// Package applicability evaluates bundle applicability and phase-in
// expressions against a whitelisted company context. Expressions are CEL
// with a fixed environment: boolean connectives, comparisons, arithmetic,
// and the declared company attributes — nothing else. Unknown symbols are
// compile-time errors, never silent false.
package applicability

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// The whitelisted context fields. Anything outside this set is
// UNKNOWN_SYMBOL.
var contextDecls = []cel.EnvOption{
	cel.Variable("company.employees", cel.IntType),
	cel.Variable("company.turnover", cel.DoubleType),
	cel.Variable("company.listed_status", cel.BoolType),
	cel.Variable("company.reporting_year", cel.IntType),
	cel.Variable("company.reporting_year_start", cel.StringType),
	cel.Variable("company.reporting_year_end", cel.StringType),
	cel.Variable("company.jurisdictions", cel.ListType(cel.StringType)),
}

// Evaluator compiles and runs applicability expressions. Construction is
// cheap enough to share; the evaluator is safe for concurrent use.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds the fixed expression environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(contextDecls...)
	if err != nil {
		return nil, fmt.Errorf("build applicability env: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Check compiles an expression without evaluating it. Bundle validation
// uses this to reject rules referencing non-whitelisted names at load time.
func (e *Evaluator) Check(expr string) error {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return errkind.Wrap(errkind.Validation, issues.Err(),
			"UNKNOWN_SYMBOL: expression %q", expr)
	}
	if ast.OutputType() != cel.BoolType {
		return errkind.E(errkind.Validation,
			"expression %q does not evaluate to a boolean", expr)
	}
	return nil
}

// Evaluate runs an expression against a company profile. A compile error
// (unknown symbol) or a non-boolean result is returned as a classified
// error; callers treat the rule as non-applicable and record the reason.
func (e *Evaluator) Evaluate(expr string, company contracts.Company) (bool, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, errkind.Wrap(errkind.Validation, issues.Err(),
			"UNKNOWN_SYMBOL: expression %q", expr)
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return false, errkind.Wrap(errkind.Validation, err, "program %q", expr)
	}

	out, _, err := prg.Eval(activation(company))
	if err != nil {
		return false, errkind.Wrap(errkind.Validation, err, "evaluate %q", expr)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, errkind.E(errkind.Validation,
			"expression %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

// activation maps the whitelisted qualified names onto profile values. The
// evaluator never sees fields outside this bag.
func activation(c contracts.Company) map[string]any {
	jurisdictions := make([]string, len(c.Jurisdictions))
	copy(jurisdictions, c.Jurisdictions)
	return map[string]any{
		"company.employees":            c.Employees,
		"company.turnover":             c.Turnover,
		"company.listed_status":        c.ListedStatus,
		"company.reporting_year":       int64(c.ReportingYear),
		"company.reporting_year_start": c.ReportingYearStart,
		"company.reporting_year_end":   c.ReportingYearEnd,
		"company.jurisdictions":        jurisdictions,
	}
}
