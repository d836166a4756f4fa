// Package condition compiles stage gating clauses into pure predicates over
// the build context.
package condition

import (
	"fmt"
	"path"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zen-systems/stagegate/pkg/buildctx"
)

// Clause is the declarative form of a stage condition. Branch is a glob
// matched against the branch name, Expr an HCL expression that must yield a
// bool. Both must hold when set; Not inverts the combined result.
type Clause struct {
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Expr   string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Not    bool   `yaml:"not,omitempty" json:"not,omitempty"`
}

// Predicate decides whether a stage is eligible for the given build.
type Predicate func(bc *buildctx.Context) (bool, error)

// Always is the predicate for stages without a clause.
func Always(*buildctx.Context) (bool, error) { return true, nil }

// Compile validates the clause and returns its predicate. A nil clause
// compiles to Always.
func Compile(c *Clause) (Predicate, error) {
	if c == nil || (c.Branch == "" && c.Expr == "") {
		if c != nil && c.Not {
			return nil, fmt.Errorf("condition: not requires branch or expr")
		}
		return Always, nil
	}

	if c.Branch != "" {
		if _, err := path.Match(c.Branch, ""); err != nil {
			return nil, fmt.Errorf("condition: invalid branch pattern %q: %w", c.Branch, err)
		}
	}

	var expr hclsyntax.Expression
	if c.Expr != "" {
		parsed, diags := hclsyntax.ParseExpression([]byte(c.Expr), "when.expr", hcl.Pos{Line: 1, Column: 1})
		if diags.HasErrors() {
			return nil, fmt.Errorf("condition: parse %q: %s", c.Expr, diags.Error())
		}
		expr = parsed
	}

	branch, negate := c.Branch, c.Not
	return func(bc *buildctx.Context) (bool, error) {
		if bc == nil {
			return false, fmt.Errorf("condition: build context is required")
		}
		ok := true
		if branch != "" {
			matched, err := path.Match(branch, bc.Branch)
			if err != nil {
				return false, err
			}
			ok = matched
		}
		if ok && expr != nil {
			val, err := evalBool(expr, bc)
			if err != nil {
				return false, err
			}
			ok = val
		}
		if negate {
			ok = !ok
		}
		return ok, nil
	}, nil
}

func evalBool(expr hclsyntax.Expression, bc *buildctx.Context) (bool, error) {
	val, diags := expr.Value(EvalContext(bc))
	if diags.HasErrors() {
		return false, fmt.Errorf("condition: %s", diags.Error())
	}
	if val.IsNull() || !val.IsKnown() {
		return false, fmt.Errorf("condition: expression produced no value")
	}
	if !val.Type().Equals(cty.Bool) {
		return false, fmt.Errorf("condition: expression must be bool, got %s", val.Type().FriendlyName())
	}
	return val.True(), nil
}

// EvalContext exposes the build context to HCL expressions as the variables
// branch, build_number, job_name and env.
func EvalContext(bc *buildctx.Context) *hcl.EvalContext {
	env := bc.EnvMap()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	envVals := make(map[string]cty.Value, len(env))
	for _, k := range keys {
		envVals[k] = cty.StringVal(env[k])
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(envVals) > 0 {
		envVal = cty.MapVal(envVals)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"branch":       cty.StringVal(bc.Branch),
			"build_number": cty.NumberIntVal(int64(bc.BuildNumber)),
			"job_name":     cty.StringVal(bc.JobName),
			"env":          envVal,
		},
	}
}
