package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/stagegate/pkg/buildctx"
)

func build(t *testing.T, branch string) *buildctx.Context {
	t.Helper()
	bc, err := buildctx.New(buildctx.Options{
		Branch:      branch,
		BuildNumber: 5,
		JobName:     "shop",
		Workspace:   t.TempDir(),
		Env:         map[string]string{"DEPLOY": "true"},
	})
	require.NoError(t, err)
	return bc
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name   string
		clause *Clause
		branch string
		want   bool
	}{
		{"nil clause", nil, "anything", true},
		{"branch exact match", &Clause{Branch: "main"}, "main", true},
		{"branch mismatch", &Clause{Branch: "main"}, "feature/x", false},
		{"branch glob", &Clause{Branch: "release/*"}, "release/1.2", true},
		{"not main", &Clause{Branch: "main", Not: true}, "feature/x", true},
		{"expr on branch", &Clause{Expr: `branch == "main" || branch == "master"`}, "master", true},
		{"expr on build number", &Clause{Expr: `build_number > 3`}, "dev", true},
		{"expr on env", &Clause{Expr: `env["DEPLOY"] == "true"`}, "dev", true},
		{"branch and expr", &Clause{Branch: "main", Expr: `job_name == "other"`}, "main", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := Compile(tt.clause)
			require.NoError(t, err)

			got, err := pred(build(t, tt.branch))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	_, err := Compile(&Clause{Expr: `branch ==`})
	require.Error(t, err)
}

func TestCompileRejectsBareNot(t *testing.T) {
	_, err := Compile(&Clause{Not: true})
	require.Error(t, err)
}

func TestEvaluationErrors(t *testing.T) {
	for _, expr := range []string{
		`unknown_var == "x"`,
		`branch`,
		`env["MISSING"] == "x"`,
	} {
		pred, err := Compile(&Clause{Expr: expr})
		require.NoError(t, err, expr)

		_, err = pred(build(t, "main"))
		assert.Error(t, err, expr)
	}
}
