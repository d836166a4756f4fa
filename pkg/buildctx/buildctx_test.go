package buildctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnvReadsJenkinsVariables(t *testing.T) {
	bc, err := FromEnv(Options{Workspace: t.TempDir()}, lookupFrom(map[string]string{
		"GIT_BRANCH":   "origin/feature/x",
		"BUILD_NUMBER": "42",
		"JOB_NAME":     "shop-api",
	}))
	require.NoError(t, err)

	assert.Equal(t, "feature/x", bc.Branch)
	assert.Equal(t, 42, bc.BuildNumber)
	assert.Equal(t, "shop-api", bc.JobName)
}

func TestFromEnvFlagsWin(t *testing.T) {
	bc, err := FromEnv(Options{Branch: "main", JobName: "cli", Workspace: t.TempDir()}, lookupFrom(map[string]string{
		"BRANCH_NAME": "develop",
		"JOB_NAME":    "env-job",
	}))
	require.NoError(t, err)

	assert.Equal(t, "main", bc.Branch)
	assert.Equal(t, "cli", bc.JobName)
}

func TestFromEnvRejectsBadBuildNumber(t *testing.T) {
	_, err := FromEnv(Options{JobName: "x"}, lookupFrom(map[string]string{"BUILD_NUMBER": "abc"}))
	require.Error(t, err)
}

func TestNewRequiresJobName(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestEnvironIsSortedAndIsolated(t *testing.T) {
	env := map[string]string{"ZED": "1", "APP": "2", "BRANCH_NAME": "spoofed"}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bc, err := New(Options{Branch: "main", BuildNumber: 7, JobName: "job", StartTime: start, Workspace: "/ws", Env: env})
	require.NoError(t, err)

	env["APP"] = "changed"

	assert.Equal(t, []string{
		"APP=2",
		"BRANCH_NAME=main",
		"BUILD_NUMBER=7",
		"BUILD_START=2026-01-02T03:04:05Z",
		"JOB_NAME=job",
		"WORKSPACE=/ws",
		"ZED=1",
	}, bc.Environ())
}
