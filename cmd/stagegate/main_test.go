package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultJobName(t *testing.T) {
	env := func(vars map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}
	}
	tests := []struct {
		name string
		flag string
		vars map[string]string
		want string
	}{
		{"flag wins", "cli-job", map[string]string{"JOB_NAME": "jenkins-job"}, "cli-job"},
		{"env fallback", "", map[string]string{"JOB_NAME": "jenkins-job"}, "jenkins-job"},
		{"unset env uses pipeline", "", nil, "shop-service"},
		{"empty env uses pipeline", "", map[string]string{"JOB_NAME": ""}, "shop-service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultJobName(tt.flag, "shop-service", env(tt.vars)))
		})
	}
}

func TestRunNotifiesAndSummarizesWhenPersistFails(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv("HOME", t.TempDir())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	runsDir := filepath.Join(dir, "runs")
	workspace := filepath.Join(dir, "ws")
	require.NoError(t, os.MkdirAll(workspace, 0700))

	// the stage occupies run.json with a directory so the final write fails
	manifest := fmt.Sprintf(`name: svc
env:
  RUNS: %s
stages:
  - name: Occupy Run Record
    run: |
      for d in "$RUNS"/*/; do mkdir "${d}run.json"; done
notifications:
  - type: webhook
    url: %s
`, runsDir, srv.URL)
	manifestPath := filepath.Join(dir, "stagegate.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0600))

	var out bytes.Buffer
	cmd := runCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{
		"-f", manifestPath,
		"--workspace", workspace,
		"--branch", "main",
		"--build", "5",
		"--job", "svc",
		"--runs-dir", runsDir,
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to persist run")
	assert.NotErrorIs(t, err, errRunFailed)

	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, out.String(), "SUCCESS  1 succeeded, 0 failed, 0 skipped")
	assert.NotContains(t, out.String(), "report:")
}
