package triage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter answers without a network call. It backs the "mock" provider
// for dry runs of the notification path.
type MockAdapter struct {
	mu sync.Mutex
	// Err, when set, is returned by every call.
	Err     error
	Prompts []string
}

// NewMockAdapter creates a mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) DefaultModel() string { return "mock-1" }

// Generate records the prompt and names the failed stages it mentions.
func (a *MockAdapter) Generate(_ context.Context, _ string, prompt string) (string, error) {
	a.mu.Lock()
	a.Prompts = append(a.Prompts, prompt)
	a.mu.Unlock()

	if a.Err != nil {
		return "", a.Err
	}
	var stages []string
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Stage "); ok {
			if name, _, ok := strings.Cut(rest, " failed"); ok {
				stages = append(stages, name)
			}
		}
	}
	if len(stages) == 0 {
		return "mock summary: no failed stage in prompt", nil
	}
	return fmt.Sprintf("mock summary: %s failed", strings.Join(stages, ", ")), nil
}
