// Package buildctx holds the read-only metadata describing one pipeline run.
package buildctx

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Context is the process-wide build metadata for a single run. It is
// created at run start and never mutated afterwards.
type Context struct {
	Branch      string    `json:"branch"`
	BuildNumber int       `json:"build_number"`
	JobName     string    `json:"job_name"`
	StartTime   time.Time `json:"start_time"`
	Workspace   string    `json:"workspace"`

	env map[string]string
}

// Options configures a new Context.
type Options struct {
	Branch      string
	BuildNumber int
	JobName     string
	StartTime   time.Time
	Workspace   string
	Env         map[string]string
}

// New creates a Context. Env is copied so later changes to the caller's map
// do not leak into the run.
func New(opts Options) (*Context, error) {
	if opts.JobName == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if opts.BuildNumber < 0 {
		return nil, fmt.Errorf("build number must not be negative")
	}

	workspace := opts.Workspace
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workspace = cwd
	}

	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	return &Context{
		Branch:      opts.Branch,
		BuildNumber: opts.BuildNumber,
		JobName:     opts.JobName,
		StartTime:   start.UTC(),
		Workspace:   workspace,
		env:         env,
	}, nil
}

// FromEnv fills unset fields of opts from Jenkins-compatible environment
// variables (BRANCH_NAME, GIT_BRANCH, BUILD_NUMBER, JOB_NAME).
func FromEnv(opts Options, lookup func(string) (string, bool)) (*Context, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if opts.Branch == "" {
		if v, ok := lookup("BRANCH_NAME"); ok && v != "" {
			opts.Branch = v
		} else if v, ok := lookup("GIT_BRANCH"); ok && v != "" {
			opts.Branch = strings.TrimPrefix(v, "origin/")
		}
	}
	if opts.BuildNumber == 0 {
		if v, ok := lookup("BUILD_NUMBER"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid BUILD_NUMBER %q: %w", v, err)
			}
			opts.BuildNumber = n
		}
	}
	if opts.JobName == "" {
		if v, ok := lookup("JOB_NAME"); ok && v != "" {
			opts.JobName = v
		}
	}

	return New(opts)
}

// Env returns the value of a pipeline-level environment variable.
func (c *Context) Env(key string) (string, bool) {
	v, ok := c.env[key]
	return v, ok
}

// EnvMap returns a copy of the pipeline-level environment.
func (c *Context) EnvMap() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// Environ returns the variables exported to every stage subprocess, sorted
// by key.
func (c *Context) Environ() []string {
	vars := map[string]string{
		"BRANCH_NAME":  c.Branch,
		"BUILD_NUMBER": strconv.Itoa(c.BuildNumber),
		"JOB_NAME":     c.JobName,
		"BUILD_START":  c.StartTime.Format(time.RFC3339),
		"WORKSPACE":    c.Workspace,
	}
	for k, v := range c.env {
		if _, reserved := vars[k]; reserved {
			continue
		}
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
