// Package pipeline defines the declarative stage graph of a run and loads it
// from a YAML manifest.
package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/condition"
)

// Pipeline represents an ordered CI/CD stage graph.
type Pipeline struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty"`
	Stages        []*Stage          `yaml:"stages"`
	Post          RunPost           `yaml:"post,omitempty"`
	Notifications []Notification    `yaml:"notifications,omitempty"`
}

// Stage represents a single named unit of work. Stages are defined before a
// run starts and are never mutated by the runner.
type Stage struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	When            *condition.Clause `yaml:"when,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error,omitempty"`
	Artifacts       []ArtifactSpec    `yaml:"artifacts,omitempty"`
	Post            []Action          `yaml:"post,omitempty"`
	Needs           []string          `yaml:"needs,omitempty"`
	Timeout         Duration          `yaml:"timeout,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	Credentials     []string          `yaml:"credentials,omitempty"`
	Threshold       *Threshold        `yaml:"threshold,omitempty"`

	predicate condition.Predicate
}

// Condition returns the compiled gating predicate. Validate compiles it;
// stages built in code without validation compile lazily.
func (s *Stage) Condition() (condition.Predicate, error) {
	if s.predicate != nil {
		return s.predicate, nil
	}
	return condition.Compile(s.When)
}

// ArtifactSpec declares an output file glob, relative to the workspace.
type ArtifactSpec struct {
	Path     string `yaml:"path"`
	Required bool   `yaml:"required,omitempty"`
}

// UnmarshalYAML accepts either a bare glob or a mapping.
func (a *ArtifactSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		a.Path = value.Value
		return nil
	}
	type plain ArtifactSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*a = ArtifactSpec(p)
	return nil
}

// Action is a command run after a stage or after the whole run.
type Action struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// RunPost holds run-level post actions, mirroring post { always / success /
// failure } blocks.
type RunPost struct {
	Always  []Action `yaml:"always,omitempty"`
	Success []Action `yaml:"success,omitempty"`
	Failure []Action `yaml:"failure,omitempty"`
}

// Threshold turns scanner findings into a stage failure. The SARIF file is
// read from the workspace after the stage completes.
type Threshold struct {
	SARIF string `yaml:"sarif"`
	Level string `yaml:"level,omitempty"`
	Max   int    `yaml:"max,omitempty"`
}

// Notification declares one delivery channel for the run summary.
type Notification struct {
	Type    string   `yaml:"type"`
	To      []string `yaml:"to,omitempty"`
	URL     string   `yaml:"url,omitempty"`
	Channel string   `yaml:"channel,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings like "15m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StageTimeout resolves the effective timeout of a stage: its own value,
// then the pipeline value, then fallback.
func (p *Pipeline) StageTimeout(s *Stage, fallback time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	if p.Timeout > 0 {
		return p.Timeout.Std()
	}
	return fallback
}
