package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/condition"
	"github.com/zen-systems/stagegate/pkg/sarif"
)

// KnownNotificationTypes lists the channel types a manifest may declare.
var KnownNotificationTypes = map[string]struct{}{
	"email":   {},
	"slack":   {},
	"webhook": {},
	"log":     {},
}

// LoadManifest reads a pipeline definition from a YAML file.
func LoadManifest(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseManifest checks the document against the manifest schema and decodes
// it. Call Validate for the semantic checks the schema cannot express.
func ParseManifest(data []byte) (*Pipeline, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// decodeManifest decodes strictly: keys without a struct field are errors.
func decodeManifest(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, err
	}
	return &pipeline, nil
}

// Validate checks the pipeline configuration for errors and compiles stage
// conditions.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline must define at least one stage")
	}

	seen := make(map[string]struct{})
	for _, stage := range p.Stages {
		if stage == nil {
			return fmt.Errorf("stage is nil")
		}
		if stage.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if strings.TrimSpace(stage.Run) == "" {
			return fmt.Errorf("stage %s must have a run command", stage.Name)
		}
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		seen[stage.Name] = struct{}{}

		pred, err := condition.Compile(stage.When)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		stage.predicate = pred

		for _, art := range stage.Artifacts {
			if art.Path == "" {
				return fmt.Errorf("stage %s has empty artifact path", stage.Name)
			}
			if _, err := path.Match(art.Path, ""); err != nil {
				return fmt.Errorf("stage %s: invalid artifact pattern %q", stage.Name, art.Path)
			}
		}
		if err := validateActions(stage.Post, "stage "+stage.Name+" post"); err != nil {
			return err
		}
		if t := stage.Threshold; t != nil {
			if t.SARIF == "" {
				return fmt.Errorf("stage %s threshold requires a sarif path", stage.Name)
			}
			if t.Level != "" && !sarif.ValidLevel(t.Level) {
				return fmt.Errorf("stage %s threshold has unknown level %q", stage.Name, t.Level)
			}
			if t.Max < 0 {
				return fmt.Errorf("stage %s threshold max must not be negative", stage.Name)
			}
		}
		for _, cred := range stage.Credentials {
			if cred == "" {
				return fmt.Errorf("stage %s has empty credential name", stage.Name)
			}
		}
	}

	for _, stage := range p.Stages {
		for _, need := range stage.Needs {
			if need == stage.Name {
				return fmt.Errorf("stage %s needs itself", stage.Name)
			}
			if _, ok := seen[need]; !ok {
				return fmt.Errorf("stage %s needs unknown stage %s", stage.Name, need)
			}
		}
	}
	if _, err := p.Order(); err != nil {
		return err
	}

	for name, actions := range map[string][]Action{
		"post.always":  p.Post.Always,
		"post.success": p.Post.Success,
		"post.failure": p.Post.Failure,
	} {
		if err := validateActions(actions, name); err != nil {
			return err
		}
	}

	for i, n := range p.Notifications {
		if _, ok := KnownNotificationTypes[n.Type]; !ok {
			return fmt.Errorf("notification %d has unknown type %q", i, n.Type)
		}
		if n.Type == "email" && len(n.To) == 0 {
			return fmt.Errorf("notification %d: email requires at least one recipient", i)
		}
	}

	return nil
}

func validateActions(actions []Action, where string) error {
	for i, a := range actions {
		if strings.TrimSpace(a.Run) == "" {
			return fmt.Errorf("%s action %d must have a run command", where, i)
		}
	}
	return nil
}
