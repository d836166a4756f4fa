// Package archive copies stage artifacts out of the workspace into the run
// directory so the report links survive workspace cleanup.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zen-systems/stagegate/pkg/evidence"
	"github.com/zen-systems/stagegate/pkg/report"
)

// Store archives artifacts under <runDir>/artifacts/<NN>-<stage>/.
type Store struct {
	RunDir    string
	Workspace string
}

// NewStore creates a new archive store.
func NewStore(runDir, workspace string) (*Store, error) {
	if runDir == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if err := os.MkdirAll(filepath.Join(runDir, evidence.ArtifactsDir), 0700); err != nil {
		return nil, err
	}
	return &Store{RunDir: runDir, Workspace: workspace}, nil
}

// Archive copies artifact.Source from the workspace, keeping its relative
// layout, and fills in Path, SHA256 and Size.
func (s *Store) Archive(index int, stage string, artifact report.Artifact) (report.Artifact, error) {
	if !artifact.Present() {
		return artifact, fmt.Errorf("artifact %q has no source", artifact.Pattern)
	}

	rel := filepath.Clean(artifact.Source)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return artifact, fmt.Errorf("artifact %q escapes the workspace", artifact.Source)
	}

	relDest := filepath.Join(evidence.ArtifactsDir, evidence.StageKey(index, stage), rel)
	dest := filepath.Join(s.RunDir, relDest)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return artifact, err
	}

	hash, size, err := copyFile(filepath.Join(s.Workspace, rel), dest)
	if err != nil {
		return artifact, err
	}

	artifact.Path = filepath.ToSlash(relDest)
	artifact.SHA256 = hash
	artifact.Size = size
	return artifact, nil
}

func copyFile(src, dest string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
