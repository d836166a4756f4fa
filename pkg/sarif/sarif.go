// Package sarif reads SARIF 2.1.0 documents emitted by scanners (gitleaks,
// trivy, dependency-check) so a stage can enforce a severity threshold.
package sarif

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Document represents a SARIF 2.1.0 document.
// See: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html
type Document struct {
	Version string `json:"version"`
	Schema  string `json:"$schema,omitempty"`
	Runs    []Run  `json:"runs"`
}

// Run represents a single analysis run.
type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

// Tool identifies the analysis tool that produced the results.
type Tool struct {
	Driver Driver `json:"driver"`
}

// Driver describes the tool's identity.
type Driver struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Result represents a single finding.
type Result struct {
	RuleID  string  `json:"ruleId"`
	Level   string  `json:"level"` // "error", "warning", "note", "none"
	Message Message `json:"message"`
}

// Message contains the finding description.
type Message struct {
	Text string `json:"text"`
}

var levelRank = map[string]int{
	"none":    0,
	"note":    1,
	"warning": 2,
	"error":   3,
}

// ValidLevel reports whether level is a SARIF result level.
func ValidLevel(level string) bool {
	_, ok := levelRank[strings.ToLower(level)]
	return ok
}

// ReadFile parses a SARIF file from disk.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sarif file: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses SARIF from an io.Reader.
func Read(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode sarif: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("missing sarif version")
	}
	return &doc, nil
}

// CountAtOrAbove returns the number of results whose level is at least
// min. A result with no level counts as "warning", the SARIF default.
func CountAtOrAbove(doc *Document, min string) int {
	threshold, ok := levelRank[strings.ToLower(min)]
	if !ok {
		threshold = levelRank["error"]
	}

	count := 0
	for _, run := range doc.Runs {
		for _, result := range run.Results {
			level := strings.ToLower(result.Level)
			if level == "" {
				level = "warning"
			}
			if levelRank[level] >= threshold {
				count++
			}
		}
	}
	return count
}
