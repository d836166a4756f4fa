package executor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Credentials resolves a named credential to its secret value.
type Credentials interface {
	Resolve(name string) (string, error)
}

// CredentialMap resolves names through sources of the form "env:VAR" or
// "file:path". Values are read on every call and never cached.
type CredentialMap struct {
	sources map[string]string
	lookup  func(string) (string, bool)
}

// NewCredentialMap returns a resolver over the given name -> source map.
func NewCredentialMap(sources map[string]string) *CredentialMap {
	copied := make(map[string]string, len(sources))
	for k, v := range sources {
		copied[k] = v
	}
	return &CredentialMap{sources: copied, lookup: os.LookupEnv}
}

// Names returns the configured credential names, sorted.
func (m *CredentialMap) Names() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the secret for name.
func (m *CredentialMap) Resolve(name string) (string, error) {
	source, ok := m.sources[name]
	if !ok {
		return "", fmt.Errorf("credential %q is not configured", name)
	}
	kind, ref, err := ParseSource(source)
	if err != nil {
		return "", fmt.Errorf("credential %q: %w", name, err)
	}

	var value string
	switch kind {
	case "env":
		v, ok := m.lookup(ref)
		if !ok {
			return "", fmt.Errorf("credential %q: environment variable %s is not set", name, ref)
		}
		value = v
	case "file":
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("credential %q: %w", name, err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}
	if value == "" {
		return "", fmt.Errorf("credential %q resolved to an empty value", name)
	}
	return value, nil
}

// ParseSource splits a credential source into its kind and reference.
func ParseSource(source string) (kind, ref string, err error) {
	kind, ref, ok := strings.Cut(source, ":")
	if !ok || ref == "" {
		return "", "", fmt.Errorf("invalid credential source %q (want env:VAR or file:path)", source)
	}
	switch kind {
	case "env", "file":
		return kind, ref, nil
	default:
		return "", "", fmt.Errorf("unknown credential source kind %q", kind)
	}
}

type secret struct {
	name  string
	value string
}

const mask = "****"

// redactor masks secret values in a byte stream before it reaches w. Bytes
// that could still grow into a secret are held back until a later write or
// Flush decides them, so a value split across writes never reaches w.
type redactor struct {
	w       io.Writer
	values  [][]byte
	pending []byte
}

func newRedactor(w io.Writer, secrets []secret) *redactor {
	r := &redactor{w: w}
	for _, s := range secrets {
		if s.value != "" {
			r.values = append(r.values, []byte(s.value))
		}
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

func (r *redactor) Write(p []byte) (int, error) {
	if len(r.values) == 0 {
		return r.w.Write(p)
	}
	r.pending = append(r.pending, p...)
	out, n := r.scan(false)
	r.pending = append(r.pending[:0], r.pending[n:]...)
	if len(out) > 0 {
		if _, err := r.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes whatever is held back. A held prefix that never completed a
// secret is written as is.
func (r *redactor) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	out, _ := r.scan(true)
	r.pending = r.pending[:0]
	_, err := r.w.Write(out)
	return err
}

// scan masks r.pending and reports how many bytes it consumed. Unless final,
// it stops at the first position where a secret may start but is incomplete.
func (r *redactor) scan(final bool) ([]byte, int) {
	buf := r.pending
	out := make([]byte, 0, len(buf))
	i := 0
next:
	for i < len(buf) {
		rest := buf[i:]
		for _, v := range r.values {
			if bytes.HasPrefix(rest, v) {
				out = append(out, mask...)
				i += len(v)
				continue next
			}
			if !final && len(rest) < len(v) && bytes.HasPrefix(v, rest) {
				break next
			}
		}
		out = append(out, buf[i])
		i++
	}
	return out, i
}
