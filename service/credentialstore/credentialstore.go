// Package credentialstore implements an example taskfabric.Endpoint
// backed by a directory of onboarding packets: PDF documents whose
// body text is "key: value" lines, extracted with ledongthuc/pdf.
package credentialstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
)

// Endpoint reads credential bundles from PDF packets under dir,
// exposed to task code as the "credentialstore" service.
type Endpoint struct {
	dir string

	mu    sync.Mutex
	cache map[string]map[string]string
}

// New creates a credentialstore Endpoint rooted at dir. Each packet is
// named "<bundle>.pdf" and contains one "key: value" pair per line.
func New(dir string) *Endpoint {
	return &Endpoint{dir: dir, cache: make(map[string]map[string]string)}
}

type lookupArgs struct {
	Bundle string `json:"bundle"`
	Key    string `json:"key"`
}

type lookupResult struct {
	Value string `json:"value"`
}

// Invoke implements taskfabric.Endpoint. The only supported
// methodPath is "lookup".
func (e *Endpoint) Invoke(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error) {
	if methodPath != "lookup" {
		return nil, fmt.Errorf("credentialstore: unknown method %q", methodPath)
	}

	var params lookupArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("credentialstore: invalid args: %w", err)
	}

	bundle, err := e.loadBundle(params.Bundle)
	if err != nil {
		return nil, err
	}
	value, ok := bundle[params.Key]
	if !ok {
		return nil, fmt.Errorf("credentialstore: key %q not found in bundle %q", params.Key, params.Bundle)
	}

	return json.Marshal(lookupResult{Value: value})
}

func (e *Endpoint) loadBundle(name string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.cache[name]; ok {
		return bundle, nil
	}

	path := filepath.Join(e.dir, name+".pdf")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentialstore: read bundle %q: %w", name, err)
	}

	text, err := extractText(content)
	if err != nil {
		return nil, fmt.Errorf("credentialstore: extract bundle %q: %w", name, err)
	}

	bundle := parseBundle(text)
	e.cache[name] = bundle
	return bundle, nil
}

func extractText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty packet")
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}

	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}

	return strings.TrimSpace(string(text)), nil
}

func parseBundle(text string) map[string]string {
	bundle := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		bundle[key] = value
	}
	return bundle
}
