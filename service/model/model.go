// Package model implements a deliberately thin example taskfabric.Endpoint
// for chat-completion style calls. Task code only needs a generic
// prompt-in/text-out shape, so this package speaks a single
// vendor-agnostic HTTP contract rather than wrapping a specific
// provider SDK.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Endpoint forwards chat-completion requests to a single configured
// HTTP backend, exposed to task code as the "model" service.
type Endpoint struct {
	baseURL string
	client  *http.Client
}

// New creates a model Endpoint targeting baseURL, expected to accept a
// JSON {"prompt": "..."} body and return {"text": "..."}.
func New(baseURL string) *Endpoint {
	return &Endpoint{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type completeArgs struct {
	Prompt string `json:"prompt"`
}

type completeResult struct {
	Text string `json:"text"`
}

// Invoke implements taskfabric.Endpoint. The only supported
// methodPath is "complete".
func (e *Endpoint) Invoke(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error) {
	if methodPath != "complete" {
		return nil, fmt.Errorf("model: unknown method %q", methodPath)
	}
	if e.baseURL == "" {
		return nil, fmt.Errorf("model: no backend configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("model: backend returned HTTP %d", resp.StatusCode)
	}

	var result completeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("model: decode response: %w", err)
	}

	return json.Marshal(result)
}
