package taskfabric

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TaskRegistry maps a task name to the Node.js source registered for it.
// Task code is supplied by the host application at startup; the
// submission surface only ever deals in names.
type TaskRegistry struct {
	mu    sync.RWMutex
	codes map[string]string
}

// NewTaskRegistry returns an empty TaskRegistry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{codes: make(map[string]string)}
}

// Register attaches Node.js source to a task name. The code must define a
// top-level `function main(input) { ... }` entry point.
func (r *TaskRegistry) Register(taskName, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[taskName] = code
}

// Code returns the registered source for taskName.
func (r *TaskRegistry) Code(taskName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[taskName]
	return c, ok
}

// codeStepArgs is the Args payload for a StackRun whose ServiceName is
// CodeServiceName: which registered task to run, and its input. The root
// stack run of every chain carries these args, and so does any nested
// task submitted via callHostTool("code", "execute", ...).
type codeStepArgs struct {
	TaskName string          `json:"taskName"`
	Input    json.RawMessage `json:"input"`
}

func encodeCodeStepArgs(taskName string, input json.RawMessage) json.RawMessage {
	b, _ := json.Marshal(codeStepArgs{TaskName: taskName, Input: input})
	return b
}

func decodeCodeStepArgs(raw json.RawMessage) (codeStepArgs, error) {
	var a codeStepArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return codeStepArgs{}, fmt.Errorf("decode code step args: %w", err)
	}
	return a, nil
}
