package taskfabric

import "github.com/google/uuid"

// NewID returns a fresh random identifier for a TaskRun or StackRun.
func NewID() string {
	return uuid.NewString()
}
