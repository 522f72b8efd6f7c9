package storage

import (
	"context"
	"errors"
	"time"
)

// RunStatus is how an invocation ended.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailure RunStatus = "failure" // the script failed
	StatusFault   RunStatus = "fault"   // the host failed to run it
)

// ErrNotFound is returned when no run matches an ID or prefix.
var ErrNotFound = errors.New("run not found")

// Run is one recorded script invocation. History is host-side only; nothing
// here is ever visible to a guest.
type Run struct {
	ID        string        `json:"id" yaml:"id"`
	Digest    string        `json:"digest" yaml:"digest"`
	Script    string        `json:"script" yaml:"script"`
	Output    string        `json:"output,omitempty" yaml:"output,omitempty"`
	Status    RunStatus     `json:"status" yaml:"status"`
	Kind      string        `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message   string        `json:"message,omitempty" yaml:"message,omitempty"`
	Grants    []string      `json:"grants,omitempty" yaml:"grants,omitempty"`
	Runtime   string        `json:"runtime" yaml:"runtime"`
	Source    string        `json:"source" yaml:"source"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Digest string
	Limit  int
	Offset int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// DeleteRun removes a run by ID or ID prefix.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
