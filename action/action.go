// Package action defines the side-effecting operations the agent performs
// against the marketplace, and the registry the orchestrator dispatches
// through. Executors own the boundary details; the orchestrator stays
// decoupled from how an application or delivery actually happens.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/RONIN/job"
)

// Kind identifies a marketplace side effect
type Kind string

const (
	KindApply   Kind = "apply"   // Submit an application for a matched job
	KindMessage Kind = "message" // Send the client a message
	KindDeliver Kind = "deliver" // Submit the deliverable
)

// IsValidKind returns true if the string names a known action kind
func IsValidKind(s string) bool {
	switch Kind(s) {
	case KindApply, KindMessage, KindDeliver:
		return true
	default:
		return false
	}
}

// Request carries everything an executor needs to act on a job
type Request struct {
	JobID   string          `json:"job_id"`
	Kind    Kind            `json:"kind"`
	Stage   job.Stage       `json:"stage"`
	Job     *job.Job        `json:"-"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is what an executor reports back. A replay the marketplace has
// already seen counts as success with a detail saying so.
type Result struct {
	Success    bool          `json:"success"`
	Terminal   bool          `json:"terminal,omitempty"`    // do not retry, park the job
	Deferred   bool          `json:"deferred,omitempty"`    // not ready yet; try later without spending a retry
	RetryAfter time.Duration `json:"retry_after,omitempty"` // server-mandated pause, if any
	Detail     string        `json:"detail,omitempty"`
}

// Executor performs one kind of marketplace action.
//
// Implementations must be idempotent on (job id, stage): the orchestrator
// commits the attempt before running the side effect, so after a crash the
// same request may arrive again. Replaying must either no-op or repeat
// harmlessly.
type Executor interface {
	// Execute runs the side effect and reports the outcome. Errors are
	// classified through the errors package so the orchestrator can tell
	// transient trouble from terminal failure.
	Execute(ctx context.Context, req Request) (Result, error)

	// Kind returns the action kind this executor serves
	Kind() Kind
}

// Registry manages executors by kind.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	executors map[Kind]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty executor registry
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[Kind]Executor),
	}
}

// Register adds an executor under its kind.
// Panics if an executor is already registered for that kind.
func (r *Registry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := executor.Kind()
	if _, exists := r.executors[kind]; exists {
		panic(fmt.Sprintf("executor already registered for kind: %s", kind))
	}
	r.executors[kind] = executor
}

// Get retrieves the executor for a kind.
// Returns nil if none is registered.
func (r *Registry) Get(kind Kind) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[kind]
}

// Has checks if an executor is registered for a kind
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.executors[kind]
	return exists
}

// Kinds returns all registered action kinds
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}
