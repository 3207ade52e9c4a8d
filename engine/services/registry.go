// Package services implements the service state-machine contract (§4.4):
// durable, iterable workflows that submit procedure tasks over multiple
// steps and decide for themselves when they are finished.
package services

import (
	"context"
	"fmt"

	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
)

// TaskSubmitter is the narrow slice of the nanny a service needs: enough to
// submit newly-reachable tasks without the services package importing the
// nanny package (which itself needs to build services — avoids a cycle).
type TaskSubmitter interface {
	SubmitTasks(ctx context.Context, tasks []store.TaskDescriptor) ([]string, error)
}

// Service is a durable state machine persisted in the services table.
// Mirrors the original's bare iterate(store, nanny)/get_json() contract,
// expressed as a named interface per REDESIGN FLAGS.
type Service interface {
	Kind() string
	// GetJSON serializes current state for persistence.
	GetJSON() (map[string]any, error)
	// Iterate advances one step: it may submit new tasks through submitter,
	// may read freshly-landed results from st, and returns finished once no
	// further iteration is needed.
	Iterate(ctx context.Context, st store.Store, submitter TaskSubmitter) (finished bool, err error)
}

// Initializer builds a fresh service instance from a scheduler request.
type Initializer func(kind string, st store.Store, submitter TaskSubmitter, meta map[string]any, moleculeID string) (Service, error)

// Builder reconstructs a service instance from its persisted state blob.
type Builder func(kind string, st store.Store, submitter TaskSubmitter, data map[string]any) (Service, error)

// Registry is an explicit, non-global table of service kinds, the services
// analogue of procedures.Registry.
type Registry struct {
	init    map[string]Initializer
	builder map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{init: make(map[string]Initializer), builder: make(map[string]Builder)}
}

// Add registers both halves of a service kind.
func (r *Registry) Add(kind string, init Initializer, build Builder) {
	r.init[kind] = init
	r.builder[kind] = build
}

// InitializerFor returns the initializer for kind, or ErrUnknownService.
func (r *Registry) InitializerFor(kind string) (Initializer, error) {
	f, ok := r.init[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownService, kind)
	}
	return f, nil
}

// BuilderFor returns the builder for kind, or ErrUnknownService.
func (r *Registry) BuilderFor(kind string) (Builder, error) {
	f, ok := r.builder[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownService, kind)
	}
	return f, nil
}

// NewDefaultRegistry builds a Registry with the built-in service kinds
// registered — the Go equivalent of the original's module-level
// registration calls at import time.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add("torsiondrive", NewTorsionDrive, BuildTorsionDrive)
	return r
}
