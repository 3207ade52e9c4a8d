// Package procedures implements the input/output parsers for the
// supported procedure kinds ("single", "optimization") (§4.2).
package procedures

import (
	"context"
	"fmt"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
)

// DuplicateRef reports one input row that already has a matching record on
// file, in the shape ResponseMeta.Duplicates expects.
type DuplicateRef struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// InputResult is what an input parser hands back: tasks ready for
// QueueSubmit, duplicates already on file, and any per-row resolution
// errors (non-fatal, collected and returned to the caller per §7).
type InputResult struct {
	Tasks      []store.TaskDescriptor
	Duplicates []DuplicateRef
	Errors     []error
}

// OutputResult is what an output parser hands back: queue completions
// ready for QueueUpdate, hook actions ready for HandleHooks, and any
// fatal errors encountered while absorbing results.
type OutputResult struct {
	Completions []store.QueueCompletion
	Hooks       []domain.HookAction
	Errors      []error
}

// InputParser expands a procedure-specific request (a concrete typed
// struct such as SingleInput or OptimizationInput, passed as `any` so the
// registry can hold heterogeneous parsers under one map) into queue tasks.
type InputParser func(ctx context.Context, st store.Store, request any) (InputResult, error)

// OutputParser absorbs a batch of backend completions sharing the same
// parser name into durable records and hook actions.
type OutputParser func(ctx context.Context, st store.Store, completions []backend.Completion) (OutputResult, error)

// Registry is an explicit, non-global table of procedure parsers built at
// server construction time and threaded into the nanny, replacing the
// original's module-level `_input_parsers`/`_output_parsers` dicts per the
// REDESIGN FLAGS instruction against global mutable registries.
type Registry struct {
	input  map[string]InputParser
	output map[string]OutputParser
}

// NewRegistry returns an empty registry. Callers register built-in and any
// site-specific procedures explicitly; nothing is auto-registered.
func NewRegistry() *Registry {
	return &Registry{
		input:  make(map[string]InputParser),
		output: make(map[string]OutputParser),
	}
}

// Add registers both halves of a procedure kind, mirroring
// `add_new_procedure(name, creator, unpacker)`.
func (r *Registry) Add(name string, in InputParser, out OutputParser) {
	r.input[name] = in
	r.output[name] = out
}

// InputParserFor returns the input parser for name, or ErrUnknownProcedure.
func (r *Registry) InputParserFor(name string) (InputParser, error) {
	p, ok := r.input[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProcedure, name)
	}
	return p, nil
}

// OutputParserFor returns the output parser for name, or ErrUnknownProcedure.
func (r *Registry) OutputParserFor(name string) (OutputParser, error) {
	p, ok := r.output[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProcedure, name)
	}
	return p, nil
}

// NewDefaultRegistry builds a Registry with the two built-in procedure
// kinds registered, the Go equivalent of the original's module-level
// `add_new_procedure("single", ...)` / `add_new_procedure("optimization", ...)`
// calls at import time.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add("single", SingleInputParser, SingleOutputParser)
	r.Add("optimization", OptimizationInputParser, OptimizationOutputParser)
	return r
}
