// Package store defines the persistent-store contract the core requires
// (§6.1) and provides a Neo4j-backed implementation plus an in-memory one
// for tests.
package store

import (
	"context"

	"github.com/qcarchive/fractalgo/engine/domain"
)

// Re-exported domain types so callers of this package rarely need to
// import engine/domain directly for the common nouns.
type (
	Molecule      = domain.Molecule
	OptionSet     = domain.OptionSet
	Result        = domain.Result
	Procedure     = domain.Procedure
	TaskDescriptor = domain.TaskDescriptor
	ServiceRecord = domain.ServiceRecord
	HookAction    = domain.HookAction
	Locator       = domain.Locator
	QueueStatus   = domain.QueueStatus
)

// ResultQuery selects results by their identifying fields. Any nil/empty
// field is treated as "don't filter on this field"; MoleculeIDs, when
// non-empty, matches any of the listed molecule ids (a cross-product
// query, per §4.2.a step 2).
type ResultQuery struct {
	Driver      string
	Method      string
	Basis       string
	Options     string
	Program     string
	MoleculeIDs []string
}

// ProcedureQuery selects procedures by hash index.
type ProcedureQuery struct {
	HashIndices []string
}

// AddResult is one row to insert, keyed by the caller's own index (e.g. a
// molecule id or a synthetic per-input key) so the store can report back
// which input row a new id (or a duplicate) corresponds to.
type AddResult[T any] struct {
	Key   string
	Value T
}

// AddOutcome is the per-row verdict the store returns from a bulk insert:
// either a freshly assigned id, or a duplicate signal (§6.1 dedup note).
type AddOutcome struct {
	Key       string
	ID        string
	Duplicate bool
}

// QueuedTask is one row claimed by QueueGetNext, ready to submit to the
// backend adapter.
type QueuedTask struct {
	QueueID   string
	HashIndex string
	Spec      domain.TaskSpec
	Parser    string
	Hooks     []domain.Hook
}

// QueueCompletion is a (queue_id, locator) pair used to transition a queue
// row to a terminal status and point it at its durable record.
type QueueCompletion struct {
	QueueID string
	Status  QueueStatus
	Locator Locator
}

// MoleculeOrError is the per-index result of a mixed molecule resolution:
// either a resolved Molecule or a resolution error (§4.2.a step 1).
type MoleculeOrError struct {
	Molecule *Molecule
	Err      error
}

// Store is the operation contract the core requires from the durable
// backend (§6.1). Names are semantic, matching spec.md; the Go signatures
// are strongly typed per the REDESIGN FLAGS instruction.
type Store interface {
	// Molecules
	MixedMoleculeGet(ctx context.Context, refs map[int]any) (map[int]MoleculeOrError, error)
	AddMolecules(ctx context.Context, mols map[string]Molecule) (map[string]string, error)

	// Options
	GetOptions(ctx context.Context, keys [][2]string) ([]OptionSet, error)
	AddOptions(ctx context.Context, opts []OptionSet) error

	// Results
	GetResults(ctx context.Context, q ResultQuery) ([]Result, error)
	AddResults(ctx context.Context, rows []AddResult[Result]) ([]AddOutcome, error)

	// Procedures
	GetProcedures(ctx context.Context, q ProcedureQuery) ([]Procedure, error)
	AddProcedures(ctx context.Context, rows []AddResult[Procedure]) ([]AddOutcome, error)

	// Queue
	QueueSubmit(ctx context.Context, tasks []TaskDescriptor) ([]string, error)
	QueueGetNext(ctx context.Context, n int) ([]QueuedTask, error)
	QueueUpdate(ctx context.Context, completions []QueueCompletion) error

	// Services
	AddServices(ctx context.Context, recs []ServiceRecord) ([]string, error)
	GetServices(ctx context.Context, ids []string) ([]ServiceRecord, error)
	UpdateServices(ctx context.Context, recs []ServiceRecord) error
	// RemoveServices deletes service rows outright — the only way a
	// workflow is marked complete (§3 invariant: a service record exists
	// iff its workflow has not reached a terminal state).
	RemoveServices(ctx context.Context, ids []string) error

	// Hooks
	HandleHooks(ctx context.Context, actions []HookAction) error
}
