// Package domain defines the core entities, wire envelopes, and sentinel
// errors shared by the task-and-service orchestration engine.
package domain

// Molecule is an input geometry record. Content is opaque to the core; only
// the canonical hash participates in dedup.
type Molecule struct {
	ID       string         `json:"id,omitempty"`
	Hash     string         `json:"hash"`
	Symbols  []string       `json:"symbols"`
	Geometry []float64      `json:"geometry"`
	Charge   int            `json:"charge"`
	Extras   map[string]any `json:"extras,omitempty"`
}

// OptionSet is a named bag of keyword parameters bound to a program.
type OptionSet struct {
	Program  string         `json:"program"`
	Name     string         `json:"name"`
	Keywords map[string]any `json:"keywords"`
}

// Result is one atomic single-point computation outcome.
type Result struct {
	ID         string         `json:"id,omitempty"`
	MoleculeID string         `json:"molecule_id"`
	Driver     string         `json:"driver"`
	Method     string         `json:"method"`
	Basis      string         `json:"basis"`
	Options    string         `json:"options"`
	Program    string         `json:"program"`
	Payload    map[string]any `json:"payload,omitempty"`
	HashIndex  string         `json:"hash_index"`
	QueueID    string         `json:"queue_id,omitempty"`
}

// Procedure is one multi-step computation outcome (e.g. an optimization).
type Procedure struct {
	ID               string         `json:"id,omitempty"`
	Kind             string         `json:"kind"`
	Program          string         `json:"program"`
	Keywords         map[string]any `json:"keywords"`
	InitialMoleculeID string        `json:"initial_molecule"`
	FinalMoleculeID   string        `json:"final_molecule"`
	TrajectoryIDs     []string       `json:"trajectory"`
	Tags              map[string]any `json:"qcfractal_tags,omitempty"`
	HashIndex         string         `json:"hash_index"`
	QueueID           string         `json:"queue_id,omitempty"`
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePendingUnsubmitted QueueStatus = "pending-unsubmitted"
	QueuePendingSubmitted   QueueStatus = "pending-submitted"
	QueueComplete           QueueStatus = "complete"
	QueueError              QueueStatus = "error"
)

// RPCTarget names the out-of-process compute call a task's spec invokes.
// Modeled as an enum per REDESIGN FLAGS: spec.function is an RPC target
// name, not an in-process callable.
type RPCTarget string

const (
	RPCCompute          RPCTarget = "qcengine.compute"
	RPCComputeProcedure RPCTarget = "qcengine.compute_procedure"
)

// TaskSpec is the callable the backend must invoke for one queue entry.
type TaskSpec struct {
	Function RPCTarget        `json:"function"`
	Args     []map[string]any `json:"args"`
	Kwargs   map[string]any   `json:"kwargs,omitempty"`
}

// Locator points at a concrete store row without exposing its shape.
type Locator struct {
	Table string `json:"table"`
	Index string `json:"index"`
	Data  any    `json:"data"`
}

// HookAction binds a deferred action to the locator of the record that
// triggered it. The store alone interprets Action; the core only
// propagates it (§9 Open Question).
type HookAction struct {
	Locator Locator `json:"locator"`
	Action  any     `json:"action"`
}

// Hook is a declarative follow-up action attached to a queue entry,
// materialized into a HookAction once its target record lands.
type Hook struct {
	Action any `json:"action"`
}

// QueueEntry is one in-flight or pending atomic task.
type QueueEntry struct {
	QueueID   string      `json:"queue_id"`
	HashIndex string      `json:"hash_index"`
	HashKeys  any         `json:"hash_keys"`
	Spec      TaskSpec    `json:"spec"`
	Parser    string      `json:"parser"`
	Tag       *string     `json:"tag,omitempty"`
	Hooks     []Hook      `json:"hooks,omitempty"`
	Status    QueueStatus `json:"status"`
	Locator   *Locator    `json:"locator,omitempty"`
}

// ServiceRecord is the durable state of a running multi-step workflow.
type ServiceRecord struct {
	ID    string          `json:"id,omitempty"`
	Kind  string          `json:"kind"`
	State map[string]any  `json:"state"`
	Hooks []Hook          `json:"hooks,omitempty"`
}

// ResultPayload is what a backend returns for one completed task.
type ResultPayload struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Fields  map[string]any `json:"-"`
}

// TaskDescriptor is one atomic task produced by an input parser, ready to
// be written into the queue table.
type TaskDescriptor struct {
	HashIndex string   `json:"hash_index"`
	HashKeys  any      `json:"hash_keys"`
	Spec      TaskSpec `json:"spec"`
	Hooks     []Hook   `json:"hooks"`
	Tag       *string  `json:"tag"`
	Parser    string   `json:"parser"`
}

// Envelope is the request/response wire wrapper every HTTP endpoint uses.
type Envelope struct {
	Meta ResponseMeta `json:"meta"`
	Data any          `json:"data"`
}

// ResponseMeta is the fixed meta shape §6.2 requires.
type ResponseMeta struct {
	Errors           []string `json:"errors"`
	NInserted        int      `json:"n_inserted"`
	Success          bool     `json:"success"`
	Duplicates       []any    `json:"duplicates"`
	ErrorDescription any      `json:"error_description"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// DuplicateIDMode selects what an optimization input parser reports for a
// duplicate: the hash index or the existing procedure id.
type DuplicateIDMode string

const (
	DuplicateByHashIndex DuplicateIDMode = "hash_index"
	DuplicateByID        DuplicateIDMode = "id"
)
