// Package backend implements the pluggable compute-backend contract the
// nanny submits tasks through and drains completions from (§4.3, §6.3).
package backend

import (
	"context"

	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
)

// Completion is one finished task, keyed by its queue id, ready to be
// routed through the owning procedure's output parser.
type Completion struct {
	QueueID string
	Payload domain.ResultPayload
	Parser  string
	Hooks   []domain.Hook
}

// Adapter is the contract every compute backend must satisfy, matching
// original_source/qcfractal's QueueAdapter surface: submit_tasks,
// aquire_complete, task_count, await_results, list_tasks.
type Adapter interface {
	// Submit hands a batch of claimed queue rows to the backend for
	// out-of-process execution.
	Submit(ctx context.Context, tasks []store.QueuedTask) error
	// AcquireComplete drains and returns every task that has finished
	// since the last call, without blocking.
	AcquireComplete(ctx context.Context) (map[string]Completion, error)
	// TaskCount reports how many tasks are currently in flight.
	TaskCount(ctx context.Context) (int, error)
	// AwaitResults blocks until the backend has no more in-flight tasks,
	// for synchronous test/small-launch use (§4.5's await_results path).
	AwaitResults(ctx context.Context) error
	// ListTasks reports the queue ids currently tracked by the backend.
	ListTasks(ctx context.Context) ([]string, error)
}

// BuildAdapter constructs the named backend kind. Unknown queueType values
// are a fatal configuration error, mirroring the original's
// `KeyError("Queue type '{}' not understood")`.
func BuildAdapter(queueType string, cfg AdapterConfig) (Adapter, error) {
	switch queueType {
	case "distributed":
		return NewDistributedAdapter(cfg.Distributed)
	case "workflow-manager":
		return NewWorkflowManagerAdapter(cfg.WorkflowManager)
	default:
		return nil, domain.NewConfigError("queue_type", queueType, domain.ErrUnknownBackend)
	}
}

// AdapterConfig carries the settings needed to construct either backend
// kind; only the block matching queueType is consulted.
type AdapterConfig struct {
	Distributed     DistributedConfig
	WorkflowManager WorkflowManagerConfig
}
