// Package nanny implements the queue nanny (§4.5): the single owner of
// the harvest/refill loop that moves tasks between the store's queue
// table and a backend.Adapter, and drives active services forward.
package nanny

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/procedures"
	"github.com/qcarchive/fractalgo/engine/services"
	"github.com/qcarchive/fractalgo/engine/store"
	"github.com/qcarchive/fractalgo/pkg/metrics"
)

// Options configures a Nanny.
type Options struct {
	// MaxTasks is the adapter concurrency cap (the original's max_tasks).
	MaxTasks int
}

// DefaultOptions returns the original's default max_tasks of 1000.
func DefaultOptions() Options {
	return Options{MaxTasks: 1000}
}

// Nanny is the single-threaded cooperative driver described in §5:
// Update/UpdateServices are not re-entrant, serialized behind mu.
// SubmitTasks/SubmitServices may be called concurrently from many HTTP
// goroutines; they delegate mutation to the store and trigger a harvest
// as best effort.
type Nanny struct {
	mu sync.Mutex

	adapter   backend.Adapter
	st        store.Store
	procs     *procedures.Registry
	svcs      *services.Registry
	opts      Options
	logger    *slog.Logger

	activeServices map[string]bool

	mSubmitted *metrics.Counter
	mCompleted *metrics.Counter
	mErrors    *metrics.Counter
	mInFlight  *metrics.Gauge
	mServices  *metrics.Gauge
}

// New creates a Nanny. met may be nil, in which case metrics are recorded
// into a private throwaway registry (so the zero value is always safe to
// observe, it just isn't exported anywhere).
func New(adapter backend.Adapter, st store.Store, procs *procedures.Registry, svcs *services.Registry, opts Options, met *metrics.Registry, logger *slog.Logger) *Nanny {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = DefaultOptions().MaxTasks
	}
	if met == nil {
		met = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Nanny{
		adapter:        adapter,
		st:             st,
		procs:          procs,
		svcs:           svcs,
		opts:           opts,
		logger:         logger,
		activeServices: make(map[string]bool),
		mSubmitted:     met.Counter("fractalgo_nanny_tasks_submitted_total", "Total tasks submitted to the backend adapter"),
		mCompleted:     met.Counter("fractalgo_nanny_tasks_completed_total", "Total task completions absorbed"),
		mErrors:        met.Counter("fractalgo_nanny_task_errors_total", "Total task/service errors encountered"),
		mInFlight:      met.Gauge("fractalgo_nanny_tasks_in_flight", "Tasks currently submitted to the backend adapter"),
		mServices:      met.Gauge("fractalgo_nanny_active_services", "Currently active service records"),
	}
}

// SubmitTasks writes tasks to the store's queue table (which silently
// dedups on hash_index), triggers a harvest/refill pass, and returns the
// resulting queue ids. Mirrors QueueNanny.submit_tasks.
func (n *Nanny) SubmitTasks(ctx context.Context, tasks []store.TaskDescriptor) ([]string, error) {
	ids, err := n.st.QueueSubmit(ctx, tasks)
	if err != nil {
		return nil, err
	}
	n.mSubmitted.Add(int64(len(tasks)))
	if err := n.Update(ctx); err != nil {
		n.logger.Error("nanny: best-effort update after submit_tasks failed", "error", err)
	}
	return ids, nil
}

// serviceTaskSubmitter is the TaskSubmitter handed to a service's Iterate
// from inside updateServices, which already holds mu. It must never call
// the public, lock-acquiring SubmitTasks/Update — that would deadlock on
// the non-reentrant mutex — so it calls the private, unlocked update
// directly instead, exactly mirroring what the public path does once mu
// is already held.
type serviceTaskSubmitter struct{ n *Nanny }

func (s serviceTaskSubmitter) SubmitTasks(ctx context.Context, tasks []store.TaskDescriptor) ([]string, error) {
	ids, err := s.n.st.QueueSubmit(ctx, tasks)
	if err != nil {
		return nil, err
	}
	s.n.mSubmitted.Add(int64(len(tasks)))
	if err := s.n.update(ctx); err != nil {
		s.n.logger.Error("nanny: best-effort update after service-submitted tasks failed", "error", err)
	}
	return ids, nil
}

// SubmitServices persists new service records, unions their ids into the
// active-service set, and triggers a services pass. Mirrors
// QueueNanny.submit_services.
func (n *Nanny) SubmitServices(ctx context.Context, recs []services.Service) ([]string, error) {
	rows := make([]store.ServiceRecord, 0, len(recs))
	for _, s := range recs {
		state, err := s.GetJSON()
		if err != nil {
			return nil, fmt.Errorf("nanny: serializing new %s service: %w", s.Kind(), err)
		}
		rows = append(rows, store.ServiceRecord{Kind: s.Kind(), State: state})
	}

	ids, err := n.st.AddServices(ctx, rows)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	for _, id := range ids {
		n.activeServices[id] = true
	}
	n.mServices.Set(int64(len(n.activeServices)))
	n.mu.Unlock()

	if err := n.UpdateServices(ctx); err != nil {
		n.logger.Error("nanny: best-effort update after submit_services failed", "error", err)
	}
	return ids, nil
}

// Update is the core harvest/refill step (§4.5 update()). Not re-entrant:
// it holds mu for its whole duration, so callers must not already hold mu.
func (n *Nanny) Update(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.update(ctx)
}

func (n *Nanny) update(ctx context.Context) error {
	completions, err := n.adapter.AcquireComplete(ctx)
	if err != nil {
		return fmt.Errorf("nanny: acquire_complete: %w", err)
	}

	grouped := make(map[string][]backend.Completion)
	for queueID, c := range completions {
		if !c.Payload.Success {
			n.mErrors.Inc()
			n.logger.Info("nanny: computation did not complete successfully", "queue_id", queueID, "error", c.Payload.Error)
			continue
		}
		grouped[c.Parser] = append(grouped[c.Parser], c)
	}

	var hooks []domain.HookAction
	for parser, batch := range grouped {
		out, err := n.procs.OutputParserFor(parser)
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: no output parser registered", "parser", parser, "error", err)
			continue
		}
		result, err := out(ctx, n.st, batch)
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: output parser failed", "parser", parser, "error", err)
			continue
		}
		for _, e := range result.Errors {
			n.mErrors.Inc()
			n.logger.Info("nanny: output parser reported a per-row error", "parser", parser, "error", e)
		}
		if len(result.Completions) > 0 {
			if err := n.st.QueueUpdate(ctx, result.Completions); err != nil {
				return fmt.Errorf("nanny: queue_update: %w", err)
			}
			n.mCompleted.Add(int64(len(result.Completions)))
		}
		hooks = append(hooks, result.Hooks...)
	}

	if len(hooks) > 0 {
		if err := n.st.HandleHooks(ctx, hooks); err != nil {
			return fmt.Errorf("nanny: handle_hooks: %w", err)
		}
	}

	count, err := n.adapter.TaskCount(ctx)
	if err != nil {
		return fmt.Errorf("nanny: task_count: %w", err)
	}
	n.mInFlight.Set(int64(count))
	openSlots := n.opts.MaxTasks - count
	if openSlots <= 0 {
		return nil
	}

	next, err := n.st.QueueGetNext(ctx, openSlots)
	if err != nil {
		return fmt.Errorf("nanny: queue_get_next: %w", err)
	}
	if len(next) == 0 {
		return nil
	}
	if err := n.adapter.Submit(ctx, next); err != nil {
		return fmt.Errorf("nanny: adapter submit_tasks: %w", err)
	}
	return nil
}

// UpdateServices loads every active service record, rebuilds its
// in-memory machine, advances it one step, and persists the result.
// Mirrors QueueNanny.update_services.
func (n *Nanny) UpdateServices(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updateServices(ctx)
}

func (n *Nanny) updateServices(ctx context.Context) error {
	if len(n.activeServices) == 0 {
		return nil
	}
	ids := make([]string, 0, len(n.activeServices))
	for id := range n.activeServices {
		ids = append(ids, id)
	}

	recs, err := n.st.GetServices(ctx, ids)
	if err != nil {
		return fmt.Errorf("nanny: get_services: %w", err)
	}

	var finished []string
	var updated []store.ServiceRecord
	for _, rec := range recs {
		build, err := n.svcs.BuilderFor(rec.Kind)
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: no service builder registered", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}
		svc, err := build(rec.Kind, n.st, serviceTaskSubmitter{n}, rec.State)
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: rebuilding service failed", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}

		done, err := svc.Iterate(ctx, n.st, serviceTaskSubmitter{n})
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: service iterate failed", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}

		state, err := svc.GetJSON()
		if err != nil {
			n.mErrors.Inc()
			n.logger.Error("nanny: serializing service state failed", "kind", rec.Kind, "id", rec.ID, "error", err)
			continue
		}
		rec.State = state
		updated = append(updated, rec)

		if done {
			finished = append(finished, rec.ID)
		}
	}

	if len(updated) > 0 {
		if err := n.st.UpdateServices(ctx, updated); err != nil {
			return fmt.Errorf("nanny: update_services: %w", err)
		}
	}
	if len(finished) > 0 {
		if err := n.st.RemoveServices(ctx, finished); err != nil {
			return fmt.Errorf("nanny: remove_services: %w", err)
		}
		for _, id := range finished {
			delete(n.activeServices, id)
		}
	}
	n.mServices.Set(int64(len(n.activeServices)))
	return nil
}

// AwaitResults blocks until the adapter's AwaitResults returns, then runs
// one Update pass. Synchronous, used for tests or small launches.
func (n *Nanny) AwaitResults(ctx context.Context) error {
	if err := n.adapter.AwaitResults(ctx); err != nil {
		return fmt.Errorf("nanny: await_results: %w", err)
	}
	return n.Update(ctx)
}

// AwaitServices loops at most maxIter times, alternating UpdateServices
// and AwaitResults, terminating early once the active-service set is
// empty. maxIter<=0 defaults to 10, matching the original's default.
func (n *Nanny) AwaitServices(ctx context.Context, maxIter int) error {
	if maxIter <= 0 {
		maxIter = 10
	}
	for i := 0; i < maxIter; i++ {
		if err := n.UpdateServices(ctx); err != nil {
			return err
		}
		if err := n.AwaitResults(ctx); err != nil {
			return err
		}
		n.mu.Lock()
		empty := len(n.activeServices) == 0
		n.mu.Unlock()
		if empty {
			break
		}
	}
	return nil
}

// ListTasks reports the queue ids currently tracked by the backend
// adapter. Mirrors QueueNanny.list_current_tasks.
func (n *Nanny) ListTasks(ctx context.Context) ([]string, error) {
	return n.adapter.ListTasks(ctx)
}
