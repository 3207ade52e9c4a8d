package nanny

import (
	"context"
	"sync"
	"testing"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/procedures"
	"github.com/qcarchive/fractalgo/engine/services"
	"github.com/qcarchive/fractalgo/engine/store"
)

// fakeAdapter is an in-memory backend.Adapter double: Submit records tasks
// as in flight until a test calls complete, or, with autoAccept set, moves
// them straight to "complete", so tests can drive the nanny
// deterministically without a real transport.
type fakeAdapter struct {
	mu        sync.Mutex
	inFlight  map[string]store.QueuedTask
	done      map[string]backend.Completion
	autoAccept bool // if true, Submit immediately completes every task as success
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{inFlight: make(map[string]store.QueuedTask), done: make(map[string]backend.Completion)}
}

func (a *fakeAdapter) Submit(_ context.Context, tasks []store.QueuedTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tasks {
		if a.autoAccept {
			a.done[t.QueueID] = backend.Completion{
				QueueID: t.QueueID, Parser: t.Parser, Hooks: t.Hooks,
				Payload: domain.ResultPayload{Success: true, Fields: syntheticCompletionFields(t)},
			}
			continue
		}
		a.inFlight[t.QueueID] = t
	}
	return nil
}

// syntheticCompletionFields fabricates a plausible result payload for a
// task submitted under autoAccept, echoing back the identifying fields an
// output parser needs (molecule_id/hash_index for "single", a synthetic
// initial/final molecule pair and hash_index for "optimization").
func syntheticCompletionFields(t store.QueuedTask) map[string]any {
	var args map[string]any
	if len(t.Spec.Args) > 0 {
		args = t.Spec.Args[0]
	}
	switch t.Parser {
	case "optimization":
		return map[string]any{
			"initial_molecule": map[string]any{"hash": "init-" + t.QueueID, "symbols": []any{"H"}, "geometry": []any{0.0, 0.0, 0.0}, "charge": 0},
			"final_molecule":   map[string]any{"hash": "final-" + t.QueueID, "symbols": []any{"H"}, "geometry": []any{0.0, 0.0, 1.0}, "charge": 0},
			"optimizer":        args["optimizer"],
			"hash_index":       args["hash_index"],
			"keywords":         args["keywords"],
			"trajectory":       []any{},
		}
	default:
		return map[string]any{
			"molecule_id": args["molecule_id"],
			"driver":      args["driver"],
			"method":      args["method"],
			"basis":       args["basis"],
			"program":     args["program"],
			"hash_index":  args["hash_index"],
		}
	}
}

func (a *fakeAdapter) complete(queueID string, payload domain.ResultPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.inFlight[queueID]
	if !ok {
		return
	}
	delete(a.inFlight, queueID)
	a.done[queueID] = backend.Completion{QueueID: queueID, Parser: t.Parser, Hooks: t.Hooks, Payload: payload}
}

func (a *fakeAdapter) AcquireComplete(_ context.Context) (map[string]backend.Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.done
	a.done = make(map[string]backend.Completion)
	return out, nil
}

func (a *fakeAdapter) TaskCount(_ context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight), nil
}

func (a *fakeAdapter) AwaitResults(_ context.Context) error { return nil }

func (a *fakeAdapter) ListTasks(_ context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.inFlight))
	for id := range a.inFlight {
		out = append(out, id)
	}
	return out, nil
}

func TestNannySubmitTasksThenHarvestCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})
	adapter := newFakeAdapter()
	n := New(adapter, st, procedures.NewDefaultRegistry(), services.NewDefaultRegistry(), DefaultOptions(), nil, nil)

	in := procedures.SingleInput{Driver: "energy", Method: "hf", Basis: "sto-3g", Program: "psi4", Molecules: map[int]any{0: "mol_1"}}
	parsed, err := procedures.SingleInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("SingleInputParser: %v", err)
	}
	if len(parsed.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(parsed.Tasks))
	}

	ids, err := n.SubmitTasks(ctx, parsed.Tasks)
	if err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 submitted queue id, got %d", len(ids))
	}

	// SubmitTasks's best-effort Update should have claimed and submitted
	// the row to the adapter already.
	count, err := adapter.TaskCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 task in flight at the adapter, got %d (err=%v)", count, err)
	}

	adapter.complete(ids[0], domain.ResultPayload{
		Success: true,
		Fields: map[string]any{
			"molecule_id": "mol_1", "driver": "energy", "method": "hf",
			"basis": "sto-3g", "program": "psi4", "hash_index": parsed.Tasks[0].HashIndex,
		},
	})

	if err := n.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	results, err := st.GetResults(ctx, store.ResultQuery{})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 absorbed result, got %d", len(results))
	}
}

func TestNannyUpdateLogsDomainFailureWithoutAbortingHarvest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	adapter := newFakeAdapter()
	adapter.inFlight["queue_1"] = store.QueuedTask{QueueID: "queue_1", Parser: "single"}
	adapter.done["queue_1"] = backend.Completion{QueueID: "queue_1", Parser: "single", Payload: domain.ResultPayload{Success: false, Error: "boom"}}

	n := New(adapter, st, procedures.NewDefaultRegistry(), services.NewDefaultRegistry(), DefaultOptions(), nil, nil)
	if err := n.Update(ctx); err != nil {
		t.Fatalf("Update should not propagate a domain-level failure: %v", err)
	}
}

func TestNannySubmitAndRunServiceToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})
	adapter := newFakeAdapter()
	adapter.autoAccept = true // optimization tasks land immediately, successful

	n := New(adapter, st, procedures.NewDefaultRegistry(), services.NewDefaultRegistry(), DefaultOptions(), nil, nil)

	svcInit, err := services.NewDefaultRegistry().InitializerFor("torsiondrive")
	if err != nil {
		t.Fatalf("InitializerFor: %v", err)
	}
	svc, err := svcInit("torsiondrive", st, n, map[string]any{
		"program": "psi4", "method": "hf", "basis": "sto-3g",
		"grid_spacing": float64(180), // a 2-point grid to keep the test small
	}, "mol_1")
	if err != nil {
		t.Fatalf("initializing service: %v", err)
	}

	ids, err := n.SubmitServices(ctx, []services.Service{svc})
	if err != nil {
		t.Fatalf("SubmitServices: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 service id, got %d", len(ids))
	}

	if err := n.AwaitServices(ctx, 10); err != nil {
		t.Fatalf("AwaitServices: %v", err)
	}

	recs, err := st.GetServices(ctx, ids)
	if err != nil {
		t.Fatalf("GetServices: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected the finished service to be removed, got %+v", recs)
	}

	procs, err := st.GetProcedures(ctx, store.ProcedureQuery{})
	if err != nil {
		t.Fatalf("GetProcedures: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 landed optimizations for a 2-point grid, got %d", len(procs))
	}
}
