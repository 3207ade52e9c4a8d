package procedures

import (
	"context"
	"fmt"
	"sort"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/hashindex"
	"github.com/qcarchive/fractalgo/engine/store"
)

// SingleInput is the request shape for the "single" procedure kind: one
// atomic computation (driver/method/basis/options/program) run over a
// batch of molecule references. Mirrors
// `procedure_single_input_parser`'s json_data["meta"]/["data"] split.
type SingleInput struct {
	Driver  string
	Method  string
	Basis   string
	Options string
	Program string
	// Molecules maps a caller-chosen index to either an existing molecule
	// id (string) or an inline store.Molecule to be created on demand.
	Molecules map[int]any
}

// resolvedRun is one molecule reference successfully resolved to a store id.
type resolvedRun struct {
	index      int
	moleculeID string
}

func resolveMolecules(ctx context.Context, st store.Store, refs map[int]any) ([]resolvedRun, []error) {
	resolved, err := st.MixedMoleculeGet(ctx, refs)
	if err != nil {
		return nil, []error{err}
	}

	var runs []resolvedRun
	var errs []error
	for idx, r := range resolved {
		if r.Err != nil {
			errs = append(errs, domain.NewValidationError("molecule", fmt.Sprintf("%d", idx), r.Err))
			continue
		}
		runs = append(runs, resolvedRun{index: idx, moleculeID: r.Molecule.ID})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].index < runs[j].index })
	return runs, errs
}

// SingleInputParser expands a SingleInput into queue tasks, deduplicating
// against any result already on file for the same (driver, method, basis,
// options, program, molecule_id) combination. Mirrors
// `procedure_single_input_parser`.
func SingleInputParser(ctx context.Context, st store.Store, request any) (InputResult, error) {
	in, ok := request.(SingleInput)
	if !ok {
		return InputResult{}, fmt.Errorf("procedures: single parser requires SingleInput, got %T", request)
	}

	runs, errs := resolveMolecules(ctx, st, in.Molecules)

	moleculeIDs := make([]string, 0, len(runs))
	for _, r := range runs {
		moleculeIDs = append(moleculeIDs, r.moleculeID)
	}
	existing, err := st.GetResults(ctx, store.ResultQuery{
		Driver: in.Driver, Method: in.Method, Basis: in.Basis,
		Options: in.Options, Program: in.Program, MoleculeIDs: moleculeIDs,
	})
	if err != nil {
		return InputResult{}, err
	}
	completed := make(map[string]bool, len(existing))
	for _, r := range existing {
		completed[r.MoleculeID] = true
	}

	var tasks []store.TaskDescriptor
	var duplicates []DuplicateRef
	for _, r := range runs {
		if completed[r.moleculeID] {
			duplicates = append(duplicates, DuplicateRef{Key: fmt.Sprintf("%d", r.index), ID: r.moleculeID})
			continue
		}

		keys, hash := hashindex.SingleRunHash(hashindex.SingleRunFields{
			Driver: in.Driver, Method: in.Method, Basis: in.Basis,
			Options: in.Options, Program: in.Program, MoleculeID: r.moleculeID,
		})

		tasks = append(tasks, store.TaskDescriptor{
			HashIndex: hash,
			HashKeys:  keys,
			Spec: domain.TaskSpec{
				Function: domain.RPCCompute,
				Args: []map[string]any{{
					"molecule_id": r.moleculeID,
					"driver":      in.Driver,
					"method":      in.Method,
					"basis":       in.Basis,
					"options":     in.Options,
					"program":     in.Program,
					"hash_index":  hash,
				}},
			},
			Parser: "single",
		})
	}

	return InputResult{Tasks: tasks, Duplicates: duplicates, Errors: errs}, nil
}

// SingleOutputParser absorbs completed "single" tasks into the results
// table. Mirrors `procedure_single_output_parser`: any duplicate reported
// by the store at this point is a conflict (dedup should already have
// happened at input time). Each duplicate row is reported as a
// domain.ErrDuplicateConflict in OutputResult.Errors and its queue entry
// is not completed; the batch is not aborted, and the other rows still
// complete.
func SingleOutputParser(ctx context.Context, st store.Store, completions []backend.Completion) (OutputResult, error) {
	rows := make([]store.AddResult[store.Result], 0, len(completions))
	byKey := make(map[string]backend.Completion, len(completions))

	var errs []error
	for _, c := range completions {
		byKey[c.QueueID] = c
		if !c.Payload.Success {
			errs = append(errs, fmt.Errorf("queue %s: computation failed: %s", c.QueueID, c.Payload.Error))
			continue
		}

		moleculeID, _ := c.Payload.Field("molecule_id")
		molStr, _ := moleculeID.(string)
		hashIndex, _ := c.Payload.Field("hash_index")
		hashStr, _ := hashIndex.(string)

		rows = append(rows, store.AddResult[store.Result]{
			Key: c.QueueID,
			Value: store.Result{
				MoleculeID: molStr,
				Driver:     fieldString(c.Payload, "driver"),
				Method:     fieldString(c.Payload, "method"),
				Basis:      fieldString(c.Payload, "basis"),
				Options:    fieldString(c.Payload, "options"),
				Program:    fieldString(c.Payload, "program"),
				Payload:    c.Payload.Fields,
				HashIndex:  hashStr,
				QueueID:    c.QueueID,
			},
		})
	}

	if len(rows) == 0 {
		return OutputResult{Errors: errs}, nil
	}

	outcomes, err := st.AddResults(ctx, rows)
	if err != nil {
		return OutputResult{}, err
	}

	var completedOut []store.QueueCompletion
	var hooks []domain.HookAction
	for _, o := range outcomes {
		if o.Duplicate {
			errs = append(errs, fmt.Errorf("%w: queue %s", domain.ErrDuplicateConflict, o.Key))
			continue
		}
		loc := domain.Locator{Table: "results", Index: "id", Data: o.ID}
		completedOut = append(completedOut, store.QueueCompletion{
			QueueID: o.Key, Status: domain.QueueComplete, Locator: loc,
		})
		for _, h := range byKey[o.Key].Hooks {
			hooks = append(hooks, domain.HookAction{Locator: loc, Action: h.Action})
		}
	}

	return OutputResult{Completions: completedOut, Hooks: hooks, Errors: errs}, nil
}

func fieldString(p domain.ResultPayload, key string) string {
	v, _ := p.Field(key)
	s, _ := v.(string)
	return s
}
