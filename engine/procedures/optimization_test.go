package procedures

import (
	"context"
	"testing"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/store"
)

func TestOptimizationInputParserInlineKeywords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})

	in := OptimizationInput{
		Program:  "geometric",
		Keywords: map[string]any{"maxiter": 50},
		QC:       SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
	}

	result, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("OptimizationInputParser: %v", err)
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(result.Tasks))
	}
	if result.Tasks[0].Spec.Function != domain.RPCComputeProcedure {
		t.Fatalf("expected RPCComputeProcedure, got %v", result.Tasks[0].Spec.Function)
	}
	if result.Tasks[0].Parser != "optimization" {
		t.Fatalf("expected parser 'optimization', got %q", result.Tasks[0].Parser)
	}
}

func TestOptimizationInputParserResolvesNamedOptions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})
	st.SeedOption(domain.OptionSet{Program: "geometric", Name: "default", Keywords: map[string]any{"maxiter": 100}})

	in := OptimizationInput{
		Program:     "geometric",
		OptionsName: "default",
		QC:          SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
	}

	result, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("OptimizationInputParser: %v", err)
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(result.Tasks))
	}
}

func TestOptimizationInputParserMissingNamedOptionsIsValidationError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})

	in := OptimizationInput{
		Program:     "geometric",
		OptionsName: "does-not-exist",
		QC:          SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
	}

	_, err := OptimizationInputParser(ctx, st, in)
	if err == nil {
		t.Fatal("expected an error for an unresolvable named option set")
	}
	var verr *domain.ValidationError
	if !(func() bool { return errorsAsValidationError(err, &verr) })() {
		t.Fatalf("expected *domain.ValidationError, got %T: %v", err, err)
	}
}

func errorsAsValidationError(err error, target **domain.ValidationError) bool {
	for err != nil {
		if v, ok := err.(*domain.ValidationError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestOptimizationInputParserDedupByHashIndexMode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})

	in := OptimizationInput{
		Program:         "geometric",
		Keywords:        map[string]any{},
		QC:              SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
		DuplicateIDMode: domain.DuplicateByHashIndex,
	}

	first, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if len(first.Tasks) != 1 {
		t.Fatalf("expected 1 task on first parse, got %d", len(first.Tasks))
	}

	if _, err := st.AddProcedures(ctx, []store.AddResult[store.Procedure]{{
		Key: "queue_1",
		Value: store.Procedure{
			Kind: "optimization", Program: "geometric",
			HashIndex: first.Tasks[0].HashIndex,
		},
	}}); err != nil {
		t.Fatalf("seeding procedure: %v", err)
	}

	second, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if len(second.Tasks) != 0 {
		t.Fatalf("expected the now-duplicate task to be filtered, got %+v", second.Tasks)
	}
	if len(second.Duplicates) != 1 || second.Duplicates[0].ID != first.Tasks[0].HashIndex {
		t.Fatalf("expected duplicate reported by hash index, got %+v", second.Duplicates)
	}
}

func TestOptimizationInputParserDefaultDuplicateIDModeIsHashIndex(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})

	in := OptimizationInput{
		Program:  "geometric",
		Keywords: map[string]any{},
		QC:       SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
		// DuplicateIDMode left unset, as an HTTP request that omits the
		// optional duplicate_id field decodes it.
	}

	first, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if len(first.Tasks) != 1 {
		t.Fatalf("expected 1 task on first parse, got %d", len(first.Tasks))
	}

	if _, err := st.AddProcedures(ctx, []store.AddResult[store.Procedure]{{
		Key: "queue_1",
		Value: store.Procedure{
			Kind: "optimization", Program: "geometric",
			HashIndex: first.Tasks[0].HashIndex,
		},
	}}); err != nil {
		t.Fatalf("seeding procedure: %v", err)
	}

	second, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if len(second.Tasks) != 0 {
		t.Fatalf("expected the now-duplicate task to be filtered, got %+v", second.Tasks)
	}
	if len(second.Duplicates) != 1 || second.Duplicates[0].ID != first.Tasks[0].HashIndex {
		t.Fatalf("expected an unset duplicate_id mode to default to hash_index reporting, got %+v", second.Duplicates)
	}
}

func TestOptimizationInputParserUnknownDuplicateIDMode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedMolecule("mol_1", domain.Molecule{Hash: "h1", Symbols: []string{"H"}})

	in := OptimizationInput{
		Program:         "geometric",
		Keywords:        map[string]any{},
		QC:              SingleInput{Program: "psi4", Method: "hf", Basis: "sto-3g", Molecules: map[int]any{0: "mol_1"}},
		DuplicateIDMode: "bogus",
	}

	first, err := OptimizationInputParser(ctx, st, in)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if _, err := st.AddProcedures(ctx, []store.AddResult[store.Procedure]{{
		Key:   "queue_1",
		Value: store.Procedure{Kind: "optimization", Program: "geometric", HashIndex: first.Tasks[0].HashIndex},
	}}); err != nil {
		t.Fatalf("seeding procedure: %v", err)
	}

	_, err = OptimizationInputParser(ctx, st, in)
	var cfgErr *domain.ConfigError
	if !errorsAsConfigError(err, &cfgErr) {
		t.Fatalf("expected *domain.ConfigError for unknown duplicate_id mode, got %T: %v", err, err)
	}
}

func errorsAsConfigError(err error, target **domain.ConfigError) bool {
	for err != nil {
		if v, ok := err.(*domain.ConfigError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestOptimizationOutputParserAbsorbsTrajectoryAndBuildsProcedure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	initial := map[string]any{"hash": "init-hash", "symbols": []any{"H"}, "geometry": []any{0.0, 0.0, 0.0}, "charge": 0}
	final := map[string]any{"hash": "final-hash", "symbols": []any{"H"}, "geometry": []any{0.0, 0.0, 1.0}, "charge": 0}

	completions := []backend.Completion{
		{
			QueueID: "queue_1",
			Parser:  "optimization",
			Payload: domain.ResultPayload{
				Success: true,
				Fields: map[string]any{
					"initial_molecule": initial,
					"final_molecule":   final,
					"optimizer":        "geometric",
					"hash_index":       "opt-hash-1",
					"keywords":         map[string]any{"maxiter": 50},
					"trajectory": []any{
						map[string]any{
							"molecule_id": "traj-mol-0", "driver": "gradient", "method": "hf",
							"basis": "sto-3g", "program": "psi4", "hash_index": "traj-hash-0", "success": true,
						},
					},
				},
			},
			Hooks: []domain.Hook{{Action: "notify"}},
		},
	}

	out, err := OptimizationOutputParser(ctx, st, completions)
	if err != nil {
		t.Fatalf("OptimizationOutputParser: %v", err)
	}
	if len(out.Completions) != 1 || out.Completions[0].QueueID != "queue_1" {
		t.Fatalf("expected 1 completion for queue_1, got %+v", out.Completions)
	}
	if len(out.Hooks) != 1 || out.Hooks[0].Action != "notify" {
		t.Fatalf("expected the hook to carry through, got %+v", out.Hooks)
	}

	procs, err := st.GetProcedures(ctx, store.ProcedureQuery{HashIndices: []string{"opt-hash-1"}})
	if err != nil {
		t.Fatalf("GetProcedures: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected 1 stored procedure, got %d", len(procs))
	}
	if procs[0].InitialMoleculeID == "" || procs[0].FinalMoleculeID == "" {
		t.Fatalf("expected initial/final molecule ids to be populated, got %+v", procs[0])
	}
	if len(procs[0].TrajectoryIDs) != 1 {
		t.Fatalf("expected 1 trajectory result id, got %+v", procs[0].TrajectoryIDs)
	}

	results, err := st.GetResults(ctx, store.ResultQuery{})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 1 || results[0].QueueID != "queue_1" {
		t.Fatalf("expected 1 trajectory result tagged with the parent queue id, got %+v", results)
	}
}

func TestOptimizationOutputParserSkipsFailedCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	completions := []backend.Completion{
		{QueueID: "queue_1", Payload: domain.ResultPayload{Success: false, Error: "optimizer diverged"}},
	}

	out, err := OptimizationOutputParser(ctx, st, completions)
	if err != nil {
		t.Fatalf("OptimizationOutputParser: %v", err)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("expected 1 domain-failure error, got %+v", out.Errors)
	}
	if len(out.Completions) != 0 {
		t.Fatalf("expected no completions for a failed optimization, got %+v", out.Completions)
	}
}
