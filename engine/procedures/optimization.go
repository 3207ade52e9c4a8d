package procedures

import (
	"encoding/json"
	"fmt"

	"context"

	"github.com/qcarchive/fractalgo/engine/backend"
	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/engine/hashindex"
	"github.com/qcarchive/fractalgo/engine/store"
)

// OptimizationInput is the request shape for the "optimization" procedure
// kind: a geometry optimization, built on top of a nested single-run query
// for the underlying gradient/energy program. Mirrors
// `procedure_optimization_input_parser`'s json_data["meta"] split.
type OptimizationInput struct {
	// Program is the optimizer driving the optimization (e.g. "geometric").
	Program string
	// OptionsName, if set, looks up keywords via (Program, OptionsName).
	// Otherwise Keywords is used directly, or an empty set if neither is set.
	OptionsName string
	Keywords    map[string]any
	// QC is the nested single-run query ("qc_meta") the optimizer steps
	// through at each iteration.
	QC SingleInput
	// DuplicateIDMode selects what a duplicate is reported as.
	DuplicateIDMode domain.DuplicateIDMode
}

// OptimizationInputParser expands an OptimizationInput into procedure
// tasks, deduplicating against any procedure already on file with the same
// (type, program, keywords, single_key) identity. Mirrors
// `procedure_optimization_input_parser`.
func OptimizationInputParser(ctx context.Context, st store.Store, request any) (InputResult, error) {
	in, ok := request.(OptimizationInput)
	if !ok {
		return InputResult{}, fmt.Errorf("procedures: optimization parser requires OptimizationInput, got %T", request)
	}

	runs, errs := resolveMolecules(ctx, st, in.QC.Molecules)

	keywords, err := resolveOptimizationKeywords(ctx, st, in)
	if err != nil {
		return InputResult{}, err
	}
	keywords["program"] = in.QC.Program

	var tasks []store.TaskDescriptor
	hashes := make([]string, 0, len(runs))
	taskByHash := make(map[string]store.TaskDescriptor, len(runs))
	for _, r := range runs {
		singleKey := fmt.Sprintf("%d", r.index)
		keys := map[string]any{
			"type":       "optimization",
			"program":    in.Program,
			"keywords":   keywords,
			"single_key": singleKey,
		}
		hash := hashindex.ProcedureHash(keys)

		task := store.TaskDescriptor{
			HashIndex: hash,
			HashKeys:  keys,
			Spec: domain.TaskSpec{
				Function: domain.RPCComputeProcedure,
				Args: []map[string]any{{
					"initial_molecule": r.moleculeID,
					"keywords":         keywords,
					"target_program":   in.QC.Program,
					"optimizer":        in.Program,
					"hash_index":       hash,
				}},
			},
			Parser: "optimization",
		}
		tasks = append(tasks, task)
		hashes = append(hashes, hash)
		taskByHash[hash] = task
	}

	if len(hashes) == 0 {
		return InputResult{Tasks: tasks, Errors: errs}, nil
	}

	existing, err := st.GetProcedures(ctx, store.ProcedureQuery{HashIndices: hashes})
	if err != nil {
		return InputResult{}, err
	}
	if len(existing) == 0 {
		return InputResult{Tasks: tasks, Errors: errs}, nil
	}

	found := make(map[string]string, len(existing)) // hash -> existing procedure id
	for _, p := range existing {
		found[p.HashIndex] = p.ID
	}

	var filtered []store.TaskDescriptor
	var duplicates []DuplicateRef
	for _, hash := range hashes {
		if id, ok := found[hash]; ok {
			switch in.DuplicateIDMode {
			case domain.DuplicateByID:
				duplicates = append(duplicates, DuplicateRef{Key: hash, ID: id})
			case domain.DuplicateByHashIndex, "":
				duplicates = append(duplicates, DuplicateRef{Key: hash, ID: hash})
			default:
				return InputResult{}, domain.NewConfigError("duplicate_id", string(in.DuplicateIDMode), domain.ErrUnknownDuplicateID)
			}
			continue
		}
		filtered = append(filtered, taskByHash[hash])
	}

	return InputResult{Tasks: filtered, Duplicates: duplicates, Errors: errs}, nil
}

func resolveOptimizationKeywords(ctx context.Context, st store.Store, in OptimizationInput) (map[string]any, error) {
	switch {
	case in.OptionsName != "":
		opts, err := st.GetOptions(ctx, [][2]string{{in.Program, in.OptionsName}})
		if err != nil {
			return nil, err
		}
		if len(opts) == 0 {
			return nil, domain.NewValidationError("options", in.OptionsName, fmt.Errorf("no such option set for program %q", in.Program))
		}
		out := make(map[string]any, len(opts[0].Keywords))
		for k, v := range opts[0].Keywords {
			out[k] = v
		}
		return out, nil
	case in.Keywords != nil:
		out := make(map[string]any, len(in.Keywords))
		for k, v := range in.Keywords {
			out[k] = v
		}
		return out, nil
	default:
		return map[string]any{}, nil
	}
}

// OptimizationOutputParser absorbs completed optimizations: it stores the
// initial/final molecules, the trajectory's single-point results (each
// tagged with the owning optimization's queue id), then the procedure
// record itself. Mirrors `procedure_optimization_output_parser`.
func OptimizationOutputParser(ctx context.Context, st store.Store, completions []backend.Completion) (OutputResult, error) {
	var errs []error

	type pending struct {
		completion    backend.Completion
		initialKey    string
		finalKey      string
		initial       domain.Molecule
		final         domain.Molecule
		trajectoryKeys []string
		trajectory     []store.AddResult[store.Result]
	}

	molInputs := make(map[string]domain.Molecule)
	trajRows := make([]store.AddResult[store.Result], 0)
	var items []*pending

	for _, c := range completions {
		if !c.Payload.Success {
			errs = append(errs, fmt.Errorf("queue %s: optimization failed: %s", c.QueueID, c.Payload.Error))
			continue
		}

		initial, err := moleculeFromPayloadField(c.Payload, "initial_molecule")
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", c.QueueID, err))
			continue
		}
		final, err := moleculeFromPayloadField(c.Payload, "final_molecule")
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", c.QueueID, err))
			continue
		}

		p := &pending{completion: c, initialKey: c.QueueID + ":initial", finalKey: c.QueueID + ":final", initial: initial, final: final}
		molInputs[p.initialKey] = initial
		molInputs[p.finalKey] = final

		traj, _ := c.Payload.Field("trajectory")
		trajList, _ := traj.([]any)
		for i, raw := range trajList {
			fields, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			payload := domain.ResultPayload{Fields: fields}
			if v, ok := fields["success"].(bool); ok {
				payload.Success = v
			}
			key := fmt.Sprintf("%s:traj:%d", c.QueueID, i)
			p.trajectoryKeys = append(p.trajectoryKeys, key)
			trajRows = append(trajRows, store.AddResult[store.Result]{
				Key: key,
				Value: store.Result{
					MoleculeID: fieldString(payload, "molecule_id"),
					Driver:     fieldString(payload, "driver"),
					Method:     fieldString(payload, "method"),
					Basis:      fieldString(payload, "basis"),
					Options:    fieldString(payload, "options"),
					Program:    fieldString(payload, "program"),
					Payload:    fields,
					HashIndex:  fieldString(payload, "hash_index"),
					QueueID:    c.QueueID,
				},
			})
		}
		items = append(items, p)
	}

	if len(items) == 0 {
		return OutputResult{Errors: errs}, nil
	}

	molIDs, err := st.AddMolecules(ctx, molInputs)
	if err != nil {
		return OutputResult{}, err
	}

	trajOutcomes, err := st.AddResults(ctx, trajRows)
	if err != nil {
		return OutputResult{}, err
	}
	trajIDByKey := make(map[string]string, len(trajOutcomes))
	for _, o := range trajOutcomes {
		trajIDByKey[o.Key] = o.ID
	}

	procRows := make([]store.AddResult[store.Procedure], 0, len(items))
	for _, p := range items {
		trajIDs := make([]string, 0, len(p.trajectoryKeys))
		for _, k := range p.trajectoryKeys {
			trajIDs = append(trajIDs, trajIDByKey[k])
		}
		hashIndex := fieldString(domain.ResultPayload{Fields: p.completion.Payload.Fields}, "hash_index")
		procRows = append(procRows, store.AddResult[store.Procedure]{
			Key: p.completion.QueueID,
			Value: store.Procedure{
				Kind:              "optimization",
				Program:           fieldString(domain.ResultPayload{Fields: p.completion.Payload.Fields}, "optimizer"),
				Keywords:          mapField(p.completion.Payload, "keywords"),
				InitialMoleculeID: molIDs[p.initialKey],
				FinalMoleculeID:   molIDs[p.finalKey],
				TrajectoryIDs:     trajIDs,
				HashIndex:         hashIndex,
				QueueID:           p.completion.QueueID,
			},
		})
	}

	outcomes, err := st.AddProcedures(ctx, procRows)
	if err != nil {
		return OutputResult{}, err
	}

	byKey := make(map[string]backend.Completion, len(completions))
	for _, c := range completions {
		byKey[c.QueueID] = c
	}

	var completedOut []store.QueueCompletion
	var hooks []domain.HookAction
	for _, o := range outcomes {
		if o.Duplicate {
			errs = append(errs, fmt.Errorf("%w: queue %s", domain.ErrDuplicateConflict, o.Key))
			continue
		}
		loc := domain.Locator{Table: "procedures", Index: "id", Data: o.ID}
		completedOut = append(completedOut, store.QueueCompletion{
			QueueID: o.Key, Status: domain.QueueComplete, Locator: loc,
		})
		for _, h := range byKey[o.Key].Hooks {
			hooks = append(hooks, domain.HookAction{Locator: loc, Action: h.Action})
		}
	}

	return OutputResult{Completions: completedOut, Hooks: hooks, Errors: errs}, nil
}

func mapField(p domain.ResultPayload, key string) map[string]any {
	v, _ := p.Field(key)
	m, _ := v.(map[string]any)
	return m
}

// moleculeFromPayloadField decodes a molecule-shaped field of a result
// payload (as returned by the compute backend) into a domain.Molecule via
// a JSON round trip, since the payload arrives as untyped JSON.
func moleculeFromPayloadField(p domain.ResultPayload, key string) (domain.Molecule, error) {
	raw, ok := p.Field(key)
	if !ok {
		return domain.Molecule{}, fmt.Errorf("missing %q in result payload", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.Molecule{}, err
	}
	var m domain.Molecule
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Molecule{}, fmt.Errorf("decoding %q: %w", key, err)
	}
	return m, nil
}
