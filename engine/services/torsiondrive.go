package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qcarchive/fractalgo/engine/procedures"
	"github.com/qcarchive/fractalgo/engine/store"
)

// TorsionDriveState is the JSON-serializable state blob for one torsion
// drive: an iterative 1-D dihedral scan, restored as a supplemental
// service kind per SPEC_FULL.md §4.4.
type TorsionDriveState struct {
	Program       string            `json:"program"`
	Method        string            `json:"method"`
	Basis         string            `json:"basis"`
	MoleculeID    string            `json:"molecule_id"`
	DihedralAtoms [4]int            `json:"dihedral_atoms"`
	GridSpacing   int               `json:"grid_spacing"`
	Grid          []int             `json:"grid"`
	Submitted     map[string]string `json:"submitted"` // grid angle key -> hash_index
	Completed     map[string]string `json:"completed"` // grid angle key -> procedure id
}

// TorsionDrive is the in-memory machine for one TorsionDriveState.
type TorsionDrive struct {
	state TorsionDriveState
}

func (t *TorsionDrive) Kind() string { return "torsiondrive" }

func (t *TorsionDrive) GetJSON() (map[string]any, error) {
	data, err := json.Marshal(t.state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Iterate submits an optimization for every grid point not yet attempted,
// then checks which of the already-submitted points now have a landed
// procedure record. Finishes once every grid point has one.
func (t *TorsionDrive) Iterate(ctx context.Context, st store.Store, submitter TaskSubmitter) (bool, error) {
	for _, angle := range t.state.Grid {
		key := gridKey(angle)
		if _, ok := t.state.Submitted[key]; ok {
			continue
		}

		in := procedures.OptimizationInput{
			Program:  "geometric",
			Keywords: map[string]any{"dihedral_atoms": t.state.DihedralAtoms, "target_angle": angle},
			QC: procedures.SingleInput{
				Program:   t.state.Program,
				Method:    t.state.Method,
				Basis:     t.state.Basis,
				Molecules: map[int]any{0: t.state.MoleculeID},
			},
		}
		result, err := procedures.OptimizationInputParser(ctx, st, in)
		if err != nil {
			return false, err
		}
		if len(result.Errors) > 0 {
			return false, result.Errors[0]
		}
		if len(result.Tasks) == 0 {
			// Already on file under a different grid point's submission
			// (e.g. a flat torsion landing on an identical geometry); treat
			// any reported duplicate as already-submitted.
			if len(result.Duplicates) > 0 {
				t.state.Submitted[key] = result.Duplicates[0].Key
			}
			continue
		}

		if _, err := submitter.SubmitTasks(ctx, result.Tasks); err != nil {
			return false, err
		}
		t.state.Submitted[key] = result.Tasks[0].HashIndex
	}

	pending := make([]string, 0, len(t.state.Grid))
	for _, angle := range t.state.Grid {
		key := gridKey(angle)
		if _, done := t.state.Completed[key]; done {
			continue
		}
		if hash, ok := t.state.Submitted[key]; ok {
			pending = append(pending, hash)
		}
	}
	if len(pending) > 0 {
		procs, err := st.GetProcedures(ctx, store.ProcedureQuery{HashIndices: pending})
		if err != nil {
			return false, err
		}
		byHash := make(map[string]string, len(procs))
		for _, p := range procs {
			byHash[p.HashIndex] = p.ID
		}
		for _, angle := range t.state.Grid {
			key := gridKey(angle)
			if _, done := t.state.Completed[key]; done {
				continue
			}
			hash, ok := t.state.Submitted[key]
			if !ok {
				continue
			}
			if id, ok := byHash[hash]; ok {
				t.state.Completed[key] = id
			}
		}
	}

	return len(t.state.Completed) == len(t.state.Grid), nil
}

func gridKey(angle int) string { return fmt.Sprintf("%d", angle) }

// NewTorsionDrive is the Initializer for the "torsiondrive" kind, building
// a fresh scan from a scheduler request's meta fields.
func NewTorsionDrive(kind string, st store.Store, submitter TaskSubmitter, meta map[string]any, moleculeID string) (Service, error) {
	program, _ := meta["program"].(string)
	method, _ := meta["method"].(string)
	basis, _ := meta["basis"].(string)
	spacing := 15
	if v, ok := meta["grid_spacing"].(float64); ok && v > 0 {
		spacing = int(v)
	}

	var atoms [4]int
	if raw, ok := meta["dihedral_atoms"].([]any); ok {
		for i := 0; i < 4 && i < len(raw); i++ {
			if f, ok := raw[i].(float64); ok {
				atoms[i] = int(f)
			}
		}
	}

	grid := make([]int, 0, 360/spacing)
	for a := -180; a < 180; a += spacing {
		grid = append(grid, a)
	}

	return &TorsionDrive{state: TorsionDriveState{
		Program:       program,
		Method:        method,
		Basis:         basis,
		MoleculeID:    moleculeID,
		DihedralAtoms: atoms,
		GridSpacing:   spacing,
		Grid:          grid,
		Submitted:     make(map[string]string),
		Completed:     make(map[string]string),
	}}, nil
}

// BuildTorsionDrive is the Builder for the "torsiondrive" kind, rehydrating
// a machine from its persisted state blob.
func BuildTorsionDrive(kind string, st store.Store, submitter TaskSubmitter, data map[string]any) (Service, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var state TorsionDriveState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state.Submitted == nil {
		state.Submitted = make(map[string]string)
	}
	if state.Completed == nil {
		state.Completed = make(map[string]string)
	}
	return &TorsionDrive{state: state}, nil
}
