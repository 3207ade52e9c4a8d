package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/qcarchive/fractalgo/engine/domain"
)

// MemoryStore is an in-memory, mutex-guarded Store implementation used by
// unit tests for engine/procedures, engine/nanny and engine/services, in
// the spirit of the teacher's fake runner in pkg/repo/neo4j_test.go.
type MemoryStore struct {
	mu sync.Mutex

	molecules  map[string]Molecule
	molByHash  map[string]string // content hash -> molecule id
	options    map[[2]string]OptionSet
	results    map[string]Result
	procedures map[string]Procedure
	queue      map[string]*queueRow
	services   map[string]ServiceRecord
	hooks      []HookAction

	seq   atomic.Int64
	order []string // queue ids in submission order, for QueueGetNext
}

type queueRow struct {
	entry  domain.QueueEntry
	status QueueStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		molecules:  make(map[string]Molecule),
		molByHash:  make(map[string]string),
		options:    make(map[[2]string]OptionSet),
		results:    make(map[string]Result),
		procedures: make(map[string]Procedure),
		queue:      make(map[string]*queueRow),
		services:   make(map[string]ServiceRecord),
	}
}

func (s *MemoryStore) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, s.seq.Add(1))
}

// SeedOption is a test/bootstrap helper to register an option set directly.
func (s *MemoryStore) SeedOption(o OptionSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[[2]string{o.Program, o.Name}] = o
}

// AddOptions registers option sets for the in-memory test double.
// Re-adding the same (program, name) replaces the earlier set; Neo4jStore
// instead keeps both nodes.
func (s *MemoryStore) AddOptions(_ context.Context, opts []OptionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range opts {
		s.options[[2]string{o.Program, o.Name}] = o
	}
	return nil
}

// SeedMolecule is a test/bootstrap helper to register a molecule with a
// known id, bypassing AddMolecules.
func (s *MemoryStore) SeedMolecule(id string, m Molecule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = id
	s.molecules[id] = m
	s.molByHash[m.Hash] = id
}

func (s *MemoryStore) MixedMoleculeGet(_ context.Context, refs map[int]any) (map[int]MoleculeOrError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]MoleculeOrError, len(refs))
	for idx, ref := range refs {
		switch v := ref.(type) {
		case string:
			mol, ok := s.molecules[v]
			if !ok {
				out[idx] = MoleculeOrError{Err: fmt.Errorf("%w: %q", domain.ErrMoleculeNotResolved, v)}
				continue
			}
			cp := mol
			out[idx] = MoleculeOrError{Molecule: &cp}
		case Molecule:
			if v.Hash != "" {
				if id, ok := s.molByHash[v.Hash]; ok {
					cp := s.molecules[id]
					out[idx] = MoleculeOrError{Molecule: &cp}
					continue
				}
			}
			id := s.nextID("mol")
			v.ID = id
			s.molecules[id] = v
			if v.Hash != "" {
				s.molByHash[v.Hash] = id
			}
			cp := v
			out[idx] = MoleculeOrError{Molecule: &cp}
		default:
			out[idx] = MoleculeOrError{Err: fmt.Errorf("%w: unsupported reference type %T", domain.ErrMoleculeNotResolved, ref)}
		}
	}
	return out, nil
}

func (s *MemoryStore) AddMolecules(_ context.Context, mols map[string]Molecule) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(mols))
	for key, m := range mols {
		if m.Hash != "" {
			if id, ok := s.molByHash[m.Hash]; ok {
				out[key] = id
				continue
			}
		}
		id := s.nextID("mol")
		m.ID = id
		s.molecules[id] = m
		if m.Hash != "" {
			s.molByHash[m.Hash] = id
		}
		out[key] = id
	}
	return out, nil
}

func (s *MemoryStore) GetOptions(_ context.Context, keys [][2]string) ([]OptionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OptionSet, 0, len(keys))
	for _, k := range keys {
		if o, ok := s.options[k]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetResults(_ context.Context, q ResultQuery) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moleculeSet := make(map[string]bool, len(q.MoleculeIDs))
	for _, id := range q.MoleculeIDs {
		moleculeSet[id] = true
	}

	var out []Result
	for _, r := range s.results {
		if q.Driver != "" && r.Driver != q.Driver {
			continue
		}
		if q.Method != "" && r.Method != q.Method {
			continue
		}
		if q.Basis != "" && r.Basis != q.Basis {
			continue
		}
		if q.Options != "" && r.Options != q.Options {
			continue
		}
		if q.Program != "" && r.Program != q.Program {
			continue
		}
		if len(moleculeSet) > 0 && !moleculeSet[r.MoleculeID] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) AddResults(_ context.Context, rows []AddResult[Result]) ([]AddOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AddOutcome, 0, len(rows))
	for _, row := range rows {
		if existingID := s.findResultByHash(row.Value.HashIndex); existingID != "" {
			out = append(out, AddOutcome{Key: row.Key, ID: existingID, Duplicate: true})
			continue
		}
		id := s.nextID("result")
		r := row.Value
		r.ID = id
		s.results[id] = r
		out = append(out, AddOutcome{Key: row.Key, ID: id})
	}
	return out, nil
}

func (s *MemoryStore) findResultByHash(hash string) string {
	if hash == "" {
		return ""
	}
	for id, r := range s.results {
		if r.HashIndex == hash {
			return id
		}
	}
	return ""
}

func (s *MemoryStore) GetProcedures(_ context.Context, q ProcedureQuery) ([]Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(q.HashIndices))
	for _, h := range q.HashIndices {
		want[h] = true
	}

	var out []Procedure
	for _, p := range s.procedures {
		if len(want) > 0 && !want[p.HashIndex] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AddProcedures(_ context.Context, rows []AddResult[Procedure]) ([]AddOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AddOutcome, 0, len(rows))
	for _, row := range rows {
		if existingID := s.findProcedureByHash(row.Value.HashIndex); existingID != "" {
			out = append(out, AddOutcome{Key: row.Key, ID: existingID, Duplicate: true})
			continue
		}
		id := s.nextID("proc")
		p := row.Value
		p.ID = id
		s.procedures[id] = p
		out = append(out, AddOutcome{Key: row.Key, ID: id})
	}
	return out, nil
}

func (s *MemoryStore) findProcedureByHash(hash string) string {
	if hash == "" {
		return ""
	}
	for id, p := range s.procedures {
		if p.HashIndex == hash {
			return id
		}
	}
	return ""
}

// QueueSubmit writes tasks into the queue table, deduplicating on
// hash_index against any row not yet terminal (§4.5 step 1).
func (s *MemoryStore) QueueSubmit(_ context.Context, tasks []TaskDescriptor) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if existing := s.findOpenQueueByHash(t.HashIndex); existing != "" {
			ids = append(ids, existing)
			continue
		}
		id := s.nextID("queue")
		row := &queueRow{
			entry: domain.QueueEntry{
				QueueID:   id,
				HashIndex: t.HashIndex,
				HashKeys:  t.HashKeys,
				Spec:      t.Spec,
				Parser:    t.Parser,
				Tag:       t.Tag,
				Hooks:     t.Hooks,
				Status:    domain.QueuePendingUnsubmitted,
			},
			status: domain.QueuePendingUnsubmitted,
		}
		s.queue[id] = row
		s.order = append(s.order, id)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) findOpenQueueByHash(hash string) string {
	if hash == "" {
		return ""
	}
	for _, id := range s.order {
		row := s.queue[id]
		if row.status != domain.QueueComplete && row.status != domain.QueueError && row.entry.HashIndex == hash {
			return id
		}
	}
	return ""
}

// QueueGetNext atomically flips up to n pending-unsubmitted rows to
// pending-submitted and returns them, in submission order, so a concurrent
// caller never claims the same row twice (§4.5 step 7, §6.1).
func (s *MemoryStore) QueueGetNext(_ context.Context, n int) ([]QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	var out []QueuedTask
	for _, id := range s.order {
		if len(out) >= n {
			break
		}
		row := s.queue[id]
		if row.status != domain.QueuePendingUnsubmitted {
			continue
		}
		row.status = domain.QueuePendingSubmitted
		row.entry.Status = domain.QueuePendingSubmitted
		out = append(out, QueuedTask{
			QueueID:   row.entry.QueueID,
			HashIndex: row.entry.HashIndex,
			Spec:      row.entry.Spec,
			Parser:    row.entry.Parser,
			Hooks:     row.entry.Hooks,
		})
	}
	return out, nil
}

func (s *MemoryStore) QueueUpdate(_ context.Context, completions []QueueCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range completions {
		row, ok := s.queue[c.QueueID]
		if !ok {
			continue
		}
		row.status = c.Status
		row.entry.Status = c.Status
		loc := c.Locator
		row.entry.Locator = &loc
	}
	return nil
}

func (s *MemoryStore) AddServices(_ context.Context, recs []ServiceRecord) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = s.nextID("svc")
		}
		r.ID = id
		s.services[id] = r
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) GetServices(_ context.Context, ids []string) ([]ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.services[id]; ok {
			out = append(out, r)
		}
	}
	// Stable order for deterministic tests.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateServices(_ context.Context, recs []ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		s.services[r.ID] = r
	}
	return nil
}

// RemoveServices deletes service records outright — the only way a
// workflow is marked complete (§3 invariant).
func (s *MemoryStore) RemoveServices(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.services, id)
	}
	return nil
}

func (s *MemoryStore) HandleHooks(_ context.Context, actions []HookAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, actions...)
	return nil
}

// FiredHooks returns a copy of every hook action handled so far, for test
// assertions.
func (s *MemoryStore) FiredHooks() []HookAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HookAction, len(s.hooks))
	copy(out, s.hooks)
	return out
}
