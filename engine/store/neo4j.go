package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/qcarchive/fractalgo/engine/domain"
	"github.com/qcarchive/fractalgo/pkg/repo"
)

// Neo4jStore is the production Store backed by a Neo4j graph database. It
// mirrors the node/label layout the original server kept as SQL tables:
// Molecule, Result, Procedure, QueueEntry and ServiceRecord nodes, with
// hash_index carrying the uniqueness constraint the dedup invariants need.
type Neo4jStore struct {
	driver      neo4j.DriverWithContext
	molIndex    *MoleculeIndex
	optionsRepo *repo.Neo4jRepo[OptionSet, string]
}

// NewNeo4jStore wraps an already-configured driver. Callers are expected to
// have created uniqueness constraints on (:Molecule {hash}),
// (:Result {hash_index}), (:Procedure {hash_index}) and
// (:QueueEntry {queue_id}) out of band, the way the teacher's deployment
// provisions its graph schema ahead of time.
func NewNeo4jStore(driver neo4j.DriverWithContext) *Neo4jStore {
	return &Neo4jStore{
		driver: driver,
		optionsRepo: repo.NewNeo4jRepo[OptionSet, string](
			driver, "OptionSet", optionToProps, optionFromRecord,
			repo.WithIDKey[OptionSet, string]("key"),
		),
	}
}

// AddOptions registers option sets, keyed by (program, name), via the
// generic Neo4jRepo rather than hand-written Cypher: an OptionSet is a
// flat, single-label entity with no relationships to other nodes, exactly
// the shape Neo4jRepo targets. Re-adding the same (program, name) creates a
// second node rather than upserting; GetOptions's MATCH picks whichever one
// the driver returns first, so callers should treat option sets as
// write-once in practice.
func (s *Neo4jStore) AddOptions(ctx context.Context, opts []OptionSet) error {
	for _, o := range opts {
		if _, err := s.optionsRepo.Create(ctx, o); err != nil {
			return fmt.Errorf("add option %s/%s: %w", o.Program, o.Name, err)
		}
	}
	return nil
}

// AttachMoleculeIndex wires a near-duplicate finder into the store. Every
// molecule merged through AddMolecules is indexed into it best-effort;
// never attaching one is fine, FindSimilarMolecules just always returns
// nothing.
func (s *Neo4jStore) AttachMoleculeIndex(idx *MoleculeIndex) {
	s.molIndex = idx
}

// FindSimilarMolecules surfaces geometries near the given molecule's,
// purely as a diagnostic for a caller deciding whether to submit a new
// computation. Never consulted by dedup: hash_index alone gates identity.
func (s *Neo4jStore) FindSimilarMolecules(ctx context.Context, moleculeID string, topK int) ([]SimilarMolecule, error) {
	if s.molIndex == nil {
		return nil, nil
	}
	resolved, err := s.MixedMoleculeGet(ctx, map[int]any{0: moleculeID})
	if err != nil {
		return nil, err
	}
	r, ok := resolved[0]
	if !ok || r.Err != nil || r.Molecule == nil {
		return nil, fmt.Errorf("moleculeindex: molecule %q not found", moleculeID)
	}
	return s.molIndex.FindSimilar(ctx, MoleculeFingerprint(r.Molecule.Geometry), topK)
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{})
}

func (s *Neo4jStore) MixedMoleculeGet(ctx context.Context, refs map[int]any) (map[int]MoleculeOrError, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out := make(map[int]MoleculeOrError, len(refs))
	for idx, ref := range refs {
		switch v := ref.(type) {
		case string:
			result, err := sess.Run(ctx, `MATCH (m:Molecule {id: $id}) RETURN m`, map[string]any{"id": v})
			if err != nil {
				out[idx] = MoleculeOrError{Err: err}
				continue
			}
			if !result.Next(ctx) {
				out[idx] = MoleculeOrError{Err: fmt.Errorf("%w: %q", domain.ErrMoleculeNotResolved, v)}
				continue
			}
			node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "m")
			if err != nil {
				out[idx] = MoleculeOrError{Err: err}
				continue
			}
			mol := moleculeFromProps(node.Props)
			out[idx] = MoleculeOrError{Molecule: &mol}
		case Molecule:
			mol, err := s.mergeMolecule(ctx, sess, v)
			if err != nil {
				out[idx] = MoleculeOrError{Err: err}
				continue
			}
			out[idx] = MoleculeOrError{Molecule: &mol}
		default:
			out[idx] = MoleculeOrError{Err: fmt.Errorf("%w: unsupported reference type %T", domain.ErrMoleculeNotResolved, ref)}
		}
	}
	return out, nil
}

func (s *Neo4jStore) AddMolecules(ctx context.Context, mols map[string]Molecule) (map[string]string, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out := make(map[string]string, len(mols))
	var vecs []MoleculeVector
	for key, m := range mols {
		mol, err := s.mergeMolecule(ctx, sess, m)
		if err != nil {
			return nil, err
		}
		out[key] = mol.ID
		if s.molIndex != nil && len(mol.Geometry) >= 6 {
			vecs = append(vecs, MoleculeVector{MoleculeID: mol.ID, Hash: mol.Hash, Embedding: MoleculeFingerprint(mol.Geometry)})
		}
	}
	if len(vecs) > 0 {
		// Best-effort: the near-duplicate index never gates correctness, so
		// an indexing failure here is swallowed rather than failing a merge
		// that already committed.
		_ = s.molIndex.Index(ctx, vecs)
	}
	return out, nil
}

// mergeMolecule upserts on hash so a resubmitted geometry resolves to the
// id already on file, the graph equivalent of the in-memory store's
// molByHash index.
func (s *Neo4jStore) mergeMolecule(ctx context.Context, sess neo4j.SessionWithContext, m Molecule) (Molecule, error) {
	props, err := moleculeToProps(m)
	if err != nil {
		return Molecule{}, err
	}
	cypher := `MERGE (n:Molecule {hash: $hash})
		ON CREATE SET n = $props, n.id = randomUUID(), n.hash = $hash
		RETURN n`
	result, err := sess.Run(ctx, cypher, map[string]any{"hash": m.Hash, "props": props})
	if err != nil {
		return Molecule{}, err
	}
	if !result.Next(ctx) {
		return Molecule{}, fmt.Errorf("molecule merge returned no row")
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
	if err != nil {
		return Molecule{}, err
	}
	return moleculeFromProps(node.Props), nil
}

func (s *Neo4jStore) GetOptions(ctx context.Context, keys [][2]string) ([]OptionSet, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out := make([]OptionSet, 0, len(keys))
	for _, k := range keys {
		result, err := sess.Run(ctx, `MATCH (o:OptionSet {program: $program, name: $name}) RETURN o`,
			map[string]any{"program": k[0], "name": k[1]})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			continue
		}
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "o")
		if err != nil {
			return nil, err
		}
		out = append(out, optionFromProps(node.Props))
	}
	return out, nil
}

func (s *Neo4jStore) GetResults(ctx context.Context, q ResultQuery) ([]Result, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (r:Result)
		WHERE ($driver = "" OR r.driver = $driver)
		  AND ($method = "" OR r.method = $method)
		  AND ($basis = "" OR r.basis = $basis)
		  AND ($options = "" OR r.options = $options)
		  AND ($program = "" OR r.program = $program)
		  AND (size($molecule_ids) = 0 OR r.molecule_id IN $molecule_ids)
		RETURN r`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"driver": q.Driver, "method": q.Method, "basis": q.Basis,
		"options": q.Options, "program": q.Program, "molecule_ids": q.MoleculeIDs,
	})
	if err != nil {
		return nil, err
	}
	var out []Result
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "r")
		if err != nil {
			return nil, err
		}
		out = append(out, resultFromProps(node.Props))
	}
	return out, nil
}

// AddResults inserts results transactionally: a MATCH on hash_index reports
// an existing row as a duplicate, otherwise the row is CREATEd. A concurrent
// writer that passes the same check fails on the (:Result {hash_index})
// uniqueness constraint NewNeo4jStore expects instead of creating a second
// row for the same single_run_hash (§4.1, §6.1 dedup note). Uses the
// managed-transaction idiom, the same shape as
// the teacher's SaveBatch, because the dedup check and the write must
// commit atomically together.
func (s *Neo4jStore) AddResults(ctx context.Context, rows []AddResult[Result]) ([]AddOutcome, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		outcomes := make([]AddOutcome, 0, len(rows))
		for _, row := range rows {
			outcome, err := mergeHashed(ctx, tx, "Result", row.Key, row.Value.HashIndex, func() (map[string]any, error) {
				return resultToProps(row.Value)
			})
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, outcome)
		}
		return outcomes, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]AddOutcome), nil
}

func (s *Neo4jStore) GetProcedures(ctx context.Context, q ProcedureQuery) ([]Procedure, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (p:Procedure)
		WHERE size($hashes) = 0 OR p.hash_index IN $hashes
		RETURN p`
	result, err := sess.Run(ctx, cypher, map[string]any{"hashes": q.HashIndices})
	if err != nil {
		return nil, err
	}
	var out []Procedure
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "p")
		if err != nil {
			return nil, err
		}
		out = append(out, procedureFromProps(node.Props))
	}
	return out, nil
}

func (s *Neo4jStore) AddProcedures(ctx context.Context, rows []AddResult[Procedure]) ([]AddOutcome, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		outcomes := make([]AddOutcome, 0, len(rows))
		for _, row := range rows {
			outcome, err := mergeHashed(ctx, tx, "Procedure", row.Key, row.Value.HashIndex, func() (map[string]any, error) {
				return procedureToProps(row.Value)
			})
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, outcome)
		}
		return outcomes, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]AddOutcome), nil
}

// mergeHashed is the shared insert-or-report-duplicate step for both
// Result and Procedure rows: a MATCH on hash_index within the surrounding
// write transaction, then a CREATE when nothing matched. Two concurrent
// inserts of the same content do not both succeed only because of the
// hash_index uniqueness constraint on the label; the query itself takes no
// lock.
func mergeHashed(ctx context.Context, tx neo4j.ManagedTransaction, label, key, hash string, props func() (map[string]any, error)) (AddOutcome, error) {
	existing, err := tx.Run(ctx, fmt.Sprintf(`MATCH (n:%s {hash_index: $hash}) RETURN n.id AS id`, label),
		map[string]any{"hash": hash})
	if err != nil {
		return AddOutcome{}, err
	}
	if existing.Next(ctx) {
		id, _, err := neo4j.GetRecordValue[string](existing.Record(), "id")
		if err != nil {
			return AddOutcome{}, err
		}
		return AddOutcome{Key: key, ID: id, Duplicate: true}, nil
	}

	p, err := props()
	if err != nil {
		return AddOutcome{}, err
	}
	created, err := tx.Run(ctx, fmt.Sprintf(`CREATE (n:%s $props) SET n.id = randomUUID() RETURN n.id AS id`, label),
		map[string]any{"props": p})
	if err != nil {
		return AddOutcome{}, err
	}
	if !created.Next(ctx) {
		return AddOutcome{}, fmt.Errorf("%s create returned no row", label)
	}
	id, _, err := neo4j.GetRecordValue[string](created.Record(), "id")
	if err != nil {
		return AddOutcome{}, err
	}
	return AddOutcome{Key: key, ID: id}, nil
}

// QueueSubmit MATCHes on hash_index against any non-terminal row so a
// resubmission of the same task reuses its existing queue_id, and CREATEs a
// new entry otherwise (§4.5 step 1).
func (s *Neo4jStore) QueueSubmit(ctx context.Context, tasks []TaskDescriptor) ([]string, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			existing, err := tx.Run(ctx,
				`MATCH (q:QueueEntry {hash_index: $hash}) WHERE NOT q.status IN ["complete", "error"] RETURN q.queue_id AS id`,
				map[string]any{"hash": t.HashIndex})
			if err != nil {
				return nil, err
			}
			if existing.Next(ctx) {
				id, _, err := neo4j.GetRecordValue[string](existing.Record(), "id")
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
				continue
			}

			spec, err := json.Marshal(t.Spec)
			if err != nil {
				return nil, err
			}
			hooks, err := json.Marshal(t.Hooks)
			if err != nil {
				return nil, err
			}
			props := map[string]any{
				"hash_index": t.HashIndex,
				"spec_json":  string(spec),
				"hooks_json": string(hooks),
				"parser":     t.Parser,
				"status":     string(domain.QueuePendingUnsubmitted),
			}
			if t.Tag != nil {
				props["tag"] = *t.Tag
			}
			created, err := tx.Run(ctx,
				`CREATE (q:QueueEntry $props) SET q.queue_id = randomUUID() RETURN q.queue_id AS id`,
				map[string]any{"props": props})
			if err != nil {
				return nil, err
			}
			if !created.Next(ctx) {
				return nil, fmt.Errorf("queue entry create returned no row")
			}
			id, _, err := neo4j.GetRecordValue[string](created.Record(), "id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

// QueueGetNext claims up to n pending-unsubmitted rows inside one managed
// write transaction, so two nanny instances polling the same store never
// claim the same row (§4.5 step 7, §6.1). The WITH...LIMIT...SET pattern
// keeps the read-then-flip atomic within the transaction.
func (s *Neo4jStore) QueueGetNext(ctx context.Context, n int) ([]QueuedTask, error) {
	if n <= 0 {
		return nil, nil
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := `MATCH (q:QueueEntry {status: $pending})
			WITH q ORDER BY q.queue_id LIMIT $n
			SET q.status = $submitted
			RETURN q`
		result, err := tx.Run(ctx, cypher, map[string]any{
			"pending":   string(domain.QueuePendingUnsubmitted),
			"submitted": string(domain.QueuePendingSubmitted),
			"n":         n,
		})
		if err != nil {
			return nil, err
		}
		var claimed []QueuedTask
		for result.Next(ctx) {
			node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "q")
			if err != nil {
				return nil, err
			}
			qt, err := queuedTaskFromProps(node.Props)
			if err != nil {
				return nil, err
			}
			claimed = append(claimed, qt)
		}
		return claimed, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]QueuedTask), nil
}

func (s *Neo4jStore) QueueUpdate(ctx context.Context, completions []QueueCompletion) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, c := range completions {
			locJSON, err := json.Marshal(c.Locator)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx,
				`MATCH (q:QueueEntry {queue_id: $id}) SET q.status = $status, q.locator_json = $locator`,
				map[string]any{"id": c.QueueID, "status": string(c.Status), "locator": string(locJSON)},
			); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (s *Neo4jStore) AddServices(ctx context.Context, recs []ServiceRecord) ([]string, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			props, err := serviceToProps(r)
			if err != nil {
				return nil, err
			}
			cypher := `CREATE (s:ServiceRecord $props) SET s.id = randomUUID() RETURN s.id AS id`
			result, err := tx.Run(ctx, cypher, map[string]any{"props": props})
			if err != nil {
				return nil, err
			}
			if !result.Next(ctx) {
				return nil, fmt.Errorf("service create returned no row")
			}
			id, _, err := neo4j.GetRecordValue[string](result.Record(), "id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (s *Neo4jStore) GetServices(ctx context.Context, ids []string) ([]ServiceRecord, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (s:ServiceRecord) WHERE s.id IN $ids RETURN s ORDER BY s.id`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	var out []ServiceRecord
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "s")
		if err != nil {
			return nil, err
		}
		rec, err := serviceFromProps(node.Props)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Neo4jStore) UpdateServices(ctx context.Context, recs []ServiceRecord) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, r := range recs {
			props, err := serviceToProps(r)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx, `MATCH (s:ServiceRecord {id: $id}) SET s += $props`,
				map[string]any{"id": r.ID, "props": props}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// RemoveServices deletes service rows outright, the graph-store side of
// the §3 invariant that a service record exists iff its workflow has not
// reached a terminal state.
func (s *Neo4jStore) RemoveServices(ctx context.Context, ids []string) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH (s:ServiceRecord) WHERE s.id IN $ids DETACH DELETE s`,
		map[string]any{"ids": ids})
	return err
}

func (s *Neo4jStore) HandleHooks(ctx context.Context, actions []HookAction) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, a := range actions {
			locJSON, err := json.Marshal(a.Locator)
			if err != nil {
				return nil, err
			}
			actionJSON, err := json.Marshal(a.Action)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx,
				`CREATE (h:HookAction {locator_json: $locator, action_json: $action, fired_at: timestamp()})`,
				map[string]any{"locator": string(locJSON), "action": string(actionJSON)},
			); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// --- property marshaling helpers -------------------------------------------
//
// Neo4j node properties may only hold scalars and homogeneous arrays, so
// map-valued fields (Extras, Keywords, Payload, State, Tags) are stored as
// JSON strings alongside the scalar fields, matching how the teacher's
// engine/graph package flattens nested Component properties.

func moleculeToProps(m Molecule) (map[string]any, error) {
	extras, err := json.Marshal(m.Extras)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"hash":        m.Hash,
		"symbols":     m.Symbols,
		"geometry":    m.Geometry,
		"charge":      int64(m.Charge),
		"extras_json": string(extras),
	}, nil
}

func moleculeFromProps(props map[string]any) Molecule {
	m := Molecule{
		ID:     strProp(props, "id"),
		Hash:   strProp(props, "hash"),
		Charge: int(intProp(props, "charge")),
	}
	m.Symbols = strSliceProp(props, "symbols")
	m.Geometry = floatSliceProp(props, "geometry")
	if raw := strProp(props, "extras_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.Extras)
	}
	return m
}

func optionFromProps(props map[string]any) OptionSet {
	o := OptionSet{Program: strProp(props, "program"), Name: strProp(props, "name")}
	if raw := strProp(props, "keywords_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &o.Keywords)
	}
	return o
}

// optionToProps and optionFromRecord adapt OptionSet to the shape
// pkg/repo.Neo4jRepo needs: a toMap/fromRecord pair plus a synthetic single
// "key" identity field, since OptionSet's natural key is the composite
// (program, name) rather than a single id.
func optionToProps(o OptionSet) map[string]any {
	kwJSON, _ := json.Marshal(o.Keywords)
	return map[string]any{
		"key":           o.Program + "/" + o.Name,
		"program":       o.Program,
		"name":          o.Name,
		"keywords_json": string(kwJSON),
	}
}

func optionFromRecord(rec *neo4j.Record) (OptionSet, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return OptionSet{}, err
	}
	return optionFromProps(node.Props), nil
}

func resultToProps(r Result) (map[string]any, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"molecule_id":  r.MoleculeID,
		"driver":       r.Driver,
		"method":       r.Method,
		"basis":        r.Basis,
		"options":      r.Options,
		"program":      r.Program,
		"payload_json": string(payload),
		"hash_index":   r.HashIndex,
		"queue_id":     r.QueueID,
	}, nil
}

func resultFromProps(props map[string]any) Result {
	r := Result{
		ID:         strProp(props, "id"),
		MoleculeID: strProp(props, "molecule_id"),
		Driver:     strProp(props, "driver"),
		Method:     strProp(props, "method"),
		Basis:      strProp(props, "basis"),
		Options:    strProp(props, "options"),
		Program:    strProp(props, "program"),
		HashIndex:  strProp(props, "hash_index"),
		QueueID:    strProp(props, "queue_id"),
	}
	if raw := strProp(props, "payload_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &r.Payload)
	}
	return r
}

func procedureToProps(p Procedure) (map[string]any, error) {
	keywords, err := json.Marshal(p.Keywords)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":              p.Kind,
		"program":           p.Program,
		"keywords_json":     string(keywords),
		"initial_molecule":  p.InitialMoleculeID,
		"final_molecule":    p.FinalMoleculeID,
		"trajectory":        p.TrajectoryIDs,
		"tags_json":         string(tags),
		"hash_index":        p.HashIndex,
		"queue_id":          p.QueueID,
	}, nil
}

func procedureFromProps(props map[string]any) Procedure {
	p := Procedure{
		ID:                strProp(props, "id"),
		Kind:              strProp(props, "kind"),
		Program:           strProp(props, "program"),
		InitialMoleculeID: strProp(props, "initial_molecule"),
		FinalMoleculeID:   strProp(props, "final_molecule"),
		HashIndex:         strProp(props, "hash_index"),
		QueueID:           strProp(props, "queue_id"),
	}
	p.TrajectoryIDs = strSliceProp(props, "trajectory")
	if raw := strProp(props, "keywords_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &p.Keywords)
	}
	if raw := strProp(props, "tags_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &p.Tags)
	}
	return p
}

func serviceToProps(r ServiceRecord) (map[string]any, error) {
	state, err := json.Marshal(r.State)
	if err != nil {
		return nil, err
	}
	hooks, err := json.Marshal(r.Hooks)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":       r.Kind,
		"state_json": string(state),
		"hooks_json": string(hooks),
	}, nil
}

func serviceFromProps(props map[string]any) (ServiceRecord, error) {
	r := ServiceRecord{ID: strProp(props, "id"), Kind: strProp(props, "kind")}
	if raw := strProp(props, "state_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.State); err != nil {
			return ServiceRecord{}, err
		}
	}
	if raw := strProp(props, "hooks_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Hooks); err != nil {
			return ServiceRecord{}, err
		}
	}
	return r, nil
}

func queuedTaskFromProps(props map[string]any) (QueuedTask, error) {
	qt := QueuedTask{
		QueueID:   strProp(props, "queue_id"),
		HashIndex: strProp(props, "hash_index"),
		Parser:    strProp(props, "parser"),
	}
	if raw := strProp(props, "spec_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &qt.Spec); err != nil {
			return QueuedTask{}, err
		}
	}
	if raw := strProp(props, "hooks_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &qt.Hooks); err != nil {
			return QueuedTask{}, err
		}
	}
	return qt, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func strSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatSliceProp(props map[string]any, key string) []float64 {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}
