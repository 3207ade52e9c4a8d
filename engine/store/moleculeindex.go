package store

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FingerprintWidth is the fixed vector width MoleculeFingerprint produces,
// and the width EnsureCollection should be called with.
const FingerprintWidth = 32

// MoleculeFingerprint derives a small fixed-width embedding from a
// molecule's geometry: the sorted pairwise squared interatomic distances, padded
// or truncated to FingerprintWidth. Molecules with the same shape (up to
// atom ordering) land on nearly the same vector, which is all a
// near-duplicate finder needs — it is never the authoritative identity
// (hash_index is), so an approximate fingerprint is sufficient.
func MoleculeFingerprint(geometry []float64) []float32 {
	n := len(geometry) / 3
	var dists []float64
	for i := 0; i < n; i++ {
		xi, yi, zi := geometry[3*i], geometry[3*i+1], geometry[3*i+2]
		for j := i + 1; j < n; j++ {
			xj, yj, zj := geometry[3*j], geometry[3*j+1], geometry[3*j+2]
			dx, dy, dz := xi-xj, yi-yj, zi-zj
			dists = append(dists, dx*dx+dy*dy+dz*dz)
		}
	}
	sort.Float64s(dists)

	out := make([]float32, FingerprintWidth)
	for i := range out {
		if i < len(dists) {
			out[i] = float32(dists[i])
		}
	}
	return out
}

// MoleculeIndex is a non-authoritative near-duplicate finder over molecule
// embeddings. It never gates correctness: hash-based identity in Store
// remains the only thing dedup invariants rely on. This index only helps a
// caller surface "you probably already ran something close to this" before
// submitting, the same role the teacher's semantic.VectorStore plays for
// document retrieval.
type MoleculeIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// MoleculeVector is one embedding to index, keyed by the molecule id
// already assigned by Store.AddMolecules.
type MoleculeVector struct {
	MoleculeID string
	Hash       string
	Embedding  []float32
}

// SimilarMolecule is one neighbor returned by FindSimilar.
type SimilarMolecule struct {
	MoleculeID string
	Hash       string
	Score      float32
}

// NewMoleculeIndex dials Qdrant at addr and targets the named collection.
func NewMoleculeIndex(addr, collection string) (*MoleculeIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("moleculeindex: dial qdrant %s: %w", addr, err)
	}
	return &MoleculeIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (m *MoleculeIndex) Close() error {
	return m.conn.Close()
}

// EnsureCollection creates the collection with the given vector width if it
// doesn't already exist.
func (m *MoleculeIndex) EnsureCollection(ctx context.Context, dims int) error {
	list, err := m.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("moleculeindex: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == m.collection {
			return nil
		}
	}

	_, err = m.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: m.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("moleculeindex: create collection %s: %w", m.collection, err)
	}
	return nil
}

// Index upserts a batch of molecule embeddings.
func (m *MoleculeIndex) Index(ctx context.Context, vecs []MoleculeVector) error {
	if len(vecs) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(vecs))
	for i, v := range vecs {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: v.MoleculeID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: v.Embedding}},
			},
			Payload: map[string]*pb.Value{
				"hash":        {Kind: &pb.Value_StringValue{StringValue: v.Hash}},
				"molecule_id": {Kind: &pb.Value_StringValue{StringValue: v.MoleculeID}},
			},
		}
	}

	wait := true
	_, err := m.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: m.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("moleculeindex: upsert %d points: %w", len(vecs), err)
	}
	return nil
}

// FindSimilar returns the topK nearest neighbors to the given embedding,
// for surfacing near-duplicate geometries to a caller before submission.
func (m *MoleculeIndex) FindSimilar(ctx context.Context, embedding []float32, topK int) ([]SimilarMolecule, error) {
	resp, err := m.points.Search(ctx, &pb.SearchPoints{
		CollectionName: m.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("moleculeindex: search: %w", err)
	}

	out := make([]SimilarMolecule, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		out[i] = SimilarMolecule{
			MoleculeID: r.GetPayload()["molecule_id"].GetStringValue(),
			Hash:       r.GetPayload()["hash"].GetStringValue(),
			Score:      r.GetScore(),
		}
	}
	return out, nil
}
