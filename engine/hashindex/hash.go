// Package hashindex computes deterministic, collision-resistant digests
// for content-addressed dedup of tasks and procedures (§4.1).
package hashindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
)

// Digest returns a stable SHA-256 hex digest of the given field map. Keys
// are sorted, floats are canonicalized to their shortest round-trip
// representation (so 1.0 and 1.00000 collapse to the same digest), and
// nested maps/slices are canonicalized depth-first.
func Digest(fields map[string]any) string {
	h := sha256.New()
	writeCanonical(h, fields)
	return hex.EncodeToString(h.Sum(nil))
}

type writer interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w writer, v any) {
	switch t := v.(type) {
	case nil:
		w.Write([]byte("null"))
	case map[string]any:
		writeMap(w, t)
	case []any:
		writeSlice(w, t)
	case string:
		fmt.Fprintf(w, "s:%s", t)
	case bool:
		fmt.Fprintf(w, "b:%t", t)
	case float64:
		w.Write([]byte("f:"))
		w.Write([]byte(canonicalFloat(t)))
	case float32:
		w.Write([]byte("f:"))
		w.Write([]byte(canonicalFloat(float64(t))))
	case int:
		fmt.Fprintf(w, "i:%d", t)
	case int64:
		fmt.Fprintf(w, "i:%d", t)
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		writeSlice(w, arr)
	case []float64:
		arr := make([]any, len(t))
		for i, f := range t {
			arr[i] = f
		}
		writeSlice(w, arr)
	default:
		// Fall back to a stable string form for anything else (enums,
		// custom stringers, etc.) rather than silently skipping content.
		fmt.Fprintf(w, "x:%v", t)
	}
}

func writeMap(w writer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.Write([]byte("{"))
	for i, k := range keys {
		if i > 0 {
			w.Write([]byte(","))
		}
		fmt.Fprintf(w, "%q:", k)
		writeCanonical(w, m[k])
	}
	w.Write([]byte("}"))
}

func writeSlice(w writer, s []any) {
	w.Write([]byte("["))
	for i, v := range s {
		if i > 0 {
			w.Write([]byte(","))
		}
		writeCanonical(w, v)
	}
	w.Write([]byte("]"))
}

// canonicalFloat formats a float64 so that values differing only in
// trailing zeros of their decimal representation hash identically.
func canonicalFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SingleRunFields is the canonical ordered set of identifying fields for
// one atomic computation, per §4.1.
type SingleRunFields struct {
	Driver     string
	Method     string
	Basis      string
	Options    string
	Program    string
	MoleculeID string
}

// SingleRunHash returns the canonical keys and the digest for one atomic
// computation. Mirrors original_source/qcfractal's single_run_hash.
func SingleRunHash(f SingleRunFields) (map[string]any, string) {
	keys := map[string]any{
		"driver":      f.Driver,
		"method":      f.Method,
		"basis":       f.Basis,
		"options":     f.Options,
		"program":     f.Program,
		"molecule_id": f.MoleculeID,
	}
	return keys, Digest(keys)
}

// ProcedureHash returns the digest for a procedure's identifying keys.
// Mirrors original_source/qcfractal's hash_procedure_keys.
func ProcedureHash(keys map[string]any) string {
	return Digest(keys)
}
