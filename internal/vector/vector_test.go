package vector

import (
	"fmt"
	"math/rand"
	"testing"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()
		}
		out[i] = v
	}
	return out
}

func TestBruteForceDimensionMismatch(t *testing.T) {
	bf := NewBruteForce(4, SquaredL2)
	if err := bf.Add("a", []float32{1, 2, 3}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestBruteForceSearchOrdering(t *testing.T) {
	bf := NewBruteForce(2, SquaredL2)
	bf.Add("origin", []float32{0, 0})
	bf.Add("near", []float32{1, 0})
	bf.Add("far", []float32{10, 10})

	results, err := bf.Search([]float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "origin" || results[1].ID != "near" {
		t.Fatalf("unexpected order: %+v", results)
	}
}

func TestBruteForceRemoveSkipsTombstoned(t *testing.T) {
	bf := NewBruteForce(2, SquaredL2)
	bf.Add("a", []float32{0, 0})
	bf.Add("b", []float32{1, 1})
	bf.Remove("a")

	results, _ := bf.Search([]float32{0, 0}, 5)
	for _, r := range results {
		if r.ID == "a" {
			t.Fatalf("removed id should not appear in search results")
		}
	}
	if bf.Len() != 1 {
		t.Fatalf("expected Len 1 after remove, got %d", bf.Len())
	}
}

func TestEmptyIndexSearchReturnsEmpty(t *testing.T) {
	bf := NewBruteForce(3, SquaredL2)
	results, err := bf.Search([]float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}

	h := NewHNSW(3, DefaultConfig())
	results, err = h.Search([]float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("Search on empty HNSW: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
}

func TestHNSWDimensionMismatch(t *testing.T) {
	h := NewHNSW(4, DefaultConfig())
	if err := h.Add("a", []float32{1, 2, 3}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch on Add, got %v", err)
	}
	h.Add("b", []float32{1, 2, 3, 4})
	if _, err := h.Search([]float32{1, 2}, 1); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch on Search, got %v", err)
	}
}

func TestHNSWFindsExactMatch(t *testing.T) {
	h := NewHNSW(8, DefaultConfig())
	vecs := randomVectors(200, 8, 42)
	for i, v := range vecs {
		h.Add(fmt.Sprintf("id-%d", i), v)
	}

	target := vecs[57]
	results, err := h.Search(target, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "id-57" {
		t.Fatalf("expected exact match id-57, got %+v", results)
	}
}

func TestHNSWRecallAgainstBruteForce(t *testing.T) {
	dim := 16
	n := 300
	vecs := randomVectors(n, dim, 7)

	bf := NewBruteForce(dim, SquaredL2)
	h := NewHNSW(dim, DefaultConfig())
	for i, v := range vecs {
		id := fmt.Sprintf("id-%d", i)
		bf.Add(id, v)
		h.Add(id, v)
	}

	query := randomVectors(1, dim, 99)[0]
	k := 10
	want, err := bf.Search(query, k)
	if err != nil {
		t.Fatalf("brute force search: %v", err)
	}
	got, err := h.Search(query, k)
	if err != nil {
		t.Fatalf("hnsw search: %v", err)
	}

	wantIDs := make(map[string]bool, len(want))
	for _, r := range want {
		wantIDs[r.ID] = true
	}
	overlap := 0
	for _, r := range got {
		if wantIDs[r.ID] {
			overlap++
		}
	}
	// HNSW is approximate; require at least half of the brute-force
	// top-k to show up rather than an exact match.
	if overlap < k/2 {
		t.Fatalf("expected at least 50%% recall vs brute force, got %d/%d", overlap, k)
	}
}

func TestHNSWDeterministicAcrossRuns(t *testing.T) {
	dim := 6
	vecs := randomVectors(50, dim, 3)

	build := func() []Result {
		h := NewHNSW(dim, DefaultConfig())
		for i, v := range vecs {
			h.Add(fmt.Sprintf("id-%d", i), v)
		}
		results, _ := h.Search(vecs[10], 5)
		return results
	}

	a := build()
	b := build()
	if len(a) != len(b) {
		t.Fatalf("expected identical result counts across runs, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("expected deterministic results at position %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
	}
}

func TestHNSWRemoveExcludesFromSearch(t *testing.T) {
	dim := 4
	h := NewHNSW(dim, DefaultConfig())
	vecs := randomVectors(30, dim, 11)
	for i, v := range vecs {
		h.Add(fmt.Sprintf("id-%d", i), v)
	}
	h.Remove("id-5")

	results, err := h.Search(vecs[5], 30)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == "id-5" {
			t.Fatalf("removed id should not appear in search results")
		}
	}
}

func TestCosineMetric(t *testing.T) {
	bf := NewBruteForce(2, Cosine)
	bf.Add("same-direction", []float32{2, 0})
	bf.Add("opposite", []float32{-1, 0})
	bf.Add("orthogonal", []float32{0, 1})

	results, err := bf.Search([]float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].ID != "same-direction" {
		t.Fatalf("expected same-direction to be nearest under cosine metric, got %+v", results)
	}
}
