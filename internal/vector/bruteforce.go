package vector

import "sort"

// BruteForce is the flat, row-major baseline vector index: search
// computes the distance from the query to every live row, sorts all of
// them and keeps the top-k. O(n*d) per query, with no index-build cost,
// matching spec.md §4.7's "baseline" variant.
type BruteForce struct {
	dim       int
	metric    Metric
	ids       []string
	rows      []float32 // n*dim, row i at rows[i*dim:(i+1)*dim]
	tombstone []bool
	index     map[string]int // id -> row index, for Remove/overwrite
}

// NewBruteForce creates an empty brute-force index for vectors of the
// given dimension and distance metric.
func NewBruteForce(dim int, metric Metric) *BruteForce {
	return &BruteForce{
		dim:    dim,
		metric: metric,
		index:  make(map[string]int),
	}
}

// Add appends or overwrites the vector for id.
func (bf *BruteForce) Add(id string, vec []float32) error {
	if len(vec) != bf.dim {
		return ErrDimensionMismatch
	}
	if row, exists := bf.index[id]; exists {
		copy(bf.rows[row*bf.dim:(row+1)*bf.dim], vec)
		bf.tombstone[row] = false
		return nil
	}
	row := len(bf.ids)
	bf.ids = append(bf.ids, id)
	bf.rows = append(bf.rows, vec...)
	bf.tombstone = append(bf.tombstone, false)
	bf.index[id] = row
	return nil
}

// Remove lazily tombstones id's row; search skips tombstoned rows.
func (bf *BruteForce) Remove(id string) error {
	row, exists := bf.index[id]
	if !exists {
		return nil
	}
	bf.tombstone[row] = true
	delete(bf.index, id)
	return nil
}

// Len returns the number of live (non-tombstoned) vectors.
func (bf *BruteForce) Len() int {
	return len(bf.index)
}

// Search returns up to k nearest neighbours to query, ascending by
// distance. An empty index returns an empty result, never an error.
func (bf *BruteForce) Search(query []float32, k int) ([]Result, error) {
	if len(query) != bf.dim {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 || len(bf.ids) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(bf.ids))
	for i, id := range bf.ids {
		if bf.tombstone[i] {
			continue
		}
		row := bf.rows[i*bf.dim : (i+1)*bf.dim]
		results = append(results, Result{ID: id, Distance: distance(bf.metric, query, row)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
