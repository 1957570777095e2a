// Package vector implements the in-memory face embedding index: a flat
// inner-product index over L2-normalized vectors, an optional IVF upgrade for
// large enrollments, and file persistence so restarts don't require
// re-embedding every student.
package vector

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
)

// autoSaveEvery is how many single Adds accumulate before the store persists
// itself. Batch adds always persist.
const autoSaveEvery = 100

// Result is one search hit. Score is cosine similarity (vectors are
// normalized on the way in, so inner product == cosine).
type Result struct {
	StudentID int64   `json:"student_id"`
	Score     float32 `json:"score"`
}

// Stats is the shape returned by the system stats endpoint.
type Stats struct {
	TotalVectors  int    `json:"total_vectors"`
	Dimension     int    `json:"dimension"`
	IndexType     string `json:"index_type"`
	TotalStudents int    `json:"total_students"`
}

// searcher is the interchangeable index core. flatIndex scans everything;
// ivfIndex probes a subset of clusters. Both address vectors by row so the
// id map stays positional across the upgrade.
type searcher interface {
	add(vec []float32)
	search(q []float32, k int) ([]int, []float32)
	ntotal() int
	row(i int) []float32
	kind() string
}

// Store is the public face of the index: it owns the id map, the lock, and
// persistence. One row in the core index corresponds 1:1 with one entry in
// ids; a student enrolled with K images occupies K rows.
type Store struct {
	mu  sync.RWMutex
	dim int
	dir string

	core searcher
	ids  []int64

	addsSinceSave int
}

// NewStore returns an empty flat store. Call Load to pull previously saved
// state off disk; a failed Load leaves the store empty and usable.
func NewStore(dir string, dim int) *Store {
	return &Store{
		dim:  dim,
		dir:  dir,
		core: newFlatIndex(dim),
	}
}

// Add inserts one embedding for a student. Every autoSaveEvery-th add
// persists the store so a crash loses at most a window of enrollments.
func (s *Store) Add(studentID int64, vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("embedding dimension %d, index wants %d", len(vec), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.core.add(normalize(vec))
	s.ids = append(s.ids, studentID)

	s.addsSinceSave++
	if s.addsSinceSave >= autoSaveEvery {
		if err := s.saveLocked(); err != nil {
			log.Printf("[Vector] auto-save failed: %v", err)
		} else {
			s.addsSinceSave = 0
		}
	}
	return nil
}

// AddBatch inserts one embedding per id and always persists. ids[i] labels
// vecs[i]; enrollment passes the same student id K times for K images.
func (s *Store) AddBatch(ids []int64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("ids/vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	for i, v := range vecs {
		if len(v) != s.dim {
			return fmt.Errorf("embedding %d has dimension %d, index wants %d", i, len(v), s.dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range vecs {
		s.core.add(normalize(v))
		s.ids = append(s.ids, ids[i])
	}
	s.addsSinceSave = 0
	return s.saveLocked()
}

// Search returns up to k hits sorted by descending score. An empty index
// returns an empty slice, never an error.
func (s *Store) Search(vec []float32, k int) ([]Result, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query dimension %d, index wants %d", len(vec), s.dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.core.ntotal()
	if n == 0 || k <= 0 {
		return []Result{}, nil
	}
	if k > n {
		k = n
	}

	rows, scores := s.core.search(normalize(vec), k)
	results := make([]Result, 0, len(rows))
	for i, r := range rows {
		if r < 0 || r >= len(s.ids) {
			continue
		}
		results = append(results, Result{StudentID: s.ids[r], Score: scores[i]})
	}
	return results, nil
}

// SearchWithThreshold returns the best hit when its score clears the
// threshold, else nil. This is the per-face matching call on the hot path.
func (s *Store) SearchWithThreshold(vec []float32, threshold float32) (*Result, error) {
	results, err := s.Search(vec, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].Score < threshold {
		return nil, nil
	}
	r := results[0]
	return &r, nil
}

// RemoveStudent drops every row labeled with the student and rebuilds the
// core as a flat index (IVF clusters are not worth preserving through a
// removal; a later upgrade call restores them). Returns how many rows went.
func (s *Store) RemoveStudent(studentID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range s.ids {
		if id == studentID {
			removed++
		}
	}
	if removed == 0 {
		log.Printf("[Vector] remove: student %d has no vectors", studentID)
		return 0, nil
	}

	next := newFlatIndex(s.dim)
	keptIDs := make([]int64, 0, len(s.ids)-removed)
	for i, id := range s.ids {
		if id == studentID {
			continue
		}
		next.add(s.core.row(i))
		keptIDs = append(keptIDs, id)
	}
	s.core = next
	s.ids = keptIDs
	s.addsSinceSave = 0

	return removed, s.saveLocked()
}

// Stats reports index size and shape.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	distinct := make(map[int64]struct{}, len(s.ids))
	for _, id := range s.ids {
		distinct[id] = struct{}{}
	}
	return Stats{
		TotalVectors:  s.core.ntotal(),
		Dimension:     s.dim,
		IndexType:     s.core.kind(),
		TotalStudents: len(distinct),
	}
}

// Save persists the index and id map.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addsSinceSave = 0
	return s.saveLocked()
}

// normalize returns an L2-normalized copy. A zero vector comes back as a
// zero copy rather than NaNs.
func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1.0 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// flatIndex stores vectors contiguously and brute-force scans on search.
// Exact, cache-friendly, and fast enough into the tens of thousands of rows.
type flatIndex struct {
	dim  int
	data []float32
}

func newFlatIndex(dim int) *flatIndex {
	return &flatIndex{dim: dim}
}

func (f *flatIndex) add(vec []float32) {
	f.data = append(f.data, vec...)
}

func (f *flatIndex) ntotal() int {
	return len(f.data) / f.dim
}

func (f *flatIndex) row(i int) []float32 {
	return f.data[i*f.dim : (i+1)*f.dim]
}

func (f *flatIndex) kind() string { return "flat" }

func (f *flatIndex) search(q []float32, k int) ([]int, []float32) {
	n := f.ntotal()
	type hit struct {
		row   int
		score float32
	}
	hits := make([]hit, n)
	for i := 0; i < n; i++ {
		hits[i] = hit{row: i, score: dot(q, f.row(i))}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	if k > len(hits) {
		k = len(hits)
	}
	rows := make([]int, k)
	scores := make([]float32, k)
	for i := 0; i < k; i++ {
		rows[i] = hits[i].row
		scores[i] = hits[i].score
	}
	return rows, scores
}
