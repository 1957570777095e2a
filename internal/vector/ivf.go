package vector

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
)

const (
	// minTrainVectors gates the IVF upgrade. Below this the flat scan is
	// faster than the clustering is worth, and k-means on a tiny corpus
	// produces junk centroids.
	minTrainVectors = 1000

	defaultNprobe = 10
	kmeansIters   = 20
)

// ivfIndex partitions rows into nlist clusters and only scans the nprobe
// clusters nearest the query. Vectors stay in insertion order in data, same
// layout as flatIndex, so Store's positional id map is untouched by the
// upgrade.
type ivfIndex struct {
	dim       int
	nlist     int
	nprobe    int
	data      []float32
	centroids []float32 // nlist rows of dim
	assign    []int32   // cluster per data row
	lists     [][]int32 // rows per cluster
}

func (v *ivfIndex) ntotal() int { return len(v.data) / v.dim }

func (v *ivfIndex) row(i int) []float32 {
	return v.data[i*v.dim : (i+1)*v.dim]
}

func (v *ivfIndex) kind() string { return "ivf" }

func (v *ivfIndex) centroid(c int) []float32 {
	return v.centroids[c*v.dim : (c+1)*v.dim]
}

func (v *ivfIndex) nearestCentroid(vec []float32) int {
	best, bestScore := 0, float32(math.Inf(-1))
	for c := 0; c < v.nlist; c++ {
		if s := dot(vec, v.centroid(c)); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func (v *ivfIndex) add(vec []float32) {
	row := int32(v.ntotal())
	v.data = append(v.data, vec...)
	c := v.nearestCentroid(vec)
	v.assign = append(v.assign, int32(c))
	v.lists[c] = append(v.lists[c], row)
}

func (v *ivfIndex) search(q []float32, k int) ([]int, []float32) {
	type hit struct {
		row   int
		score float32
	}

	// Rank clusters by centroid similarity, probe the closest nprobe.
	type cdist struct {
		c     int
		score float32
	}
	cds := make([]cdist, v.nlist)
	for c := 0; c < v.nlist; c++ {
		cds[c] = cdist{c: c, score: dot(q, v.centroid(c))}
	}
	sort.Slice(cds, func(a, b int) bool { return cds[a].score > cds[b].score })

	probe := v.nprobe
	if probe > v.nlist {
		probe = v.nlist
	}

	var hits []hit
	for p := 0; p < probe; p++ {
		for _, row := range v.lists[cds[p].c] {
			hits = append(hits, hit{row: int(row), score: dot(q, v.row(int(row)))})
		}
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

// UpgradeToIVF swaps the flat core for an IVF one trained on the current
// rows. Requires at least minTrainVectors; calling it on an already-upgraded
// store retrains from scratch, which is harmless but slow, so callers should
// check Stats first.
func (s *Store) UpgradeToIVF() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.core.ntotal()
	if n < minTrainVectors {
		return fmt.Errorf("need at least %d vectors to build an ivf index, have %d", minTrainVectors, n)
	}

	nlist := int(4 * math.Sqrt(float64(n)))
	if nlist > n/10 {
		nlist = n / 10
	}
	if nlist < 1 {
		nlist = 1
	}

	// Copy rows out of the current core; it may already be IVF.
	data := make([]float32, 0, n*s.dim)
	for i := 0; i < n; i++ {
		data = append(data, s.core.row(i)...)
	}

	centroids := kmeans(data, s.dim, nlist)

	next := &ivfIndex{
		dim:       s.dim,
		nlist:     nlist,
		nprobe:    defaultNprobe,
		data:      data,
		centroids: centroids,
		assign:    make([]int32, 0, n),
		lists:     make([][]int32, nlist),
	}
	for i := 0; i < n; i++ {
		c := next.nearestCentroid(next.row(i))
		next.assign = append(next.assign, int32(c))
		next.lists[c] = append(next.lists[c], int32(i))
	}

	s.core = next
	log.Printf("[Vector] upgraded to ivf: %d vectors, %d clusters, nprobe=%d", n, nlist, defaultNprobe)
	s.addsSinceSave = 0
	return s.saveLocked()
}

// kmeans is spherical Lloyd's over normalized rows: assignment by max inner
// product, centroids re-normalized each iteration. Seeded rand keeps training
// reproducible across runs.
func kmeans(data []float32, dim, k int) []float32 {
	n := len(data) / dim
	rng := rand.New(rand.NewSource(1))

	row := func(i int) []float32 { return data[i*dim : (i+1)*dim] }

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for c := 0; c < k; c++ {
		copy(centroids[c*dim:(c+1)*dim], row(perm[c%n]))
	}

	assign := make([]int, n)
	counts := make([]int, k)
	sums := make([]float64, k*dim)

	for iter := 0; iter < kmeansIters; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			best, bestScore := 0, float32(math.Inf(-1))
			for c := 0; c < k; c++ {
				if s := dot(row(i), centroids[c*dim:(c+1)*dim]); s > bestScore {
					best, bestScore = c, s
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assign[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += float64(data[i*dim+d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Empty cluster: reseed from a random row.
				copy(centroids[c*dim:(c+1)*dim], row(rng.Intn(n)))
				continue
			}
			var norm float64
			for d := 0; d < dim; d++ {
				mean := sums[c*dim+d] / float64(counts[c])
				norm += mean * mean
				centroids[c*dim+d] = float32(mean)
			}
			if norm > 0 {
				inv := float32(1.0 / math.Sqrt(norm))
				for d := 0; d < dim; d++ {
					centroids[c*dim+d] *= inv
				}
			}
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}
