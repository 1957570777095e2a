package vector

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 32

func randVec(rng *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestAddAndSelfSearch(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))

	vec := randVec(rng)
	require.NoError(t, s.Add(42, vec))

	results, err := s.Search(vec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(42), results[0].StudentID)
	// Searching a vector against itself is cosine 1.0 up to float noise.
	assert.GreaterOrEqual(t, results[0].Score, float32(0.99))
}

func TestSearchEmptyIndex(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	results, err := s.Search(make([]float32, testDim), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchClampsK(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Add(i, randVec(rng)))
	}

	results, err := s.Search(randVec(rng), 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestDimensionMismatch(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	assert.Error(t, s.Add(1, make([]float32, testDim+1)))
	_, err := s.Search(make([]float32, 3), 1)
	assert.Error(t, err)
}

func TestEnrollmentAddsOneRowPerImage(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))

	// Five images for the same student, like an enrollment upload.
	ids := []int64{9, 9, 9, 9, 9}
	vecs := make([][]float32, 5)
	for i := range vecs {
		vecs[i] = randVec(rng)
	}
	require.NoError(t, s.AddBatch(ids, vecs))

	st := s.Stats()
	assert.Equal(t, 5, st.TotalVectors)
	assert.Equal(t, 1, st.TotalStudents)
	assert.Equal(t, "flat", st.IndexType)
}

func TestRemoveStudentDropsAllRows(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))

	keepVec := randVec(rng)
	require.NoError(t, s.Add(1, keepVec))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(2, randVec(rng)))
	}

	removed, err := s.RemoveStudent(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, s.Stats().TotalVectors)

	// Remaining row still matches its owner.
	results, err := s.Search(keepVec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].StudentID)

	// Removing again is a no-op, not an error.
	removed, err = s.RemoveStudent(2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSearchWithThreshold(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))

	vec := randVec(rng)
	require.NoError(t, s.Add(5, vec))

	hit, err := s.SearchWithThreshold(vec, 0.6)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(5), hit.StudentID)

	// An orthogonal-ish query falls under the threshold and returns nil.
	other := randVec(rng)
	hit, err = s.SearchWithThreshold(other, 0.95)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testDim)
	rng := rand.New(rand.NewSource(7))

	ids := []int64{1, 2, 3}
	vecs := [][]float32{randVec(rng), randVec(rng), randVec(rng)}
	require.NoError(t, s.AddBatch(ids, vecs)) // batch add persists

	loaded := NewStore(dir, testDim)
	require.NoError(t, loaded.Load())
	assert.Equal(t, 3, loaded.Stats().TotalVectors)

	results, err := loaded.Search(vecs[1], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].StudentID)
	assert.GreaterOrEqual(t, results[0].Score, float32(0.99))
}

func TestSaveWritesWellKnownFilenames(t *testing.T) {
	// The file names are part of the deployment contract: operators back up
	// and restore the index directory by these exact paths.
	dir := t.TempDir()
	s := NewStore(dir, testDim)
	require.NoError(t, s.Add(1, make([]float32, testDim)))
	require.NoError(t, s.Save())

	_, err := os.Stat(filepath.Join(dir, "student_faces.index"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "id_map.json"))
	assert.NoError(t, err)
}

func TestLoadCorruptIndexLeavesStoreEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, idsFile), []byte("[1]"), 0o644))

	s := NewStore(dir, testDim)
	require.Error(t, s.Load())

	// Store remains usable; caller will warm from the database.
	assert.Equal(t, 0, s.Stats().TotalVectors)
	require.NoError(t, s.Add(1, make([]float32, testDim)))
}

func TestLoadMissingFiles(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	assert.Error(t, s.Load())
	assert.Equal(t, 0, s.Stats().TotalVectors)
}

func TestUpgradeToIVFGuard(t *testing.T) {
	s := NewStore(t.TempDir(), testDim)
	rng := rand.New(rand.NewSource(7))
	for i := int64(0); i < 50; i++ {
		require.NoError(t, s.Add(i, randVec(rng)))
	}

	err := s.UpgradeToIVF()
	require.Error(t, err)
	assert.Equal(t, "flat", s.Stats().IndexType)
}

func TestUpgradeToIVFAndSearch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testDim)
	rng := rand.New(rand.NewSource(7))

	n := minTrainVectors + 200
	ids := make([]int64, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(i % 150) // ~8 vectors per student
		vecs[i] = randVec(rng)
	}
	require.NoError(t, s.AddBatch(ids, vecs))
	require.NoError(t, s.UpgradeToIVF())

	st := s.Stats()
	assert.Equal(t, "ivf", st.IndexType)
	assert.Equal(t, n, st.TotalVectors)

	// Self-search still resolves to the right student with ~1.0 score:
	// the query's own cluster is always among the probed ones.
	for _, probe := range []int{3, n / 2, n - 1} {
		hit, err := s.SearchWithThreshold(vecs[probe], 0.99)
		require.NoError(t, err)
		require.NotNil(t, hit, "row %d", probe)
		assert.Equal(t, ids[probe], hit.StudentID)
	}

	// IVF state survives a save/load cycle.
	loaded := NewStore(dir, testDim)
	require.NoError(t, loaded.Load())
	assert.Equal(t, "ivf", loaded.Stats().IndexType)

	hit, err := loaded.SearchWithThreshold(vecs[7], 0.99)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, ids[7], hit.StudentID)

	// Adds after the upgrade keep working and stay searchable.
	extra := randVec(rng)
	require.NoError(t, loaded.Add(9999, extra))
	hit, err = loaded.SearchWithThreshold(extra, 0.99)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(9999), hit.StudentID)

	// Removal rebuilds back to flat.
	_, err = loaded.RemoveStudent(9999)
	require.NoError(t, err)
	assert.Equal(t, "flat", loaded.Stats().IndexType)
}
