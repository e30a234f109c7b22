package hnsw

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// unit returns a unit-normalized vector so every test respects the §4.5
// insert-time norm invariant without each call re-deriving it.
func unit(values ...float32) []float32 {
	var sumSq float64
	for _, v := range values {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func TestSearchEmptyIndexReturnsEmptySlice(t *testing.T) {
	ix := New(DefaultParams())
	results, err := ix.Search(unit(1, 0, 0), 5, 0, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestInsertRejectsNonUnitNorm(t *testing.T) {
	ix := New(DefaultParams())
	err := ix.Insert("a", []float32{1, 1, 0}, "Document")
	require.ErrorIs(t, err, ErrNotUnitNorm)
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("a", unit(1, 0, 0), "Document"))
	err := ix.Insert("b", unit(1, 0, 0, 0), "Document")
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchFindsExactMatch(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("a", unit(1, 0, 0), "Document"))
	require.NoError(t, ix.Insert("b", unit(0, 1, 0), "Document"))
	require.NoError(t, ix.Insert("c", unit(0, 0, 1), "Document"))

	results, err := ix.Search(unit(1, 0, 0), 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchRespectsTypeScoping(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("doc-1", unit(1, 0, 0), "Document"))
	require.NoError(t, ix.Insert("person-1", unit(1, 0, 0), "Person"))

	results, err := ix.Search(unit(1, 0, 0), 10, 0, []string{"Person"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "person-1", results[0].ID)
}

func TestSearchWithoutTypeMergesAcrossSubgraphs(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("doc-1", unit(1, 0, 0), "Document"))
	require.NoError(t, ix.Insert("person-1", unit(1, 0, 0), "Person"))

	results, err := ix.Search(unit(1, 0, 0), 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestDeleteTombstonesAndExcludesFromSearch(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("a", unit(1, 0, 0), "Document"))
	require.NoError(t, ix.Insert("b", unit(0, 1, 0), "Document"))

	require.NoError(t, ix.Delete("a", "Document"))

	results, err := ix.Search(unit(1, 0, 0), 10, 0, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, "a", r.ID)
	}
	require.Equal(t, 1, ix.Size())
}

func TestResultsSortedDescendingWithTieBreakByID(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("z", unit(1, 0, 0), "Document"))
	require.NoError(t, ix.Insert("a", unit(1, 0, 0), "Document"))

	results, err := ix.Search(unit(1, 0, 0), 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "z", results[1].ID)
}

func TestInsertAndSearchManyVectors(t *testing.T) {
	ix := New(DefaultParams())
	for i := 0; i < 50; i++ {
		angle := float32(i) * 0.01
		require.NoError(t, ix.Insert(fmt.Sprintf("n%d", i), unit(1, angle, 0), "Document"))
	}
	results, err := ix.Search(unit(1, 0, 0), 5, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 5)
	require.Equal(t, "n0", results[0].ID)
}

func TestResetClearsAllSubgraphs(t *testing.T) {
	ix := New(DefaultParams())
	require.NoError(t, ix.Insert("a", unit(1, 0, 0), "Document"))
	ix.Reset()
	require.Equal(t, 0, ix.Size())

	results, err := ix.Search(unit(1, 0, 0), 5, 0, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
