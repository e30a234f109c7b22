package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHashEmbedderProducesUnitNormVectorOfRequestedDim(t *testing.T) {
	e := NewHashEmbedder(16)
	vec, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	require.Len(t, vec, 16)

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-6)
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestHashEmbedderRejectsEmptyText(t *testing.T) {
	e := NewHashEmbedder(8)
	_, err := e.Embed(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestHashEmbedderDefaultDimension(t *testing.T) {
	e := NewHashEmbedder(0)
	require.Equal(t, 384, e.Dim())
}

func TestHashEmbedderEmbedBatchMatchesIndividualEmbed(t *testing.T) {
	e := NewHashEmbedder(24)
	ctx := context.Background()
	texts := []string{"alpha beta", "gamma delta", "epsilon"}

	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		require.Equal(t, single, batch[i])
	}
}

func TestHashEmbedderDistinctTextsUsuallyDiffer(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	a, err := e.Embed(ctx, "person engineer builds software")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "document invoice payment ledger")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
