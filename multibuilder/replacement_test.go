package multibuilder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryReplacementIndex(t *testing.T) {
	index := NewMemoryReplacementIndex(50 * time.Millisecond)
	ctx := context.Background()

	ids, err := index.Builders(ctx, "uuid")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, index.Record(ctx, "uuid", []string{"titan", "flashbots"}))
	require.NoError(t, index.Record(ctx, "uuid", []string{"titan", "beaverbuild"}))
	ids, err = index.Builders(ctx, "uuid")
	require.NoError(t, err)
	require.Equal(t, []string{"beaverbuild", "flashbots", "titan"}, ids)

	require.ErrorIs(t, index.Record(ctx, "", []string{"titan"}), ErrNoReplacementUUID)

	time.Sleep(60 * time.Millisecond)
	ids, err = index.Builders(ctx, "uuid")
	require.NoError(t, err)
	require.Empty(t, ids)
}
