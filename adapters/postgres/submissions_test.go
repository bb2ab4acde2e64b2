package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stableexo/warden-relay/multibuilder"
	"github.com/stretchr/testify/require"
)

func testResult() *multibuilder.MultiBuilderSubmissionResult {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &multibuilder.MultiBuilderSubmissionResult{
		BundleHash:        common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132"),
		TargetBlock:       18_000_000,
		BuildersAttempted: []string{"titan", "flashbots"},
		SuccessfulSubmissions: []multibuilder.BundleSubmissionResult{
			{BuilderID: "titan", Success: true, BundleID: "0xabc", Attempts: 1, Latency: 120 * time.Millisecond, Timestamp: now},
		},
		FailedSubmissions: []multibuilder.BundleSubmissionResult{
			{BuilderID: "flashbots", Error: "builder transport error: timeout", Attempts: 3, Latency: 900 * time.Millisecond, Timestamp: now},
		},
		Success: true,
	}
}

func TestToRows(t *testing.T) {
	rows := toRows(testResult())
	require.Len(t, rows, 2)

	require.Equal(t, "titan", rows[0].BuilderID)
	require.True(t, rows[0].Success)
	require.True(t, rows[0].BundleID.Valid)
	require.False(t, rows[0].Error.Valid)
	require.Equal(t, int64(120), rows[0].LatencyMs)

	require.Equal(t, "flashbots", rows[1].BuilderID)
	require.False(t, rows[1].Success)
	require.False(t, rows[1].BundleID.Valid)
	require.Equal(t, "builder transport error: timeout", rows[1].Error.String)
	require.Equal(t, 3, rows[1].Attempts)
	require.Equal(t, int64(18_000_000), rows[1].TargetBlock)
}

func TestSubmissionStore_RecordSubmission(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()

	store, err := NewSubmissionStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	result := testResult()
	_, err = store.db.Exec("DELETE FROM bundle_submission WHERE bundle_hash = $1", result.BundleHash.Bytes())
	require.NoError(t, err)

	require.NoError(t, store.RecordSubmission(ctx, nil, result))
	require.ErrorIs(t, store.RecordSubmission(ctx, nil, nil), ErrNilResult)

	rows, err := store.SubmissionsByHash(ctx, result.BundleHash.Bytes())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "titan", rows[0].BuilderID)
	require.Equal(t, "flashbots", rows[1].BuilderID)
	require.Equal(t, "0xabc", rows[0].BundleID.String)
}
