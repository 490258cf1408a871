package proof

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackN(t *testing.T, tr *Tracker, entityID, tenantID string, n int) []Record {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tr.Track(context.Background(), entityID, "order", "update", map[string]any{"seq": i}, "agent-1", tenantID)
		require.NoError(t, err)
	}
	chain, err := tr.store.Chain(context.Background(), entityID, tenantID)
	require.NoError(t, err)
	return chain
}

func TestVerify_EmptyChain(t *testing.T) {
	res := Verify(nil)
	assert.True(t, res.Valid)
	assert.Zero(t, res.RecordsVerified)
}

func TestVerify_TrackThenVerify(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()

	r1, err := tr.Track(ctx, "e1", "order", "create", map[string]any{"amount": 10}, "agent-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.ChainPosition)
	assert.Empty(t, r1.PreviousHash)

	r2, err := tr.Track(ctx, "e1", "order", "update", map[string]any{"amount": 20}, "agent-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.ChainPosition)
	assert.Equal(t, r1.Hash, r2.PreviousHash)

	chain, err := tr.store.Chain(ctx, "e1", "t1")
	require.NoError(t, err)
	res := Verify(chain)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.RecordsVerified)
}

func TestVerify_CorruptedHashPinpointsPosition(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 2)

	chain[0].Hash = "deadbeef"
	res := Verify(chain)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(1), res.InvalidAtPosition)
}

func TestVerify_MutatedDataDetected(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 3)

	chain[1].Data = json.RawMessage(`{"seq":999}`)
	res := Verify(chain)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(2), res.InvalidAtPosition)
	assert.Equal(t, 1, res.RecordsVerified)
}

func TestVerify_NonEmptyGenesisPreviousHash(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 1)

	chain[0].PreviousHash = "bogus"
	res := Verify(chain)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(1), res.InvalidAtPosition)
}

func TestVerify_PositionGap(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 3)

	gapped := []Record{chain[0], chain[2]}
	res := Verify(gapped)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(3), res.InvalidAtPosition)
}

func TestVerify_UnsortedInputHandled(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 3)

	shuffled := []Record{chain[2], chain[0], chain[1]}
	res := Verify(shuffled)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.RecordsVerified)
}

func TestDetectTampering_ReportsEveryAnomaly(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 4)

	// Corrupt two records independently.
	chain[0].PreviousHash = "bogus"
	chain[2].Data = json.RawMessage(`{"tampered":true}`)
	report := DetectTampering(chain)

	assert.True(t, report.Tampered)
	kinds := map[string]int{}
	for _, a := range report.Anomalies {
		kinds[a.Kind]++
	}
	assert.GreaterOrEqual(t, kinds["malformed_genesis"], 1)
	// The genesis mutation breaks its own hash too; the data mutation
	// breaks record 3's hash and record 4's linkage check stays intact.
	assert.GreaterOrEqual(t, kinds["hash_mismatch"], 2)
}

func TestDetectTampering_CleanChain(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 5)

	report := DetectTampering(chain)
	assert.False(t, report.Tampered)
	assert.Empty(t, report.Anomalies)
	assert.Equal(t, 5, report.Records)
}

func TestDetectTampering_DuplicatePosition(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	chain := trackN(t, tr, "e1", "t1", 2)

	dup := chain[1]
	report := DetectTampering(append(chain, dup))
	assert.True(t, report.Tampered)

	var found bool
	for _, a := range report.Anomalies {
		if a.Kind == "duplicate_position" {
			found = true
		}
	}
	assert.True(t, found)
}
