package locator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helicondb/helicon/internal/model"
)

func simpleKeyspace(rf int) Keyspace {
	return Keyspace{Name: "ks1", Strategy: SimpleStrategy{ReplicationFactor: rf}}
}

func TestPendingRangesQuietRing(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(1), tm)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingRangesBootstrap(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	tm.UpdateTopology("n3:7012", model.DCRack{Datacenter: "dc1", Rack: "r1"})
	require.NoError(t, tm.AddBootstrapTokens([]model.Token{150}, "n3:7012"))

	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(1), tm)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	// Every pending range flows toward the joining node.
	for _, pr := range pending {
		assert.Equal(t, model.NodeID("n3:7012"), pr.Endpoint)
		assert.True(t, pr.Range.Contains(150))
	}
}

func TestPendingRangesLeaving(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
		"n3:7012": {300},
	})
	tm.AddLeavingEndpoint("n2:7012")

	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(1), tm)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	// n2's ranges land on survivors, never back on n2.
	for _, pr := range pending {
		assert.NotEqual(t, model.NodeID("n2:7012"), pr.Endpoint)
	}
}

func TestPendingRangesReplace(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	tm.UpdateTopology("n9:7012", model.DCRack{Datacenter: "dc1", Rack: "r1"})
	tm.AddReplacingEndpoint("n2:7012", "n9:7012")

	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(1), tm)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	for _, pr := range pending {
		assert.Equal(t, model.NodeID("n9:7012"), pr.Endpoint)
	}
}

func TestPendingRangesHigherRF(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
		"n3:7012": {300},
	})
	tm.AddLeavingEndpoint("n3:7012")

	// With RF=2 the survivors both pick up replicas n3 held.
	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(2), tm)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	gainers := map[model.NodeID]bool{}
	for _, pr := range pending {
		gainers[pr.Endpoint] = true
	}
	assert.False(t, gainers["n3:7012"])
}

func TestPendingRangesDeduped(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	tm.UpdateTopology("n3:7012", model.DCRack{Datacenter: "dc1", Rack: "r1"})
	require.NoError(t, tm.AddBootstrapTokens([]model.Token{150, 160}, "n3:7012"))

	pending, err := CalculatePendingRanges(context.Background(), simpleKeyspace(2), tm)
	require.NoError(t, err)

	type key struct {
		r  model.TokenRange
		ep model.NodeID
	}
	seen := map[key]int{}
	for _, pr := range pending {
		seen[key{pr.Range, pr.Endpoint}]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "duplicate pending range %+v", k)
	}
}

func TestPendingRangesContextCancel(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	tm.UpdateTopology("n2:7012", model.DCRack{Datacenter: "dc1", Rack: "r1"})
	tokens := make([]model.Token, 0, 4*cloneChunk)
	for i := 0; i < 4*cloneChunk; i++ {
		tokens = append(tokens, model.Token(1000+i*7))
	}
	require.NoError(t, tm.AddBootstrapTokens(tokens, "n2:7012"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CalculatePendingRanges(ctx, simpleKeyspace(1), tm)
	assert.ErrorIs(t, err, context.Canceled)
}
