package locator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helicondb/helicon/internal/model"
)

func TestSimpleStrategyDistinctOwners(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100, 400},
		"n2:7012": {200},
		"n3:7012": {300},
	})
	s := SimpleStrategy{ReplicationFactor: 2}

	// Token 150 lands on the owner of 200, next distinct owner is n3.
	eps := s.CalculateNaturalEndpoints(150, tm)
	assert.Equal(t, []model.NodeID{"n2:7012", "n3:7012"}, eps)

	// Walking past a duplicate owner skips it: starting at 400 (n1),
	// the wrap hits 100 which is n1 again.
	eps = s.CalculateNaturalEndpoints(350, tm)
	assert.Equal(t, []model.NodeID{"n1:7012", "n2:7012"}, eps)
}

func TestSimpleStrategyRFLargerThanCluster(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	s := SimpleStrategy{ReplicationFactor: 5}
	eps := s.CalculateNaturalEndpoints(150, tm)
	assert.Len(t, eps, 2)
}

func TestSimpleStrategyEmptyRing(t *testing.T) {
	s := SimpleStrategy{ReplicationFactor: 3}
	assert.Nil(t, s.CalculateNaturalEndpoints(100, NewTokenMetadata()))
}

func TestNetworkTopologyStrategyPerDC(t *testing.T) {
	tm := NewTokenMetadata()
	add := func(node model.NodeID, token model.Token, dc, rack string) {
		tm.UpdateTopology(node, model.DCRack{Datacenter: dc, Rack: rack})
		require.NoError(t, tm.UpdateNormalTokens([]model.Token{token}, node))
	}
	add("a1:7012", 100, "dc1", "r1")
	add("a2:7012", 200, "dc1", "r2")
	add("b1:7012", 300, "dc2", "r1")
	add("b2:7012", 400, "dc2", "r2")

	s := NetworkTopologyStrategy{ReplicationFactors: map[string]int{"dc1": 1, "dc2": 2}}
	eps := s.CalculateNaturalEndpoints(50, tm)
	require.Len(t, eps, 3)

	perDC := map[string]int{}
	for _, ep := range eps {
		dr, ok := tm.Topology(ep)
		require.True(t, ok)
		perDC[dr.Datacenter]++
	}
	assert.Equal(t, 1, perDC["dc1"])
	assert.Equal(t, 2, perDC["dc2"])
}

func TestNetworkTopologyStrategyPrefersDistinctRacks(t *testing.T) {
	tm := NewTokenMetadata()
	add := func(node model.NodeID, token model.Token, rack string) {
		tm.UpdateTopology(node, model.DCRack{Datacenter: "dc1", Rack: rack})
		require.NoError(t, tm.UpdateNormalTokens([]model.Token{token}, node))
	}
	// Two nodes in r1 sit first on the ring walk; the r2 node comes last.
	add("a1:7012", 100, "r1")
	add("a2:7012", 200, "r1")
	add("a3:7012", 300, "r2")

	s := NetworkTopologyStrategy{ReplicationFactors: map[string]int{"dc1": 2}}
	eps := s.CalculateNaturalEndpoints(50, tm)
	assert.Equal(t, []model.NodeID{"a1:7012", "a3:7012"}, eps)
}

func TestNetworkTopologyStrategyFallsBackToUsedRacks(t *testing.T) {
	tm := NewTokenMetadata()
	add := func(node model.NodeID, token model.Token, rack string) {
		tm.UpdateTopology(node, model.DCRack{Datacenter: "dc1", Rack: rack})
		require.NoError(t, tm.UpdateNormalTokens([]model.Token{token}, node))
	}
	add("a1:7012", 100, "r1")
	add("a2:7012", 200, "r1")

	s := NetworkTopologyStrategy{ReplicationFactors: map[string]int{"dc1": 2}}
	eps := s.CalculateNaturalEndpoints(50, tm)
	assert.Len(t, eps, 2)
}

func TestBuildEffectiveReplicationMap(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
		"n3:7012": {300},
	})
	ks := Keyspace{Name: "ks1", Strategy: SimpleStrategy{ReplicationFactor: 2}}

	erm, err := BuildEffectiveReplicationMap(context.Background(), ks, tm)
	require.NoError(t, err)
	assert.Equal(t, "ks1", erm.Keyspace())

	// Token 150 belongs to the (100, 200] range owned by n2.
	assert.Equal(t, []model.NodeID{"n2:7012", "n3:7012"}, erm.NaturalEndpoints(150))
	// Wraparound: 350 belongs to (300, 100].
	assert.Equal(t, []model.NodeID{"n1:7012", "n2:7012"}, erm.NaturalEndpoints(350))
}

func TestRangesForEndpoint(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
		"n3:7012": {300},
	})
	ks := Keyspace{Name: "ks1", Strategy: SimpleStrategy{ReplicationFactor: 2}}
	erm, err := BuildEffectiveReplicationMap(context.Background(), ks, tm)
	require.NoError(t, err)

	// With RF=2 on three single-token nodes, each node replicates its
	// own range plus its predecessor's.
	ranges := erm.RangesForEndpoint("n2:7012")
	require.Len(t, ranges, 2)
	assert.Equal(t, model.TokenRange{Start: 300, End: 100}, ranges[0])
	assert.Equal(t, model.TokenRange{Start: 100, End: 200}, ranges[1])
}

func TestDescribeOwnershipSumsToOne(t *testing.T) {
	tm := newRing(t, map[model.NodeID][]model.Token{
		"n1:7012": {0x4000000000000000},
		"n2:7012": {0x8000000000000000},
		"n3:7012": {0xC000000000000000},
	})
	own := DescribeOwnership(tm)
	require.Len(t, own, 3)
	var sum float64
	for _, share := range own {
		sum += share
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
