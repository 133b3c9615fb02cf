package locator

import (
	"context"
	"fmt"
	"sort"

	"github.com/helicondb/helicon/internal/model"
)

// ReplicationStrategy decides which endpoints replicate a token.
type ReplicationStrategy interface {
	// Name identifies the strategy for logging and admin output.
	Name() string
	// CalculateNaturalEndpoints walks the ring starting at the token's
	// primary owner and picks replica endpoints.
	CalculateNaturalEndpoints(t model.Token, tm *TokenMetadata) []model.NodeID
}

// SimpleStrategy places RF replicas on consecutive distinct ring owners,
// ignoring topology.
type SimpleStrategy struct {
	ReplicationFactor int
}

func (s SimpleStrategy) Name() string { return "SimpleStrategy" }

func (s SimpleStrategy) CalculateNaturalEndpoints(t model.Token, tm *TokenMetadata) []model.NodeID {
	sorted := tm.SortedTokens()
	if len(sorted) == 0 {
		return nil
	}
	rf := s.ReplicationFactor
	if rf < 1 {
		rf = 1
	}
	start := searchRing(sorted, t)
	var out []model.NodeID
	seen := make(map[model.NodeID]struct{})
	for i := 0; i < len(sorted) && len(out) < rf; i++ {
		owner, _ := tm.Endpoint(sorted[(start+i)%len(sorted)])
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out
}

// NetworkTopologyStrategy places a configured number of replicas per
// datacenter, preferring distinct racks within each.
type NetworkTopologyStrategy struct {
	ReplicationFactors map[string]int // datacenter -> rf
}

func (s NetworkTopologyStrategy) Name() string { return "NetworkTopologyStrategy" }

func (s NetworkTopologyStrategy) CalculateNaturalEndpoints(t model.Token, tm *TokenMetadata) []model.NodeID {
	sorted := tm.SortedTokens()
	if len(sorted) == 0 {
		return nil
	}
	start := searchRing(sorted, t)
	perDC := make(map[string]int)
	racksUsed := make(map[string]map[string]struct{})
	seen := make(map[model.NodeID]struct{})
	var out []model.NodeID

	want := 0
	for _, rf := range s.ReplicationFactors {
		want += rf
	}

	// First pass prefers unseen racks; second pass fills remaining
	// slots from already-used racks.
	for pass := 0; pass < 2 && len(out) < want; pass++ {
		for i := 0; i < len(sorted) && len(out) < want; i++ {
			owner, _ := tm.Endpoint(sorted[(start+i)%len(sorted)])
			if _, dup := seen[owner]; dup {
				continue
			}
			dr, ok := tm.Topology(owner)
			if !ok {
				continue
			}
			rf := s.ReplicationFactors[dr.Datacenter]
			if perDC[dr.Datacenter] >= rf {
				continue
			}
			if racksUsed[dr.Datacenter] == nil {
				racksUsed[dr.Datacenter] = make(map[string]struct{})
			}
			_, rackTaken := racksUsed[dr.Datacenter][dr.Rack]
			if pass == 0 && rackTaken {
				continue
			}
			seen[owner] = struct{}{}
			racksUsed[dr.Datacenter][dr.Rack] = struct{}{}
			perDC[dr.Datacenter]++
			out = append(out, owner)
		}
	}
	return out
}

// searchRing returns the index of the first sorted token >= t, wrapping
// to 0 past the end.
func searchRing(sorted []model.Token, t model.Token) int {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= t })
	if i == len(sorted) {
		return 0
	}
	return i
}

// Keyspace pairs a name with its replication strategy.
type Keyspace struct {
	Name     string
	Strategy ReplicationStrategy
}

// EffectiveReplicationMap is an immutable snapshot pairing a replication
// strategy with a token metadata snapshot. It is replaced wholesale when
// token metadata changes; in-flight readers holding an old map keep
// seeing a consistent view.
type EffectiveReplicationMap struct {
	keyspace string
	strategy ReplicationStrategy
	tm       *TokenMetadata

	// endpoints per committed token, precomputed at build time.
	replicas map[model.Token][]model.NodeID
	ranges   map[model.Token]model.TokenRange
}

// BuildEffectiveReplicationMap precomputes endpoint assignments for every
// committed token range, yielding between chunks on large rings.
func BuildEffectiveReplicationMap(ctx context.Context, ks Keyspace, tm *TokenMetadata) (*EffectiveReplicationMap, error) {
	sorted := tm.SortedTokens()
	erm := &EffectiveReplicationMap{
		keyspace: ks.Name,
		strategy: ks.Strategy,
		tm:       tm,
		replicas: make(map[model.Token][]model.NodeID, len(sorted)),
		ranges:   model.RangesForTokens(sorted),
	}
	for i, t := range sorted {
		erm.replicas[t] = ks.Strategy.CalculateNaturalEndpoints(t, tm)
		if i%cloneChunk == cloneChunk-1 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	return erm, nil
}

// Keyspace returns the keyspace this map serves.
func (erm *EffectiveReplicationMap) Keyspace() string { return erm.keyspace }

// Strategy returns the replication strategy behind this map.
func (erm *EffectiveReplicationMap) Strategy() ReplicationStrategy { return erm.strategy }

// TokenMetadata returns the snapshot this map was computed from.
func (erm *EffectiveReplicationMap) TokenMetadata() *TokenMetadata { return erm.tm }

// NaturalEndpoints returns the replica set of the range containing t.
func (erm *EffectiveReplicationMap) NaturalEndpoints(t model.Token) []model.NodeID {
	sorted := erm.tm.SortedTokens()
	if len(sorted) == 0 {
		return nil
	}
	owner := sorted[searchRing(sorted, t)]
	return erm.replicas[owner]
}

// RangesForEndpoint returns every range node replicates.
func (erm *EffectiveReplicationMap) RangesForEndpoint(node model.NodeID) []model.TokenRange {
	var out []model.TokenRange
	for t, eps := range erm.replicas {
		for _, ep := range eps {
			if ep == node {
				out = append(out, erm.ranges[t])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].End < out[j].End })
	return out
}

// String implements fmt.Stringer for log output.
func (erm *EffectiveReplicationMap) String() string {
	return fmt.Sprintf("erm{keyspace=%s strategy=%s ring_version=%d}", erm.keyspace, erm.strategy.Name(), erm.tm.RingVersion())
}
