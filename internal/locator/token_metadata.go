// Package locator maintains the authoritative in-memory view of token
// ring ownership: committed owners, in-flight bootstrap/leaving/replacing
// overlays, per-node datacenter/rack placement, and the derived
// replication and pending-range views.
package locator

import (
	"context"
	"fmt"

	"github.com/helicondb/helicon/internal/model"
)

// cloneChunk bounds the work done between context checks when copying or
// scanning large rings.
const cloneChunk = 1024

// PendingRange is a token range whose ownership is mid-transition, paired
// with the endpoint that will gain it.
type PendingRange struct {
	Range    model.TokenRange
	Endpoint model.NodeID
}

// TokenMetadata is the versioned map of ring ownership. It is never
// mutated in place once published: writers clone it, mutate the clone and
// atomically replace the shared instance (see service.SharedTokenMetadata).
type TokenMetadata struct {
	normalTokens    map[model.Token]model.NodeID
	bootstrapTokens map[model.Token]model.NodeID

	leavingEndpoints map[model.NodeID]struct{}
	// replacingMap maps an existing node to its in-flight replacement.
	replacingMap map[model.NodeID]model.NodeID

	topology map[model.NodeID]model.DCRack

	hostIDToEndpoint map[model.HostID]model.NodeID
	endpointToHostID map[model.NodeID]model.HostID

	// pendingRanges per keyspace, recomputed by the pending-range
	// calculator whenever the overlays change.
	pendingRanges map[string][]PendingRange

	sortedTokens []model.Token // cache, nil when dirty

	ringVersion int64
}

// NewTokenMetadata creates an empty token metadata instance.
func NewTokenMetadata() *TokenMetadata {
	return &TokenMetadata{
		normalTokens:     make(map[model.Token]model.NodeID),
		bootstrapTokens:  make(map[model.Token]model.NodeID),
		leavingEndpoints: make(map[model.NodeID]struct{}),
		replacingMap:     make(map[model.NodeID]model.NodeID),
		topology:         make(map[model.NodeID]model.DCRack),
		hostIDToEndpoint: make(map[model.HostID]model.NodeID),
		endpointToHostID: make(map[model.NodeID]model.HostID),
		pendingRanges:    make(map[string][]PendingRange),
	}
}

// Clone deep-copies the metadata, yielding to the context between chunks
// so copying a large ring never monopolizes the scheduler.
func (tm *TokenMetadata) Clone(ctx context.Context) (*TokenMetadata, error) {
	out := NewTokenMetadata()
	out.ringVersion = tm.ringVersion

	i := 0
	for t, ep := range tm.normalTokens {
		out.normalTokens[t] = ep
		if i++; i%cloneChunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	for t, ep := range tm.bootstrapTokens {
		out.bootstrapTokens[t] = ep
	}
	for ep := range tm.leavingEndpoints {
		out.leavingEndpoints[ep] = struct{}{}
	}
	for existing, replacement := range tm.replacingMap {
		out.replacingMap[existing] = replacement
	}
	for ep, dr := range tm.topology {
		out.topology[ep] = dr
	}
	for id, ep := range tm.hostIDToEndpoint {
		out.hostIDToEndpoint[id] = ep
	}
	for ep, id := range tm.endpointToHostID {
		out.endpointToHostID[ep] = id
	}
	for ks, prs := range tm.pendingRanges {
		out.pendingRanges[ks] = append([]PendingRange(nil), prs...)
	}
	return out, nil
}

// CloneAfterAllLeft returns a copy of the metadata as it will look once
// every leaving endpoint and bootstrap token is gone.
func (tm *TokenMetadata) CloneAfterAllLeft(ctx context.Context) (*TokenMetadata, error) {
	out, err := tm.Clone(ctx)
	if err != nil {
		return nil, err
	}
	for ep := range tm.leavingEndpoints {
		out.RemoveEndpoint(ep)
	}
	out.bootstrapTokens = make(map[model.Token]model.NodeID)
	return out, nil
}

func (tm *TokenMetadata) bump() {
	tm.ringVersion++
	tm.sortedTokens = nil
}

// RingVersion returns the mutation counter. It increases strictly across
// any sequence of mutations and is used for debugging and consistency
// checks, not concurrency control.
func (tm *TokenMetadata) RingVersion() int64 {
	return tm.ringVersion
}

// UpdateNormalTokens commits ownership of tokens to node. Any previous
// owner of a token loses it, and the token leaves the bootstrap overlay:
// a token is never both normal and bootstrapping.
func (tm *TokenMetadata) UpdateNormalTokens(tokens []model.Token, node model.NodeID) error {
	if _, ok := tm.topology[node]; !ok {
		return fmt.Errorf("update normal tokens: node %s has no topology entry", node)
	}
	for _, t := range tokens {
		tm.normalTokens[t] = node
		delete(tm.bootstrapTokens, t)
	}
	delete(tm.leavingEndpoints, node)
	tm.bump()
	return nil
}

// AddBootstrapTokens claims tokens for a joining node. Claiming a token
// that is already committed to another owner is rejected; collisions with
// normal owners are resolved by the NORMAL state handler, not here.
func (tm *TokenMetadata) AddBootstrapTokens(tokens []model.Token, node model.NodeID) error {
	if _, ok := tm.topology[node]; !ok {
		return fmt.Errorf("add bootstrap tokens: node %s has no topology entry", node)
	}
	for _, t := range tokens {
		if owner, ok := tm.normalTokens[t]; ok && owner != node {
			return fmt.Errorf("add bootstrap tokens: token %s already owned by %s", t, owner)
		}
		if owner, ok := tm.bootstrapTokens[t]; ok && owner != node {
			return fmt.Errorf("add bootstrap tokens: token %s already claimed by bootstrapping node %s", t, owner)
		}
	}
	for _, t := range tokens {
		tm.bootstrapTokens[t] = node
	}
	tm.bump()
	return nil
}

// RemoveBootstrapTokens drops tokens from the bootstrap overlay.
func (tm *TokenMetadata) RemoveBootstrapTokens(tokens []model.Token) {
	for _, t := range tokens {
		delete(tm.bootstrapTokens, t)
	}
	tm.bump()
}

// AddLeavingEndpoint marks a node as mid-decommission/removal. The node
// stays a current owner until excised.
func (tm *TokenMetadata) AddLeavingEndpoint(node model.NodeID) {
	tm.leavingEndpoints[node] = struct{}{}
	tm.bump()
}

// DelLeavingEndpoint reverts AddLeavingEndpoint.
func (tm *TokenMetadata) DelLeavingEndpoint(node model.NodeID) {
	delete(tm.leavingEndpoints, node)
	tm.bump()
}

// AddReplacingEndpoint records that replacement is taking over existing's
// tokens.
func (tm *TokenMetadata) AddReplacingEndpoint(existing, replacement model.NodeID) {
	tm.replacingMap[existing] = replacement
	tm.bump()
}

// DelReplacingEndpoint drops the in-flight replacement of existing.
func (tm *TokenMetadata) DelReplacingEndpoint(existing model.NodeID) {
	delete(tm.replacingMap, existing)
	tm.bump()
}

// RemoveEndpoint excises a node: all its tokens, overlays, topology and
// host-id entries are dropped.
func (tm *TokenMetadata) RemoveEndpoint(node model.NodeID) {
	for t, ep := range tm.normalTokens {
		if ep == node {
			delete(tm.normalTokens, t)
		}
	}
	for t, ep := range tm.bootstrapTokens {
		if ep == node {
			delete(tm.bootstrapTokens, t)
		}
	}
	delete(tm.leavingEndpoints, node)
	delete(tm.replacingMap, node)
	delete(tm.topology, node)
	if id, ok := tm.endpointToHostID[node]; ok {
		delete(tm.endpointToHostID, node)
		if tm.hostIDToEndpoint[id] == node {
			delete(tm.hostIDToEndpoint, id)
		}
	}
	tm.bump()
}

// UpdateTopology records the datacenter/rack of a node.
func (tm *TokenMetadata) UpdateTopology(node model.NodeID, dcRack model.DCRack) {
	tm.topology[node] = dcRack
	tm.bump()
}

// Topology returns the datacenter/rack of a node.
func (tm *TokenMetadata) Topology(node model.NodeID) (model.DCRack, bool) {
	dr, ok := tm.topology[node]
	return dr, ok
}

// UpdateHostID binds a stable host id to an endpoint, replacing any
// previous binding of either side.
func (tm *TokenMetadata) UpdateHostID(id model.HostID, node model.NodeID) {
	if old, ok := tm.hostIDToEndpoint[id]; ok {
		delete(tm.endpointToHostID, old)
	}
	if oldID, ok := tm.endpointToHostID[node]; ok {
		delete(tm.hostIDToEndpoint, oldID)
	}
	tm.hostIDToEndpoint[id] = node
	tm.endpointToHostID[node] = id
	tm.bump()
}

// EndpointForHostID resolves a host id to its current endpoint.
func (tm *TokenMetadata) EndpointForHostID(id model.HostID) (model.NodeID, bool) {
	ep, ok := tm.hostIDToEndpoint[id]
	return ep, ok
}

// HostIDForEndpoint resolves an endpoint to its stable host id.
func (tm *TokenMetadata) HostIDForEndpoint(node model.NodeID) (model.HostID, bool) {
	id, ok := tm.endpointToHostID[node]
	return id, ok
}

// EndpointToHostIDMap returns a copy of the endpoint -> host id map.
func (tm *TokenMetadata) EndpointToHostIDMap() map[model.NodeID]model.HostID {
	out := make(map[model.NodeID]model.HostID, len(tm.endpointToHostID))
	for ep, id := range tm.endpointToHostID {
		out[ep] = id
	}
	return out
}

// IsNormalTokenOwner reports whether node owns at least one committed token.
func (tm *TokenMetadata) IsNormalTokenOwner(node model.NodeID) bool {
	for _, ep := range tm.normalTokens {
		if ep == node {
			return true
		}
	}
	return false
}

// IsLeaving reports whether node is marked leaving.
func (tm *TokenMetadata) IsLeaving(node model.NodeID) bool {
	_, ok := tm.leavingEndpoints[node]
	return ok
}

// LeavingEndpoints returns the set of leaving nodes.
func (tm *TokenMetadata) LeavingEndpoints() []model.NodeID {
	out := make([]model.NodeID, 0, len(tm.leavingEndpoints))
	for ep := range tm.leavingEndpoints {
		out = append(out, ep)
	}
	return out
}

// ReplacingEndpoint returns the node replacing existing, if any.
func (tm *TokenMetadata) ReplacingEndpoint(existing model.NodeID) (model.NodeID, bool) {
	r, ok := tm.replacingMap[existing]
	return r, ok
}

// Tokens returns the committed tokens of a node in ring order.
func (tm *TokenMetadata) Tokens(node model.NodeID) []model.Token {
	var out []model.Token
	for t, ep := range tm.normalTokens {
		if ep == node {
			out = append(out, t)
		}
	}
	model.SortTokens(out)
	return out
}

// BootstrapTokens returns a copy of the bootstrap overlay.
func (tm *TokenMetadata) BootstrapTokens() map[model.Token]model.NodeID {
	out := make(map[model.Token]model.NodeID, len(tm.bootstrapTokens))
	for t, ep := range tm.bootstrapTokens {
		out[t] = ep
	}
	return out
}

// TokenToEndpoint returns a copy of the committed ownership map.
func (tm *TokenMetadata) TokenToEndpoint() map[model.Token]model.NodeID {
	out := make(map[model.Token]model.NodeID, len(tm.normalTokens))
	for t, ep := range tm.normalTokens {
		out[t] = ep
	}
	return out
}

// Endpoint returns the committed owner of a token.
func (tm *TokenMetadata) Endpoint(t model.Token) (model.NodeID, bool) {
	ep, ok := tm.normalTokens[t]
	return ep, ok
}

// SortedTokens returns the committed tokens in ring order.
func (tm *TokenMetadata) SortedTokens() []model.Token {
	if tm.sortedTokens == nil {
		tokens := make([]model.Token, 0, len(tm.normalTokens))
		for t := range tm.normalTokens {
			tokens = append(tokens, t)
		}
		model.SortTokens(tokens)
		tm.sortedTokens = tokens
	}
	return tm.sortedTokens
}

// NormalTokenOwners returns the distinct committed owners.
func (tm *TokenMetadata) NormalTokenOwners() []model.NodeID {
	seen := make(map[model.NodeID]struct{})
	for _, ep := range tm.normalTokens {
		seen[ep] = struct{}{}
	}
	out := make([]model.NodeID, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	return out
}

// SetPendingRanges installs freshly calculated pending ranges for a
// keyspace. Callers hold the token metadata lock.
func (tm *TokenMetadata) SetPendingRanges(keyspace string, ranges []PendingRange) {
	if len(ranges) == 0 {
		if _, had := tm.pendingRanges[keyspace]; had {
			delete(tm.pendingRanges, keyspace)
			tm.bump()
		}
		return
	}
	tm.pendingRanges[keyspace] = ranges
	tm.bump()
}

// PendingRanges returns the pending ranges of a keyspace.
func (tm *TokenMetadata) PendingRanges(keyspace string) []PendingRange {
	return tm.pendingRanges[keyspace]
}

// HasPendingRanges reports whether any range of keyspace is pending
// toward node.
func (tm *TokenMetadata) HasPendingRanges(keyspace string, node model.NodeID) bool {
	for _, pr := range tm.pendingRanges[keyspace] {
		if pr.Endpoint == node {
			return true
		}
	}
	return false
}

// HasAnyPendingRanges reports whether any keyspace has pending motion.
func (tm *TokenMetadata) HasAnyPendingRanges() bool {
	for _, prs := range tm.pendingRanges {
		if len(prs) > 0 {
			return true
		}
	}
	return false
}
