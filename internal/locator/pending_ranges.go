package locator

import (
	"context"

	"github.com/helicondb/helicon/internal/model"
)

// CalculatePendingRanges computes, for one keyspace, the (range, endpoint)
// pairs whose ownership will change once every in-flight bootstrap,
// leave and replace completes. The result feeds both the safety checks
// that freeze conflicting operations and streaming destination selection.
//
// The walk is chunked on the ring size and checks the context between
// chunks, so very large rings stay interruptible.
func CalculatePendingRanges(ctx context.Context, ks Keyspace, tm *TokenMetadata) ([]PendingRange, error) {
	if len(tm.bootstrapTokens) == 0 && len(tm.leavingEndpoints) == 0 && len(tm.replacingMap) == 0 {
		return nil, nil
	}

	future, err := futureMetadata(ctx, tm)
	if err != nil {
		return nil, err
	}

	// Evaluate every range boundary present in either view: a token
	// leaving the ring changes its successors' ranges just like a new
	// token splitting one.
	boundarySet := make(map[model.Token]struct{}, len(tm.normalTokens)+len(future.normalTokens))
	for t := range tm.normalTokens {
		boundarySet[t] = struct{}{}
	}
	for t := range future.normalTokens {
		boundarySet[t] = struct{}{}
	}
	boundaries := make([]model.Token, 0, len(boundarySet))
	for t := range boundarySet {
		boundaries = append(boundaries, t)
	}
	model.SortTokens(boundaries)

	futureRanges := model.RangesForTokens(future.SortedTokens())

	var pending []PendingRange
	for i, t := range boundaries {
		if i%cloneChunk == cloneChunk-1 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		current := ks.Strategy.CalculateNaturalEndpoints(t, tm)
		next := ks.Strategy.CalculateNaturalEndpoints(t, future)

		currentSet := make(map[model.NodeID]struct{}, len(current))
		for _, ep := range current {
			currentSet[ep] = struct{}{}
		}

		for _, ep := range next {
			if _, had := currentSet[ep]; had {
				continue
			}
			// The endpoint gains the future range that ends at the
			// owner of t in the future ring.
			sorted := future.SortedTokens()
			if len(sorted) == 0 {
				continue
			}
			owner := sorted[searchRing(sorted, t)]
			pending = append(pending, PendingRange{Range: futureRanges[owner], Endpoint: ep})
		}
	}
	return dedupePending(pending), nil
}

// futureMetadata applies the in-flight overlays: bootstrap tokens are
// committed, leaving endpoints excised and replacements substituted for
// the nodes they replace.
func futureMetadata(ctx context.Context, tm *TokenMetadata) (*TokenMetadata, error) {
	future, err := tm.Clone(ctx)
	if err != nil {
		return nil, err
	}

	for existing, replacement := range tm.replacingMap {
		tokens := future.Tokens(existing)
		if len(tokens) == 0 {
			continue
		}
		if _, ok := future.topology[replacement]; !ok {
			if dr, ok := tm.Topology(existing); ok {
				future.UpdateTopology(replacement, dr)
			}
		}
		future.RemoveEndpoint(existing)
		if err := future.UpdateNormalTokens(tokens, replacement); err != nil {
			return nil, err
		}
	}

	for ep := range tm.leavingEndpoints {
		future.RemoveEndpoint(ep)
	}

	byNode := make(map[model.NodeID][]model.Token)
	for t, ep := range tm.bootstrapTokens {
		byNode[ep] = append(byNode[ep], t)
	}
	for ep, tokens := range byNode {
		if _, ok := future.topology[ep]; !ok {
			// Topology entry was lost with an excised collision victim;
			// skip rather than guess placement.
			continue
		}
		if err := future.UpdateNormalTokens(tokens, ep); err != nil {
			return nil, err
		}
	}
	return future, nil
}

func dedupePending(in []PendingRange) []PendingRange {
	type key struct {
		r  model.TokenRange
		ep model.NodeID
	}
	seen := make(map[key]struct{}, len(in))
	out := in[:0]
	for _, pr := range in {
		k := key{pr.Range, pr.Endpoint}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, pr)
	}
	return out
}
