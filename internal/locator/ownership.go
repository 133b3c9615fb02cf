package locator

import "github.com/helicondb/helicon/internal/model"

// DescribeOwnership returns the fraction of the ring each committed owner
// is primary for, keyed by endpoint.
func DescribeOwnership(tm *TokenMetadata) map[model.NodeID]float64 {
	sorted := tm.SortedTokens()
	if len(sorted) == 0 {
		return nil
	}
	out := make(map[model.NodeID]float64)
	const ringSize = float64(1 << 63) * 2 // 2^64 as float
	for i, t := range sorted {
		prev := sorted[(i+len(sorted)-1)%len(sorted)]
		width := uint64(t - prev) // wraps correctly for the first token
		owner, _ := tm.Endpoint(t)
		out[owner] += float64(width) / ringSize
	}
	if len(sorted) == 1 {
		owner, _ := tm.Endpoint(sorted[0])
		out[owner] = 1.0
	}
	return out
}
