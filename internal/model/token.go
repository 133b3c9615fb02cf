package model

import (
	"sort"
	"strconv"
)

// Token is a position on the consistent-hash ring. Tokens are totally
// ordered; the ring wraps around after the maximum value.
type Token uint64

// String returns the decimal representation used in gossip payloads.
func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseToken parses the gossip wire encoding of a token.
func ParseToken(s string) (Token, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Token(v), nil
}

// TokenRange is a (Start, End] interval on the ring. A range with
// Start >= End wraps around the maximum token.
type TokenRange struct {
	Start Token `json:"start"`
	End   Token `json:"end"`
}

// Contains reports whether t falls inside the range, honoring wraparound.
func (r TokenRange) Contains(t Token) bool {
	if r.Start < r.End {
		return t > r.Start && t <= r.End
	}
	// Wrapping range, or the full ring when Start == End.
	return t > r.Start || t <= r.End
}

// SortTokens sorts tokens in ascending ring order.
func SortTokens(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
}

// RangesForTokens splits the ring into one (predecessor, token] range per
// sorted token. A single token owns the whole ring.
func RangesForTokens(sorted []Token) map[Token]TokenRange {
	ranges := make(map[Token]TokenRange, len(sorted))
	for i, t := range sorted {
		prev := sorted[(i+len(sorted)-1)%len(sorted)]
		ranges[t] = TokenRange{Start: prev, End: t}
	}
	return ranges
}
