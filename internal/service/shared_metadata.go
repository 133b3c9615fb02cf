package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/model"
)

// SharedTokenMetadata maintains one token metadata replica per shard
// so readers never contend with writers. Readers load their shard's
// replica through an atomic pointer and see an immutable snapshot;
// writers clone the authoritative copy, mutate the clone, then publish
// it to every shard in two phases. Replicas differ only while a
// publish is in flight.
type SharedTokenMetadata struct {
	logger *zap.Logger

	// mu serializes writers. Readers never take it.
	mu     sync.Mutex
	shards []atomic.Pointer[locator.TokenMetadata]

	keyspacesMu sync.RWMutex
	keyspaces   map[string]locator.Keyspace
	erms        map[string]*atomic.Pointer[locator.EffectiveReplicationMap]

	// next shard handed out to a reader asking for any replica
	readCursor atomic.Uint64
}

// NewSharedTokenMetadata creates an empty ring replicated across the
// given number of shards.
func NewSharedTokenMetadata(shards int, logger *zap.Logger) *SharedTokenMetadata {
	if shards < 1 {
		shards = 1
	}
	s := &SharedTokenMetadata{
		logger:    logger,
		shards:    make([]atomic.Pointer[locator.TokenMetadata], shards),
		keyspaces: make(map[string]locator.Keyspace),
		erms:      make(map[string]*atomic.Pointer[locator.EffectiveReplicationMap]),
	}
	empty := locator.NewTokenMetadata()
	for i := range s.shards {
		s.shards[i].Store(empty)
	}
	return s
}

// ShardCount returns the number of replicas.
func (s *SharedTokenMetadata) ShardCount() int { return len(s.shards) }

// Get returns the current snapshot on one shard, chosen round-robin.
// The returned metadata must be treated as read-only.
func (s *SharedTokenMetadata) Get() *locator.TokenMetadata {
	shard := s.readCursor.Add(1) % uint64(len(s.shards))
	return s.shards[shard].Load()
}

// OnShard returns the snapshot held by a specific shard.
func (s *SharedTokenMetadata) OnShard(shard int) *locator.TokenMetadata {
	return s.shards[shard%len(s.shards)].Load()
}

// RegisterKeyspace makes a keyspace's replication map available to
// readers. The map is rebuilt on every ring change.
func (s *SharedTokenMetadata) RegisterKeyspace(ctx context.Context, ks locator.Keyspace) error {
	s.keyspacesMu.Lock()
	s.keyspaces[ks.Name] = ks
	ptr, ok := s.erms[ks.Name]
	if !ok {
		ptr = &atomic.Pointer[locator.EffectiveReplicationMap]{}
		s.erms[ks.Name] = ptr
	}
	s.keyspacesMu.Unlock()

	erm, err := locator.BuildEffectiveReplicationMap(ctx, ks, s.Get())
	if err != nil {
		return fmt.Errorf("building replication map for %s: %w", ks.Name, err)
	}
	ptr.Store(erm)
	return nil
}

// Keyspaces returns the registered keyspaces.
func (s *SharedTokenMetadata) Keyspaces() []locator.Keyspace {
	s.keyspacesMu.RLock()
	defer s.keyspacesMu.RUnlock()
	out := make([]locator.Keyspace, 0, len(s.keyspaces))
	for _, ks := range s.keyspaces {
		out = append(out, ks)
	}
	return out
}

// EffectiveReplicationMap returns the current replication map for a
// registered keyspace.
func (s *SharedTokenMetadata) EffectiveReplicationMap(keyspace string) (*locator.EffectiveReplicationMap, bool) {
	s.keyspacesMu.RLock()
	ptr, ok := s.erms[keyspace]
	s.keyspacesMu.RUnlock()
	if !ok {
		return nil, false
	}
	erm := ptr.Load()
	return erm, erm != nil
}

// Mutate applies fn to a private clone of the ring and, when fn
// succeeds, recalculates pending ranges on the same clone and
// publishes the result to every shard along with rebuilt replication
// maps. Pending ranges and ring membership therefore always change in
// one snapshot; no reader observes one without the other. A failing
// fn leaves every replica untouched.
func (s *SharedTokenMetadata) Mutate(ctx context.Context, fn func(*locator.TokenMetadata) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.shards[0].Load()
	clone, err := base.Clone(ctx)
	if err != nil {
		return fmt.Errorf("cloning token metadata: %w", err)
	}
	if err := fn(clone); err != nil {
		return err
	}
	if err := s.recalcPending(ctx, clone); err != nil {
		return err
	}
	return s.publish(ctx, clone)
}

// MutateAfterAllLeft is Mutate over a clone that drops all leaving
// endpoints, used when committing a completed topology change.
func (s *SharedTokenMetadata) MutateAfterAllLeft(ctx context.Context, fn func(*locator.TokenMetadata) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.shards[0].Load()
	clone, err := base.CloneAfterAllLeft(ctx)
	if err != nil {
		return fmt.Errorf("cloning token metadata: %w", err)
	}
	if err := fn(clone); err != nil {
		return err
	}
	if err := s.recalcPending(ctx, clone); err != nil {
		return err
	}
	return s.publish(ctx, clone)
}

func (s *SharedTokenMetadata) recalcPending(ctx context.Context, tm *locator.TokenMetadata) error {
	for _, ks := range s.Keyspaces() {
		pending, err := locator.CalculatePendingRanges(ctx, ks, tm)
		if err != nil {
			return fmt.Errorf("calculating pending ranges for %s: %w", ks.Name, err)
		}
		tm.SetPendingRanges(ks.Name, pending)
	}
	return nil
}

// publish replaces every shard's replica with next. Phase one builds
// per-shard copies and the new replication maps, all fallible work.
// Phase two swaps the atomic pointers, which cannot fail, so shards
// can never be left disagreeing about ring state.
func (s *SharedTokenMetadata) publish(ctx context.Context, next *locator.TokenMetadata) error {
	copies := make([]*locator.TokenMetadata, len(s.shards))
	p := pool.New().WithErrors().WithContext(ctx)
	for i := range s.shards {
		i := i
		p.Go(func(ctx context.Context) error {
			if i == 0 {
				copies[0] = next
				return nil
			}
			c, err := next.Clone(ctx)
			if err != nil {
				return fmt.Errorf("preparing shard %d replica: %w", i, err)
			}
			copies[i] = c
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	erms := make(map[string]*locator.EffectiveReplicationMap)
	s.keyspacesMu.RLock()
	keyspaces := make([]locator.Keyspace, 0, len(s.keyspaces))
	for _, ks := range s.keyspaces {
		keyspaces = append(keyspaces, ks)
	}
	s.keyspacesMu.RUnlock()
	for _, ks := range keyspaces {
		erm, err := locator.BuildEffectiveReplicationMap(ctx, ks, next)
		if err != nil {
			return fmt.Errorf("rebuilding replication map for %s: %w", ks.Name, err)
		}
		erms[ks.Name] = erm
	}

	for i := range s.shards {
		s.shards[i].Store(copies[i])
	}
	s.keyspacesMu.RLock()
	for name, erm := range erms {
		s.erms[name].Store(erm)
	}
	s.keyspacesMu.RUnlock()

	s.logger.Debug("published token metadata",
		zap.Int64("ring_version", next.RingVersion()),
		zap.Int("shards", len(s.shards)))
	return nil
}

// UpdatePendingRanges republishes the ring with pending ranges
// recalculated against the current membership. Mutate already does
// this on every change; this entry point exists for callers reacting
// to keyspace registration rather than a ring change.
func (s *SharedTokenMetadata) UpdatePendingRanges(ctx context.Context, reason string) error {
	s.logger.Debug("recalculating pending ranges", zap.String("reason", reason))
	return s.Mutate(ctx, func(*locator.TokenMetadata) error { return nil })
}

// HasPendingRangesFor reports whether any keyspace has ranges moving
// toward the given endpoint.
func (s *SharedTokenMetadata) HasPendingRangesFor(node model.NodeID) bool {
	tm := s.Get()
	for _, ks := range s.Keyspaces() {
		if tm.HasPendingRanges(ks.Name, node) {
			return true
		}
	}
	return false
}
