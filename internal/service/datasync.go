package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/model"
)

// SyncOp names a topology operation for strategy selection.
type SyncOp string

const (
	SyncOpBootstrap    SyncOp = "bootstrap"
	SyncOpDecommission SyncOp = "decommission"
	SyncOpRemoveNode   SyncOp = "removenode"
	SyncOpReplace      SyncOp = "replace"
	SyncOpRebuild      SyncOp = "rebuild"
)

// RangeMover moves the data of token ranges between nodes. The
// topology layer drives it but knows nothing about how bytes travel.
type RangeMover interface {
	// Fetch pulls the given ranges from their current replicas into
	// the local node.
	Fetch(ctx context.Context, keyspace string, ranges []model.TokenRange, sources []model.NodeID) error
	// Push sends the local copies of the given ranges to new replicas.
	Push(ctx context.Context, keyspace string, ranges []model.TokenRange, targets []model.NodeID) error
	// Repair reconciles the given ranges across their replicas.
	Repair(ctx context.Context, keyspace string, ranges []model.TokenRange, replicas []model.NodeID) error
}

// DataSyncStrategy redistributes data for one topology operation. A
// strategy instance is selected once when the operation starts and
// used for its entire lifetime, so a config change mid-operation
// cannot mix styles.
type DataSyncStrategy interface {
	Name() string
	// SyncLocal moves data for ranges the local node is acquiring.
	SyncLocal(ctx context.Context, keyspace string, ranges []model.TokenRange, sources []model.NodeID) error
	// SyncAway moves data off the local node to the given new
	// replicas before it leaves the ring.
	SyncAway(ctx context.Context, keyspace string, ranges []model.TokenRange, targets []model.NodeID) error
	// RestoreReplicas re-replicates ranges that lost a dead replica.
	RestoreReplicas(ctx context.Context, keyspace string, ranges []model.TokenRange, replicas []model.NodeID) error
}

// SelectSyncStrategy picks streaming or repair based sync for an
// operation, honoring the configured allowlist.
func SelectSyncStrategy(cfg *config.TopologyConfig, op SyncOp, mover RangeMover, logger *zap.Logger) (DataSyncStrategy, error) {
	allowed, err := cfg.RepairBasedNodeOps()
	if err != nil {
		return nil, err
	}
	if cfg.EnableRepairBasedNodeOps && allowed[string(op)] {
		return &repairSync{mover: mover, logger: logger}, nil
	}
	return &streamingSync{mover: mover, logger: logger}, nil
}

// streamingSync copies range data directly between the old and new
// replicas.
type streamingSync struct {
	mover  RangeMover
	logger *zap.Logger
}

func (s *streamingSync) Name() string { return "streaming" }

func (s *streamingSync) SyncLocal(ctx context.Context, keyspace string, ranges []model.TokenRange, sources []model.NodeID) error {
	s.logger.Info("streaming ranges in",
		zap.String("keyspace", keyspace),
		zap.Int("ranges", len(ranges)),
		zap.Int("sources", len(sources)))
	if err := s.mover.Fetch(ctx, keyspace, ranges, sources); err != nil {
		return fmt.Errorf("streaming in %d ranges of %s: %w", len(ranges), keyspace, err)
	}
	return nil
}

func (s *streamingSync) SyncAway(ctx context.Context, keyspace string, ranges []model.TokenRange, targets []model.NodeID) error {
	s.logger.Info("streaming ranges out",
		zap.String("keyspace", keyspace),
		zap.Int("ranges", len(ranges)),
		zap.Int("targets", len(targets)))
	if err := s.mover.Push(ctx, keyspace, ranges, targets); err != nil {
		return fmt.Errorf("streaming out %d ranges of %s: %w", len(ranges), keyspace, err)
	}
	return nil
}

func (s *streamingSync) RestoreReplicas(ctx context.Context, keyspace string, ranges []model.TokenRange, replicas []model.NodeID) error {
	s.logger.Info("streaming replacement replicas",
		zap.String("keyspace", keyspace),
		zap.Int("ranges", len(ranges)))
	if err := s.mover.Fetch(ctx, keyspace, ranges, replicas); err != nil {
		return fmt.Errorf("restoring %d ranges of %s: %w", len(ranges), keyspace, err)
	}
	return nil
}

// repairSync reconciles ranges across all live replicas instead of
// copying from a single source, trading speed for resilience to stale
// replicas.
type repairSync struct {
	mover  RangeMover
	logger *zap.Logger
}

func (s *repairSync) Name() string { return "repair" }

func (s *repairSync) SyncLocal(ctx context.Context, keyspace string, ranges []model.TokenRange, sources []model.NodeID) error {
	return s.repairRanges(ctx, keyspace, ranges, sources)
}

func (s *repairSync) SyncAway(ctx context.Context, keyspace string, ranges []model.TokenRange, targets []model.NodeID) error {
	return s.repairRanges(ctx, keyspace, ranges, targets)
}

func (s *repairSync) RestoreReplicas(ctx context.Context, keyspace string, ranges []model.TokenRange, replicas []model.NodeID) error {
	return s.repairRanges(ctx, keyspace, ranges, replicas)
}

func (s *repairSync) repairRanges(ctx context.Context, keyspace string, ranges []model.TokenRange, replicas []model.NodeID) error {
	s.logger.Info("repairing ranges",
		zap.String("keyspace", keyspace),
		zap.Int("ranges", len(ranges)),
		zap.Int("replicas", len(replicas)))

	// Repair range by range so an abort loses at most one range of
	// progress.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			if err := s.mover.Repair(ctx, keyspace, []model.TokenRange{r}, replicas); err != nil {
				return fmt.Errorf("repairing range %v of %s: %w", r, keyspace, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NopRangeMover is a RangeMover for deployments without a data plane
// attached, and for tests.
type NopRangeMover struct{}

func (NopRangeMover) Fetch(context.Context, string, []model.TokenRange, []model.NodeID) error {
	return nil
}

func (NopRangeMover) Push(context.Context, string, []model.TokenRange, []model.NodeID) error {
	return nil
}

func (NopRangeMover) Repair(context.Context, string, []model.TokenRange, []model.NodeID) error {
	return nil
}
