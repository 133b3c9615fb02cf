package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/store"
)

// NodeOpsService executes node operation commands on behalf of remote
// coordinators. Prepared ring changes are provisional: they are kept
// alive by coordinator heartbeats and rolled back on abort or watchdog
// expiry.
type NodeOpsService struct {
	cfg      *config.TopologyConfig
	registry *NodeOpsRegistry
	stm      *SharedTokenMetadata
	gossiper gossip.Gossiper
	sysStore *store.SystemStore
	mover    RangeMover
	logger   *zap.Logger
}

func NewNodeOpsService(cfg *config.TopologyConfig, registry *NodeOpsRegistry, stm *SharedTokenMetadata, g gossip.Gossiper, sysStore *store.SystemStore, mover RangeMover, logger *zap.Logger) *NodeOpsService {
	return &NodeOpsService{
		cfg:      cfg,
		registry: registry,
		stm:      stm,
		gossiper: g,
		sysStore: sysStore,
		mover:    mover,
		logger:   logger,
	}
}

// HandleCommand dispatches one node operation command.
func (s *NodeOpsService) HandleCommand(ctx context.Context, req *model.NodeOpsRequest) (*model.NodeOpsResponse, error) {
	s.logger.Info("handling node_ops_cmd",
		zap.String("cmd", string(req.Cmd)),
		zap.String("ops_id", string(req.OpsID)),
		zap.String("coordinator", string(req.Coordinator)))

	switch req.Cmd {
	case model.CmdQueryPendingOps:
		return &model.NodeOpsResponse{OK: true, PendingOps: s.registry.PendingOps()}, nil

	case model.CmdRemoveNodeHeartbeat, model.CmdDecommissionHeartbeat,
		model.CmdReplaceHeartbeat, model.CmdBootstrapHeartbeat:
		if err := s.registry.Heartbeat(req.OpsID); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdRemoveNodePrepare:
		return s.prepare(ctx, req, s.prepareLeaving)
	case model.CmdDecommissionPrepare:
		return s.prepare(ctx, req, s.prepareLeaving)
	case model.CmdBootstrapPrepare:
		return s.prepare(ctx, req, s.prepareBootstrap)
	case model.CmdReplacePrepare:
		return s.prepare(ctx, req, s.prepareReplace)

	case model.CmdReplacePrepareMarkAlive:
		if err := s.waitReplacementsAlive(ctx, req); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdReplacePreparePendingRanges:
		if err := s.stm.UpdatePendingRanges(ctx, "replace "+string(req.OpsID)); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdRemoveNodeSyncData:
		if err := s.syncDataForRemoval(ctx, req); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdRepairUpdater:
		// Data plane hook: repair progress for the listed tables is
		// tracked by the mover, not by the ring.
		s.logger.Debug("repair updater",
			zap.Strings("tables", req.RepairTables),
			zap.String("ops_id", string(req.OpsID)))
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdRemoveNodeDone:
		return s.removeNodeDone(ctx, req)
	case model.CmdDecommissionDone:
		return s.decommissionDone(ctx, req)
	case model.CmdReplaceDone, model.CmdBootstrapDone:
		if err := s.registry.Done(req.OpsID); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdReplicationFinished:
		s.logger.Info("got replication finished confirmation",
			zap.String("from", string(req.Coordinator)),
			zap.String("ops_id", string(req.OpsID)))
		return &model.NodeOpsResponse{OK: true}, nil

	case model.CmdRemoveNodeAbort, model.CmdDecommissionAbort,
		model.CmdReplaceAbort, model.CmdBootstrapAbort:
		if err := s.registry.Abort(ctx, req.OpsID); err != nil {
			return nil, err
		}
		return &model.NodeOpsResponse{OK: true}, nil

	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown node_ops_cmd %q", req.Cmd), nil)
	}
}

type prepareFunc func(ctx context.Context, req *model.NodeOpsRequest) error

func (s *NodeOpsService) prepare(ctx context.Context, req *model.NodeOpsRequest, apply prepareFunc) (*model.NodeOpsResponse, error) {
	if err := s.registry.Prepare(req.OpsID, req.Cmd, req.Coordinator); err != nil {
		return nil, err
	}
	if err := apply(ctx, req); err != nil {
		// Roll back whatever the failed prepare already did.
		if abortErr := s.registry.Abort(ctx, req.OpsID); abortErr != nil {
			s.logger.Error("failed to roll back prepare", zap.Error(abortErr))
		}
		return nil, err
	}
	return &model.NodeOpsResponse{OK: true}, nil
}

// prepareLeaving marks nodes as leaving so reads and writes start
// counting their successors as pending replicas.
func (s *NodeOpsService) prepareLeaving(ctx context.Context, req *model.NodeOpsRequest) error {
	leaving := req.LeavingNodes
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		for _, node := range leaving {
			if !tm.IsNormalTokenOwner(node) {
				return errors.NotMember(string(node))
			}
			tm.AddLeavingEndpoint(node)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.registry.AddAbortHook(req.OpsID, func(ctx context.Context) {
		err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
			for _, node := range leaving {
				tm.DelLeavingEndpoint(node)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("failed to unmark leaving nodes", zap.Error(err))
		}
	})
}

// prepareBootstrap registers joining nodes' tokens as bootstrap
// overlays.
func (s *NodeOpsService) prepareBootstrap(ctx context.Context, req *model.NodeOpsRequest) error {
	entries := req.BootstrapNodes
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		for _, e := range entries {
			tm.UpdateTopology(e.Node, e.DCRack)
			if err := tm.AddBootstrapTokens(e.Tokens, e.Node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.registry.AddAbortHook(req.OpsID, func(ctx context.Context) {
		err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
			for _, e := range entries {
				tm.RemoveBootstrapTokens(e.Tokens)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("failed to drop bootstrap tokens", zap.Error(err))
		}
	})
}

// prepareReplace records replacement pairs so pending range math can
// route the dead node's ranges to its replacement.
func (s *NodeOpsService) prepareReplace(ctx context.Context, req *model.NodeOpsRequest) error {
	entries := req.ReplaceNodes
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		for _, e := range entries {
			if !tm.IsNormalTokenOwner(e.ExistingNode) {
				return errors.NotMember(string(e.ExistingNode))
			}
			tm.AddReplacingEndpoint(e.ExistingNode, e.ReplacingNode)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.registry.AddAbortHook(req.OpsID, func(ctx context.Context) {
		err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
			for _, e := range entries {
				tm.DelReplacingEndpoint(e.ExistingNode)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("failed to drop replacing entries", zap.Error(err))
		}
	})
}

// waitReplacementsAlive blocks until gossip sees every replacement
// node as alive, so later phases can stream from or to it.
func (s *NodeOpsService) waitReplacementsAlive(ctx context.Context, req *model.NodeOpsRequest) error {
	for _, e := range req.ReplaceNodes {
		node := e.ReplacingNode
		b := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), ctx)
		err := backoff.Retry(func() error {
			if s.gossiper.IsAlive(node) {
				return nil
			}
			return fmt.Errorf("replacement node %s not alive yet", node)
		}, backoff.WithMaxRetries(b, 120))
		if err != nil {
			return errors.SyncFailed(fmt.Sprintf("replacement node %s did not come up", node), err)
		}
	}
	return nil
}

// syncDataForRemoval re-replicates the ranges the dead nodes held.
// The local node fetches every range it gains once the leaving nodes
// are gone.
func (s *NodeOpsService) syncDataForRemoval(ctx context.Context, req *model.NodeOpsRequest) error {
	strategy, err := SelectSyncStrategy(s.cfg, SyncOpRemoveNode, s.mover, s.logger)
	if err != nil {
		return err
	}
	local := s.gossiper.LocalEndpoint()
	tm := s.stm.Get()
	for _, ks := range s.stm.Keyspaces() {
		var gained []model.TokenRange
		for _, pr := range tm.PendingRanges(ks.Name) {
			if pr.Endpoint == local {
				gained = append(gained, pr.Range)
			}
		}
		if len(gained) == 0 {
			continue
		}
		sources := survivors(tm, req.LeavingNodes)
		if err := strategy.RestoreReplicas(ctx, ks.Name, gained, sources); err != nil {
			return errors.SyncFailed(fmt.Sprintf("restoring replicas for %s", ks.Name), err)
		}
	}
	return nil
}

// decommissionDone commits a decommission. The leaving node announces
// LEFT through gossip on its own; done succeeds only once that state
// has been applied locally, so the coordinator cannot report success
// while this node still routes to it.
func (s *NodeOpsService) decommissionDone(ctx context.Context, req *model.NodeOpsRequest) (*model.NodeOpsResponse, error) {
	b := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), ctx)
	err := backoff.Retry(func() error {
		tm := s.stm.Get()
		for _, node := range req.LeavingNodes {
			if tm.IsNormalTokenOwner(node) {
				return fmt.Errorf("node %s has not left the ring yet", node)
			}
		}
		return nil
	}, backoff.WithMaxRetries(b, 120))
	if err != nil {
		return nil, errors.SyncFailed("decommissioned node still owns tokens", err)
	}
	if err := s.registry.Done(req.OpsID); err != nil {
		return nil, err
	}
	return &model.NodeOpsResponse{OK: true}, nil
}

// removeNodeDone commits the removal: every participant excises the
// dead nodes from its ring and evicts them from gossip.
func (s *NodeOpsService) removeNodeDone(ctx context.Context, req *model.NodeOpsRequest) (*model.NodeOpsResponse, error) {
	if err := s.registry.Done(req.OpsID); err != nil {
		return nil, err
	}
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		for _, node := range req.LeavingNodes {
			tm.RemoveEndpoint(node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, node := range req.LeavingNodes {
		s.gossiper.ForceRemoveEndpoint(node)
		if err := s.sysStore.RemoveEndpoint(node); err != nil {
			s.logger.Error("failed to drop removed peer", zap.Error(err))
		}
	}
	return &model.NodeOpsResponse{OK: true}, nil
}

// survivors lists the normal token owners that are not being removed.
func survivors(tm *locator.TokenMetadata, leaving []model.NodeID) []model.NodeID {
	gone := make(map[model.NodeID]struct{}, len(leaving))
	for _, n := range leaving {
		gone[n] = struct{}{}
	}
	var out []model.NodeID
	for _, owner := range tm.NormalTokenOwners() {
		if _, dead := gone[owner]; !dead {
			out = append(out, owner)
		}
	}
	return out
}
