package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/model"
)

// runBootstrapOps coordinates the local node's bootstrap with every
// existing member: prepare registers the claimed tokens everywhere,
// the body streams historical data in, done releases the overlays.
func (s *TopologyService) runBootstrapOps(ctx context.Context, tokens []model.Token, dcRack model.DCRack) error {
	local := s.gossiper.LocalEndpoint()
	peers := s.ringPeers(local)
	if len(peers) == 0 {
		s.logger.Info("no existing members, bootstrapping as the first node")
		return nil
	}

	if err := s.waitForNormalStateHandledOnBoot(ctx, peers); err != nil {
		return fmt.Errorf("ring did not converge before bootstrap: %w", err)
	}
	if err := s.waitForNoPendingOps(ctx, peers); err != nil {
		return err
	}

	strategy, err := SelectSyncStrategy(&s.cfg.Topology, SyncOpBootstrap, s.mover, s.logger)
	if err != nil {
		return err
	}
	s.logger.Info("starting coordinated bootstrap",
		zap.Int("participants", len(peers)),
		zap.String("sync", strategy.Name()))

	run, err := NewOpRun(SyncOpBootstrap, local, peers, model.NodeOpsRequest{
		BootstrapNodes: []model.BootstrapNodeEntry{{Node: local, Tokens: tokens, DCRack: dcRack}},
	}, s.opsClient, s.cfg.Topology.NodeOpsHeartbeatInterval, s.logger)
	if err != nil {
		return err
	}

	return run.Execute(ctx, func(ctx context.Context) error {
		return s.syncPendingRangesIn(ctx, strategy)
	})
}

// runReplaceOps takes over the tokens of a dead node. The dead node's
// identity comes from gossip collected before this node announced
// itself.
func (s *TopologyService) runReplaceOps(ctx context.Context) error {
	replaceHostID := model.HostID(s.cfg.Topology.ReplaceNode)
	local := s.gossiper.LocalEndpoint()

	info, err := s.resolveReplacementTarget(replaceHostID)
	if err != nil {
		return err
	}
	s.logger.Info("replacing dead node",
		zap.String("host_id", string(replaceHostID)),
		zap.String("dead_endpoint", string(info.Address)),
		zap.Int("tokens", len(info.Tokens)))

	s.setMode(model.ModeJoining)
	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.UpdateTopology(info.Address, info.DCRack)
		if err := tm.UpdateNormalTokens(info.Tokens, info.Address); err != nil {
			return err
		}
		tm.AddReplacingEndpoint(info.Address, local)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.sysStore.SetBootstrapState(model.BootstrapStateInProgress); err != nil {
		return err
	}

	peers := s.ringPeers(local, info.Address)
	if err := s.waitForNoPendingOps(ctx, peers); err != nil {
		return err
	}
	strategy, err := SelectSyncStrategy(&s.cfg.Topology, SyncOpReplace, s.mover, s.logger)
	if err != nil {
		return err
	}

	run, err := NewOpRun(SyncOpReplace, local, peers, model.NodeOpsRequest{
		ReplaceNodes: []model.ReplaceNodeEntry{{ExistingNode: info.Address, ReplacingNode: local}},
	}, s.opsClient, s.cfg.Topology.NodeOpsHeartbeatInterval, s.logger)
	if err != nil {
		return err
	}

	err = run.Execute(ctx, func(ctx context.Context) error {
		// Participants first confirm they see the replacement alive,
		// then recalculate pending ranges against the replacing map,
		// and only then data moves.
		if err := run.SendToAll(ctx, model.CmdReplacePrepareMarkAlive); err != nil {
			return err
		}
		if err := run.SendToAll(ctx, model.CmdReplacePreparePendingRanges); err != nil {
			return err
		}
		return s.syncReplacedRanges(ctx, strategy, info.Address)
	})
	if err != nil {
		return err
	}

	// Commit: the dead node's entry gives way to ours.
	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.DelReplacingEndpoint(info.Address)
		tm.RemoveEndpoint(info.Address)
		return nil
	})
	if err != nil {
		return err
	}
	s.gossiper.ForceRemoveEndpoint(info.Address)
	if err := s.sysStore.RemoveEndpoint(info.Address); err != nil {
		s.logger.Error("failed to drop replaced peer", zap.Error(err))
	}
	return s.finishJoining(ctx, info.Tokens)
}

// resolveReplacementTarget finds the dead node in the gossip snapshot.
func (s *TopologyService) resolveReplacementTarget(hostID model.HostID) (*model.ReplacementInfo, error) {
	for _, ep := range s.gossiper.Endpoints() {
		if ep == s.gossiper.LocalEndpoint() {
			continue
		}
		st, ok := s.gossiper.EndpointState(ep)
		if !ok {
			continue
		}
		id, ok := st.HostID()
		if !ok || id != hostID {
			continue
		}
		if s.gossiper.IsAlive(ep) {
			return nil, errors.NodeAlive(string(ep))
		}
		tokens, err := st.Tokens()
		if err != nil {
			return nil, fmt.Errorf("dead node %s gossiped unparsable tokens: %w", ep, err)
		}
		if len(tokens) == 0 {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("node %s has no tokens to take over", ep), nil)
		}
		return &model.ReplacementInfo{
			Tokens:  tokens,
			DCRack:  st.DCRack(),
			HostID:  hostID,
			Address: ep,
		}, nil
	}
	return nil, errors.NodeNotFound(string(hostID))
}

// syncPendingRangesIn pulls every range pending toward the local node.
func (s *TopologyService) syncPendingRangesIn(ctx context.Context, strategy DataSyncStrategy) error {
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
		sources := survivors(tm, []model.NodeID{local})
		if err := strategy.SyncLocal(ctx, ks.Name, gained, sources); err != nil {
			return errors.SyncFailed(fmt.Sprintf("bootstrapping ranges of %s", ks.Name), err)
		}
	}
	return nil
}

// syncReplacedRanges pulls the dead node's ranges from the surviving
// replicas.
func (s *TopologyService) syncReplacedRanges(ctx context.Context, strategy DataSyncStrategy, dead model.NodeID) error {
	tm := s.stm.Get()
	for _, ks := range s.stm.Keyspaces() {
		erm, ok := s.stm.EffectiveReplicationMap(ks.Name)
		if !ok {
			continue
		}
		ranges := erm.RangesForEndpoint(dead)
		if len(ranges) == 0 {
			continue
		}
		sources := survivors(tm, []model.NodeID{dead, s.gossiper.LocalEndpoint()})
		if err := strategy.SyncLocal(ctx, ks.Name, ranges, sources); err != nil {
			return errors.SyncFailed(fmt.Sprintf("replacing ranges of %s", ks.Name), err)
		}
	}
	return nil
}
