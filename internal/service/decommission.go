package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/model"
)

// Decommission removes the local node from the ring, streaming its
// data to the nodes that take over its ranges. The node ends in a
// terminal DECOMMISSIONED mode and refuses to rejoin without
// override_decommission.
func (s *TopologyService) Decommission(ctx context.Context) error {
	release, err := s.lockAPI("decommission")
	if err != nil {
		return err
	}
	defer release()

	local := s.gossiper.LocalEndpoint()
	tm := s.stm.Get()

	if s.Mode() != model.ModeNormal {
		return errors.NewTopologyError(errors.ErrCodeUnsupportedState,
			fmt.Sprintf("cannot decommission in mode %s", s.Mode()), nil)
	}
	if !tm.IsNormalTokenOwner(local) {
		return errors.NotMember(string(local))
	}
	owners := tm.NormalTokenOwners()
	if len(owners) < 2 {
		return errors.PointlessDecommission()
	}
	// Data still moving toward this node would be lost if it left now.
	for _, ks := range s.stm.Keyspaces() {
		if tm.HasPendingRanges(ks.Name, local) {
			return errors.PendingRanges(ks.Name)
		}
	}

	peers := s.ringPeers(local)
	if err := s.waitForNoPendingOps(ctx, peers); err != nil {
		return err
	}

	tokens := tm.Tokens(local)
	s.setMode(model.ModeLeaving)
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusLeaving, gossip.EncodeTokens(tokens)),
	})
	if err != nil {
		return err
	}
	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.AddLeavingEndpoint(local)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("announced departure, waiting for ring delay",
		zap.Duration("ring_delay", s.cfg.Topology.RingDelay))
	if err := sleepCtx(ctx, s.cfg.Topology.RingDelay); err != nil {
		return err
	}

	strategy, err := SelectSyncStrategy(&s.cfg.Topology, SyncOpDecommission, s.mover, s.logger)
	if err != nil {
		return err
	}

	run, err := NewOpRun(SyncOpDecommission, local, peers, model.NodeOpsRequest{
		LeavingNodes: []model.NodeID{local},
	}, s.opsClient, s.cfg.Topology.NodeOpsHeartbeatInterval, s.logger)
	if err != nil {
		return err
	}

	left := false
	err = run.Execute(ctx, func(ctx context.Context) error {
		// Give up the consensus vote before giving up data, so the
		// group never depends on a node that is half gone.
		if err := s.group0.BecomeNonvoter(ctx); err != nil {
			return fmt.Errorf("becoming nonvoter: %w", err)
		}
		if err := s.unbootstrap(ctx, strategy); err != nil {
			return err
		}
		// The watchdog may have fired on a peer while we streamed.
		// An expired peer already rolled our departure back, so
		// committing would desynchronize the ring.
		if err := s.verifyOpStillTracked(ctx, run.OpsID(), peers); err != nil {
			return err
		}
		// LEFT goes out before done; peers refuse to commit until
		// they have applied our departure.
		if err := s.leaveRing(ctx, tokens); err != nil {
			return err
		}
		left = true
		return nil
	})
	if err != nil {
		if left {
			// The LEFT announcement is out; gossip converges the ring
			// even though done did not reach everyone.
			s.setMode(model.ModeDecommissioned)
			s.logger.Error("decommission commit incomplete after leaving the ring", zap.Error(err))
			return err
		}
		s.setMode(model.ModeNormal)
		s.rollbackDecommission(ctx, tokens)
		return err
	}
	s.setMode(model.ModeDecommissioned)

	// Past this point the node has left the ring; a consensus cleanup
	// failure degrades the group but cannot un-decommission us.
	if err := s.group0.LeaveGroup0(ctx); err != nil {
		s.logger.Error("failed to leave group 0 after decommission; group is degraded until the member is removed manually",
			zap.Error(err))
	}
	s.logger.Info("decommission complete")
	return nil
}

// unbootstrap streams every range the local node owns to the nodes
// taking them over.
func (s *TopologyService) unbootstrap(ctx context.Context, strategy DataSyncStrategy) error {
	local := s.gossiper.LocalEndpoint()
	tm := s.stm.Get()
	for _, ks := range s.stm.Keyspaces() {
		erm, ok := s.stm.EffectiveReplicationMap(ks.Name)
		if !ok {
			continue
		}
		owned := erm.RangesForEndpoint(local)
		if len(owned) == 0 {
			continue
		}
		targets := pendingTargets(tm, ks.Name, local)
		if len(targets) == 0 {
			targets = survivors(tm, []model.NodeID{local})
		}
		s.logger.Info("streaming ranges to new owners",
			zap.String("keyspace", ks.Name),
			zap.Int("ranges", len(owned)),
			zap.Int("targets", len(targets)))
		if err := strategy.SyncAway(ctx, ks.Name, owned, targets); err != nil {
			return errors.SyncFailed(fmt.Sprintf("moving data out of %s", ks.Name), err)
		}
	}
	return nil
}

// verifyOpStillTracked confirms every peer still tracks our operation
// before we commit.
func (s *TopologyService) verifyOpStillTracked(ctx context.Context, opsID model.OpsID, peers []model.NodeID) error {
	for _, peer := range peers {
		pending, err := QueryPendingOps(ctx, s.opsClient, s.gossiper.LocalEndpoint(), peer)
		if err != nil {
			s.logger.Warn("could not verify pending op on peer",
				zap.String("peer", string(peer)), zap.Error(err))
			continue
		}
		found := false
		for _, id := range pending {
			if id == opsID {
				found = true
				break
			}
		}
		if !found {
			return errors.Aborted(fmt.Sprintf(
				"operation %s no longer tracked on %s, its watchdog expired", opsID, peer))
		}
	}
	return nil
}

// rollbackDecommission undoes the LEAVING announcement after a failed
// decommission so the node keeps serving.
func (s *TopologyService) rollbackDecommission(ctx context.Context, tokens []model.Token) {
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.DelLeavingEndpoint(s.gossiper.LocalEndpoint())
		return nil
	})
	if err != nil {
		s.logger.Error("failed to unmark local node as leaving", zap.Error(err))
	}
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusNormal),
	})
	if err != nil {
		s.logger.Error("failed to re-announce NORMAL", zap.Error(err))
	}
}

// leaveRing removes the local node from the ring and records the
// departure durably.
func (s *TopologyService) leaveRing(ctx context.Context, tokens []model.Token) error {
	local := s.gossiper.LocalEndpoint()
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.RemoveEndpoint(local)
		return nil
	})
	if err != nil {
		return err
	}
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusLeft, gossip.EncodeTokens(tokens)),
	})
	if err != nil {
		return err
	}
	if err := s.sysStore.UpdateTokens(nil); err != nil {
		return err
	}
	return s.sysStore.SetBootstrapState(model.BootstrapStateDecommissioned)
}

// pendingTargets lists the endpoints gaining ranges in a keyspace,
// excluding the given node.
func pendingTargets(tm *locator.TokenMetadata, keyspace string, exclude model.NodeID) []model.NodeID {
	seen := make(map[model.NodeID]struct{})
	var out []model.NodeID
	for _, pr := range tm.PendingRanges(keyspace) {
		if pr.Endpoint == exclude {
			continue
		}
		if _, ok := seen[pr.Endpoint]; ok {
			continue
		}
		seen[pr.Endpoint] = struct{}{}
		out = append(out, pr.Endpoint)
	}
	return out
}
