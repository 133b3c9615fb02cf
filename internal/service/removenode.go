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

// RemoveNode removes a dead member from the ring, re-replicating the
// ranges it held from the surviving replicas. The node must be dead;
// live nodes leave with Decommission.
func (s *TopologyService) RemoveNode(ctx context.Context, hostID model.HostID, ignoreNodes []model.NodeID) error {
	release, err := s.lockAPI("removenode")
	if err != nil {
		return err
	}
	defer release()

	tm := s.stm.Get()
	endpoint, known := tm.EndpointForHostID(hostID)
	if !known {
		// The host may linger in the consensus group after its ring
		// entry is gone, for example after a removenode that died
		// between the two cleanup steps.
		if s.group0.IsMember(hostID, false) {
			s.logger.Info("host only remains in group 0, removing it there",
				zap.String("host_id", string(hostID)))
			return s.group0.RemoveFromGroup0(ctx, hostID)
		}
		return errors.NodeNotFound(string(hostID))
	}
	if endpoint == s.gossiper.LocalEndpoint() {
		return errors.InvalidArgument("cannot removenode the local node, use decommission", nil)
	}
	if s.gossiper.IsAlive(endpoint) {
		return errors.NodeAlive(string(endpoint))
	}
	if !tm.IsNormalTokenOwner(endpoint) {
		return errors.NotMember(string(endpoint))
	}

	ignored := make(map[model.NodeID]struct{}, len(ignoreNodes))
	for _, n := range ignoreNodes {
		ignored[n] = struct{}{}
	}
	var peers []model.NodeID
	for _, owner := range s.ringPeers(endpoint, s.gossiper.LocalEndpoint()) {
		if _, skip := ignored[owner]; skip {
			s.logger.Info("leaving out ignored peer",
				zap.String("endpoint", string(owner)))
			continue
		}
		peers = append(peers, owner)
	}
	if err := s.waitForNoPendingOps(ctx, peers); err != nil {
		return err
	}

	s.logger.Info("removing dead node",
		zap.String("host_id", string(hostID)),
		zap.String("endpoint", string(endpoint)),
		zap.Int("participants", len(peers)))

	run, err := NewOpRun(SyncOpRemoveNode, s.gossiper.LocalEndpoint(), peers, model.NodeOpsRequest{
		LeavingNodes: []model.NodeID{endpoint},
		IgnoreNodes:  ignoreNodes,
	}, s.opsClient, s.cfg.Topology.NodeOpsHeartbeatInterval, s.logger)
	if err != nil {
		return err
	}

	// The coordinator marks the node leaving locally too; prepare only
	// reaches the other participants.
	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.AddLeavingEndpoint(endpoint)
		return nil
	})
	if err != nil {
		return err
	}

	// The dead node cannot gossip for itself. Announce its removal on
	// its behalf so peers outside the operation, ignored ones
	// included, restore their replicas and report back.
	err = s.gossiper.AdvertiseEndpointState(endpoint, map[model.ApplicationState]string{
		model.AppStateStatus:             gossip.StatusValue(model.StatusRemovingToken),
		model.AppStateRemovalCoordinator: gossip.RemovalCoordinatorValue(s.hostID),
	})
	if err != nil {
		s.rollbackRemoveNode(ctx, endpoint)
		return err
	}

	err = run.Execute(ctx, func(ctx context.Context) error {
		// Every survivor pulls the ranges it gains from the remaining
		// replicas.
		return run.SendToAll(ctx, model.CmdRemoveNodeSyncData)
	})
	if err != nil {
		s.rollbackRemoveNode(ctx, endpoint)
		return err
	}

	// Announce the final state before excising, so peers that were
	// not participants also drop the node.
	err = s.gossiper.AdvertiseEndpointState(endpoint, map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusRemovedToken),
	})
	if err != nil {
		s.logger.Error("failed to advertise removed state", zap.Error(err))
	}

	// Participants excised the node during done; do the same locally.
	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.RemoveEndpoint(endpoint)
		return nil
	})
	if err != nil {
		return err
	}
	s.gossiper.ForceRemoveEndpoint(endpoint)
	if err := s.sysStore.RemoveEndpoint(endpoint); err != nil {
		s.logger.Error("failed to drop removed peer", zap.Error(err))
	}
	if err := s.group0.RemoveFromGroup0(ctx, hostID); err != nil {
		return fmt.Errorf("node removed from ring but not from group 0, retry removenode to finish: %w", err)
	}
	s.logger.Info("removenode complete", zap.String("endpoint", string(endpoint)))
	return nil
}

var _ ReplicaRestorer = (*TopologyService)(nil)

// RestoreReplicaCount re-replicates the ranges this node gains from a
// member under removal, then confirms completion to the coordinator.
// It is kicked off when gossip shows a peer in the removing state and
// no node operation is already driving the restore here.
func (s *TopologyService) RestoreReplicaCount(ctx context.Context, removed, notify model.NodeID) {
	if len(s.registry.PendingOps()) > 0 {
		s.logger.Debug("node operation in flight, it drives the restore",
			zap.String("removed", string(removed)))
		return
	}
	strategy, err := SelectSyncStrategy(&s.cfg.Topology, SyncOpRemoveNode, s.mover, s.logger)
	if err != nil {
		s.logger.Error("no sync strategy for replica restore", zap.Error(err))
		return
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
		sources := survivors(tm, []model.NodeID{removed})
		if err := strategy.RestoreReplicas(ctx, ks.Name, gained, sources); err != nil {
			s.logger.Error("failed to restore replicas",
				zap.String("keyspace", ks.Name), zap.Error(err))
			return
		}
	}
	s.sendReplicationNotification(ctx, notify, removed)
}

// sendReplicationNotification tells the removal coordinator that this
// node finished re-replicating the removed node's data. At most three
// attempts, stopping early when the coordinator itself dies.
func (s *TopologyService) sendReplicationNotification(ctx context.Context, notify, removed model.NodeID) {
	for sent := 0; sent < 3; sent++ {
		if sent > 0 && !s.gossiper.IsAlive(notify) {
			s.logger.Warn("removal coordinator died before confirmation",
				zap.String("coordinator", string(notify)))
			return
		}
		_, err := s.opsClient.SendCommand(ctx, notify, &model.NodeOpsRequest{
			Cmd:          model.CmdReplicationFinished,
			OpsID:        model.NewOpsID(),
			Coordinator:  s.gossiper.LocalEndpoint(),
			LeavingNodes: []model.NodeID{removed},
		})
		if err == nil {
			s.logger.Info("confirmed replication to removal coordinator",
				zap.String("coordinator", string(notify)))
			return
		}
		s.logger.Warn("replication confirmation attempt failed",
			zap.String("coordinator", string(notify)), zap.Error(err))
	}
}

func (s *TopologyService) rollbackRemoveNode(ctx context.Context, endpoint model.NodeID) {
	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.DelLeavingEndpoint(endpoint)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to unmark removed node as leaving", zap.Error(err))
	}
}
