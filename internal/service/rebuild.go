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

// Rebuild re-fetches every range the local node replicates, optionally
// restricted to sources in one datacenter. Used after local data loss;
// the ring itself does not change.
func (s *TopologyService) Rebuild(ctx context.Context, sourceDC string) error {
	release, err := s.lockAPI("rebuild")
	if err != nil {
		return err
	}
	defer release()

	if s.Mode() != model.ModeNormal {
		return errors.NewTopologyError(errors.ErrCodeUnsupportedState,
			fmt.Sprintf("cannot rebuild in mode %s", s.Mode()), nil)
	}
	local := s.gossiper.LocalEndpoint()
	tm := s.stm.Get()
	if !tm.IsNormalTokenOwner(local) {
		return errors.NotMember(string(local))
	}

	strategy, err := SelectSyncStrategy(&s.cfg.Topology, SyncOpRebuild, s.mover, s.logger)
	if err != nil {
		return err
	}
	s.logger.Info("starting rebuild",
		zap.String("source_dc", sourceDC),
		zap.String("sync", strategy.Name()))

	for _, ks := range s.stm.Keyspaces() {
		erm, ok := s.stm.EffectiveReplicationMap(ks.Name)
		if !ok {
			continue
		}
		owned := erm.RangesForEndpoint(local)
		if len(owned) == 0 {
			continue
		}
		sources := s.rebuildSources(tm, sourceDC, local)
		if len(sources) == 0 {
			return errors.SyncFailed(
				fmt.Sprintf("no sources available for rebuild of %s", ks.Name), nil)
		}
		if err := strategy.SyncLocal(ctx, ks.Name, owned, sources); err != nil {
			return errors.SyncFailed(fmt.Sprintf("rebuilding %s", ks.Name), err)
		}
	}
	s.logger.Info("rebuild complete")
	return nil
}

func (s *TopologyService) rebuildSources(tm *locator.TokenMetadata, sourceDC string, local model.NodeID) []model.NodeID {
	var out []model.NodeID
	for _, owner := range tm.NormalTokenOwners() {
		if owner == local || !s.gossiper.IsAlive(owner) {
			continue
		}
		if sourceDC != "" {
			dcRack, ok := tm.Topology(owner)
			if !ok || dcRack.Datacenter != sourceDC {
				continue
			}
		}
		out = append(out, owner)
	}
	return out
}

// Drain stops participating in the cluster without leaving the ring:
// the node announces shutdown and peers stop routing to it until it
// restarts.
func (s *TopologyService) Drain(ctx context.Context) error {
	release, err := s.lockAPI("drain")
	if err != nil {
		return err
	}
	defer release()

	switch s.Mode() {
	case model.ModeDrained:
		return nil
	case model.ModeNormal, model.ModeLeaving:
	default:
		return errors.NewTopologyError(errors.ErrCodeUnsupportedState,
			fmt.Sprintf("cannot drain in mode %s", s.Mode()), nil)
	}

	s.setMode(model.ModeDraining)
	tokens := s.stm.Get().Tokens(s.gossiper.LocalEndpoint())
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusShutdown, gossip.EncodeTokens(tokens)),
	})
	if err != nil {
		return err
	}
	s.setMode(model.ModeDrained)
	s.logger.Info("drained")
	return nil
}

// NodeInfo is one row of the ring description.
type NodeInfo struct {
	Endpoint model.NodeID `json:"endpoint"`
	HostID   model.HostID `json:"host_id,omitempty"`
	Status   string       `json:"status"`
	Alive    bool         `json:"alive"`
	Tokens   int          `json:"tokens"`
	DC       string       `json:"dc,omitempty"`
	Rack     string       `json:"rack,omitempty"`
	Leaving  bool         `json:"leaving,omitempty"`
}

// RingInfo is the admin view of the ring.
type RingInfo struct {
	RingVersion int64      `json:"ring_version"`
	LocalMode   model.Mode `json:"local_mode"`
	Nodes       []NodeInfo `json:"nodes"`
}

// DescribeRing summarizes ring state for operators.
func (s *TopologyService) DescribeRing() RingInfo {
	tm := s.stm.Get()
	info := RingInfo{
		RingVersion: tm.RingVersion(),
		LocalMode:   s.Mode(),
	}
	for _, owner := range tm.NormalTokenOwners() {
		n := NodeInfo{
			Endpoint: owner,
			Status:   s.gossiper.GossipStatus(owner),
			Alive:    s.gossiper.IsAlive(owner),
			Tokens:   len(tm.Tokens(owner)),
			Leaving:  tm.IsLeaving(owner),
		}
		if id, ok := tm.HostIDForEndpoint(owner); ok {
			n.HostID = id
		}
		if dcRack, ok := tm.Topology(owner); ok {
			n.DC = dcRack.Datacenter
			n.Rack = dcRack.Rack
		}
		info.Nodes = append(info.Nodes, n)
	}
	return info
}

// Ownership reports each node's fraction of the ring.
func (s *TopologyService) Ownership() map[model.NodeID]float64 {
	return locator.DescribeOwnership(s.stm.Get())
}
