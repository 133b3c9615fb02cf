package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/store"
)

// LifecycleNotifier is told when nodes join or leave the ring, after
// the ring itself has been updated.
type LifecycleNotifier interface {
	OnJoinedRing(endpoint model.NodeID)
	OnLeftRing(endpoint model.NodeID)
}

type nopNotifier struct{}

func (nopNotifier) OnJoinedRing(model.NodeID) {}
func (nopNotifier) OnLeftRing(model.NodeID)   {}

// ReplicaRestorer re-replicates the data a node under removal held and
// confirms completion to the coordinator driving the removal.
type ReplicaRestorer interface {
	RestoreReplicaCount(ctx context.Context, removed, notify model.NodeID)
}

// StateChangeHandler applies gossiped endpoint state changes to the
// shared ring. It runs changes one at a time; gossip delivers each
// endpoint's states in version order, and the handlers are written to
// tolerate states arriving out of order across endpoints.
type StateChangeHandler struct {
	stm      *SharedTokenMetadata
	gossiper gossip.Gossiper
	sysStore *store.SystemStore
	notifier LifecycleNotifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// set after construction; topology and state handling depend on
	// each other
	restorer ReplicaRestorer

	// serializes handler execution
	mu sync.Mutex

	// endpoints whose NORMAL state has been fully applied, consulted
	// while waiting for ring convergence on boot
	normalHandledMu sync.Mutex
	normalHandled   map[model.NodeID]struct{}
}

func NewStateChangeHandler(stm *SharedTokenMetadata, g gossip.Gossiper, sysStore *store.SystemStore, notifier LifecycleNotifier, m *metrics.Metrics, logger *zap.Logger) *StateChangeHandler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &StateChangeHandler{
		stm:           stm,
		gossiper:      g,
		sysStore:      sysStore,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		normalHandled: make(map[model.NodeID]struct{}),
	}
}

var _ gossip.StateListener = (*StateChangeHandler)(nil)

// SetReplicaRestorer wires the restorer kicked off when a peer is
// observed in the removing state.
func (h *StateChangeHandler) SetReplicaRestorer(r ReplicaRestorer) {
	h.restorer = r
}

// OnJoin replays every known application state of a newly seen (or
// restarted) endpoint through OnChange.
func (h *StateChangeHandler) OnJoin(endpoint model.NodeID, state *gossip.EndpointState) {
	for key, vv := range state.States {
		if key == model.AppStateStatus {
			continue
		}
		h.OnChange(endpoint, key, vv)
	}
	// STATUS last, once identity states are in place.
	if vv, ok := state.States[model.AppStateStatus]; ok {
		h.OnChange(endpoint, model.AppStateStatus, vv)
	}
}

func (h *StateChangeHandler) OnChange(endpoint model.NodeID, key model.ApplicationState, value model.VersionedValue) {
	h.mu.Lock()
	evict := h.applyChange(endpoint, key, value)
	h.mu.Unlock()
	// Gossip evictions fire OnRemove synchronously, which re-enters the
	// handler; they must run outside the lock.
	for _, ep := range evict {
		h.gossiper.ForceRemoveEndpoint(ep)
	}
}

func (h *StateChangeHandler) applyChange(endpoint model.NodeID, key model.ApplicationState, value model.VersionedValue) []model.NodeID {
	if key != model.AppStateStatus {
		h.applyPeerState(endpoint, key, value)
		return nil
	}

	st, ok := h.gossiper.EndpointState(endpoint)
	if !ok {
		return nil
	}
	status, args := st.Status()
	start := time.Now()
	ctx := context.Background()

	var evict []model.NodeID
	switch status {
	case model.StatusBootstrapping:
		h.handleStateBootstrap(ctx, endpoint, st)
	case model.StatusNormal, model.StatusShutdown:
		evict = h.handleStateNormal(ctx, endpoint, st)
	case model.StatusLeaving:
		h.handleStateLeaving(ctx, endpoint, st)
	case model.StatusLeft:
		h.handleStateLeft(ctx, endpoint, st, args)
	case model.StatusRemovingToken, model.StatusRemovedToken:
		evict = h.handleStateRemoving(ctx, endpoint, st, status)
	case model.StatusMoving:
		// Token moves were removed; a MOVING peer is misconfigured.
		h.logger.Error("ignoring unsupported MOVING state",
			zap.String("endpoint", string(endpoint)))
	default:
		h.logger.Warn("ignoring unknown gossip status",
			zap.String("endpoint", string(endpoint)),
			zap.String("status", status))
	}

	if h.metrics != nil {
		h.metrics.StateChangesTotal.WithLabelValues(status).Inc()
		h.metrics.StateChangeDuration.Observe(time.Since(start).Seconds())
		h.updateRingMetrics()
	}
	return evict
}

func (h *StateChangeHandler) OnAlive(endpoint model.NodeID, state *gossip.EndpointState) {
	h.logger.Debug("endpoint alive", zap.String("endpoint", string(endpoint)))
}

func (h *StateChangeHandler) OnDead(endpoint model.NodeID, state *gossip.EndpointState) {
	h.logger.Debug("endpoint dead", zap.String("endpoint", string(endpoint)))
}

func (h *StateChangeHandler) OnRemove(endpoint model.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tm := h.stm.Get()
	if !tm.IsNormalTokenOwner(endpoint) && len(tm.Tokens(endpoint)) == 0 {
		return
	}
	h.logger.Info("endpoint evicted from gossip, removing from ring",
		zap.String("endpoint", string(endpoint)))
	h.removeFromRing(context.Background(), endpoint, "gossip eviction")
}

// applyPeerState records non-status identity states for ring members.
func (h *StateChangeHandler) applyPeerState(endpoint model.NodeID, key model.ApplicationState, value model.VersionedValue) {
	tm := h.stm.Get()
	if !tm.IsNormalTokenOwner(endpoint) {
		return
	}
	switch key {
	case model.AppStateDC, model.AppStateRack:
		st, ok := h.gossiper.EndpointState(endpoint)
		if !ok {
			return
		}
		dcRack := st.DCRack()
		err := h.stm.Mutate(context.Background(), func(tm *locator.TokenMetadata) error {
			tm.UpdateTopology(endpoint, dcRack)
			return nil
		})
		if err != nil {
			h.logger.Error("failed to update topology", zap.Error(err))
		}
	case model.AppStateHostID:
		// Host id rebinds are handled with full collision checks in
		// the NORMAL handler.
	}
	h.persistPeer(endpoint)
}

// handleStateBootstrap registers a joining node's claimed tokens as a
// bootstrap overlay. The tokens stay pending until NORMAL commits them.
func (h *StateChangeHandler) handleStateBootstrap(ctx context.Context, endpoint model.NodeID, st *gossip.EndpointState) {
	tokens, err := st.Tokens()
	if err != nil {
		h.logger.Error("bad gossiped tokens", zap.String("endpoint", string(endpoint)), zap.Error(err))
		return
	}
	h.logger.Info("handling BOOT",
		zap.String("endpoint", string(endpoint)),
		zap.Int("tokens", len(tokens)))

	err = h.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		if tm.IsNormalTokenOwner(endpoint) {
			// A member going back to bootstrap restarted before its
			// join completed. Its old ring entry is stale.
			h.logger.Info("node state jumped to bootstrap",
				zap.String("endpoint", string(endpoint)))
			tm.RemoveEndpoint(endpoint)
		}
		tm.UpdateTopology(endpoint, st.DCRack())
		if id, ok := st.HostID(); ok {
			tm.UpdateHostID(id, endpoint)
		}
		if err := tm.AddBootstrapTokens(tokens, endpoint); err != nil {
			return err
		}
		tm.DelLeavingEndpoint(endpoint)
		return nil
	})
	if err != nil {
		h.logger.Error("failed to apply BOOT state",
			zap.String("endpoint", string(endpoint)), zap.Error(err))
	}
}

// handleStateNormal commits an endpoint's tokens. Token and host id
// conflicts are resolved in favor of the endpoint that started later,
// so both sides of a conflict converge on the same owner regardless of
// the order they observe the states in.
func (h *StateChangeHandler) handleStateNormal(ctx context.Context, endpoint model.NodeID, st *gossip.EndpointState) []model.NodeID {
	tokens, err := st.Tokens()
	if err != nil {
		h.logger.Error("bad gossiped tokens", zap.String("endpoint", string(endpoint)), zap.Error(err))
		return nil
	}
	h.logger.Info("handling NORMAL",
		zap.String("endpoint", string(endpoint)),
		zap.Int("tokens", len(tokens)))

	var toRemoveFromGossip []model.NodeID
	err = h.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		if tm.IsNormalTokenOwner(endpoint) {
			h.logger.Debug("node state jump to NORMAL", zap.String("endpoint", string(endpoint)))
		}
		tm.UpdateTopology(endpoint, st.DCRack())

		if id, ok := st.HostID(); ok {
			if existing, bound := tm.EndpointForHostID(id); bound && existing != endpoint {
				local := h.gossiper.LocalEndpoint()
				switch {
				case existing == local:
					h.logger.Warn("not updating host id, it is mine",
						zap.String("host_id", string(id)),
						zap.String("claimed_by", string(endpoint)))
					tm.RemoveEndpoint(endpoint)
					return nil
				case h.startedLater(endpoint, existing):
					h.logger.Warn("host id collision, new node wins",
						zap.String("host_id", string(id)),
						zap.String("old", string(existing)),
						zap.String("new", string(endpoint)))
					tm.RemoveEndpoint(existing)
					toRemoveFromGossip = append(toRemoveFromGossip, existing)
					tm.UpdateHostID(id, endpoint)
				default:
					h.logger.Warn("host id collision, existing node wins",
						zap.String("host_id", string(id)),
						zap.String("kept", string(existing)),
						zap.String("ignored", string(endpoint)))
					tm.RemoveEndpoint(endpoint)
					return nil
				}
			} else {
				tm.UpdateHostID(id, endpoint)
			}
		}

		owned := make([]model.Token, 0, len(tokens))
		for _, t := range tokens {
			owner, taken := tm.Endpoint(t)
			switch {
			case !taken || owner == endpoint:
				owned = append(owned, t)
			case h.startedLater(endpoint, owner):
				h.logger.Warn("token collision, new node wins",
					zap.String("token", t.String()),
					zap.String("old_owner", string(owner)),
					zap.String("new_owner", string(endpoint)))
				owned = append(owned, t)
			default:
				h.logger.Warn("token collision, existing owner wins",
					zap.String("token", t.String()),
					zap.String("owner", string(owner)),
					zap.String("ignored", string(endpoint)))
			}
		}
		if len(owned) == 0 {
			h.logger.Warn("node lost all its tokens",
				zap.String("endpoint", string(endpoint)))
			tm.RemoveEndpoint(endpoint)
			return nil
		}
		if err := tm.UpdateNormalTokens(owned, endpoint); err != nil {
			return err
		}
		tm.DelLeavingEndpoint(endpoint)
		tm.DelReplacingEndpoint(endpoint)

		// Owners displaced by collisions may be left with nothing.
		for _, owner := range tm.NormalTokenOwners() {
			if owner != endpoint && len(tm.Tokens(owner)) == 0 {
				h.logger.Warn("removing endpoint with no remaining tokens",
					zap.String("endpoint", string(owner)))
				tm.RemoveEndpoint(owner)
				toRemoveFromGossip = append(toRemoveFromGossip, owner)
			}
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to apply NORMAL state",
			zap.String("endpoint", string(endpoint)), zap.Error(err))
		return nil
	}

	for _, ep := range toRemoveFromGossip {
		if err := h.sysStore.RemoveEndpoint(ep); err != nil {
			h.logger.Error("failed to drop displaced peer", zap.Error(err))
		}
	}
	h.persistPeer(endpoint)
	h.markNormalHandled(endpoint)
	h.notifier.OnJoinedRing(endpoint)
	return toRemoveFromGossip
}

// handleStateLeaving marks an endpoint as leaving while it still
// serves reads and writes for its ranges.
func (h *StateChangeHandler) handleStateLeaving(ctx context.Context, endpoint model.NodeID, st *gossip.EndpointState) {
	tokens, err := st.Tokens()
	if err != nil {
		h.logger.Error("bad gossiped tokens", zap.String("endpoint", string(endpoint)), zap.Error(err))
		return
	}
	h.logger.Info("handling LEAVING",
		zap.String("endpoint", string(endpoint)),
		zap.Int("tokens", len(tokens)))

	err = h.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		if !tm.IsNormalTokenOwner(endpoint) {
			// LEAVING observed before NORMAL. Register the tokens
			// first so the departure math sees the full ring.
			h.logger.Info("node state jumped to leaving",
				zap.String("endpoint", string(endpoint)))
			tm.UpdateTopology(endpoint, st.DCRack())
			if id, ok := st.HostID(); ok {
				tm.UpdateHostID(id, endpoint)
			}
			if err := tm.UpdateNormalTokens(tokens, endpoint); err != nil {
				return err
			}
		}
		tm.AddLeavingEndpoint(endpoint)
		return nil
	})
	if err != nil {
		h.logger.Error("failed to apply LEAVING state",
			zap.String("endpoint", string(endpoint)), zap.Error(err))
	}
}

// handleStateLeft excises an endpoint that finished decommissioning.
func (h *StateChangeHandler) handleStateLeft(ctx context.Context, endpoint model.NodeID, st *gossip.EndpointState, args []string) {
	h.logger.Info("handling LEFT", zap.String("endpoint", string(endpoint)))
	h.removeFromRing(ctx, endpoint, "LEFT")
	h.notifier.OnLeftRing(endpoint)
}

// handleStateRemoving handles removal of a (usually dead) member some
// other node is coordinating.
func (h *StateChangeHandler) handleStateRemoving(ctx context.Context, endpoint model.NodeID, st *gossip.EndpointState, status string) []model.NodeID {
	if endpoint == h.gossiper.LocalEndpoint() {
		// Another node decided we are dead. Nothing graceful is left
		// to do; a restart will rejoin with a new generation.
		h.logger.Error("local node is being removed from the ring by a peer; shutting down topology handling")
		return nil
	}
	tm := h.stm.Get()
	if !tm.IsNormalTokenOwner(endpoint) {
		if status == model.StatusRemovedToken {
			return []model.NodeID{endpoint}
		}
		return nil
	}
	if status == model.StatusRemovedToken {
		h.logger.Info("handling removed", zap.String("endpoint", string(endpoint)))
		h.removeFromRing(ctx, endpoint, "removed from ring")
		h.notifier.OnLeftRing(endpoint)
		return nil
	}
	h.logger.Info("handling removing", zap.String("endpoint", string(endpoint)))
	err := h.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.AddLeavingEndpoint(endpoint)
		return nil
	})
	if err != nil {
		h.logger.Error("failed to mark removing endpoint as leaving", zap.Error(err))
		return nil
	}

	// The coordinator driving the removal waits for every replica to
	// confirm that it restored the dead node's data.
	if h.restorer == nil {
		return nil
	}
	coordHost, ok := st.RemovalCoordinator()
	if !ok {
		h.logger.Warn("removing state carries no removal coordinator",
			zap.String("endpoint", string(endpoint)))
		return nil
	}
	notify, ok := h.stm.Get().EndpointForHostID(coordHost)
	if !ok {
		h.logger.Warn("removal coordinator host id is not in the ring",
			zap.String("host_id", string(coordHost)))
		return nil
	}
	if notify == h.gossiper.LocalEndpoint() {
		// We are the coordinator; the node operation run drives the
		// restore on every participant.
		return nil
	}
	go h.restorer.RestoreReplicaCount(context.Background(), endpoint, notify)
	return nil
}

// removeFromRing drops every trace of an endpoint: ring entries,
// persisted peer state, and pending range contributions.
func (h *StateChangeHandler) removeFromRing(ctx context.Context, endpoint model.NodeID, reason string) {
	err := h.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.RemoveEndpoint(endpoint)
		return nil
	})
	if err != nil {
		h.logger.Error("failed to remove endpoint from ring",
			zap.String("endpoint", string(endpoint)), zap.Error(err))
		return
	}
	if err := h.sysStore.RemoveEndpoint(endpoint); err != nil {
		h.logger.Error("failed to drop peer record", zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.EndpointsRemovedTotal.Inc()
	}
	h.logger.Info("endpoint removed from ring",
		zap.String("endpoint", string(endpoint)),
		zap.String("reason", reason))
}

// startedLater reports whether a started after b, breaking ties by
// endpoint name so both sides of a conflict pick the same winner.
func (h *StateChangeHandler) startedLater(a, b model.NodeID) bool {
	genOf := func(ep model.NodeID) int64 {
		if ep == h.gossiper.LocalEndpoint() {
			return h.gossiper.LocalGeneration()
		}
		st, ok := h.gossiper.EndpointState(ep)
		if !ok {
			return 0
		}
		return st.Generation
	}
	ga, gb := genOf(a), genOf(b)
	if ga != gb {
		return ga > gb
	}
	return a > b
}

func (h *StateChangeHandler) persistPeer(endpoint model.NodeID) {
	if endpoint == h.gossiper.LocalEndpoint() {
		return
	}
	st, ok := h.gossiper.EndpointState(endpoint)
	if !ok {
		return
	}
	tokens, err := st.Tokens()
	if err != nil {
		return
	}
	info := store.PeerInfo{Tokens: tokens}
	if id, ok := st.HostID(); ok {
		info.HostID = id
	}
	dcRack := st.DCRack()
	info.DC = dcRack.Datacenter
	info.Rack = dcRack.Rack
	if err := h.sysStore.UpdatePeerInfo(endpoint, info); err != nil {
		h.logger.Error("failed to persist peer info",
			zap.String("endpoint", string(endpoint)), zap.Error(err))
	}
}

func (h *StateChangeHandler) markNormalHandled(endpoint model.NodeID) {
	h.normalHandledMu.Lock()
	defer h.normalHandledMu.Unlock()
	h.normalHandled[endpoint] = struct{}{}
}

// NormalStateHandled reports whether the NORMAL state of an endpoint
// has been fully applied to the local ring.
func (h *StateChangeHandler) NormalStateHandled(endpoint model.NodeID) bool {
	h.normalHandledMu.Lock()
	defer h.normalHandledMu.Unlock()
	_, ok := h.normalHandled[endpoint]
	return ok
}

func (h *StateChangeHandler) updateRingMetrics() {
	tm := h.stm.Get()
	h.metrics.RingVersion.Set(float64(tm.RingVersion()))
	h.metrics.NormalTokenOwners.Set(float64(len(tm.NormalTokenOwners())))
	h.metrics.LeavingEndpoints.Set(float64(len(tm.LeavingEndpoints())))
	h.metrics.TokensOwned.Set(float64(len(tm.Tokens(h.gossiper.LocalEndpoint()))))
	for _, ks := range h.stm.Keyspaces() {
		h.metrics.PendingRanges.WithLabelValues(ks.Name).Set(float64(len(tm.PendingRanges(ks.Name))))
	}
}
