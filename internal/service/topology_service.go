package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/client"
	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/store"
)

// modeOrdinals exports the operation mode as a numeric gauge.
var modeOrdinals = map[model.Mode]float64{
	model.ModeStarting:       0,
	model.ModeJoining:        1,
	model.ModeBootstrap:      2,
	model.ModeNormal:         3,
	model.ModeLeaving:        4,
	model.ModeDecommissioned: 5,
	model.ModeDraining:       6,
	model.ModeDrained:        7,
}

// TopologyService owns the lifecycle of the local node in the ring:
// joining, bootstrapping, decommissioning, removing dead peers, and
// rebuilding. Admin operations are serialized by an API lock; a second
// concurrent request fails fast instead of queueing.
type TopologyService struct {
	cfg       *config.Config
	stm       *SharedTokenMetadata
	gossiper  gossip.Gossiper
	sysStore  *store.SystemStore
	handler   *StateChangeHandler
	registry  *NodeOpsRegistry
	opsClient client.NodeOpsClient
	group0    Group0
	mover     RangeMover
	metrics   *metrics.Metrics
	logger    *zap.Logger

	modeMu sync.RWMutex
	mode   model.Mode

	// apiSem is the admin API lock. Held for the full duration of a
	// topology operation.
	apiSem chan opName

	hostID model.HostID
}

type opName string

func NewTopologyService(cfg *config.Config, stm *SharedTokenMetadata, g gossip.Gossiper, sysStore *store.SystemStore, handler *StateChangeHandler, registry *NodeOpsRegistry, opsClient client.NodeOpsClient, group0 Group0, mover RangeMover, m *metrics.Metrics, logger *zap.Logger) *TopologyService {
	return &TopologyService{
		cfg:       cfg,
		stm:       stm,
		gossiper:  g,
		sysStore:  sysStore,
		handler:   handler,
		registry:  registry,
		opsClient: opsClient,
		group0:    group0,
		mover:     mover,
		metrics:   m,
		logger:    logger,
		mode:      model.ModeStarting,
		apiSem:    make(chan opName, 1),
	}
}

// Mode returns the current operation mode.
func (s *TopologyService) Mode() model.Mode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

func (s *TopologyService) setMode(m model.Mode) {
	s.modeMu.Lock()
	prev := s.mode
	s.mode = m
	s.modeMu.Unlock()
	s.logger.Info("operation mode changed",
		zap.String("from", string(prev)),
		zap.String("to", string(m)))
	if s.metrics != nil {
		s.metrics.OperationMode.Set(modeOrdinals[m])
	}
}

// lockAPI takes the admin API lock or fails with the name of the
// operation holding it.
func (s *TopologyService) lockAPI(op opName) (func(), error) {
	select {
	case s.apiSem <- op:
		return func() { <-s.apiSem }, nil
	default:
		holder := "another operation"
		select {
		case h := <-s.apiSem:
			holder = string(h)
			s.apiSem <- h
		default:
		}
		return nil, errors.OperationInProgress([]string{holder})
	}
}

// HostID returns the local host id, available after JoinTokenRing.
func (s *TopologyService) HostID() model.HostID { return s.hostID }

// LocalEndpoint returns the local broadcast address.
func (s *TopologyService) LocalEndpoint() model.NodeID { return s.gossiper.LocalEndpoint() }

// JoinTokenRing brings the local node into the ring: restart with
// saved tokens, replace a dead node, or bootstrap fresh tokens.
func (s *TopologyService) JoinTokenRing(ctx context.Context) error {
	bootState, err := s.sysStore.BootstrapState()
	if err != nil {
		return err
	}
	if bootState == model.BootstrapStateDecommissioned && !s.cfg.Topology.OverrideDecommission {
		return errors.Decommissioned()
	}
	if bootState == model.BootstrapStateDecommissioned {
		s.logger.Warn("rejoining after decommission because override_decommission is set")
		if err := s.sysStore.SetBootstrapState(model.BootstrapStateNeedsBootstrap); err != nil {
			return err
		}
	}

	if err := s.ensureHostID(); err != nil {
		return err
	}

	// Let gossip converge before looking at the ring; the first
	// snapshot decides collisions and replacement targets.
	if settler, ok := s.gossiper.(interface{ WaitToSettle() }); ok {
		settler.WaitToSettle()
	}
	if err := s.checkForEndpointCollision(); err != nil {
		return err
	}

	dcRack := model.DCRack{Datacenter: s.cfg.Topology.Datacenter, Rack: s.cfg.Topology.Rack}
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateHostID: string(s.hostID),
		model.AppStateDC:     dcRack.Datacenter,
		model.AppStateRack:   dcRack.Rack,
	})
	if err != nil {
		return err
	}

	savedTokens, err := s.sysStore.SavedTokens()
	if err != nil {
		return err
	}

	switch {
	case len(savedTokens) > 0:
		// Restart of an established member. Resume with the tokens
		// already committed, no data movement needed.
		s.logger.Info("resuming with saved tokens", zap.Int("tokens", len(savedTokens)))
		if err := s.finishJoining(ctx, savedTokens); err != nil {
			return err
		}
	case s.cfg.Topology.ReplaceNode != "":
		if err := s.runReplaceOps(ctx); err != nil {
			return err
		}
	default:
		if err := s.bootstrap(ctx); err != nil {
			return err
		}
	}

	if err := s.group0.JoinGroup0(ctx); err != nil {
		return fmt.Errorf("joining group 0: %w", err)
	}
	return nil
}

func (s *TopologyService) ensureHostID() error {
	id, err := s.sysStore.HostID()
	if err != nil {
		return err
	}
	if id == "" {
		id = model.HostID(uuid.NewString())
		if err := s.sysStore.SetHostID(id); err != nil {
			return err
		}
		s.logger.Info("generated host id", zap.String("host_id", string(id)))
	}
	s.hostID = id
	return nil
}

// checkForEndpointCollision refuses to join when another live node
// already claims our host id or our address is known with tokens under
// a different host id.
func (s *TopologyService) checkForEndpointCollision() error {
	local := s.gossiper.LocalEndpoint()
	for _, ep := range s.gossiper.Endpoints() {
		if ep == local {
			continue
		}
		st, ok := s.gossiper.EndpointState(ep)
		if !ok {
			continue
		}
		if id, ok := st.HostID(); ok && id == s.hostID && s.gossiper.IsAlive(ep) {
			return errors.EndpointCollision(string(ep)).
				WithDetail("host_id", string(s.hostID))
		}
	}
	return nil
}

// bootstrap claims fresh tokens and joins via the coordinated
// bootstrap protocol.
func (s *TopologyService) bootstrap(ctx context.Context) error {
	s.setMode(model.ModeJoining)

	if s.consistentRangeMovement() {
		if err := s.checkNoOngoingMovement(); err != nil {
			return err
		}
	}

	tokens, err := s.allocateTokens()
	if err != nil {
		return err
	}
	dcRack := model.DCRack{Datacenter: s.cfg.Topology.Datacenter, Rack: s.cfg.Topology.Rack}

	err = s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.UpdateTopology(s.gossiper.LocalEndpoint(), dcRack)
		tm.UpdateHostID(s.hostID, s.gossiper.LocalEndpoint())
		return tm.AddBootstrapTokens(tokens, s.gossiper.LocalEndpoint())
	})
	if err != nil {
		return err
	}

	if err := s.sysStore.SetBootstrapState(model.BootstrapStateInProgress); err != nil {
		return err
	}
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateTokens: gossip.EncodeTokens(tokens),
		model.AppStateStatus: gossip.StatusValue(model.StatusBootstrapping),
	})
	if err != nil {
		return err
	}

	s.setMode(model.ModeBootstrap)
	s.logger.Info("announced bootstrap tokens, waiting for ring delay",
		zap.Int("tokens", len(tokens)),
		zap.Duration("ring_delay", s.cfg.Topology.RingDelay))
	if err := sleepCtx(ctx, s.cfg.Topology.RingDelay); err != nil {
		return err
	}

	autoBootstrap := s.cfg.Topology.AutoBootstrap == nil || *s.cfg.Topology.AutoBootstrap
	if autoBootstrap {
		if err := s.runBootstrapOps(ctx, tokens, dcRack); err != nil {
			return err
		}
	} else {
		s.logger.Warn("auto_bootstrap disabled, joining without historical data")
	}

	return s.finishJoining(ctx, tokens)
}

// finishJoining commits tokens locally and announces NORMAL.
func (s *TopologyService) finishJoining(ctx context.Context, tokens []model.Token) error {
	local := s.gossiper.LocalEndpoint()
	dcRack := model.DCRack{Datacenter: s.cfg.Topology.Datacenter, Rack: s.cfg.Topology.Rack}

	err := s.stm.Mutate(ctx, func(tm *locator.TokenMetadata) error {
		tm.UpdateTopology(local, dcRack)
		tm.UpdateHostID(s.hostID, local)
		return tm.UpdateNormalTokens(tokens, local)
	})
	if err != nil {
		return err
	}
	if err := s.sysStore.UpdateTokens(tokens); err != nil {
		return err
	}
	if err := s.sysStore.SetBootstrapState(model.BootstrapStateCompleted); err != nil {
		return err
	}
	err = s.gossiper.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateTokens: gossip.EncodeTokens(tokens),
		model.AppStateStatus: gossip.StatusValue(model.StatusNormal),
	})
	if err != nil {
		return err
	}
	if err := s.stm.UpdatePendingRanges(ctx, "local join"); err != nil {
		return err
	}
	s.setMode(model.ModeNormal)
	s.logger.Info("joined token ring", zap.Int("tokens", len(tokens)))
	if s.metrics != nil {
		s.metrics.TokensOwned.Set(float64(len(tokens)))
	}
	return nil
}

func (s *TopologyService) consistentRangeMovement() bool {
	return s.cfg.Topology.ConsistentRangeMovement == nil || *s.cfg.Topology.ConsistentRangeMovement
}

// checkNoOngoingMovement rejects joining while another node is in the
// middle of changing the ring.
func (s *TopologyService) checkNoOngoingMovement() error {
	tm := s.stm.Get()
	if len(tm.BootstrapTokens()) > 0 {
		return errors.NewTopologyError(errors.ErrCodeOperationInProgress,
			"other bootstrapping nodes detected, cannot bootstrap while consistent_rangemovement is true", nil)
	}
	if leaving := tm.LeavingEndpoints(); len(leaving) > 0 {
		return errors.NewTopologyError(errors.ErrCodeOperationInProgress,
			fmt.Sprintf("nodes %v are leaving, cannot bootstrap while consistent_rangemovement is true", leaving), nil)
	}
	return nil
}

// allocateTokens picks random unclaimed tokens.
func (s *TopologyService) allocateTokens() ([]model.Token, error) {
	num := s.cfg.Topology.NumTokens
	if num <= 0 {
		num = 256
	}
	tm := s.stm.Get()
	taken := tm.TokenToEndpoint()
	bootstrapping := tm.BootstrapTokens()

	tokens := make([]model.Token, 0, num)
	seen := make(map[model.Token]struct{}, num)
	var buf [8]byte
	for len(tokens) < num {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("generating tokens: %w", err)
		}
		t := model.Token(binary.BigEndian.Uint64(buf[:]))
		if _, dup := seen[t]; dup {
			continue
		}
		if _, owned := taken[t]; owned {
			continue
		}
		if _, pending := bootstrapping[t]; pending {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	model.SortTokens(tokens)
	return tokens, nil
}

// waitForNormalStateHandledOnBoot waits until the NORMAL states of the
// given endpoints have been applied locally, so later range math sees
// the whole ring.
func (s *TopologyService) waitForNormalStateHandledOnBoot(ctx context.Context, nodes []model.NodeID) error {
	// 100ms polls, bounded at one minute.
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 600),
		ctx)
	return backoff.Retry(func() error {
		for _, node := range nodes {
			if !s.handler.NormalStateHandled(node) {
				return fmt.Errorf("normal state of %s not handled yet", node)
			}
		}
		return nil
	}, b)
}

// waitForNoPendingOps polls peers until none of them track a node
// operation, so two topology changes never interleave. The wait is
// bounded; a cluster that never drains its operations surfaces an
// error instead of hanging the admin request.
func (s *TopologyService) waitForNoPendingOps(ctx context.Context, nodes []model.NodeID) error {
	wait := s.cfg.Topology.PendingOpsWaitTimeout
	if wait <= 0 {
		wait = time.Minute
	}
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = 5 * time.Second
	poll.MaxInterval = 60 * time.Second
	poll.MaxElapsedTime = wait
	b := backoff.WithContext(poll, ctx)
	err := backoff.Retry(func() error {
		for _, node := range nodes {
			pending, err := QueryPendingOps(ctx, s.opsClient, s.gossiper.LocalEndpoint(), node)
			if err != nil {
				var cmdErr *client.CommandError
				if stderrors.As(err, &cmdErr) && cmdErr.Kind != client.FailureFailed {
					// Down or old peers cannot block forever.
					s.logger.Warn("pending ops query skipped peer",
						zap.String("node", string(node)), zap.Error(err))
					continue
				}
				return err
			}
			if len(pending) > 0 {
				s.logger.Info("waiting for pending node operations",
					zap.String("node", string(node)),
					zap.Int("pending", len(pending)))
				return fmt.Errorf("node %s has %d pending operations", node, len(pending))
			}
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("cluster still has pending node operations after %s: %w", wait, err)
	}
	return nil
}

// ringPeers returns the normal token owners except the excluded ones.
// Callers coordinating node operations contact every owner, dead ones
// included, so an unreachable participant fails the operation instead
// of being silently skipped.
func (s *TopologyService) ringPeers(exclude ...model.NodeID) []model.NodeID {
	skip := make(map[model.NodeID]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var out []model.NodeID
	for _, owner := range s.stm.Get().NormalTokenOwners() {
		if _, ok := skip[owner]; ok {
			continue
		}
		out = append(out, owner)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
