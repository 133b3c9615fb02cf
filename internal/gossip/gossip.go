// Package gossip propagates per-node application state across the
// cluster. Each endpoint advertises a generation (its startup time) and
// a map of versioned application states; remote state is merged by
// generation first and per-key version second, so a restarted node
// always supersedes its previous incarnation.
package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/model"
)

// EndpointState is everything gossip knows about one endpoint.
type EndpointState struct {
	Generation int64                                           `json:"generation"`
	States     map[model.ApplicationState]model.VersionedValue `json:"states"`
}

func (e *EndpointState) clone() *EndpointState {
	c := &EndpointState{Generation: e.Generation, States: make(map[model.ApplicationState]model.VersionedValue, len(e.States))}
	for k, v := range e.States {
		c.States[k] = v
	}
	return c
}

// Value returns the raw value for an application state key.
func (e *EndpointState) Value(key model.ApplicationState) (string, bool) {
	v, ok := e.States[key]
	return v.Value, ok
}

// Status returns the status token and its arguments. Status values are
// encoded as "NAME" or "NAME,arg1,arg2".
func (e *EndpointState) Status() (string, []string) {
	raw, ok := e.Value(model.AppStateStatus)
	if !ok || raw == "" {
		return "", nil
	}
	parts := strings.Split(raw, ",")
	return parts[0], parts[1:]
}

// HostID returns the endpoint's advertised host id, if any.
func (e *EndpointState) HostID() (model.HostID, bool) {
	raw, ok := e.Value(model.AppStateHostID)
	if !ok || raw == "" {
		return "", false
	}
	return model.HostID(raw), true
}

// Tokens decodes the endpoint's advertised token set.
func (e *EndpointState) Tokens() ([]model.Token, error) {
	raw, ok := e.Value(model.AppStateTokens)
	if !ok || raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	tokens := make([]model.Token, 0, len(parts))
	for _, p := range parts {
		t, err := model.ParseToken(p)
		if err != nil {
			return nil, fmt.Errorf("decoding gossiped token %q: %w", p, err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// DCRack returns the endpoint's advertised datacenter and rack,
// defaulting to empty strings when not yet gossiped.
func (e *EndpointState) DCRack() model.DCRack {
	dc, _ := e.Value(model.AppStateDC)
	rack, _ := e.Value(model.AppStateRack)
	return model.DCRack{Datacenter: dc, Rack: rack}
}

// EncodeTokens renders a token set for the TOKENS application state.
func EncodeTokens(tokens []model.Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// RemovalCoordinatorValue renders the REMOVAL_COORDINATOR application
// state carrying the host id of the node driving a removal.
func RemovalCoordinatorValue(coordinator model.HostID) string {
	return model.StatusRemovedToken + "," + string(coordinator)
}

// RemovalCoordinator returns the host id of the node coordinating this
// endpoint's removal, if one has been advertised.
func (e *EndpointState) RemovalCoordinator() (model.HostID, bool) {
	raw, ok := e.Value(model.AppStateRemovalCoordinator)
	if !ok || raw == "" {
		return "", false
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 || parts[0] != model.StatusRemovedToken {
		return "", false
	}
	return model.HostID(parts[1]), true
}

// StatusValue renders a status token plus arguments for STATUS.
func StatusValue(status string, args ...string) string {
	if len(args) == 0 {
		return status
	}
	return status + "," + strings.Join(args, ",")
}

// StateListener is notified of endpoint lifecycle and state changes.
// Callbacks run on the gossip goroutine that observed the change and
// must not block for long.
type StateListener interface {
	// OnJoin fires when an endpoint is seen for the first time, or
	// restarts with a higher generation.
	OnJoin(endpoint model.NodeID, state *EndpointState)
	// OnChange fires for each application state key whose version
	// advanced within the same generation.
	OnChange(endpoint model.NodeID, key model.ApplicationState, value model.VersionedValue)
	OnAlive(endpoint model.NodeID, state *EndpointState)
	OnDead(endpoint model.NodeID, state *EndpointState)
	// OnRemove fires when an endpoint is evicted from gossip entirely.
	OnRemove(endpoint model.NodeID)
}

// Gossiper is the membership view consumed by the topology layer.
type Gossiper interface {
	LocalEndpoint() model.NodeID
	LocalGeneration() int64
	// AddLocalApplicationState atomically applies the given states to
	// the local endpoint, bumping versions, and schedules them for
	// broadcast. Local listeners observe the change as well.
	AddLocalApplicationState(states map[model.ApplicationState]string) error
	// AdvertiseEndpointState applies states to another endpoint's
	// gossip entry on its behalf. A removal coordinator uses it to
	// publish the final status of a dead member that can no longer
	// gossip for itself.
	AdvertiseEndpointState(endpoint model.NodeID, states map[model.ApplicationState]string) error
	EndpointState(endpoint model.NodeID) (*EndpointState, bool)
	Endpoints() []model.NodeID
	IsAlive(endpoint model.NodeID) bool
	LiveEndpoints() []model.NodeID
	// GossipStatus returns the bare status token for an endpoint, or
	// an empty string when none has been gossiped.
	GossipStatus(endpoint model.NodeID) string
	// ForceRemoveEndpoint evicts an endpoint from the local view.
	ForceRemoveEndpoint(endpoint model.NodeID)
	Subscribe(listener StateListener)
	Unsubscribe(listener StateListener)
}

type stateMessage struct {
	Endpoint model.NodeID   `json:"endpoint"`
	State    *EndpointState `json:"state"`
}

// Service is the memberlist-backed Gossiper.
type Service struct {
	cfg    *config.GossipConfig
	logger *zap.Logger

	localEndpoint model.NodeID
	generation    int64

	mu        sync.RWMutex
	states    map[model.NodeID]*EndpointState
	live      map[model.NodeID]bool
	version   int64
	listeners []StateListener

	// updateCount advances on every observed change; the settle wait
	// watches it for quiescence.
	updateCount atomic.Int64

	ml         *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
}

// NewService creates a gossiper for the given local endpoint. Start
// must be called before the service exchanges any state.
func NewService(cfg *config.GossipConfig, localEndpoint model.NodeID, logger *zap.Logger) *Service {
	s := &Service{
		cfg:           cfg,
		logger:        logger,
		localEndpoint: localEndpoint,
		generation:    time.Now().Unix(),
		states:        make(map[model.NodeID]*EndpointState),
		live:          make(map[model.NodeID]bool),
	}
	s.states[localEndpoint] = &EndpointState{
		Generation: s.generation,
		States:     make(map[model.ApplicationState]model.VersionedValue),
	}
	s.live[localEndpoint] = true
	return s
}

// Start creates the memberlist and joins the configured seeds.
func (s *Service) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = string(s.localEndpoint)
	mlConfig.BindPort = s.cfg.BindPort
	mlConfig.AdvertisePort = s.cfg.BindPort
	if s.cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = s.cfg.GossipInterval
	}
	if s.cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.cfg.ProbeInterval
	}
	if s.cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.cfg.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(s.logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("creating memberlist: %w", err)
	}
	s.ml = ml
	s.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return ml.NumMembers() },
		RetransmitMult: mlConfig.RetransmitMult,
	}

	if len(s.cfg.SeedNodes) > 0 {
		if _, err := ml.Join(s.cfg.SeedNodes); err != nil {
			s.logger.Warn("failed to contact some seeds", zap.Error(err))
		}
	}
	s.logger.Info("gossip started",
		zap.String("endpoint", string(s.localEndpoint)),
		zap.Int64("generation", s.generation))
	return nil
}

// Shutdown leaves the cluster and stops gossiping.
func (s *Service) Shutdown() error {
	if s.ml == nil {
		return nil
	}
	if err := s.ml.Leave(time.Second); err != nil {
		s.logger.Warn("memberlist leave failed", zap.Error(err))
	}
	return s.ml.Shutdown()
}

func (s *Service) LocalEndpoint() model.NodeID { return s.localEndpoint }
func (s *Service) LocalGeneration() int64      { return s.generation }

func (s *Service) AddLocalApplicationState(states map[model.ApplicationState]string) error {
	s.mu.Lock()
	local := s.states[s.localEndpoint]
	changed := make(map[model.ApplicationState]model.VersionedValue, len(states))
	for key, value := range states {
		s.version++
		vv := model.VersionedValue{Value: value, Version: s.version}
		local.States[key] = vv
		changed[key] = vv
	}
	snapshot := local.clone()
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()
	s.updateCount.Add(1)

	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(s.localEndpoint, key, vv)
		}
	}
	s.queueBroadcast(s.localEndpoint, snapshot)
	return nil
}

func (s *Service) AdvertiseEndpointState(endpoint model.NodeID, states map[model.ApplicationState]string) error {
	if endpoint == s.localEndpoint {
		return s.AddLocalApplicationState(states)
	}
	s.mu.Lock()
	st, ok := s.states[endpoint]
	if !ok {
		st = &EndpointState{
			Generation: time.Now().Unix(),
			States:     make(map[model.ApplicationState]model.VersionedValue),
		}
		s.states[endpoint] = st
	}
	changed := make(map[model.ApplicationState]model.VersionedValue, len(states))
	for key, value := range states {
		// Versions must exceed whatever the endpoint last gossiped so
		// the rest of the cluster accepts the overriding value.
		vv := model.VersionedValue{Value: value, Version: st.States[key].Version + 1}
		st.States[key] = vv
		changed[key] = vv
	}
	snapshot := st.clone()
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()
	s.updateCount.Add(1)

	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(endpoint, key, vv)
		}
	}
	s.queueBroadcast(endpoint, snapshot)
	return nil
}

func (s *Service) EndpointState(endpoint model.NodeID) (*EndpointState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[endpoint]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

func (s *Service) Endpoints() []model.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := make([]model.NodeID, 0, len(s.states))
	for ep := range s.states {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

func (s *Service) IsAlive(endpoint model.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[endpoint]
}

func (s *Service) LiveEndpoints() []model.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := make([]model.NodeID, 0, len(s.live))
	for ep, alive := range s.live {
		if alive {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}

func (s *Service) GossipStatus(endpoint model.NodeID) string {
	st, ok := s.EndpointState(endpoint)
	if !ok {
		return ""
	}
	status, _ := st.Status()
	return status
}

func (s *Service) ForceRemoveEndpoint(endpoint model.NodeID) {
	if endpoint == s.localEndpoint {
		s.logger.Error("refusing to remove local endpoint from gossip")
		return
	}
	s.mu.Lock()
	_, ok := s.states[endpoint]
	delete(s.states, endpoint)
	delete(s.live, endpoint)
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.updateCount.Add(1)
	s.logger.Info("removed endpoint from gossip", zap.String("endpoint", string(endpoint)))
	for _, l := range listeners {
		l.OnRemove(endpoint)
	}
}

func (s *Service) Subscribe(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Service) Unsubscribe(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// WaitToSettle blocks until gossip has been quiet for a few polls or
// the configured settle timeout elapses. New nodes call this before
// inspecting cluster state so the first ring snapshot is complete.
func (s *Service) WaitToSettle() {
	const (
		pollInterval   = 1 * time.Second
		requiredQuiet  = 3
	)
	deadline := time.Now().Add(s.cfg.SettleTimeout)
	quiet := 0
	last := s.updateCount.Load()
	for quiet < requiredQuiet {
		if time.Now().After(deadline) {
			s.logger.Warn("gossip did not settle before timeout, proceeding")
			return
		}
		time.Sleep(pollInterval)
		cur := s.updateCount.Load()
		if cur == last {
			quiet++
		} else {
			quiet = 0
			last = cur
		}
	}
	s.logger.Info("gossip settled")
}

// applyRemote merges one endpoint's state into the local view. A
// higher generation replaces the entry wholesale; within the same
// generation each key is taken only when its version advances.
func (s *Service) applyRemote(endpoint model.NodeID, incoming *EndpointState) {
	if endpoint == s.localEndpoint {
		return
	}
	s.mu.Lock()
	existing, known := s.states[endpoint]

	var joined *EndpointState
	var changed map[model.ApplicationState]model.VersionedValue

	switch {
	case !known || incoming.Generation > existing.Generation:
		s.states[endpoint] = incoming.clone()
		joined = incoming.clone()
	case incoming.Generation < existing.Generation:
		// Stale incarnation.
	default:
		for key, vv := range incoming.States {
			cur, ok := existing.States[key]
			if !ok || vv.Version > cur.Version {
				existing.States[key] = vv
				if changed == nil {
					changed = make(map[model.ApplicationState]model.VersionedValue)
				}
				changed[key] = vv
			}
		}
	}
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if joined == nil && changed == nil {
		return
	}
	s.updateCount.Add(1)
	if joined != nil {
		s.logger.Debug("endpoint state replaced",
			zap.String("endpoint", string(endpoint)),
			zap.Int64("generation", joined.Generation))
		for _, l := range listeners {
			l.OnJoin(endpoint, joined.clone())
		}
		return
	}
	for key, vv := range changed {
		for _, l := range listeners {
			l.OnChange(endpoint, key, vv)
		}
	}
}

func (s *Service) queueBroadcast(endpoint model.NodeID, state *EndpointState) {
	if s.broadcasts == nil {
		return
	}
	data, err := json.Marshal(stateMessage{Endpoint: endpoint, State: state})
	if err != nil {
		s.logger.Error("failed to encode gossip broadcast", zap.Error(err))
		return
	}
	s.broadcasts.QueueBroadcast(&endpointBroadcast{endpoint: endpoint, msg: data})
}

// NodeMeta implements memberlist.Delegate.
func (s *Service) NodeMeta(limit int) []byte { return nil }

// NotifyMsg implements memberlist.Delegate.
func (s *Service) NotifyMsg(data []byte) {
	var msg stateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("failed to decode gossip message", zap.Error(err))
		return
	}
	if msg.State == nil {
		return
	}
	s.applyRemote(msg.Endpoint, msg.State)
}

// GetBroadcasts implements memberlist.Delegate.
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	if s.broadcasts == nil {
		return nil
	}
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate. Push-pull exchanges the
// full endpoint state map so joining nodes converge in one round.
func (s *Service) LocalState(join bool) []byte {
	s.mu.RLock()
	snapshot := make(map[model.NodeID]*EndpointState, len(s.states))
	for ep, st := range s.states {
		snapshot[ep] = st.clone()
	}
	s.mu.RUnlock()
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("failed to encode gossip state", zap.Error(err))
		return nil
	}
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (s *Service) MergeRemoteState(buf []byte, join bool) {
	var remote map[model.NodeID]*EndpointState
	if err := json.Unmarshal(buf, &remote); err != nil {
		s.logger.Warn("failed to decode remote gossip state", zap.Error(err))
		return
	}
	for ep, st := range remote {
		if st == nil {
			continue
		}
		s.applyRemote(ep, st)
	}
}

type endpointBroadcast struct {
	endpoint model.NodeID
	msg      []byte
}

func (b *endpointBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*endpointBroadcast)
	return ok && o.endpoint == b.endpoint
}

func (b *endpointBroadcast) Message() []byte { return b.msg }
func (b *endpointBroadcast) Finished()       {}

type eventDelegate struct {
	service *Service
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.markAlive(model.NodeID(node.Name), true)
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.markAlive(model.NodeID(node.Name), false)
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

func (s *Service) markAlive(endpoint model.NodeID, alive bool) {
	s.mu.Lock()
	was := s.live[endpoint]
	s.live[endpoint] = alive
	st, known := s.states[endpoint]
	var snapshot *EndpointState
	if known {
		snapshot = st.clone()
	}
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if was == alive {
		return
	}
	s.updateCount.Add(1)
	s.logger.Info("endpoint liveness changed",
		zap.String("endpoint", string(endpoint)),
		zap.Bool("alive", alive))
	if snapshot == nil {
		return
	}
	for _, l := range listeners {
		if alive {
			l.OnAlive(endpoint, snapshot)
		} else {
			l.OnDead(endpoint, snapshot)
		}
	}
}
