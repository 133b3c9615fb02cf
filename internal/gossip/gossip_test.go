package gossip

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/model"
)

type recordingListener struct {
	mu      sync.Mutex
	joins   []model.NodeID
	changes []model.ApplicationState
	removes []model.NodeID
}

func (r *recordingListener) OnJoin(ep model.NodeID, st *EndpointState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, ep)
}

func (r *recordingListener) OnChange(ep model.NodeID, key model.ApplicationState, vv model.VersionedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, key)
}

func (r *recordingListener) OnAlive(ep model.NodeID, st *EndpointState) {}
func (r *recordingListener) OnDead(ep model.NodeID, st *EndpointState)  {}

func (r *recordingListener) OnRemove(ep model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removes = append(r.removes, ep)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(&config.GossipConfig{}, "10.0.0.1:7000", zap.NewNop())
}

func remoteState(generation int64, states map[model.ApplicationState]model.VersionedValue) *EndpointState {
	return &EndpointState{Generation: generation, States: states}
}

func TestApplyRemoteNewEndpointFiresJoin(t *testing.T) {
	s := newTestService(t)
	var rec recordingListener
	s.Subscribe(&rec)

	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "NORMAL", Version: 1},
	}))

	assert.Equal(t, []model.NodeID{"10.0.0.2:7000"}, rec.joins)
	st, ok := s.EndpointState("10.0.0.2:7000")
	require.True(t, ok)
	status, _ := st.Status()
	assert.Equal(t, "NORMAL", status)
}

func TestApplyRemoteHigherGenerationReplacesWholesale(t *testing.T) {
	s := newTestService(t)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "NORMAL", Version: 5},
		model.AppStateTokens: {Value: "42", Version: 5},
	}))

	var rec recordingListener
	s.Subscribe(&rec)
	s.applyRemote("10.0.0.2:7000", remoteState(200, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "BOOT", Version: 1},
	}))

	assert.Equal(t, []model.NodeID{"10.0.0.2:7000"}, rec.joins)
	st, _ := s.EndpointState("10.0.0.2:7000")
	assert.Equal(t, int64(200), st.Generation)
	// State from the previous incarnation does not survive.
	_, hasTokens := st.Value(model.AppStateTokens)
	assert.False(t, hasTokens)
}

func TestApplyRemoteStaleGenerationIgnored(t *testing.T) {
	s := newTestService(t)
	s.applyRemote("10.0.0.2:7000", remoteState(200, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "NORMAL", Version: 1},
	}))

	var rec recordingListener
	s.Subscribe(&rec)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "BOOT", Version: 9},
	}))

	assert.Empty(t, rec.joins)
	assert.Empty(t, rec.changes)
	st, _ := s.EndpointState("10.0.0.2:7000")
	status, _ := st.Status()
	assert.Equal(t, "NORMAL", status)
}

func TestApplyRemoteSameGenerationTakesHigherVersionsOnly(t *testing.T) {
	s := newTestService(t)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "BOOT", Version: 3},
		model.AppStateHostID: {Value: "host-a", Version: 3},
	}))

	var rec recordingListener
	s.Subscribe(&rec)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "NORMAL", Version: 4},
		model.AppStateHostID: {Value: "host-stale", Version: 2},
	}))

	assert.Equal(t, []model.ApplicationState{model.AppStateStatus}, rec.changes)
	st, _ := s.EndpointState("10.0.0.2:7000")
	status, _ := st.Status()
	assert.Equal(t, "NORMAL", status)
	hostID, _ := st.HostID()
	assert.Equal(t, model.HostID("host-a"), hostID)
}

func TestApplyRemoteIgnoresLocalEndpoint(t *testing.T) {
	s := newTestService(t)
	var rec recordingListener
	s.Subscribe(&rec)

	s.applyRemote(s.LocalEndpoint(), remoteState(999, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "LEFT", Version: 1},
	}))

	assert.Empty(t, rec.joins)
	st, _ := s.EndpointState(s.LocalEndpoint())
	assert.Equal(t, s.LocalGeneration(), st.Generation)
}

func TestAddLocalApplicationStateBumpsVersions(t *testing.T) {
	s := newTestService(t)
	var rec recordingListener
	s.Subscribe(&rec)

	require.NoError(t, s.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: "NORMAL,42",
	}))
	require.NoError(t, s.AddLocalApplicationState(map[model.ApplicationState]string{
		model.AppStateStatus: "LEAVING,42",
	}))

	st, _ := s.EndpointState(s.LocalEndpoint())
	vv := st.States[model.AppStateStatus]
	assert.Equal(t, "LEAVING,42", vv.Value)
	assert.Equal(t, int64(2), vv.Version)
	assert.Len(t, rec.changes, 2)
}

func TestForceRemoveEndpoint(t *testing.T) {
	s := newTestService(t)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "removed", Version: 1},
	}))
	var rec recordingListener
	s.Subscribe(&rec)

	s.ForceRemoveEndpoint("10.0.0.2:7000")

	assert.Equal(t, []model.NodeID{"10.0.0.2:7000"}, rec.removes)
	_, ok := s.EndpointState("10.0.0.2:7000")
	assert.False(t, ok)

	// Removing the local endpoint is refused.
	s.ForceRemoveEndpoint(s.LocalEndpoint())
	_, ok = s.EndpointState(s.LocalEndpoint())
	assert.True(t, ok)
}

func TestTokenAndStatusEncoding(t *testing.T) {
	st := &EndpointState{States: map[model.ApplicationState]model.VersionedValue{
		model.AppStateTokens: {Value: EncodeTokens([]model.Token{1, 42, 18446744073709551615})},
		model.AppStateStatus: {Value: StatusValue("BOOT", "abc")},
	}}

	tokens, err := st.Tokens()
	require.NoError(t, err)
	assert.Equal(t, []model.Token{1, 42, 18446744073709551615}, tokens)

	status, args := st.Status()
	assert.Equal(t, "BOOT", status)
	assert.Equal(t, []string{"abc"}, args)
}

func TestAdvertiseEndpointStateOverridesDeadPeer(t *testing.T) {
	s := newTestService(t)
	s.applyRemote("10.0.0.2:7000", remoteState(100, map[model.ApplicationState]model.VersionedValue{
		model.AppStateStatus: {Value: "NORMAL", Version: 5},
	}))

	var rec recordingListener
	s.Subscribe(&rec)
	require.NoError(t, s.AdvertiseEndpointState("10.0.0.2:7000", map[model.ApplicationState]string{
		model.AppStateStatus:             model.StatusRemovingToken,
		model.AppStateRemovalCoordinator: RemovalCoordinatorValue("hid-coord"),
	}))

	st, ok := s.EndpointState("10.0.0.2:7000")
	require.True(t, ok)
	status, _ := st.Status()
	assert.Equal(t, model.StatusRemovingToken, status)
	// The override must outrank what the dead peer last gossiped.
	assert.Greater(t, st.States[model.AppStateStatus].Version, int64(5))
	coord, ok := st.RemovalCoordinator()
	require.True(t, ok)
	assert.Equal(t, model.HostID("hid-coord"), coord)
	assert.ElementsMatch(t,
		[]model.ApplicationState{model.AppStateStatus, model.AppStateRemovalCoordinator},
		rec.changes)
}

func TestRemovalCoordinatorRejectsMalformedValue(t *testing.T) {
	st := &EndpointState{States: map[model.ApplicationState]model.VersionedValue{
		model.AppStateRemovalCoordinator: {Value: "not-a-coordinator"},
	}}
	_, ok := st.RemovalCoordinator()
	assert.False(t, ok)
}
