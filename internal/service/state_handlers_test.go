package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	joined []model.NodeID
	left   []model.NodeID
}

func (n *recordingNotifier) OnJoinedRing(ep model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, ep)
}

func (n *recordingNotifier) OnLeftRing(ep model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.left = append(n.left, ep)
}

func (n *recordingNotifier) joinedNodes() []model.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.NodeID(nil), n.joined...)
}

func (n *recordingNotifier) leftNodes() []model.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.NodeID(nil), n.left...)
}

type ringFixture struct {
	handler  *StateChangeHandler
	stm      *SharedTokenMetadata
	fake     *gossip.Fake
	sys      *store.SystemStore
	notifier *recordingNotifier
}

func newRingFixture(t *testing.T, owners map[model.NodeID][]model.Token) *ringFixture {
	t.Helper()
	stm := newSharedRing(t, 1, owners)
	require.NoError(t, stm.RegisterKeyspace(context.Background(),
		locator.Keyspace{Name: "ks1", Strategy: locator.SimpleStrategy{ReplicationFactor: 1}}))

	sys, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })

	fake := gossip.NewFake("local:7012", 10)
	notifier := &recordingNotifier{}
	h := NewStateChangeHandler(stm, fake, sys, notifier, metrics.NewNopMetrics(), zap.NewNop())
	fake.Subscribe(h)
	return &ringFixture{handler: h, stm: stm, fake: fake, sys: sys, notifier: notifier}
}

// inject gossips a full endpoint state snapshot for ep.
func (f *ringFixture) inject(ep model.NodeID, gen int64, status string, hostID model.HostID, tokens ...model.Token) {
	states := map[model.ApplicationState]string{
		model.AppStateDC:     "dc1",
		model.AppStateRack:   "r1",
		model.AppStateStatus: gossip.StatusValue(status),
	}
	if hostID != "" {
		states[model.AppStateHostID] = string(hostID)
	}
	if len(tokens) > 0 {
		states[model.AppStateTokens] = gossip.EncodeTokens(tokens)
	}
	f.fake.InjectEndpointState(ep, gen, states)
}

func TestHandleNormalCommitsTokens(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})

	f.inject("n2:7012", 20, model.StatusNormal, "hid-2", 200)

	tm := f.stm.Get()
	assert.True(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.ElementsMatch(t, []model.Token{200}, tm.Tokens("n2:7012"))
	ep, ok := tm.EndpointForHostID("hid-2")
	require.True(t, ok)
	assert.Equal(t, model.NodeID("n2:7012"), ep)
	dcRack, ok := tm.Topology("n2:7012")
	require.True(t, ok)
	assert.Equal(t, model.DCRack{Datacenter: "dc1", Rack: "r1"}, dcRack)

	assert.True(t, f.handler.NormalStateHandled("n2:7012"))
	assert.Contains(t, f.notifier.joinedNodes(), model.NodeID("n2:7012"))

	peers, err := f.sys.Peers()
	require.NoError(t, err)
	info, ok := peers["n2:7012"]
	require.True(t, ok)
	assert.Equal(t, model.HostID("hid-2"), info.HostID)
	assert.ElementsMatch(t, []model.Token{200}, info.Tokens)
	assert.Equal(t, "dc1", info.DC)
}

func TestHandleBootstrapAddsOverlay(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})

	f.inject("n2:7012", 20, model.StatusBootstrapping, "hid-2", 500)

	tm := f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.Equal(t, model.NodeID("n2:7012"), tm.BootstrapTokens()[500])
	assert.True(t, f.stm.HasPendingRangesFor("n2:7012"))
	assert.False(t, f.stm.HasPendingRangesFor("n1:7012"))
}

func TestHandleNormalAfterBootstrapClearsPending(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	f.inject("n2:7012", 20, model.StatusBootstrapping, "hid-2", 500)
	require.True(t, f.stm.HasPendingRangesFor("n2:7012"))

	// Same generation, only STATUS advances.
	f.fake.InjectEndpointState("n2:7012", 20, map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusNormal),
	})

	tm := f.stm.Get()
	assert.True(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.Empty(t, tm.BootstrapTokens())
	assert.False(t, f.stm.HasPendingRangesFor("n2:7012"))
}

func TestHandleLeavingMarksEndpoint(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})

	f.inject("n2:7012", 20, model.StatusLeaving, "hid-2", 200)

	tm := f.stm.Get()
	assert.True(t, tm.IsLeaving("n2:7012"))
	assert.True(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.True(t, f.stm.HasPendingRangesFor("n1:7012"))
	assert.False(t, f.stm.HasPendingRangesFor("n2:7012"))
}

func TestHandleLeavingBeforeNormalRegistersTokens(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})

	f.inject("n3:7012", 20, model.StatusLeaving, "hid-3", 300)

	tm := f.stm.Get()
	assert.True(t, tm.IsNormalTokenOwner("n3:7012"))
	assert.True(t, tm.IsLeaving("n3:7012"))
	assert.True(t, f.stm.HasPendingRangesFor("n1:7012"))
}

func TestHandleLeftExcisesEndpoint(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	f.inject("n2:7012", 20, model.StatusNormal, "hid-2", 200)
	peers, err := f.sys.Peers()
	require.NoError(t, err)
	require.Contains(t, peers, model.NodeID("n2:7012"))

	f.fake.InjectEndpointState("n2:7012", 20, map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusLeft),
	})

	tm := f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.Empty(t, tm.Tokens("n2:7012"))
	assert.False(t, tm.HasAnyPendingRanges())
	assert.Contains(t, f.notifier.leftNodes(), model.NodeID("n2:7012"))

	peers, err = f.sys.Peers()
	require.NoError(t, err)
	assert.NotContains(t, peers, model.NodeID("n2:7012"))
}

func TestHandleRemovingThenRemoved(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012":   {100},
		"dead:7012": {200},
	})

	f.inject("dead:7012", 20, model.StatusRemovingToken, "", 200)
	tm := f.stm.Get()
	assert.True(t, tm.IsLeaving("dead:7012"))
	assert.True(t, f.stm.HasPendingRangesFor("n1:7012"))

	f.fake.InjectEndpointState("dead:7012", 20, map[model.ApplicationState]string{
		model.AppStateStatus: gossip.StatusValue(model.StatusRemovedToken),
	})
	tm = f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("dead:7012"))
	assert.False(t, tm.HasAnyPendingRanges())
	assert.Contains(t, f.notifier.leftNodes(), model.NodeID("dead:7012"))
}

func TestHandleRemovedUnknownEndpointEvictedFromGossip(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})

	// The endpoint was never a ring member; only the gossip entry goes.
	f.inject("ghost:7012", 20, model.StatusRemovedToken, "")

	_, ok := f.fake.EndpointState("ghost:7012")
	assert.False(t, ok)
	assert.True(t, f.stm.Get().IsNormalTokenOwner("n1:7012"))
}

func TestHostIDCollisionNewNodeWins(t *testing.T) {
	f := newRingFixture(t, nil)
	f.inject("n1:7012", 20, model.StatusNormal, "dup", 100)
	require.True(t, f.stm.Get().IsNormalTokenOwner("n1:7012"))

	f.inject("n2:7012", 30, model.StatusNormal, "dup", 200)

	tm := f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("n1:7012"))
	assert.True(t, tm.IsNormalTokenOwner("n2:7012"))
	ep, ok := tm.EndpointForHostID("dup")
	require.True(t, ok)
	assert.Equal(t, model.NodeID("n2:7012"), ep)

	// The loser is gone from gossip and from the peer table.
	_, ok = f.fake.EndpointState("n1:7012")
	assert.False(t, ok)
	peers, err := f.sys.Peers()
	require.NoError(t, err)
	assert.NotContains(t, peers, model.NodeID("n1:7012"))
}

func TestHostIDCollisionExistingNodeWins(t *testing.T) {
	f := newRingFixture(t, nil)
	f.inject("n1:7012", 30, model.StatusNormal, "dup", 100)

	f.inject("n2:7012", 20, model.StatusNormal, "dup", 200)

	tm := f.stm.Get()
	assert.True(t, tm.IsNormalTokenOwner("n1:7012"))
	assert.False(t, tm.IsNormalTokenOwner("n2:7012"))
	ep, ok := tm.EndpointForHostID("dup")
	require.True(t, ok)
	assert.Equal(t, model.NodeID("n1:7012"), ep)
}

func TestHostIDCollisionLocalNodeDefends(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"local:7012": {100},
	})
	require.NoError(t, f.stm.Mutate(context.Background(), func(tm *locator.TokenMetadata) error {
		tm.UpdateHostID("mine", "local:7012")
		return nil
	}))

	// A later generation never steals the local node's host id.
	f.inject("imposter:7012", 99, model.StatusNormal, "mine", 300)

	tm := f.stm.Get()
	assert.True(t, tm.IsNormalTokenOwner("local:7012"))
	assert.ElementsMatch(t, []model.Token{100}, tm.Tokens("local:7012"))
	assert.False(t, tm.IsNormalTokenOwner("imposter:7012"))
	ep, ok := tm.EndpointForHostID("mine")
	require.True(t, ok)
	assert.Equal(t, model.NodeID("local:7012"), ep)
}

func TestTokenCollisionLaterGenerationWins(t *testing.T) {
	f := newRingFixture(t, nil)
	f.inject("n1:7012", 20, model.StatusNormal, "hid-1", 100)

	f.inject("n2:7012", 30, model.StatusNormal, "hid-2", 100)

	tm := f.stm.Get()
	owner, ok := tm.Endpoint(100)
	require.True(t, ok)
	assert.Equal(t, model.NodeID("n2:7012"), owner)

	// The displaced owner held nothing else and drops out entirely.
	assert.False(t, tm.IsNormalTokenOwner("n1:7012"))
	_, ok = f.fake.EndpointState("n1:7012")
	assert.False(t, ok)
}

func TestTokenCollisionTieBreaksByName(t *testing.T) {
	// Both arrival orders must converge on the same winner.
	t.Run("higher name arrives second", func(t *testing.T) {
		f := newRingFixture(t, nil)
		f.inject("n1:7012", 20, model.StatusNormal, "hid-1", 100)
		f.inject("n2:7012", 20, model.StatusNormal, "hid-2", 100)

		owner, ok := f.stm.Get().Endpoint(100)
		require.True(t, ok)
		assert.Equal(t, model.NodeID("n2:7012"), owner)
	})
	t.Run("higher name arrives first", func(t *testing.T) {
		f := newRingFixture(t, nil)
		f.inject("n2:7012", 20, model.StatusNormal, "hid-2", 100)
		f.inject("n1:7012", 20, model.StatusNormal, "hid-1", 100)

		tm := f.stm.Get()
		owner, ok := tm.Endpoint(100)
		require.True(t, ok)
		assert.Equal(t, model.NodeID("n2:7012"), owner)
		assert.False(t, tm.IsNormalTokenOwner("n1:7012"))
	})
}

func TestMovingStateIgnored(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	before := f.stm.Get().RingVersion()

	f.inject("n2:7012", 20, model.StatusMoving, "hid-2", 200)

	tm := f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("n2:7012"))
	assert.Equal(t, before, tm.RingVersion())
}

type recordingRestorer struct {
	mu    sync.Mutex
	calls [][2]model.NodeID
}

func (r *recordingRestorer) RestoreReplicaCount(_ context.Context, removed, notify model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]model.NodeID{removed, notify})
}

func (r *recordingRestorer) restores() [][2]model.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]model.NodeID(nil), r.calls...)
}

func TestHandleRemovingKicksReplicaRestore(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"n1:7012":   {100},
		"dead:7012": {200},
	})
	f.inject("n1:7012", 20, model.StatusNormal, "hid-1", 100)
	restorer := &recordingRestorer{}
	f.handler.SetReplicaRestorer(restorer)

	f.fake.InjectEndpointState("dead:7012", 20, map[model.ApplicationState]string{
		model.AppStateDC:                 "dc1",
		model.AppStateRack:               "r1",
		model.AppStateTokens:             gossip.EncodeTokens([]model.Token{200}),
		model.AppStateStatus:             gossip.StatusValue(model.StatusRemovingToken),
		model.AppStateRemovalCoordinator: gossip.RemovalCoordinatorValue("hid-1"),
	})

	assert.True(t, f.stm.Get().IsLeaving("dead:7012"))
	assert.Eventually(t, func() bool {
		calls := restorer.restores()
		return len(calls) == 1 &&
			calls[0] == [2]model.NodeID{"dead:7012", "n1:7012"}
	}, time.Second, 10*time.Millisecond)
}

func TestHandleRemovingNoRestoreOnCoordinator(t *testing.T) {
	f := newRingFixture(t, map[model.NodeID][]model.Token{
		"local:7012": {100},
		"dead:7012":  {200},
	})
	require.NoError(t, f.stm.Mutate(context.Background(), func(tm *locator.TokenMetadata) error {
		tm.UpdateHostID("hid-local", "local:7012")
		return nil
	}))
	restorer := &recordingRestorer{}
	f.handler.SetReplicaRestorer(restorer)

	// The coordinator resolves to this node; the node operation it is
	// driving covers the restore already.
	f.fake.InjectEndpointState("dead:7012", 20, map[model.ApplicationState]string{
		model.AppStateDC:                 "dc1",
		model.AppStateRack:               "r1",
		model.AppStateTokens:             gossip.EncodeTokens([]model.Token{200}),
		model.AppStateStatus:             gossip.StatusValue(model.StatusRemovingToken),
		model.AppStateRemovalCoordinator: gossip.RemovalCoordinatorValue("hid-local"),
	})

	assert.True(t, f.stm.Get().IsLeaving("dead:7012"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, restorer.restores())
}
