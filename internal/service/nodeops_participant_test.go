package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/locator"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
	"github.com/helicondb/helicon/internal/store"
)

type participantFixture struct {
	svc      *NodeOpsService
	registry *NodeOpsRegistry
	stm      *SharedTokenMetadata
	gossiper *gossip.Fake
}

func newParticipant(t *testing.T, owners map[model.NodeID][]model.Token) *participantFixture {
	t.Helper()
	logger := zap.NewNop()

	sysStore, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { sysStore.Close() })

	stm := newSharedRing(t, 2, owners)
	require.NoError(t, stm.RegisterKeyspace(context.Background(),
		locator.Keyspace{Name: "ks1", Strategy: locator.SimpleStrategy{ReplicationFactor: 1}}))

	registry := NewNodeOpsRegistry(time.Minute, metrics.NewNopMetrics(), logger)
	g := gossip.NewFake("local:7012", 1)
	cfg := &config.TopologyConfig{}

	return &participantFixture{
		svc:      NewNodeOpsService(cfg, registry, stm, g, sysStore, NopRangeMover{}, logger),
		registry: registry,
		stm:      stm,
		gossiper: g,
	}
}

func TestHandleCommandUnknownVerb(t *testing.T) {
	f := newParticipant(t, nil)
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:   "frobnicate",
		OpsID: model.NewOpsID(),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestHandleCommandQueryPendingOps(t *testing.T) {
	f := newParticipant(t, nil)
	resp, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:   model.CmdQueryPendingOps,
		OpsID: model.NewOpsID(),
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.PendingOps)
}

func TestDecommissionPrepareMarksLeaving(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	opsID := model.NewOpsID()

	resp, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionPrepare,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	tm := f.stm.Get()
	assert.True(t, tm.IsLeaving("n2:7012"))
	assert.True(t, f.stm.HasPendingRangesFor("n1:7012"))
	assert.Equal(t, []model.OpsID{opsID}, f.registry.PendingOps())
}

func TestDecommissionAbortRestoresRing(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	opsID := model.NewOpsID()

	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionPrepare,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)

	_, err = f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:         model.CmdDecommissionAbort,
		OpsID:       opsID,
		Coordinator: "n2:7012",
	})
	require.NoError(t, err)

	tm := f.stm.Get()
	assert.False(t, tm.IsLeaving("n2:7012"))
	assert.False(t, f.stm.HasPendingRangesFor("n1:7012"))
	assert.Empty(t, f.registry.PendingOps())
}

func TestPrepareRejectsNonMember(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	opsID := model.NewOpsID()

	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdRemoveNodePrepare,
		OpsID:        opsID,
		Coordinator:  "n1:7012",
		LeavingNodes: []model.NodeID{"ghost:7012"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotMember, errors.GetCode(err))

	// The failed prepare rolled itself back; another op can start.
	assert.Empty(t, f.registry.PendingOps())
}

func TestBootstrapPrepareAndAbort(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	opsID := model.NewOpsID()
	entry := model.BootstrapNodeEntry{
		Node:   "new:7012",
		Tokens: []model.Token{500},
		DCRack: model.DCRack{Datacenter: "dc1", Rack: "r1"},
	}

	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:            model.CmdBootstrapPrepare,
		OpsID:          opsID,
		Coordinator:    "new:7012",
		BootstrapNodes: []model.BootstrapNodeEntry{entry},
	})
	require.NoError(t, err)

	tm := f.stm.Get()
	assert.Equal(t, model.NodeID("new:7012"), tm.BootstrapTokens()[500])
	assert.True(t, f.stm.HasPendingRangesFor("new:7012"))

	_, err = f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:         model.CmdBootstrapAbort,
		OpsID:       opsID,
		Coordinator: "new:7012",
	})
	require.NoError(t, err)

	tm = f.stm.Get()
	assert.Empty(t, tm.BootstrapTokens())
	assert.False(t, f.stm.HasPendingRangesFor("new:7012"))
}

func TestReplacePrepareTracksReplacement(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012":   {100},
		"dead:7012": {200},
	})
	opsID := model.NewOpsID()

	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:         model.CmdReplacePrepare,
		OpsID:       opsID,
		Coordinator: "new:7012",
		ReplaceNodes: []model.ReplaceNodeEntry{
			{ExistingNode: "dead:7012", ReplacingNode: "new:7012"},
		},
	})
	require.NoError(t, err)

	rep, ok := f.stm.Get().ReplacingEndpoint("dead:7012")
	require.True(t, ok)
	assert.Equal(t, model.NodeID("new:7012"), rep)
}

func TestSecondPrepareRejectedWhileOpActive(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	first := model.NewOpsID()
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionPrepare,
		OpsID:        first,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)

	_, err = f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdRemoveNodePrepare,
		OpsID:        model.NewOpsID(),
		Coordinator:  "n1:7012",
		LeavingNodes: []model.NodeID{"n1:7012"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationInProgress, errors.GetCode(err))
}

func TestHeartbeatForUnknownOpFails(t *testing.T) {
	f := newParticipant(t, nil)
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:   model.CmdDecommissionHeartbeat,
		OpsID: model.NewOpsID(),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownOperation, errors.GetCode(err))
}

func TestRemoveNodeDoneExcisesNode(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"local:7012": {100},
		"dead:7012":  {200},
	})
	f.gossiper.InjectEndpointState("dead:7012", 5, map[model.ApplicationState]string{
		model.AppStateStatus: model.StatusNormal,
	})

	opsID := model.NewOpsID()
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdRemoveNodePrepare,
		OpsID:        opsID,
		Coordinator:  "local:7012",
		LeavingNodes: []model.NodeID{"dead:7012"},
	})
	require.NoError(t, err)

	_, err = f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdRemoveNodeDone,
		OpsID:        opsID,
		Coordinator:  "local:7012",
		LeavingNodes: []model.NodeID{"dead:7012"},
	})
	require.NoError(t, err)

	tm := f.stm.Get()
	assert.False(t, tm.IsNormalTokenOwner("dead:7012"))
	assert.Empty(t, f.registry.PendingOps())
	_, known := f.gossiper.EndpointState("dead:7012")
	assert.False(t, known)
}

func TestReplacePrepareMarkAliveWaits(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
	})
	f.gossiper.InjectEndpointState("new:7012", 3, nil)
	f.gossiper.SetAlive("new:7012", true)

	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:         model.CmdReplacePrepareMarkAlive,
		OpsID:       model.NewOpsID(),
		Coordinator: "new:7012",
		ReplaceNodes: []model.ReplaceNodeEntry{
			{ExistingNode: "dead:7012", ReplacingNode: "new:7012"},
		},
	})
	require.NoError(t, err)
}

func TestDecommissionDoneRefusedWhileNodeOwnsTokens(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	opsID := model.NewOpsID()
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionPrepare,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)

	// n2 never announces LEFT, so it still owns its tokens here.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.HandleCommand(ctx, &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionDone,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSyncFailed, errors.GetCode(err))
	assert.Equal(t, []model.OpsID{opsID}, f.registry.PendingOps())
}

func TestDecommissionDoneCommitsOnceNodeLeft(t *testing.T) {
	f := newParticipant(t, map[model.NodeID][]model.Token{
		"n1:7012": {100},
		"n2:7012": {200},
	})
	opsID := model.NewOpsID()
	_, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionPrepare,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)

	require.NoError(t, f.stm.Mutate(context.Background(), func(tm *locator.TokenMetadata) error {
		tm.RemoveEndpoint("n2:7012")
		tm.DelLeavingEndpoint("n2:7012")
		return nil
	}))

	resp, err := f.svc.HandleCommand(context.Background(), &model.NodeOpsRequest{
		Cmd:          model.CmdDecommissionDone,
		OpsID:        opsID,
		Coordinator:  "n2:7012",
		LeavingNodes: []model.NodeID{"n2:7012"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, f.registry.PendingOps())
}
