package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/gossip"
	"github.com/helicondb/helicon/internal/model"
)

type modeStub struct{ mode model.Mode }

func (m modeStub) Mode() model.Mode { return m.mode }

func TestReadyWhenNormal(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), gossip.NewFake("local:7012", 1), modeStub{model.ModeNormal}, zap.NewNop())
	h.runHealthChecks()

	assert.True(t, h.IsLive())
	assert.True(t, h.IsReady())
}

func TestNotReadyWhenDecommissioned(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), gossip.NewFake("local:7012", 1), modeStub{model.ModeDecommissioned}, zap.NewNop())
	h.runHealthChecks()

	assert.True(t, h.IsLive())
	assert.False(t, h.IsReady())
	assert.Equal(t, "critical", h.GetChecks()["mode"].Status)
}

func TestJoiningIsWarningNotCritical(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), gossip.NewFake("local:7012", 1), modeStub{model.ModeJoining}, zap.NewNop())
	h.runHealthChecks()

	assert.True(t, h.IsReady())
	assert.Equal(t, "warning", h.GetChecks()["mode"].Status)
}

func TestMissingDataDirIsCritical(t *testing.T) {
	h := NewHealthChecker("/no/such/dir", gossip.NewFake("local:7012", 1), modeStub{model.ModeNormal}, zap.NewNop())
	h.runHealthChecks()

	assert.False(t, h.IsReady())
	assert.Equal(t, "critical", h.GetChecks()["data_dir_accessible"].Status)
}

func TestPartitionedGossipIsWarning(t *testing.T) {
	fake := gossip.NewFake("local:7012", 1)
	fake.InjectEndpointState("n2:7012", 1, map[model.ApplicationState]string{})
	fake.SetAlive("n2:7012", false)

	h := NewHealthChecker(t.TempDir(), fake, modeStub{model.ModeNormal}, zap.NewNop())
	h.runHealthChecks()

	assert.Equal(t, "warning", h.GetChecks()["gossip"].Status)
	// A partition degrades readiness checks but does not fail them.
	assert.True(t, h.IsReady())
}

func TestSetReadinessOverride(t *testing.T) {
	h := NewHealthChecker(t.TempDir(), gossip.NewFake("local:7012", 1), modeStub{model.ModeNormal}, zap.NewNop())
	h.runHealthChecks()
	assert.True(t, h.IsReady())

	h.SetReadiness(false)
	assert.False(t, h.IsReady())
}
