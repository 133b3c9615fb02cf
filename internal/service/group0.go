package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/model"
)

// Group0 is the consensus membership group the topology layer
// coordinates with. Ring changes demote or remove consensus members
// but never interpret consensus state themselves.
type Group0 interface {
	// WaitForGroup0 blocks until the consensus layer is ready to
	// accept membership changes.
	WaitForGroup0(ctx context.Context) error
	// IsMember reports whether a host currently belongs to the group.
	// voterOnly restricts the check to voting members.
	IsMember(hostID model.HostID, voterOnly bool) bool
	// JoinGroup0 adds the local node to the group as a voter.
	JoinGroup0(ctx context.Context) error
	// BecomeNonvoter demotes the local node.
	BecomeNonvoter(ctx context.Context) error
	// MakeNonvoter demotes a remote member.
	MakeNonvoter(ctx context.Context, hostID model.HostID) error
	// LeaveGroup0 removes the local node from the group. Called as
	// the final step of a decommission.
	LeaveGroup0(ctx context.Context) error
	// RemoveFromGroup0 removes a remote member, used when the member
	// itself is dead.
	RemoveFromGroup0(ctx context.Context, hostID model.HostID) error
}

// localGroup0 is the in-process implementation for deployments that
// run without an external consensus service.
type localGroup0 struct {
	localHostID model.HostID
	logger      *zap.Logger

	mu      sync.Mutex
	members map[model.HostID]bool // hostID -> is voter
}

// NewLocalGroup0 creates an in-process Group0 for the given local
// host.
func NewLocalGroup0(localHostID model.HostID, logger *zap.Logger) Group0 {
	return &localGroup0{
		localHostID: localHostID,
		logger:      logger,
		members:     make(map[model.HostID]bool),
	}
}

func (g *localGroup0) WaitForGroup0(ctx context.Context) error { return ctx.Err() }

func (g *localGroup0) IsMember(hostID model.HostID, voterOnly bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	voter, ok := g.members[hostID]
	if !ok {
		return false
	}
	return !voterOnly || voter
}

func (g *localGroup0) JoinGroup0(ctx context.Context) error {
	g.mu.Lock()
	g.members[g.localHostID] = true
	g.mu.Unlock()
	g.logger.Info("local node joined group 0")
	return nil
}

func (g *localGroup0) BecomeNonvoter(ctx context.Context) error {
	g.mu.Lock()
	if _, ok := g.members[g.localHostID]; ok {
		g.members[g.localHostID] = false
	}
	g.mu.Unlock()
	g.logger.Info("local node became group 0 nonvoter")
	return nil
}

func (g *localGroup0) MakeNonvoter(ctx context.Context, hostID model.HostID) error {
	g.mu.Lock()
	if voter, ok := g.members[hostID]; ok && voter {
		g.members[hostID] = false
	}
	g.mu.Unlock()
	g.logger.Info("made group 0 member nonvoter", zap.String("host_id", string(hostID)))
	return nil
}

func (g *localGroup0) LeaveGroup0(ctx context.Context) error {
	g.mu.Lock()
	delete(g.members, g.localHostID)
	g.mu.Unlock()
	g.logger.Info("local node left group 0")
	return nil
}

func (g *localGroup0) RemoveFromGroup0(ctx context.Context, hostID model.HostID) error {
	g.mu.Lock()
	delete(g.members, hostID)
	g.mu.Unlock()
	g.logger.Info("removed group 0 member", zap.String("host_id", string(hostID)))
	return nil
}
