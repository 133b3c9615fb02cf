package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helicondb/helicon/internal/client"
	"github.com/helicondb/helicon/internal/model"
)

// cmdFamily groups the per-phase commands of one operation kind.
type cmdFamily struct {
	prepare   model.NodeOpsCmd
	heartbeat model.NodeOpsCmd
	done      model.NodeOpsCmd
	abort     model.NodeOpsCmd
}

var cmdFamilies = map[SyncOp]cmdFamily{
	SyncOpRemoveNode: {
		prepare:   model.CmdRemoveNodePrepare,
		heartbeat: model.CmdRemoveNodeHeartbeat,
		done:      model.CmdRemoveNodeDone,
		abort:     model.CmdRemoveNodeAbort,
	},
	SyncOpDecommission: {
		prepare:   model.CmdDecommissionPrepare,
		heartbeat: model.CmdDecommissionHeartbeat,
		done:      model.CmdDecommissionDone,
		abort:     model.CmdDecommissionAbort,
	},
	SyncOpReplace: {
		prepare:   model.CmdReplacePrepare,
		heartbeat: model.CmdReplaceHeartbeat,
		done:      model.CmdReplaceDone,
		abort:     model.CmdReplaceAbort,
	},
	SyncOpBootstrap: {
		prepare:   model.CmdBootstrapPrepare,
		heartbeat: model.CmdBootstrapHeartbeat,
		done:      model.CmdBootstrapDone,
		abort:     model.CmdBootstrapAbort,
	},
}

// OpRun drives one multi-phase node operation as its coordinator. The
// coordinator sends prepare to every participant, keeps the operation
// alive with heartbeats, runs the operation body, then commits with
// done. Any failure aborts the operation on every participant before
// the error is returned.
type OpRun struct {
	opsID        model.OpsID
	op           SyncOp
	family       cmdFamily
	participants []model.NodeID
	ignored      map[model.NodeID]struct{}
	template     model.NodeOpsRequest

	client     client.NodeOpsClient
	hbInterval time.Duration
	logger     *zap.Logger

	stopHB chan struct{}
	hbDone sync.WaitGroup
	hbOnce sync.Once
}

// NewOpRun creates a run for op coordinated by the local node. The
// template request carries the operation payload; participants listed
// in ignoreNodes are allowed to be down.
func NewOpRun(op SyncOp, coordinator model.NodeID, participants []model.NodeID, template model.NodeOpsRequest, c client.NodeOpsClient, hbInterval time.Duration, logger *zap.Logger) (*OpRun, error) {
	family, ok := cmdFamilies[op]
	if !ok {
		return nil, fmt.Errorf("operation %s has no node_ops commands", op)
	}
	opsID := model.NewOpsID()
	template.OpsID = opsID
	template.Coordinator = coordinator
	ignored := make(map[model.NodeID]struct{}, len(template.IgnoreNodes))
	for _, n := range template.IgnoreNodes {
		ignored[n] = struct{}{}
	}
	if hbInterval <= 0 {
		hbInterval = 10 * time.Second
	}
	return &OpRun{
		opsID:        opsID,
		op:           op,
		family:       family,
		participants: participants,
		ignored:      ignored,
		template:     template,
		client:       c,
		hbInterval:   hbInterval,
		logger: logger.With(
			zap.String("op", string(op)),
			zap.String("ops_id", string(opsID))),
		stopHB: make(chan struct{}),
	}, nil
}

func (r *OpRun) OpsID() model.OpsID { return r.opsID }

// Execute runs the whole operation: prepare everywhere, heartbeats in
// the background, body, done everywhere. On any failure every
// participant gets a best-effort abort and the original error is
// returned.
func (r *OpRun) Execute(ctx context.Context, body func(ctx context.Context) error) error {
	if err := r.SendToAll(ctx, r.family.prepare); err != nil {
		r.AbortAll(ctx)
		return err
	}
	r.startHeartbeats()
	defer r.stopHeartbeats()

	if err := body(ctx); err != nil {
		r.AbortAll(ctx)
		return err
	}
	if err := r.SendToAll(ctx, r.family.done); err != nil {
		r.AbortAll(ctx)
		return err
	}
	r.logger.Info("node operation completed")
	return nil
}

// SendToAll delivers cmd to every participant in parallel and merges
// the failures. Peers that do not know the verb are tolerated only on
// phases after prepare; a peer that cannot even prepare must not be
// assumed to track the operation. Down peers are tolerated only when
// listed as ignorable.
func (r *OpRun) SendToAll(ctx context.Context, cmd model.NodeOpsCmd) error {
	req := r.template
	req.Cmd = cmd

	var mu sync.Mutex
	var unreachable, failed, unknownVerb []string

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, node := range r.participants {
		node := node
		g.Go(func() error {
			_, err := r.client.SendCommand(gctx, node, &req)
			if err == nil {
				return nil
			}
			var cmdErr *client.CommandError
			if !errors.As(err, &cmdErr) {
				cmdErr = &client.CommandError{Endpoint: node, Kind: client.FailureFailed, Err: err}
			}
			switch cmdErr.Kind {
			case client.FailureUnknownVerb:
				if cmd.Category() == model.CategoryPrepare {
					mu.Lock()
					unknownVerb = append(unknownVerb, string(node))
					mu.Unlock()
					break
				}
				// Peer runs an older release without this verb; the
				// operation proceeds without it.
				r.logger.Warn("peer does not support command, skipping",
					zap.String("node", string(node)),
					zap.String("cmd", string(cmd)))
				return nil
			case client.FailureDown:
				if _, ok := r.ignored[node]; ok {
					r.logger.Warn("ignoring down peer",
						zap.String("node", string(node)),
						zap.String("cmd", string(cmd)))
					return nil
				}
				mu.Lock()
				unreachable = append(unreachable, string(node))
				mu.Unlock()
			default:
				mu.Lock()
				failed = append(failed, string(node))
				mu.Unlock()
			}
			r.logger.Error("command failed on peer",
				zap.String("node", string(node)),
				zap.String("cmd", string(cmd)),
				zap.Error(cmdErr))
			return nil
		})
	}
	_ = g.Wait()

	if len(unreachable) == 0 && len(failed) == 0 && len(unknownVerb) == 0 {
		return nil
	}
	var parts []string
	if len(failed) > 0 {
		parts = append(parts, fmt.Sprintf("failed on [%s]", strings.Join(failed, ", ")))
	}
	if len(unreachable) > 0 {
		parts = append(parts, fmt.Sprintf("unreachable [%s]", strings.Join(unreachable, ", ")))
	}
	if len(unknownVerb) > 0 {
		parts = append(parts, fmt.Sprintf("unknown verb on [%s]", strings.Join(unknownVerb, ", ")))
	}
	return fmt.Errorf("%s: %s", cmd, strings.Join(parts, "; "))
}

// AbortAll best-effort aborts the operation on every participant.
func (r *OpRun) AbortAll(ctx context.Context) {
	r.logger.Warn("aborting node operation on all participants")
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := r.SendToAll(abortCtx, r.family.abort); err != nil {
		r.logger.Error("abort did not reach all participants", zap.Error(err))
	}
}

func (r *OpRun) startHeartbeats() {
	r.hbDone.Add(1)
	go func() {
		defer r.hbDone.Done()
		ticker := time.NewTicker(r.hbInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopHB:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.hbInterval)
				if err := r.SendToAll(ctx, r.family.heartbeat); err != nil {
					r.logger.Warn("heartbeat incomplete", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

func (r *OpRun) stopHeartbeats() {
	r.hbOnce.Do(func() { close(r.stopHB) })
	r.hbDone.Wait()
}

// QueryPendingOps asks one peer which operations it still tracks.
func QueryPendingOps(ctx context.Context, c client.NodeOpsClient, coordinator, node model.NodeID) ([]model.OpsID, error) {
	resp, err := c.SendCommand(ctx, node, &model.NodeOpsRequest{
		Cmd:         model.CmdQueryPendingOps,
		OpsID:       model.NewOpsID(),
		Coordinator: coordinator,
	})
	if err != nil {
		return nil, err
	}
	return resp.PendingOps, nil
}
