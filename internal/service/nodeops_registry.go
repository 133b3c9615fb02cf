package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/errors"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/model"
)

// abortHook undoes one prepared effect of a node operation.
type abortHook func(ctx context.Context)

// opState tracks one prepared node operation on a participant. The
// watchdog aborts the operation when the coordinator stops sending
// heartbeats, so a crashed coordinator cannot leave the ring frozen.
type opState struct {
	opsID       model.OpsID
	cmd         model.NodeOpsCmd
	coordinator model.NodeID
	watchdog    *time.Timer
	abortHooks  []abortHook
	startedAt   time.Time
}

// NodeOpsRegistry holds the node operations this node participates in.
type NodeOpsRegistry struct {
	watchdogTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger

	mu  sync.Mutex
	ops map[model.OpsID]*opState
}

func NewNodeOpsRegistry(watchdogTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *NodeOpsRegistry {
	return &NodeOpsRegistry{
		watchdogTimeout: watchdogTimeout,
		metrics:         m,
		logger:          logger,
		ops:             make(map[model.OpsID]*opState),
	}
}

// Prepare registers a new operation. At most one operation may be
// active at a time; re-preparing the same ops id is an idempotent
// success so coordinators can safely retry.
func (r *NodeOpsRegistry) Prepare(opsID model.OpsID, cmd model.NodeOpsCmd, coordinator model.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[opsID]; ok {
		r.logger.Info("operation already prepared, treating as retry",
			zap.String("ops_id", string(opsID)),
			zap.String("cmd", string(cmd)))
		return nil
	}
	for otherID := range r.ops {
		return errors.OperationInProgress([]string{string(otherID)})
	}

	st := &opState{
		opsID:       opsID,
		cmd:         cmd,
		coordinator: coordinator,
		startedAt:   time.Now(),
	}
	st.watchdog = time.AfterFunc(r.watchdogTimeout, func() { r.expire(opsID) })
	r.ops[opsID] = st

	if r.metrics != nil {
		r.metrics.NodeOpsInFlight.Set(float64(len(r.ops)))
	}
	r.logger.Info("prepared node operation",
		zap.String("ops_id", string(opsID)),
		zap.String("cmd", string(cmd)),
		zap.String("coordinator", string(coordinator)))
	return nil
}

// AddAbortHook attaches compensation to run if the operation aborts.
// Hooks run in reverse registration order.
func (r *NodeOpsRegistry) AddAbortHook(opsID model.OpsID, hook abortHook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[opsID]
	if !ok {
		return errors.UnknownOperation(string(opsID))
	}
	st.abortHooks = append(st.abortHooks, hook)
	return nil
}

// Heartbeat pushes the watchdog out by another timeout period.
func (r *NodeOpsRegistry) Heartbeat(opsID model.OpsID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[opsID]
	if !ok {
		return errors.UnknownOperation(string(opsID))
	}
	st.watchdog.Reset(r.watchdogTimeout)
	r.logger.Debug("node operation heartbeat", zap.String("ops_id", string(opsID)))
	return nil
}

// Done commits the operation: prepared effects stand, compensation is
// discarded.
func (r *NodeOpsRegistry) Done(opsID model.OpsID) error {
	r.mu.Lock()
	st, ok := r.ops[opsID]
	if ok {
		st.watchdog.Stop()
		delete(r.ops, opsID)
	}
	opsLeft := len(r.ops)
	r.mu.Unlock()
	if !ok {
		return errors.UnknownOperation(string(opsID))
	}
	if r.metrics != nil {
		r.metrics.NodeOpsInFlight.Set(float64(opsLeft))
		r.metrics.NodeOpsDuration.WithLabelValues(string(st.cmd)).Observe(time.Since(st.startedAt).Seconds())
	}
	r.logger.Info("node operation done",
		zap.String("ops_id", string(opsID)),
		zap.String("cmd", string(st.cmd)))
	return nil
}

// Abort runs the compensation hooks and forgets the operation.
// Aborting an unknown ops id succeeds: the coordinator may retry an
// abort that already completed.
func (r *NodeOpsRegistry) Abort(ctx context.Context, opsID model.OpsID) error {
	r.mu.Lock()
	st, ok := r.ops[opsID]
	if ok {
		st.watchdog.Stop()
		delete(r.ops, opsID)
	}
	opsLeft := len(r.ops)
	r.mu.Unlock()
	if !ok {
		r.logger.Info("abort for unknown operation, ignoring",
			zap.String("ops_id", string(opsID)))
		return nil
	}
	r.logger.Warn("aborting node operation",
		zap.String("ops_id", string(opsID)),
		zap.String("cmd", string(st.cmd)))
	for i := len(st.abortHooks) - 1; i >= 0; i-- {
		st.abortHooks[i](ctx)
	}
	if r.metrics != nil {
		r.metrics.NodeOpsInFlight.Set(float64(opsLeft))
		r.metrics.NodeOpsAbortedTotal.Inc()
	}
	return nil
}

// PendingOps returns the ops ids currently tracked.
func (r *NodeOpsRegistry) PendingOps() []model.OpsID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OpsID, 0, len(r.ops))
	for id := range r.ops {
		out = append(out, id)
	}
	return out
}

// expire fires when the coordinator went silent for a full watchdog
// period.
func (r *NodeOpsRegistry) expire(opsID model.OpsID) {
	r.mu.Lock()
	_, ok := r.ops[opsID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Warn("node operation watchdog expired, self-aborting",
		zap.String("ops_id", string(opsID)))
	if r.metrics != nil {
		r.metrics.WatchdogExpiredTotal.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.Abort(ctx, opsID); err != nil {
		r.logger.Error("watchdog abort failed", zap.Error(err))
	}
}
