package model

import "github.com/google/uuid"

// OpsID identifies one multi-phase cluster operation across all nodes.
type OpsID string

// NewOpsID generates a new globally unique operation id.
func NewOpsID() OpsID {
	return OpsID(uuid.New().String())
}

// NodeOpsCmd is a command of the node-ops coordination protocol.
type NodeOpsCmd string

const (
	CmdRemoveNodePrepare   NodeOpsCmd = "removenode_prepare"
	CmdRemoveNodeHeartbeat NodeOpsCmd = "removenode_heartbeat"
	CmdRemoveNodeSyncData  NodeOpsCmd = "removenode_sync_data"
	CmdRemoveNodeDone      NodeOpsCmd = "removenode_done"
	CmdRemoveNodeAbort     NodeOpsCmd = "removenode_abort"

	CmdDecommissionPrepare   NodeOpsCmd = "decommission_prepare"
	CmdDecommissionHeartbeat NodeOpsCmd = "decommission_heartbeat"
	CmdDecommissionDone      NodeOpsCmd = "decommission_done"
	CmdDecommissionAbort     NodeOpsCmd = "decommission_abort"

	CmdReplacePrepare              NodeOpsCmd = "replace_prepare"
	CmdReplacePrepareMarkAlive     NodeOpsCmd = "replace_prepare_mark_alive"
	CmdReplacePreparePendingRanges NodeOpsCmd = "replace_prepare_pending_ranges"
	CmdReplaceHeartbeat            NodeOpsCmd = "replace_heartbeat"
	CmdReplaceDone                 NodeOpsCmd = "replace_done"
	CmdReplaceAbort                NodeOpsCmd = "replace_abort"

	CmdBootstrapPrepare   NodeOpsCmd = "bootstrap_prepare"
	CmdBootstrapHeartbeat NodeOpsCmd = "bootstrap_heartbeat"
	CmdBootstrapDone      NodeOpsCmd = "bootstrap_done"
	CmdBootstrapAbort     NodeOpsCmd = "bootstrap_abort"

	CmdQueryPendingOps     NodeOpsCmd = "query_pending_ops"
	CmdRepairUpdater       NodeOpsCmd = "repair_updater"
	CmdReplicationFinished NodeOpsCmd = "replication_finished"
)

// NodeOpsCmdCategory groups commands by their protocol phase.
type NodeOpsCmdCategory int

const (
	CategoryOther NodeOpsCmdCategory = iota
	CategoryPrepare
	CategoryHeartbeat
	CategorySync
	CategoryDone
	CategoryAbort
)

// Category classifies the command. Prepare failures on unreachable or
// too-old peers are hard failures; abort commands are still sent to peers
// that previously failed.
func (c NodeOpsCmd) Category() NodeOpsCmdCategory {
	switch c {
	case CmdRemoveNodePrepare, CmdDecommissionPrepare, CmdReplacePrepare, CmdBootstrapPrepare:
		return CategoryPrepare
	case CmdRemoveNodeHeartbeat, CmdDecommissionHeartbeat, CmdReplaceHeartbeat, CmdBootstrapHeartbeat:
		return CategoryHeartbeat
	case CmdRemoveNodeSyncData, CmdReplacePrepareMarkAlive, CmdReplacePreparePendingRanges:
		return CategorySync
	case CmdRemoveNodeDone, CmdDecommissionDone, CmdReplaceDone, CmdBootstrapDone:
		return CategoryDone
	case CmdRemoveNodeAbort, CmdDecommissionAbort, CmdReplaceAbort, CmdBootstrapAbort:
		return CategoryAbort
	default:
		return CategoryOther
	}
}

// BootstrapNodeEntry carries the tokens a bootstrapping node claims.
type BootstrapNodeEntry struct {
	Node   NodeID  `json:"node"`
	Tokens []Token `json:"tokens"`
	DCRack DCRack  `json:"dc_rack"`
}

// ReplaceNodeEntry maps an existing node to the node replacing it.
type ReplaceNodeEntry struct {
	ExistingNode  NodeID `json:"existing_node"`
	ReplacingNode NodeID `json:"replacing_node"`
}

// NodeOpsRequest is the wire request of the node-ops protocol.
type NodeOpsRequest struct {
	Cmd            NodeOpsCmd           `json:"cmd"`
	OpsID          OpsID                `json:"ops_uuid"`
	Coordinator    NodeID               `json:"coordinator"`
	LeavingNodes   []NodeID             `json:"leaving_nodes,omitempty"`
	BootstrapNodes []BootstrapNodeEntry `json:"bootstrap_nodes,omitempty"`
	ReplaceNodes   []ReplaceNodeEntry   `json:"replace_nodes,omitempty"`
	IgnoreNodes    []NodeID             `json:"ignore_nodes,omitempty"`
	RepairTables   []string             `json:"repair_tables,omitempty"`
}

// NodeOpsResponse is the wire response of the node-ops protocol.
type NodeOpsResponse struct {
	OK         bool    `json:"ok"`
	Error      string  `json:"error,omitempty"`
	PendingOps []OpsID `json:"pending_ops,omitempty"`
}

// ReplacementInfo describes the node being replaced, gathered from a
// gossip shadow round before this node commits to any identity.
type ReplacementInfo struct {
	Tokens  []Token
	DCRack  DCRack
	HostID  HostID
	Address NodeID
}
