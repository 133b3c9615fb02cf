package model

// NodeID identifies a node by its broadcast address ("host:port"). The
// address can change across restarts; HostID is the stable identity.
type NodeID string

// HostID is the stable host identifier that survives IP changes.
type HostID string

// DCRack places a node in the cluster topology.
type DCRack struct {
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack"`
}

// GossipStatus values carried in the STATUS application state.
const (
	StatusUnknown       = "UNKNOWN"
	StatusBootstrapping = "BOOT"
	StatusNormal        = "NORMAL"
	StatusLeaving       = "LEAVING"
	StatusLeft          = "LEFT"
	StatusMoving        = "MOVING"
	StatusRemovingToken = "removing"
	StatusRemovedToken  = "removed"
	StatusShutdown      = "shutdown"
)

// ApplicationState keys gossiped as versioned values.
type ApplicationState string

const (
	AppStateStatus             ApplicationState = "STATUS"
	AppStateTokens             ApplicationState = "TOKENS"
	AppStateHostID             ApplicationState = "HOST_ID"
	AppStateDC                 ApplicationState = "DC"
	AppStateRack               ApplicationState = "RACK"
	AppStateRemovalCoordinator ApplicationState = "REMOVAL_COORDINATOR"
	AppStateReleaseVersion     ApplicationState = "RELEASE_VERSION"
)

// VersionedValue is a string-encoded application state value with a
// monotonically increasing per-node version.
type VersionedValue struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// Mode is the operation mode of the local topology service.
type Mode string

const (
	ModeStarting       Mode = "STARTING"
	ModeJoining        Mode = "JOINING"
	ModeNormal         Mode = "NORMAL"
	ModeBootstrap      Mode = "BOOTSTRAP"
	ModeLeaving        Mode = "LEAVING"
	ModeDecommissioned Mode = "DECOMMISSIONED"
	ModeDraining       Mode = "DRAINING"
	ModeDrained        Mode = "DRAINED"
)

// BootstrapState is the persisted join progress of the local node.
type BootstrapState string

const (
	BootstrapStateNeedsBootstrap BootstrapState = "NEEDS_BOOTSTRAP"
	BootstrapStateInProgress     BootstrapState = "IN_PROGRESS"
	BootstrapStateCompleted      BootstrapState = "COMPLETED"
	BootstrapStateDecommissioned BootstrapState = "DECOMMISSIONED"
)
