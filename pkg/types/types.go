package types

import (
	"time"
)

// ActorKind defines the category of an actor
type ActorKind string

const (
	ActorKindUser    ActorKind = "user"
	ActorKindAgent   ActorKind = "agent"
	ActorKindService ActorKind = "service"
	ActorKindSystem  ActorKind = "system"
)

// Actor identifies the originator of a change
type Actor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     ActorKind         `json:"kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SystemActor returns the distinguished actor used for daemon-initiated changes
func SystemActor() Actor {
	return Actor{
		ID:   "system",
		Name: "buildnet-daemon",
		Kind: ActorKindSystem,
	}
}

// EntryType distinguishes the two sides of a ledger pair
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// AccountType is the coarse reporting category of a ledger entry
type AccountType string

const (
	AccountBuildQueue      AccountType = "BUILD_QUEUE"
	AccountCompletedBuilds AccountType = "COMPLETED_BUILDS"
	AccountWorkerPool      AccountType = "WORKER_POOL"
	AccountUserSessions    AccountType = "USER_SESSIONS"
	AccountConfigActive    AccountType = "CONFIG_ACTIVE"
	AccountSecurityEvents  AccountType = "SECURITY_EVENTS"
	AccountSystemEvents    AccountType = "SYSTEM_EVENTS"
)

// Well-known entity types recorded in the ledger
const (
	EntityResource    = "resource"
	EntityWorker      = "worker"
	EntitySession     = "session"
	EntityActivity    = "activity"
	EntityBuild       = "build"
	EntityBuildResult = "build_result"
	EntityConfig      = "config"
	EntitySecurity    = "security"
)

// AccountFor maps an entity type and entry side to its reporting account.
// Builds move between accounts: the DEBIT side posts against the queue,
// the CREDIT side against completed builds.
func AccountFor(entityType string, entryType EntryType) AccountType {
	switch entityType {
	case EntityBuild, EntityBuildResult:
		if entryType == EntryDebit {
			return AccountBuildQueue
		}
		return AccountCompletedBuilds
	case EntityWorker, EntityResource:
		return AccountWorkerPool
	case EntitySession, EntityActivity:
		return AccountUserSessions
	case EntityConfig:
		return AccountConfigActive
	case EntitySecurity:
		return AccountSecurityEvents
	default:
		return AccountSystemEvents
	}
}

// State is an arbitrary entity snapshot stored in ledger entries
type State map[string]any

// DeltaType classifies a recorded mutation
type DeltaType string

const (
	DeltaCreate DeltaType = "create"
	DeltaUpdate DeltaType = "update"
	DeltaDelete DeltaType = "delete"
)

// FieldChange holds the before and after values of one field
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Delta describes what changed between the previous and new state
type Delta struct {
	Type    DeltaType              `json:"type"`
	Changes map[string]FieldChange `json:"changes,omitempty"`
}

// LedgerEntry is one immutable side of a recorded mutation
type LedgerEntry struct {
	EntryID          string      `json:"entry_id"`
	TransactionID    string      `json:"transaction_id"`
	SequenceNumber   uint64      `json:"sequence_number"`
	EntryType        EntryType   `json:"entry_type"`
	AccountType      AccountType `json:"account_type"`
	EntityType       string      `json:"entity_type"`
	EntityID         string      `json:"entity_id"`
	PreviousState    State       `json:"previous_state,omitempty"`
	NewState         State       `json:"new_state,omitempty"`
	Delta            *Delta      `json:"delta,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	Actor            Actor       `json:"actor"`
	Reason           string      `json:"reason"`
	CorrelationID    string      `json:"correlation_id,omitempty"`
	Checksum         string      `json:"checksum"`
	PreviousChecksum string      `json:"previous_checksum"`
}

// LedgerTransaction groups the paired entries of one logical mutation
type LedgerTransaction struct {
	TransactionID string         `json:"transaction_id"`
	Entries       []*LedgerEntry `json:"entries"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         Actor          `json:"actor"`
	Reason        string         `json:"reason"`
}

// ResourceType defines the category of a registered resource
type ResourceType string

const (
	ResourceTypeWorker  ResourceType = "worker"
	ResourceTypeStorage ResourceType = "storage"
	ResourceTypeCache   ResourceType = "cache"
)

// ResourceStatus represents the health state of a resource
type ResourceStatus string

const (
	ResourceStatusOnline    ResourceStatus = "online"
	ResourceStatusDraining  ResourceStatus = "draining"
	ResourceStatusOffline   ResourceStatus = "offline"
	ResourceStatusUnhealthy ResourceStatus = "unhealthy"
)

// Resource is an addressable capacity unit (worker, storage, cache)
type Resource struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          ResourceType      `json:"type"`
	Address       string            `json:"address"`
	CPUCores      int               `json:"cpu_cores"`
	MemoryGB      int               `json:"memory_gb"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Status        ResourceStatus    `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	AddedAt       time.Time         `json:"added_at"`
}

// ResourceSpec carries the caller-supplied fields when registering a resource
type ResourceSpec struct {
	Name         string            `json:"name"`
	Type         ResourceType      `json:"type"`
	Address      string            `json:"address"`
	CPUCores     int               `json:"cpu_cores"`
	MemoryGB     int               `json:"memory_gb"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// ConnectionType identifies how a session is connected
type ConnectionType string

const (
	ConnectionCLI       ConnectionType = "cli"
	ConnectionWeb       ConnectionType = "web"
	ConnectionAPI       ConnectionType = "api"
	ConnectionGRPC      ConnectionType = "grpc"
	ConnectionWebsocket ConnectionType = "websocket"
)

// ClientInfo describes the connecting client
type ClientInfo struct {
	UserAgent  string `json:"user_agent,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Version    string `json:"version,omitempty"`
}

// ActivityLogEntry is one bounded log line attached to an activity
type ActivityLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Activity is one unit of in-flight work owned by a session
type Activity struct {
	ActivityID string             `json:"activity_id"`
	Type       string             `json:"activity_type"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Progress   map[string]any     `json:"progress,omitempty"`
	Logs       []ActivityLogEntry `json:"logs,omitempty"`
	Artifacts  []string           `json:"artifacts,omitempty"`
}

// ActivitySpec carries the caller-supplied fields when starting an activity
type ActivitySpec struct {
	Type     string         `json:"activity_type"`
	Progress map[string]any `json:"progress,omitempty"`
}

// Session is a live connection from an actor
type Session struct {
	SessionID        string              `json:"session_id"`
	Actor            Actor               `json:"actor"`
	ActorType        ActorKind           `json:"actor_type"`
	ConnectedAt      time.Time           `json:"connected_at"`
	LastActivity     time.Time           `json:"last_activity"`
	ConnectionType   ConnectionType      `json:"connection_type"`
	ClientInfo       ClientInfo          `json:"client_info"`
	Permissions      map[string][]string `json:"permissions"` // resource pattern -> allowed actions
	Scopes           []string            `json:"scopes,omitempty"`
	CurrentActivity  *Activity           `json:"current_activity,omitempty"`
	ActivityHistory  []*Activity         `json:"activity_history,omitempty"`
	ClaimedResources []string            `json:"claimed_resources,omitempty"`
}

// SessionSpec carries the caller-supplied fields when creating a session
type SessionSpec struct {
	Actor          Actor          `json:"actor"`
	ConnectionType ConnectionType `json:"connection_type"`
	ClientInfo     ClientInfo     `json:"client_info"`
	Scopes         []string       `json:"scopes,omitempty"`
}

// ChunkSpec describes the file set a bundle compiles
type ChunkSpec struct {
	Globs          []string `json:"globs"`
	IsEntry        bool     `json:"is_entry"`
	IsCriticalPath bool     `json:"is_critical_path"`
}

// MicroBundle is the atomic unit of build work
type MicroBundle struct {
	ID              string    `json:"id"`
	Package         string    `json:"package"`
	Entry           string    `json:"entry"`
	Chunk           ChunkSpec `json:"chunk"`
	Dependencies    []string  `json:"dependencies,omitempty"` // bundle ids that must complete first
	EstimatedSizeKB int       `json:"estimated_size_kb"`
	EstimatedTimeMS int64     `json:"estimated_time_ms"`
	Priority        int       `json:"priority"` // higher runs earlier
}

// PartAssignment maps one bundle onto a worker with timing estimates
type PartAssignment struct {
	BundleID            string   `json:"bundle_id"`
	WorkerID            string   `json:"worker_id"`
	EstimatedStartMS    int64    `json:"estimated_start_ms"`
	EstimatedDurationMS int64    `json:"estimated_duration_ms"`
	Dependencies        []string `json:"dependencies,omitempty"`
}

// BuildScore is the orchestrator's execution plan for one build
type BuildScore struct {
	Bundles          []*MicroBundle             `json:"bundles"`
	Assignments      map[string]*PartAssignment `json:"assignments"`
	Graph            map[string][]string        `json:"graph"`
	CriticalPath     []string                   `json:"critical_path"`
	EstimatedTotalMS int64                      `json:"estimated_total_ms"`
}

// BuildOptions tunes how a build is performed
type BuildOptions struct {
	Incremental bool   `json:"incremental"`
	Watch       bool   `json:"watch"`
	Clean       bool   `json:"clean"`
	Verbose     bool   `json:"verbose"`
	Bundler     string `json:"bundler,omitempty"` // pin a specific bundler capability
}

// BuildRequest asks the orchestrator to build a set of targets
type BuildRequest struct {
	RequestID string       `json:"request_id"`
	Actor     Actor        `json:"actor"`
	Targets   []string     `json:"targets"`
	Options   BuildOptions `json:"options"`
	Priority  int          `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
}

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// BundleResult is the outcome of executing one bundle
type BundleResult struct {
	BundleID   string   `json:"bundle_id"`
	WorkerID   string   `json:"worker_id"`
	Success    bool     `json:"success"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Error      string   `json:"error,omitempty"`
	Attempts   int      `json:"attempts"`
	DurationMS int64    `json:"duration_ms"`
}

// BuildError is one taxonomized failure recorded in a build result
type BuildError struct {
	Code     string `json:"code"` // ORCHESTRATION_ERROR, BUILD_ERROR, EXECUTION_ERROR, DEADLOCK
	BundleID string `json:"bundle_id,omitempty"`
	Message  string `json:"message"`
}

// BuildResult aggregates the outcome of one build
type BuildResult struct {
	BuildID          string       `json:"build_id"`
	RequestID        string       `json:"request_id"`
	Status           BuildStatus  `json:"status"`
	Targets          []string     `json:"targets"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      time.Time    `json:"completed_at"`
	DurationMS       int64        `json:"duration_ms"`
	BundlesCompleted int          `json:"bundles_completed"`
	BundlesFailed    int          `json:"bundles_failed"`
	Artifacts        []string     `json:"artifacts,omitempty"`
	Errors           []BuildError `json:"errors,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
}

// FileEventKind classifies a filesystem event
type FileEventKind string

const (
	FileAdded    FileEventKind = "added"
	FileModified FileEventKind = "modified"
	FileDeleted  FileEventKind = "deleted"
)

// FileEvent is one observed filesystem change
type FileEvent struct {
	Path      string        `json:"path"`
	Kind      FileEventKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChangeImpact is the four-level classification of a change batch
type ChangeImpact string

const (
	ImpactIgnored  ChangeImpact = "ignored"
	ImpactCosmetic ChangeImpact = "cosmetic"
	ImpactLocal    ChangeImpact = "local"
	ImpactBroad    ChangeImpact = "broad"
)

// ImpactRank orders impacts for threshold comparisons
func ImpactRank(i ChangeImpact) int {
	switch i {
	case ImpactCosmetic:
		return 1
	case ImpactLocal:
		return 2
	case ImpactBroad:
		return 3
	default:
		return 0
	}
}

// ChangeBatch is a debounced group of file events with derived impact
type ChangeBatch struct {
	Events   []FileEvent  `json:"events"`
	Impact   ChangeImpact `json:"impact"`
	Packages []string     `json:"packages,omitempty"` // affected top-level packages
	ClosedAt time.Time    `json:"closed_at"`
}

// TrackedEvent is one dashboard event retained by the activity tracker
type TrackedEvent struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"` // info, warning, error
	ActorKind ActorKind      `json:"actor_kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// LedgerStats summarizes the ledger for dashboards
type LedgerStats struct {
	Entries       uint64                 `json:"entries"`
	FirstSequence uint64                 `json:"first_sequence"`
	LastSequence  uint64                 `json:"last_sequence"`
	Accounts      map[AccountType]uint64 `json:"accounts,omitempty"`
}

// DashboardState is the full state snapshot fanned out to subscribers
type DashboardState struct {
	Timestamp    time.Time      `json:"timestamp"`
	DaemonID     string         `json:"daemon_id"`
	ClusterName  string         `json:"cluster_name"`
	Sessions     []*Session     `json:"sessions"`
	Resources    []*Resource    `json:"resources"`
	RecentBuilds []*BuildResult `json:"recent_builds"`
	RecentEvents []TrackedEvent `json:"recent_events"`
	LedgerStats  *LedgerStats   `json:"ledger_stats,omitempty"`
}

// StateUpdate is one incremental (or full) update delivered to subscribers
type StateUpdate struct {
	Timestamp time.Time       `json:"timestamp"`
	Full      *DashboardState `json:"full,omitempty"`
	Events    []TrackedEvent  `json:"events,omitempty"`
	Sessions  []*Session      `json:"sessions,omitempty"`
	Builds    []*BuildResult  `json:"builds,omitempty"`
	Resources []*Resource     `json:"resources,omitempty"`
}
