package core

import "time"

// SandboxState tracks a sandbox through its lifecycle. Transitions are
// serialized by the orchestrator: creating -> running -> (idle <-> running)*
// -> reaping -> gone.
type SandboxState string

const (
	SandboxCreating SandboxState = "creating"
	SandboxRunning  SandboxState = "running"
	SandboxIdle     SandboxState = "idle"
	SandboxReaping  SandboxState = "reaping"
	SandboxGone     SandboxState = "gone"
)

// RuntimeKey identifies a (language, version) pair. Warm pools are keyed by it.
type RuntimeKey struct {
	Language string `json:"language" yaml:"language"`
	Version  string `json:"version" yaml:"version"`
}

func (k RuntimeKey) String() string {
	return k.Language + ":" + k.Version
}

// ResourceLimits are the hot-appliable limits for a sandbox.
// CPUShares follows the engine convention where 1024 equals one core.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"`
	MemBytes  int64 `json:"mem_bytes" yaml:"mem_bytes"`
	Pids      int64 `json:"pids" yaml:"pids"`
	IOBps     int64 `json:"io_bps" yaml:"io_bps"`
}

// CPUCores converts shares to fractional cores for billing.
func (l ResourceLimits) CPUCores() float64 {
	return float64(l.CPUShares) / 1024.0
}

// SandboxLabels carry ownership metadata on the engine object so that
// orphaned sandboxes can be traced back after a crash.
type SandboxLabels struct {
	Owner   string `json:"owner"`
	Project string `json:"project"`
	Session string `json:"session"`
	Pooled  bool   `json:"pooled"`
}

// Sandbox is one isolated execution environment. It is created exclusively by
// the driver and assigned by the orchestrator to at most one session at a time.
type Sandbox struct {
	ID           string         `json:"id"`
	Runtime      RuntimeKey     `json:"runtime"`
	Limits       ResourceLimits `json:"limits"`
	Profile      string         `json:"security_profile"`
	State        SandboxState   `json:"state"`
	EngineHandle string         `json:"engine_handle"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Labels       SandboxLabels  `json:"labels"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EnvironmentClass selects the billing multiplier for a session.
type EnvironmentClass string

const (
	EnvDevelopment EnvironmentClass = "development"
	EnvStaging     EnvironmentClass = "staging"
	EnvProduction  EnvironmentClass = "production"
	EnvGPU         EnvironmentClass = "gpu"
	EnvHighMemory  EnvironmentClass = "high_memory"
)

// TerminationCause records why a session was reaped.
type TerminationCause string

const (
	CauseIdle            TerminationCause = "idle"
	CauseUnhealthy       TerminationCause = "unhealthy"
	CauseCreditExhausted TerminationCause = "credit_exhausted"
	CauseUserRequest     TerminationCause = "user_request"
	CauseShutdown        TerminationCause = "shutdown"
)

// Session binds one user/project to one sandbox, from assignment to reap.
type Session struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	ProjectID      string           `json:"project_id"`
	SandboxID      string           `json:"sandbox_id"`
	EnvClass       EnvironmentClass `json:"environment_class"`
	StartedAt      time.Time        `json:"started_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	IdleSince      *time.Time       `json:"idle_since,omitempty"`
	TerminatedAt   *time.Time       `json:"terminated_at,omitempty"`
	Cause          TerminationCause `json:"termination_cause,omitempty"`
	FinalCost      int64            `json:"final_cost"`
}

// Active reports whether the session has not been terminated.
func (s *Session) Active() bool {
	return s.TerminatedAt == nil
}

// Snapshot is one timestamped resource observation for a session.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	TS             time.Time `json:"ts"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemBytes       int64     `json:"mem_bytes"`
	DiskReadBytes  int64     `json:"disk_read_bytes"`
	DiskWriteBytes int64     `json:"disk_write_bytes"`
	NetRxBytes     int64     `json:"net_rx_bytes"`
	NetTxBytes     int64     `json:"net_tx_bytes"`
	GPUPercent     float64   `json:"gpu_percent,omitempty"`
	GPUMemBytes    int64     `json:"gpu_mem_bytes,omitempty"`
	IsIdle         bool      `json:"is_idle"`
}

// TransactionKind is the closed set of ledger entry kinds.
type TransactionKind string

const (
	TxGrant    TransactionKind = "grant"
	TxUsage    TransactionKind = "usage"
	TxEarning  TransactionKind = "earning"
	TxGiftOut  TransactionKind = "gift_out"
	TxGiftIn   TransactionKind = "gift_in"
	TxRollover TransactionKind = "rollover"
)

// Account is a credits account. Balance is maintained equal to the sum of all
// committed transactions; the ledger enforces it under a per-account lock.
type Account struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Balance           int64     `json:"balance"`
	LifetimeEarned    int64     `json:"lifetime_earned"`
	LifetimeSpent     int64     `json:"lifetime_spent"`
	GiftedSent        int64     `json:"gifted_sent"`
	GiftedReceived    int64     `json:"gifted_received"`
	MonthlyAllocation int64     `json:"monthly_allocation"`
	RolloverCapacity  int64     `json:"rollover_capacity"`
	LastRolloverAt    time.Time `json:"last_rollover_at"`
	TeamPoolID        string    `json:"team_pool_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Transaction is an append-only ledger entry. Immutable once written.
// ActorID is the user who caused the entry; for team-pool accounts it is the
// member the per-member caps are enforced against.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	ActorID     string          `json:"actor_id,omitempty"`
	Amount      int64           `json:"amount"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TeamPool is a shared account with per-member spending caps. Debits above
// ApprovalThreshold require out-of-band confirmation and fail with
// ErrApprovalRequired until it arrives.
type TeamPool struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	AccountID         string `json:"account_id"`
	MemberDailyCap    int64  `json:"member_daily_cap"`
	MemberMonthlyCap  int64  `json:"member_monthly_cap"`
	ApprovalThreshold int64  `json:"approval_threshold"`
}

// UsageSummary is the aggregate persisted at each meter commit. Raw snapshots
// are never persisted; this is the durable record of a billing window.
type UsageSummary struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	CPUCoreSeconds float64   `json:"cpu_core_seconds"`
	MemGiBSeconds  float64   `json:"mem_gib_seconds"`
	IOMegabytes    float64   `json:"io_megabytes"`
	NetMegabytes   float64   `json:"net_megabytes"`
	CostUnits      int64     `json:"cost_units"`
	CommittedAt    time.Time `json:"committed_at"`
}

// ClientInfo describes the IDE client on an authenticated connection.
type ClientInfo struct {
	Kind         string   `json:"kind"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// PoolTelemetry is a point-in-time pool statistic persisted by the store.
type PoolTelemetry struct {
	Key        RuntimeKey `json:"key"`
	Size       int        `json:"size"`
	Active     int        `json:"active"`
	Target     int        `json:"target"`
	Hits       int64      `json:"hits"`
	Misses     int64      `json:"misses"`
	Repurposed int64      `json:"repurposed"`
	Retired    int64      `json:"retired"`
	RecordedAt time.Time  `json:"recorded_at"`
}
