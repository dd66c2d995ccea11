package types

import (
	"fmt"
	"time"
)

// Job is a unit of work created from one "job requested" webhook and
// executed by exactly one runner container.
type Job struct {
	ID         string // Globally unique, stable across restarts
	DeliveryID string // Idempotency key from intake

	Repository      string
	Workflow        string
	RequestedLabels []string
	Priority        int // 1 = critical ... 5 = bulk

	QueueName string
	Profile   *ResourceProfile

	State         JobState
	Attempts      int
	MaxAttempts   int
	NextAttemptAt *time.Time
	DelayUntil    *time.Time

	RunnerID    string
	ContainerID string

	CreatedAt  time.Time
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Reason string // Last failure or recovery reason
}

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateReceived     JobState = "received"
	JobStateQueued       JobState = "queued"
	JobStateScheduled    JobState = "scheduled"
	JobStateRouted       JobState = "routed"
	JobStateAssigned     JobState = "assigned"
	JobStateRunning      JobState = "running"
	JobStateCompleted    JobState = "completed"
	JobStateFailed       JobState = "failed"
	JobStateDeadLettered JobState = "dead_lettered"
	JobStateCancelled    JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions
// except archival.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateDeadLettered, JobStateCancelled:
		return true
	}
	return false
}

// allowedTransitions is the job state graph. States absent from the
// map are terminal.
var allowedTransitions = map[JobState][]JobState{
	JobStateReceived:  {JobStateQueued, JobStateCancelled},
	JobStateQueued:    {JobStateScheduled, JobStateRouted, JobStateCancelled},
	JobStateScheduled: {JobStateQueued, JobStateCancelled},
	JobStateRouted:    {JobStateAssigned, JobStateQueued, JobStateCancelled},
	JobStateAssigned:  {JobStateRunning, JobStateQueued, JobStateFailed, JobStateCancelled},
	// Running -> Queued is the restart recovery path only.
	JobStateRunning: {JobStateCompleted, JobStateFailed, JobStateQueued, JobStateCancelled},
	JobStateFailed:    {JobStateScheduled, JobStateDeadLettered, JobStateCancelled},
}

// CanTransition reports whether from -> to is a legal job state change.
func CanTransition(from, to JobState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one state change in a job's append-only log.
type Transition struct {
	Timestamp time.Time
	From      JobState
	To        JobState
	Reason    string
}

// ResourceProfile is a named bundle of container resource settings.
type ResourceProfile struct {
	Name             string
	Image            string
	CPUShares        int64
	NanoCPUs         int64
	MemoryBytes      int64
	GPU              bool
	MaxExecutionTime time.Duration
}

// PoolKey identifies a pool of runners.
type PoolKey struct {
	Repository string
	Profile    string
}

func (k PoolKey) String() string {
	return k.Repository + "/" + k.Profile
}

// ParsePoolKey parses "repository/profile" back into a PoolKey. The
// profile is the segment after the last slash so repository names may
// themselves contain slashes.
func ParsePoolKey(s string) (PoolKey, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return PoolKey{Repository: s[:i], Profile: s[i+1:]}, nil
		}
	}
	return PoolKey{}, fmt.Errorf("invalid pool key: %q", s)
}

// Runner represents one runner process inside one container. Runners
// are ephemeral: one job between creation and termination when the
// pool is configured that way.
type Runner struct {
	ID           string
	PoolKey      PoolKey
	Labels       []string
	State        RunnerState
	CurrentJobID string
	ContainerID  string
	Resources    *ResourceProfile
	CreatedAt    time.Time
	AssignedAt   time.Time
}

// RunnerState represents the lifecycle state of a runner
type RunnerState string

const (
	RunnerStateProvisioning RunnerState = "provisioning"
	RunnerStateIdle         RunnerState = "idle"
	RunnerStateAssigned     RunnerState = "assigned"
	RunnerStateBusy         RunnerState = "busy"
	RunnerStateDraining     RunnerState = "draining"
	RunnerStateTerminated   RunnerState = "terminated"
	RunnerStateFailed       RunnerState = "failed"
)

// Terminal reports whether the runner can never run another job.
func (s RunnerState) Terminal() bool {
	return s == RunnerStateTerminated || s == RunnerStateFailed
}

// ContainerState mirrors the underlying engine state.
type ContainerState string

const (
	ContainerStateCreating ContainerState = "creating"
	ContainerStateCreated  ContainerState = "created"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateExited   ContainerState = "exited"
	ContainerStateRemoving ContainerState = "removing"
	ContainerStateRemoved  ContainerState = "removed"
	ContainerStateErrored  ContainerState = "errored"
)

// Container is the orchestrator's record of one engine container.
// Secrets are referenced by handle in Env, never stored inline.
type Container struct {
	ID         string
	Image      string
	Labels     map[string]string
	Resources  *ResourceProfile
	State      ContainerState
	ExitCode   int
	OOMKilled  bool
	SpecHash   string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// StatsSnapshot is one sampled metrics point for a container.
type StatsSnapshot struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
	NetRxBytes    uint64
	NetTxBytes    uint64
	BlockRead     uint64
	BlockWrite    uint64
	PIDs          uint64
	SampleLatency time.Duration // Elapsed time of the stats call itself
}

// AlertType identifies a monitoring alert predicate.
type AlertType string

const (
	AlertHighCPU        AlertType = "high_cpu"
	AlertHighMemory     AlertType = "high_memory"
	AlertSlowResponse   AlertType = "slow_response"
	AlertContainerState AlertType = "container_state"
	AlertJobDeadLetter  AlertType = "job_dead_lettered"
)

// Alert tracks one active or resolved alert per (container, type).
type Alert struct {
	ContainerID string
	Type        AlertType
	Severity    string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int
	Active      bool
}

// SecretHit records a secret-pattern match in a log stream. The
// matched bytes themselves are never persisted.
type SecretHit struct {
	ContainerID string
	JobID       string
	PatternKind string
	ByteOffset  int64
	Severity    string
	Timestamp   time.Time
}

// PoolStatus is a snapshot of runner counts for one pool.
type PoolStatus struct {
	Key     PoolKey
	Min     int
	Max     int
	Desired int
	Counts  map[RunnerState]int
}

// Total returns the number of runners in non-terminal states.
func (p PoolStatus) Total() int {
	n := 0
	for state, c := range p.Counts {
		if !state.Terminal() {
			n += c
		}
	}
	return n
}

// ScaleDecision is the auto-scaler's output for one pool. The scaler
// emits decisions; the pool manager applies them.
type ScaleDecision struct {
	Key       PoolKey
	Current   int
	Desired   int
	Reason    string
	Timestamp time.Time
}

// Schedule is a cron template that emits concrete jobs on each
// boundary. Emissions are idempotent on (ID, boundary).
type Schedule struct {
	ID          string
	CronExpr    string
	Template    Job
	CreatedAt   time.Time
	LastFiredAt time.Time
}

// JobSummary is the archival tombstone kept after retention expiry.
type JobSummary struct {
	ID         string
	Repository string
	Workflow   string
	QueueName  string
	State      JobState
	Attempts   int
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Summarize produces the archival tombstone for a terminal job.
func (j *Job) Summarize() *JobSummary {
	return &JobSummary{
		ID:         j.ID,
		Repository: j.Repository,
		Workflow:   j.Workflow,
		QueueName:  j.QueueName,
		State:      j.State,
		Attempts:   j.Attempts,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}
