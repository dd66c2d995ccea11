package storage

import (
	"time"

	"github.com/hearthci/stoker/pkg/types"
)

// Store is the durable state layer. The job half is the C2 contract;
// the rest are the typed repositories other components persist into.
type Store interface {
	// Jobs
	InsertJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	// UpdateJobState is conditional on from; a mismatch fails with a
	// conflict. patch may mutate the job after the state flip and
	// before the write. Every call appends to the transition log.
	UpdateJobState(id string, from, to types.JobState, reason string, patch func(*types.Job)) (*types.Job, error)
	ListJobsByStates(states []types.JobState, limit int) ([]*types.Job, error)
	Transitions(jobID string) ([]types.Transition, error)
	// Recover returns all non-terminal jobs grouped by state. It does
	// not re-enqueue; the queue engine consumes the result.
	Recover() (map[types.JobState][]*types.Job, error)
	// ArchiveJob replaces a terminal job with its summary tombstone.
	ArchiveJob(id string) error
	GetArchivedJob(id string) (*types.JobSummary, error)

	// Intake dedup (durable mirror of the cache)
	// SeenDelivery reports whether the delivery id is present and
	// unexpired. MarkDelivery records it; intake marks only after the
	// job was durably created so a failed submit stays retryable.
	SeenDelivery(deliveryID string, ttl time.Duration) (bool, error)
	MarkDelivery(deliveryID string) error

	// Schedules
	CreateSchedule(s *types.Schedule) error
	ListSchedules() ([]*types.Schedule, error)
	DeleteSchedule(id string) error
	// MarkEmission records (scheduleID, boundary); returns false when
	// the boundary was already emitted.
	MarkEmission(scheduleID string, boundary time.Time) (bool, error)

	// Runners
	SaveRunner(r *types.Runner) error
	GetRunner(id string) (*types.Runner, error)
	ListRunners() ([]*types.Runner, error)
	DeleteRunner(id string) error

	// Containers
	SaveContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	DeleteContainer(id string) error

	// Pools
	SavePoolStatus(p *types.PoolStatus) error
	ListPoolStatuses() ([]*types.PoolStatus, error)
	DeletePoolStatus(key types.PoolKey) error

	Close() error
}
