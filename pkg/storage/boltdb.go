package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/types"
)

var (
	// Bucket names
	bucketJobs           = []byte("jobs")
	bucketJobTransitions = []byte("job_transitions")
	bucketArchiveJobs    = []byte("archive_jobs")
	bucketIntakeDedup    = []byte("intake_dedup")
	bucketSchedules      = []byte("schedules")
	bucketEmissions      = []byte("schedule_emissions")
	bucketRunnerState    = []byte("runner_state")
	bucketContainers     = []byte("container_registry")
	bucketPoolState      = []byte("pool_state")
)

// BoltStore implements Store using BoltDB. Every mutation is a single
// bolt transaction, so a state flip and its transition-log append are
// atomic and durable before the caller is acknowledged.
type BoltStore struct {
	db *bolt.DB
}

// dedupEntry is the durable mirror of one delivery-id seen by intake.
type dedupEntry struct {
	JobID  string    `json:"job_id,omitempty"`
	SeenAt time.Time `json:"seen_at"`
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "stoker.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobTransitions,
			bucketArchiveJobs,
			bucketIntakeDedup,
			bucketSchedules,
			bucketEmissions,
			bucketRunnerState,
			bucketContainers,
			bucketPoolState,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) InsertJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return errdefs.Conflictf("job already exists: %s", job.ID)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJobState(id string, from, to types.JobState, reason string, patch func(*types.Job)) (*types.Job, error) {
	var job types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		if job.State != from {
			return errdefs.Conflictf("job %s is %s, expected %s", id, job.State, from)
		}
		if !types.CanTransition(from, to) {
			return errdefs.Conflictf("illegal transition %s -> %s for job %s", from, to, id)
		}

		now := time.Now()
		job.State = to
		if to.Terminal() || to == types.JobStateFailed {
			job.FinishedAt = now
		}
		if patch != nil {
			patch(&job)
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}

		return appendTransition(tx, id, types.Transition{
			Timestamp: now,
			From:      from,
			To:        to,
			Reason:    reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// appendTransition writes one entry to the job's append-only log. Keys
// are jobID/nanotime so a cursor scan returns them in order.
func appendTransition(tx *bolt.Tx, jobID string, tr types.Transition) error {
	b := tx.Bucket(bucketJobTransitions)
	key := fmt.Sprintf("%s/%020d", jobID, tr.Timestamp.UnixNano())
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) Transitions(jobID string) ([]types.Transition, error) {
	var out []types.Transition
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var tr types.Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			out = append(out, tr)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListJobsByStates(states []types.JobState, limit int) ([]*types.Job, error) {
	want := make(map[types.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(jobs) >= limit {
				return nil
			}
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if want[job.State] {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) Recover() (map[types.JobState][]*types.Job, error) {
	grouped := make(map[types.JobState][]*types.Job)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !job.State.Terminal() {
				grouped[job.State] = append(grouped[job.State], &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return grouped, nil
}

func (s *BoltStore) ArchiveJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return nil // Already archived or never existed; idempotent
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if !job.State.Terminal() {
			return errdefs.Conflictf("cannot archive non-terminal job %s (%s)", id, job.State)
		}

		summary, err := json.Marshal(job.Summarize())
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketArchiveJobs).Put([]byte(id), summary); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		// Transition detail is dropped with the job record
		c := tx.Bucket(bucketJobTransitions).Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetArchivedJob(id string) (*types.JobSummary, error) {
	var sum types.JobSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArchiveJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("archived job not found: %s", id)
		}
		return json.Unmarshal(data, &sum)
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// Intake dedup

func (s *BoltStore) SeenDelivery(deliveryID string, ttl time.Duration) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntakeDedup)
		if data := b.Get([]byte(deliveryID)); data != nil {
			var entry dedupEntry
			if err := json.Unmarshal(data, &entry); err == nil && time.Since(entry.SeenAt) < ttl {
				seen = true
			}
		}
		return nil
	})
	return seen, err
}

func (s *BoltStore) MarkDelivery(deliveryID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntakeDedup)
		data, err := json.Marshal(dedupEntry{SeenAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put([]byte(deliveryID), data)
	})
}

// Schedule operations

func (s *BoltStore) CreateSchedule(sched *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		return b.Put([]byte(sched.ID), data)
	})
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

func (s *BoltStore) MarkEmission(scheduleID string, boundary time.Time) (bool, error) {
	fresh := false
	key := fmt.Sprintf("%s/%d", scheduleID, boundary.Unix())
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmissions)
		if b.Get([]byte(key)) != nil {
			return nil // Duplicate emission across restarts; suppress
		}
		fresh = true
		return b.Put([]byte(key), []byte(time.Now().Format(time.RFC3339Nano)))
	})
	return fresh, err
}

// Runner operations

func (s *BoltStore) SaveRunner(r *types.Runner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRunnerState).Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) GetRunner(id string) (*types.Runner, error) {
	var r types.Runner
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRunnerState).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("runner not found: %s", id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRunners() ([]*types.Runner, error) {
	var runners []*types.Runner
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunnerState).ForEach(func(k, v []byte) error {
			var r types.Runner
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			runners = append(runners, &r)
			return nil
		})
	})
	return runners, err
}

func (s *BoltStore) DeleteRunner(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunnerState).Delete([]byte(id))
	})
}

// Container operations

func (s *BoltStore) SaveContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container not found: %s", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// Pool operations

func (s *BoltStore) SavePoolStatus(p *types.PoolStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPoolState).Put([]byte(p.Key.String()), data)
	})
}

func (s *BoltStore) ListPoolStatuses() ([]*types.PoolStatus, error) {
	var pools []*types.PoolStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoolState).ForEach(func(k, v []byte) error {
			var p types.PoolStatus
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			pools = append(pools, &p)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) DeletePoolStatus(key types.PoolKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoolState).Delete([]byte(key.String()))
	})
}
