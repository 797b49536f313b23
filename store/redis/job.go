package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// reserveScanPage is how many queue members are examined per page while
// looking for runnable jobs. Delayed jobs near the head of the queue are
// skipped, so reservation may need to look past them.
const reserveScanPage = 32

// PushJob stores the job as a Hash and adds it to the queue's Sorted Set.
func (s *Store) PushJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: push check exists: %w", err)
	}
	if exists > 0 {
		return drover.ErrJobAlreadyExists
	}

	fields := jobToMap(j)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: jID})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("drover/redis: push job: %w", err)
	}
	return nil
}

// ReserveJobs claims up to limit runnable jobs from the given queues.
// A claim is the single successful ZREM of the job's queue member: only
// one worker can remove a member, so reservation is exclusive without
// any extra locking.
func (s *Store) ReserveJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()
	var jobs []*job.Job

	for _, q := range queues {
		if len(jobs) >= limit {
			break
		}
		qk := queueKey(q)

		for offset := int64(0); len(jobs) < limit; offset += reserveScanPage {
			members, err := s.client.ZRange(ctx, qk, offset, offset+reserveScanPage-1).Result()
			if err != nil {
				return nil, fmt.Errorf("drover/redis: reserve zrange: %w", err)
			}
			if len(members) == 0 {
				break
			}

			for _, jID := range members {
				if len(jobs) >= limit {
					break
				}

				j, getErr := s.getJobByKey(ctx, jobKey(jID))
				if getErr != nil {
					// Entity gone; drop the orphaned queue member.
					s.client.ZRem(ctx, qk, jID)
					continue
				}
				if j.RunAt.After(now) {
					continue
				}

				removed, remErr := s.client.ZRem(ctx, qk, jID).Result()
				if remErr != nil {
					return nil, fmt.Errorf("drover/redis: reserve claim: %w", remErr)
				}
				if removed == 0 {
					// Another worker claimed it first.
					continue
				}

				nowStr := now.Format(time.RFC3339Nano)
				_, setErr := s.client.HSet(ctx, jobKey(jID),
					"state", string(job.StateReserved),
					"worker_id", workerID.String(),
					"reserved_at", nowStr,
					"heartbeat_at", nowStr,
					"updated_at", nowStr,
				).Result()
				if setErr != nil {
					return nil, fmt.Errorf("drover/redis: reserve update: %w", setErr)
				}

				j.State = job.StateReserved
				j.WorkerID = workerID
				j.ReservedAt = &now
				j.HeartbeatAt = &now
				jobs = append(jobs, j)
			}
		}
	}
	return jobs, nil
}

// ReleaseJob returns a reserved or executing job to pending, visible
// again after the given delay.
func (s *Store) ReleaseJob(ctx context.Context, j *job.Job, delay time.Duration) error {
	jID := j.ID.String()
	key := jobKey(jID)

	current, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	if current.State != job.StateReserved && current.State != job.StateExecuting {
		return drover.ErrJobNotReserved
	}

	now := time.Now().UTC()
	runAt := now.Add(delay)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(job.StatePending),
		"run_at", runAt.Format(time.RFC3339Nano),
		"updated_at", now.Format(time.RFC3339Nano),
	)
	pipe.HDel(ctx, key, "worker_id", "reserved_at", "started_at", "heartbeat_at")
	pipe.ZAdd(ctx, queueKey(current.Queue), goredis.Z{Score: jobScore(current.Priority, runAt), Member: jID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("drover/redis: release job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job. A job moved back to a
// queue-visible state (pending or retrying) is re-added to its queue's
// sorted set.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return drover.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.State == job.StatePending || j.State == job.StateRetrying {
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: jID})
	}
	if j.WorkerID.IsNil() {
		pipe.HDel(ctx, key, "worker_id")
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("drover/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return drover.ErrJobNotFound
		}
		return fmt.Errorf("drover/redis: delete job get queue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, queueKey(q), jID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("drover/redis: delete job: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		jobs = append(jobs, j)
	}

	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// HeartbeatJob updates the heartbeat timestamp for a claimed job. Only
// the worker holding the claim may heartbeat it.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := jobKey(jobID.String())
	current, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	if current.WorkerID != workerID {
		return drover.ErrJobNotReserved
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStaleJobs returns claimed jobs whose last heartbeat is older than
// the threshold to pending, making them reservable again, and reports
// the reaped jobs.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: reap smembers: %w", err)
	}

	var reaped []*job.Job
	for _, jID := range ids {
		key := jobKey(jID)
		j, getErr := s.getJobByKey(ctx, key)
		if getErr != nil {
			continue
		}
		if j.State != job.StateReserved && j.State != job.StateExecuting {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key,
			"state", string(job.StatePending),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.HDel(ctx, key, "worker_id", "reserved_at", "started_at", "heartbeat_at")
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: jID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return reaped, fmt.Errorf("drover/redis: reap reset: %w", pErr)
		}

		j.State = job.StatePending
		j.WorkerID = id.Nil
		j.ReservedAt = nil
		j.StartedAt = nil
		j.HeartbeatAt = nil
		reaped = append(reaped, j)
	}
	return reaped, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	if opts.Queue == "" && opts.State == "" {
		return s.client.SCard(ctx, jobIDsKey).Result()
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("drover/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at.
// Lower score = reserved first. Priority is negated so higher priority
// sorts first; a fractional time component keeps FIFO within a priority.
func jobScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":           j.ID.String(),
		"name":         j.Name,
		"queue":        j.Queue,
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"priority":     strconv.Itoa(j.Priority),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"attempts":     strconv.Itoa(j.Attempts),
		"last_error":   j.LastError,
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"timeout":      strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !j.WorkerID.IsNil() {
		m["worker_id"] = j.WorkerID.String()
	}
	if j.Backoff != nil {
		data, err := json.Marshal(j.Backoff)
		if err == nil {
			m["backoff"] = string(data)
		}
	}
	if j.ReservedAt != nil {
		m["reserved_at"] = j.ReservedAt.Format(time.RFC3339Nano)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, drover.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("drover/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: drover.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          jID,
		Name:        m["name"],
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Attempts:    attempts,
		LastError:   m["last_error"],
		RunAt:       runAt,
		Timeout:     time.Duration(timeout),
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["backoff"]; v != "" {
		var spec backoff.Spec
		if unmarshalErr := json.Unmarshal([]byte(v), &spec); unmarshalErr == nil {
			j.Backoff = &spec
		}
	}
	if v := m["reserved_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ReservedAt = &t
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}
