package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testJob(name string) *job.Job {
	return &job.Job{
		Entity:      drover.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Queue:       "default",
		Payload:     []byte(`{}`),
		State:       job.StatePending,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC(),
	}
}

func TestLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// Migrate is idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestJobPushAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("resize-image")
	j.Priority = 5
	j.Timeout = 30 * time.Second
	j.Backoff = backoff.ConstantSpec(5 * time.Second)

	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	if err := s.PushJob(ctx, j); !errors.Is(err, drover.ErrJobAlreadyExists) {
		t.Fatalf("duplicate PushJob error = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "resize-image" || got.Priority != 5 {
		t.Errorf("got %q prio %d, want resize-image prio 5", got.Name, got.Priority)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", got.Timeout)
	}
	if got.Backoff == nil || got.Backoff.Base != 5*time.Second {
		t.Errorf("Backoff did not round-trip: %+v", got.Backoff)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, drover.ErrJobNotFound) {
		t.Fatalf("GetJob missing error = %v, want ErrJobNotFound", err)
	}
}

func TestJobReserveOrderingAndVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := testJob("low")
	high := testJob("high")
	high.Priority = 10
	future := testJob("future")
	future.RunAt = time.Now().UTC().Add(time.Hour)

	for _, j := range []*job.Job{low, high, future} {
		if err := s.PushJob(ctx, j); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}

	worker := id.NewWorkerID()
	jobs, err := s.ReserveJobs(ctx, []string{"default"}, worker, 10)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("reserved %d jobs, want 2 (future job not visible)", len(jobs))
	}
	if jobs[0].Name != "high" {
		t.Errorf("first reserved = %q, want high (priority order)", jobs[0].Name)
	}
	if jobs[0].State != job.StateReserved || jobs[0].WorkerID != worker {
		t.Errorf("reserved job not claimed: state=%q worker=%v", jobs[0].State, jobs[0].WorkerID)
	}

	// Already-reserved jobs must not be reservable again.
	again, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-reserved %d jobs, want 0", len(again))
	}
}

func TestJobRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("release-me")
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	jobs, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ReserveJobs: %v (%d jobs)", err, len(jobs))
	}

	if err := s.ReleaseJob(ctx, jobs[0], time.Hour); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("WorkerID = %v, want nil", got.WorkerID)
	}

	// Not visible until the delay passes.
	jobs, err = s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("reserved %d jobs, want 0", len(jobs))
	}

	// Releasing an unclaimed job fails.
	if err := s.ReleaseJob(ctx, got, 0); !errors.Is(err, drover.ErrJobNotReserved) {
		t.Fatalf("ReleaseJob error = %v, want ErrJobNotReserved", err)
	}
}

func TestJobHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("beat")
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	worker := id.NewWorkerID()
	if _, err := s.ReserveJobs(ctx, []string{"default"}, worker, 1); err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}

	if err := s.HeartbeatJob(ctx, j.ID, worker); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}
	if err := s.HeartbeatJob(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, drover.ErrJobNotReserved) {
		t.Fatalf("foreign heartbeat error = %v, want ErrJobNotReserved", err)
	}
}

func TestJobReapStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("stale")
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	jobs, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ReserveJobs: %v (%d jobs)", err, len(jobs))
	}

	// Backdate the heartbeat past the threshold.
	old := time.Now().UTC().Add(-time.Minute)
	jobs[0].HeartbeatAt = &old
	if err := s.UpdateJob(ctx, jobs[0]); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	reaped, err := s.ReapStaleJobs(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d jobs, want 1", len(reaped))
	}
	if reaped[0].State != job.StatePending {
		t.Errorf("reaped state = %q, want pending", reaped[0].State)
	}

	// Reaped job is reservable again.
	jobs, err = s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("reserved %d jobs after reap, want 1", len(jobs))
	}
}

func TestJobListAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.PushJob(ctx, testJob("bulk")); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}
	other := testJob("other")
	other.Queue = "mail"
	if err := s.PushJob(ctx, other); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	pending, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("pending = %d, want 4", len(pending))
	}

	limited, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Limit: 2, Queue: "default"})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "mail"})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDLQRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:          id.NewDLQID(),
		JobID:       id.NewJobID(),
		JobName:     "doomed",
		Queue:       "default",
		Payload:     []byte(`{}`),
		Error:       "boom",
		Attempts:    3,
		MaxAttempts: 3,
		FailedAt:    time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.JobName != "doomed" || got.Error != "boom" {
		t.Errorf("entry = %q/%q, want doomed/boom", got.JobName, got.Error)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, err = s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set after replay")
	}

	purged, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	n, err := s.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestJobReserveConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = 8
	for i := 0; i < total; i++ {
		if err := s.PushJob(ctx, testJob("concurrent")); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}

	// Competing reservers on separate connections must each claim
	// distinct jobs without busy errors.
	var wg sync.WaitGroup
	claimed := make(chan id.JobID, total)
	errs := make(chan error, total)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := id.NewWorkerID()
			for {
				jobs, err := s.ReserveJobs(ctx, []string{"default"}, workerID, 1)
				if err != nil {
					errs <- err
					return
				}
				if len(jobs) == 0 {
					return
				}
				for _, j := range jobs {
					claimed <- j.ID
				}
			}
		}()
	}
	wg.Wait()
	close(claimed)
	close(errs)

	for err := range errs {
		t.Errorf("ReserveJobs: %v", err)
	}
	seen := make(map[id.JobID]bool, total)
	for jid := range claimed {
		if seen[jid] {
			t.Errorf("job %s reserved twice", jid)
		}
		seen[jid] = true
	}
	if len(seen) != total {
		t.Fatalf("reserved %d distinct jobs, want %d", len(seen), total)
	}
}
