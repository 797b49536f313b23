package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(name, queue string, state job.State, priority int) *job.Job {
	return &job.Job{
		Entity:      drover.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Queue:       queue,
		Payload:     []byte(`{"test":true}`),
		State:       state,
		Priority:    priority,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC().Add(-time.Second), // eligible immediately
	}
}

func TestJobPushAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("test-job", "default", job.StatePending, 0)

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "push new job",
			fn:      func() error { return s.PushJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "push duplicate job",
			fn:      func() error { return s.PushJob(ctx, j) },
			wantErr: drover.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Verify Get.
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != j.Name {
		t.Fatalf("got name %q, want %q", got.Name, j.Name)
	}

	// Get non-existent.
	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, drover.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobReserve(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	// Push jobs with different priorities and queues.
	j1 := newJob("low", "default", job.StatePending, 1)
	j2 := newJob("high", "default", job.StatePending, 10)
	j3 := newJob("other-queue", "critical", job.StatePending, 5)

	for _, j := range []*job.Job{j1, j2, j3} {
		if err := s.PushJob(ctx, j); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}

	tests := []struct {
		name      string
		queues    []string
		limit     int
		wantCount int
		wantFirst string // expected first job name (highest priority)
	}{
		{
			name:      "reserve from default queue",
			queues:    []string{"default"},
			limit:     10,
			wantCount: 2,
			wantFirst: "high",
		},
		{
			name:      "reserve from critical queue",
			queues:    []string{"critical"},
			limit:     10,
			wantCount: 1,
			wantFirst: "other-queue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ReserveJobs(ctx, tt.queues, workerID, tt.limit)
			if err != nil {
				t.Fatalf("ReserveJobs: %v", err)
			}
			if len(jobs) != tt.wantCount {
				t.Fatalf("got %d jobs, want %d", len(jobs), tt.wantCount)
			}
			if len(jobs) > 0 && jobs[0].Name != tt.wantFirst {
				t.Fatalf("first job name = %q, want %q", jobs[0].Name, tt.wantFirst)
			}
			for _, j := range jobs {
				if j.State != job.StateReserved {
					t.Fatalf("reserved job state = %q, want %q", j.State, job.StateReserved)
				}
				if j.WorkerID != workerID {
					t.Fatalf("reserved job worker = %q, want %q", j.WorkerID, workerID)
				}
				if j.ReservedAt == nil {
					t.Fatal("reserved job should have ReservedAt set")
				}
			}
		})
	}
}

func TestJobReserveLimitAndRunAt(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// Job in the future should not be reserved.
	jFuture := newJob("future", "default", job.StatePending, 1)
	jFuture.RunAt = time.Now().UTC().Add(time.Hour)

	jReady := newJob("ready", "default", job.StatePending, 1)

	for _, j := range []*job.Job{jFuture, jReady} {
		if err := s.PushJob(ctx, j); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}

	jobs, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 (future job should be excluded)", len(jobs))
	}
	if jobs[0].Name != "ready" {
		t.Fatalf("reserved job = %q, want %q", jobs[0].Name, "ready")
	}
}

func TestJobReserveExclusive(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// One eligible job, many competing workers. Exactly one wins.
	j := newJob("contested", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan int, workers)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
			if err != nil {
				t.Errorf("ReserveJobs: %v", err)
				return
			}
			results <- len(jobs)
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 1 {
		t.Fatalf("job reserved %d times, want exactly 1", total)
	}
}

func TestJobRelease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("release-me", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	reserved, err := s.ReserveJobs(ctx, []string{"default"}, workerID, 1)
	if err != nil || len(reserved) != 1 {
		t.Fatalf("ReserveJobs: jobs=%d err=%v", len(reserved), err)
	}

	// Release with a 1h delay.
	if err := s.ReleaseJob(ctx, reserved[0], time.Hour); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StatePending {
		t.Fatalf("released job state = %q, want %q", got.State, job.StatePending)
	}
	if !got.WorkerID.IsNil() {
		t.Fatalf("released job should have no worker, got %q", got.WorkerID)
	}
	if !got.RunAt.After(time.Now().UTC().Add(30 * time.Minute)) {
		t.Fatalf("released job RunAt should be ~1h out, got %v", got.RunAt)
	}

	// Not reservable before the delay elapses.
	jobs, err := s.ReserveJobs(ctx, []string{"default"}, workerID, 1)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("delayed job should not be reservable yet")
	}
}

func TestJobReleaseNotReserved(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("pending", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	if err := s.ReleaseJob(ctx, j, 0); !errors.Is(err, drover.ErrJobNotReserved) {
		t.Fatalf("expected ErrJobNotReserved, got %v", err)
	}
}

func TestJobUpdateAndDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("mutable", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	j.Attempts = 2
	j.LastError = "boom"
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 2 || got.LastError != "boom" {
		t.Fatalf("update not persisted: attempts=%d lastError=%q", got.Attempts, got.LastError)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, drover.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, drover.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on double delete, got %v", err)
	}
}

func TestJobListByState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := range 5 {
		j := newJob("listed", "default", job.StatePending, i)
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := s.PushJob(ctx, j); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}
	other := newJob("other", "critical", job.StateRetrying, 0)
	if err := s.PushJob(ctx, other); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	tests := []struct {
		name      string
		state     job.State
		opts      job.ListOpts
		wantCount int
	}{
		{"all pending", job.StatePending, job.ListOpts{}, 5},
		{"pending with limit", job.StatePending, job.ListOpts{Limit: 2}, 2},
		{"pending with offset", job.StatePending, job.ListOpts{Offset: 3}, 2},
		{"offset past end", job.StatePending, job.ListOpts{Offset: 10}, 0},
		{"retrying", job.StateRetrying, job.ListOpts{}, 1},
		{"filter by queue", job.StatePending, job.ListOpts{Queue: "critical"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobsByState(ctx, tt.state, tt.opts)
			if err != nil {
				t.Fatalf("ListJobsByState: %v", err)
			}
			if len(jobs) != tt.wantCount {
				t.Fatalf("got %d jobs, want %d", len(jobs), tt.wantCount)
			}
		})
	}
}

func TestJobHeartbeat(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("beating", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	if _, err := s.ReserveJobs(ctx, []string{"default"}, workerID, 1); err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}

	if err := s.HeartbeatJob(ctx, j.ID, workerID); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}

	// A different worker may not heartbeat someone else's job.
	if err := s.HeartbeatJob(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, drover.ErrJobNotReserved) {
		t.Fatalf("expected ErrJobNotReserved, got %v", err)
	}

	if err := s.HeartbeatJob(ctx, id.NewJobID(), workerID); !errors.Is(err, drover.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobReapStale(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("stale", "default", job.StatePending, 0)
	if err := s.PushJob(ctx, j); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	if _, err := s.ReserveJobs(ctx, []string{"default"}, workerID, 1); err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}

	// Advance the clock past the threshold.
	base := time.Now().UTC()
	s.SetNowFunc(func() time.Time { return base.Add(10 * time.Minute) })

	reaped, err := s.ReapStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("got %d reaped jobs, want 1", len(reaped))
	}

	// The reaped job is reservable again.
	jobs, err := s.ReserveJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("reaped job should be reservable, got %d jobs", len(jobs))
	}
}

func TestJobCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for range 3 {
		if err := s.PushJob(ctx, newJob("a", "default", job.StatePending, 0)); err != nil {
			t.Fatalf("PushJob: %v", err)
		}
	}
	if err := s.PushJob(ctx, newJob("b", "critical", job.StateRetrying, 0)); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	tests := []struct {
		name string
		opts job.CountOpts
		want int64
	}{
		{"all", job.CountOpts{}, 4},
		{"by queue", job.CountOpts{Queue: "default"}, 3},
		{"by state", job.CountOpts{State: job.StateRetrying}, 1},
		{"by queue and state", job.CountOpts{Queue: "critical", State: job.StatePending}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountJobs(ctx, tt.opts)
			if err != nil {
				t.Fatalf("CountJobs: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func newDLQEntry(queue string, failedAt time.Time) *dlq.Entry {
	return &dlq.Entry{
		ID:          id.NewDLQID(),
		JobID:       id.NewJobID(),
		JobName:     "failed-job",
		Queue:       queue,
		Payload:     []byte(`{}`),
		Error:       "exhausted",
		Attempts:    3,
		MaxAttempts: 3,
		FailedAt:    failedAt,
		CreatedAt:   failedAt,
	}
}

func TestDLQPushListGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	e1 := newDLQEntry("default", now.Add(-2*time.Hour))
	e2 := newDLQEntry("default", now.Add(-time.Hour))
	e3 := newDLQEntry("critical", now)

	for _, e := range []*dlq.Entry{e1, e2, e3} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Oldest failure first.
	if entries[0].ID != e1.ID {
		t.Fatalf("first entry = %s, want oldest %s", entries[0].ID, e1.ID)
	}

	entries, err = s.ListDLQ(ctx, dlq.ListOpts{Queue: "critical"})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != e3.ID {
		t.Fatalf("queue filter returned wrong entries: %d", len(entries))
	}

	got, err := s.GetDLQ(ctx, e2.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.JobName != "failed-job" {
		t.Fatalf("got job name %q", got.JobName)
	}

	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, drover.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

func TestDLQReplay(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newDLQEntry("default", time.Now().UTC())
	if err := s.PushDLQ(ctx, e); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	if err := s.ReplayDLQ(ctx, e.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}

	got, err := s.GetDLQ(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Fatal("expected ReplayedAt to be set")
	}

	if err := s.ReplayDLQ(ctx, id.NewDLQID()); !errors.Is(err, drover.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

func TestDLQPurgeAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	old := newDLQEntry("default", now.Add(-48*time.Hour))
	recent := newDLQEntry("default", now)

	for _, e := range []*dlq.Entry{old, recent} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
	}

	count, err := s.CountDLQ(ctx)
	if err != nil || count != 2 {
		t.Fatalf("CountDLQ = %d, %v; want 2", count, err)
	}

	purged, err := s.PurgeDLQ(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d entries, want 1", purged)
	}

	count, err = s.CountDLQ(ctx)
	if err != nil || count != 1 {
		t.Fatalf("CountDLQ after purge = %d, %v; want 1", count, err)
	}
	if _, err := s.GetDLQ(ctx, recent.ID); err != nil {
		t.Fatalf("recent entry should survive purge: %v", err)
	}
}
