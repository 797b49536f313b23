package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/consumer"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/engine"
	"github.com/drover-io/drover/job"
	mw "github.com/drover-io/drover/middleware"
	"github.com/drover-io/drover/store/memory"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRuntime(t *testing.T, s drover.Storer, opts ...drover.Option) *drover.Runtime {
	t.Helper()
	cfg := drover.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	base := []drover.Option{
		drover.WithConfig(cfg),
		drover.WithStore(s),
		drover.WithLogger(testLogger()),
	}
	rt, err := drover.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("drover.New: %v", err)
	}
	return rt
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stopEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEngine_EndToEnd_RegisterEnqueueProcess(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	var mu sync.Mutex
	var gotPayload emailPayload
	engine.Register(eng, job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		mu.Lock()
		gotPayload = p
		mu.Unlock()
		processed.Store(true)
		return nil
	}))

	j, err := engine.Enqueue(context.Background(), eng, "send-email", emailPayload{
		To:      "alice@example.com",
		Subject: "Hello from Drover",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Name != "send-email" {
		t.Errorf("job.Name = %q, want %q", j.Name, "send-email")
	}
	if j.State != job.StatePending {
		t.Errorf("job.State = %q, want %q", j.State, job.StatePending)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, processed.Load, "timed out waiting for job to be processed")
	stopEngine(t, eng)

	mu.Lock()
	defer mu.Unlock()
	if gotPayload.To != "alice@example.com" {
		t.Errorf("payload.To = %q, want %q", gotPayload.To, "alice@example.com")
	}
}

func TestEngine_BuildNoStore(t *testing.T) {
	rt, err := drover.New(drover.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("drover.New: %v", err)
	}
	if _, buildErr := engine.Build(rt); !errors.Is(buildErr, drover.ErrNoStore) {
		t.Fatalf("Build error = %v, want ErrNoStore", buildErr)
	}
}

// lifecycleOnlyStore satisfies drover.Storer but not job.Store.
type lifecycleOnlyStore struct{}

func (lifecycleOnlyStore) Migrate(context.Context) error { return nil }
func (lifecycleOnlyStore) Ping(context.Context) error    { return nil }
func (lifecycleOnlyStore) Close() error                  { return nil }

func TestEngine_BuildBadStore(t *testing.T) {
	rt, err := drover.New(
		drover.WithStore(lifecycleOnlyStore{}),
		drover.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("drover.New: %v", err)
	}
	if _, buildErr := engine.Build(rt); buildErr == nil {
		t.Fatal("expected Build to reject a store without job.Store")
	}
}

func TestEngine_DefinitionOptionsApply(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("mailer", func(_ context.Context, _ emailPayload) error {
		return nil
	}, job.WithQueue("mail"), job.WithMaxAttempts(7), job.WithPriority(2)))

	j, err := engine.Enqueue(context.Background(), eng, "mailer", emailPayload{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Queue != "mail" {
		t.Errorf("Queue = %q, want %q", j.Queue, "mail")
	}
	if j.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", j.MaxAttempts)
	}
	if j.Priority != 2 {
		t.Errorf("Priority = %d, want 2", j.Priority)
	}

	// Per-call options override registered defaults.
	j2, err := engine.Enqueue(context.Background(), eng, "mailer", emailPayload{},
		job.WithQueue("bulk"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j2.Queue != "bulk" {
		t.Errorf("Queue = %q, want %q", j2.Queue, "bulk")
	}
}

func TestEngine_EnqueueIn(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	before := time.Now().UTC()
	j, err := engine.EnqueueIn(context.Background(), eng, "later", emailPayload{}, time.Hour)
	if err != nil {
		t.Fatalf("EnqueueIn: %v", err)
	}
	if j.RunAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("RunAt = %v, want about an hour out", j.RunAt)
	}

	// The delayed job must not be reservable yet.
	jobs, err := s.ReserveJobs(context.Background(), []string{"default"}, eng.Pool().WorkerID(), 10)
	if err != nil {
		t.Fatalf("ReserveJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("reserved %d jobs, want 0", len(jobs))
	}
}

func TestEngine_PerJobMiddleware(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var special, plain atomic.Int32
	tagged := func(ctx context.Context, _ *job.Job, next mw.Handler) error {
		special.Add(1)
		return next(ctx)
	}

	var done atomic.Int32
	handler := func(_ context.Context, _ struct{}) error {
		done.Add(1)
		return nil
	}
	engine.Register(eng, job.NewDefinition("special", handler), tagged)
	engine.Register(eng, job.NewDefinition("plain", func(_ context.Context, _ struct{}) error {
		plain.Add(1)
		done.Add(1)
		return nil
	}))

	if _, err := engine.Enqueue(context.Background(), eng, "special", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := engine.Enqueue(context.Background(), eng, "plain", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, func() bool { return done.Load() == 2 }, "timed out waiting for jobs")
	stopEngine(t, eng)

	if special.Load() != 1 {
		t.Errorf("per-job middleware ran %d times, want 1", special.Load())
	}
	if plain.Load() != 1 {
		t.Errorf("plain job ran %d times, want 1", plain.Load())
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var attempts atomic.Int32
	engine.Register(eng, job.NewDefinition("flaky", func(_ context.Context, _ struct{}) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, job.WithMaxAttempts(5)))

	if _, err := engine.Enqueue(context.Background(), eng, "flaky", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, func() bool { return attempts.Load() >= 3 }, "timed out waiting for retries")
	stopEngine(t, eng)

	n, err := s.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 0 {
		t.Errorf("CountDLQ = %d, want 0", n)
	}
}

func TestEngine_ExhaustRetriesToDLQ(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var attempts atomic.Int32
	engine.Register(eng, job.NewDefinition("doomed", func(_ context.Context, _ struct{}) error {
		attempts.Add(1)
		return errors.New("always fails")
	}, job.WithMaxAttempts(2)))

	if _, err := engine.Enqueue(context.Background(), eng, "doomed", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, func() bool {
		n, _ := s.CountDLQ(context.Background())
		return n == 1
	}, "timed out waiting for dead-letter")
	stopEngine(t, eng)

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	entries, err := s.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].JobName != "doomed" {
		t.Errorf("JobName = %q, want %q", entries[0].JobName, "doomed")
	}
}

func TestEngine_DLQReplay(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var fail atomic.Bool
	fail.Store(true)
	var succeeded atomic.Bool
	engine.Register(eng, job.NewDefinition("replayable", func(_ context.Context, _ struct{}) error {
		if fail.Load() {
			return errors.New("down for maintenance")
		}
		succeeded.Store(true)
		return nil
	}, job.WithMaxAttempts(1)))

	if _, err := engine.Enqueue(context.Background(), eng, "replayable", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, func() bool {
		n, _ := s.CountDLQ(context.Background())
		return n == 1
	}, "timed out waiting for dead-letter")

	entries, err := s.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}

	// Fix the handler, then replay the dead-lettered job.
	fail.Store(false)
	replayed, err := eng.DLQService().Replay(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.State != job.StatePending {
		t.Errorf("replayed state = %q, want %q", replayed.State, job.StatePending)
	}

	waitFor(t, succeeded.Load, "timed out waiting for replayed job")
	stopEngine(t, eng)
}

func TestEngine_HooksFire(t *testing.T) {
	s := memory.New()
	tracker := &trackingHook{}
	eng, err := engine.Build(newRuntime(t, s), engine.WithHook(tracker))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("tracked", func(_ context.Context, _ struct{}) error {
		return nil
	}))
	if _, err := engine.Enqueue(context.Background(), eng, "tracked", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !tracker.enqueued.Load() {
		t.Error("expected OnJobEnqueued to fire")
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	waitFor(t, tracker.completed.Load, "timed out waiting for completion hook")
	stopEngine(t, eng)

	if !tracker.shutdown.Load() {
		t.Error("expected OnShutdown to fire")
	}
}

func TestEngine_ConsumerEndToEnd(t *testing.T) {
	s := memory.New()
	b := broker.NewMemoryBroker(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	eng, err := engine.Build(newRuntime(t, s),
		engine.WithBroker(b),
		engine.WithConsumer([]string{"orders"}, func(_ context.Context, msgs []*broker.Message) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				got = append(got, string(m.Payload))
			}
			return nil
		}, consumer.WithBatchSize(2), consumer.WithFlushInterval(50*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	if err := b.Publish(context.Background(), "orders", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(context.Background(), "orders", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "timed out waiting for batch")
	stopEngine(t, eng)

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "one" || got[1] != "two" {
		t.Errorf("batch = %v, want [one two]", got)
	}
}

func TestEngine_ConsumerWithoutBroker(t *testing.T) {
	s := memory.New()
	_, err := engine.Build(newRuntime(t, s),
		engine.WithConsumer([]string{"orders"}, func(context.Context, []*broker.Message) error {
			return nil
		}),
	)
	if err == nil {
		t.Fatal("expected Build to reject consumers without a broker")
	}
}

func TestEngine_GracefulShutdown(t *testing.T) {
	s := memory.New()
	eng, err := engine.Build(newRuntime(t, s))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	stopEngine(t, eng)
}

// trackingHook records which lifecycle events fired.
type trackingHook struct {
	enqueued  atomic.Bool
	completed atomic.Bool
	shutdown  atomic.Bool
}

func (h *trackingHook) Name() string { return "tracker" }

func (h *trackingHook) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	h.enqueued.Store(true)
	return nil
}

func (h *trackingHook) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	h.completed.Store(true)
	return nil
}

func (h *trackingHook) OnShutdown(_ context.Context) {
	h.shutdown.Store(true)
}

func TestEngine_StopStopsBrokerDelivery(t *testing.T) {
	s := memory.New()
	b := broker.NewMemoryBroker(testLogger())
	defer b.Close()

	eng, err := engine.Build(newRuntime(t, s),
		engine.WithBroker(b),
		engine.WithConsumer([]string{"orders"}, func(context.Context, []*broker.Message) error {
			return nil
		}, consumer.WithFlushInterval(20*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	stopEngine(t, eng)

	// Stop halts broker consumption before draining the consumers.
	if _, consumeErr := b.Consume(context.Background(), time.Millisecond, 1); !errors.Is(consumeErr, drover.ErrConsumerStopped) {
		t.Fatalf("Consume after Stop = %v, want ErrConsumerStopped", consumeErr)
	}
}
