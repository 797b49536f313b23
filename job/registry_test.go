package job_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/job"
)

type greeting struct {
	Name string `json:"name"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := job.NewRegistry()

	var got string
	job.RegisterDefinition(reg, job.NewDefinition("greet", func(_ context.Context, p greeting) error {
		got = p.Name
		return nil
	}))

	handler, ok := reg.Get("greet")
	if !ok {
		t.Fatal("handler not found after registration")
	}

	payload, _ := json.Marshal(greeting{Name: "Alice"})
	if err := handler(context.Background(), payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got != "Alice" {
		t.Errorf("payload.Name = %q, want %q", got, "Alice")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := job.NewRegistry()
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get should return false for unregistered names")
	}
}

func TestRegistry_HandlerRejectsBadPayload(t *testing.T) {
	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("greet", func(_ context.Context, _ greeting) error {
		return nil
	}))

	handler, _ := reg.Get("greet")
	if err := handler(context.Background(), []byte("{not json")); err == nil {
		t.Error("handler should fail on malformed payload")
	}
}

func TestRegistry_EmptyPayloadSkipsUnmarshal(t *testing.T) {
	reg := job.NewRegistry()

	called := false
	job.RegisterDefinition(reg, job.NewDefinition("noop", func(_ context.Context, _ struct{}) error {
		called = true
		return nil
	}))

	handler, _ := reg.Get("noop")
	if err := handler(context.Background(), nil); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Error("handler was not invoked")
	}
}

func TestRegistry_OptionsCapturedAtRegistration(t *testing.T) {
	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("send-email", func(_ context.Context, _ greeting) error {
		return nil
	},
		job.WithMaxAttempts(5),
		job.WithQueue("mail"),
		job.WithPriority(2),
		job.WithTimeout(time.Minute),
		job.WithBackoff(backoff.ExponentialSpec(2*time.Second, time.Minute)),
	))

	opts, ok := reg.GetOptions("send-email")
	if !ok {
		t.Fatal("options not found after registration")
	}
	if opts.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", opts.MaxAttempts)
	}
	if opts.Queue != "mail" {
		t.Errorf("Queue = %q, want %q", opts.Queue, "mail")
	}
	if opts.Priority != 2 {
		t.Errorf("Priority = %d, want 2", opts.Priority)
	}
	if opts.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want %v", opts.Timeout, time.Minute)
	}
	if opts.Backoff == nil || opts.Backoff.Kind != backoff.KindExponential {
		t.Errorf("Backoff = %+v, want exponential spec", opts.Backoff)
	}
}

func TestJob_AttemptsRemaining(t *testing.T) {
	j := &job.Job{Attempts: 2, MaxAttempts: 3}
	if !j.AttemptsRemaining() {
		t.Error("AttemptsRemaining() = false with 2/3 attempts")
	}
	j.Attempts = 3
	if j.AttemptsRemaining() {
		t.Error("AttemptsRemaining() = true with 3/3 attempts")
	}
}
