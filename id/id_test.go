package id_test

import (
	"encoding/json"
	"testing"

	"github.com/drover-io/drover/id"
)

func TestNew_GeneratesPrefixedIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"job", id.NewJobID, id.PrefixJob},
		{"dlq", id.NewDLQID, id.PrefixDLQ},
		{"worker", id.NewWorkerID, id.PrefixWorker},
		{"message", id.NewMessageID, id.PrefixMessage},
		{"batch", id.NewBatchID, id.PrefixBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if got.IsNil() {
				t.Fatal("generated ID is nil")
			}
			if got.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", got.Prefix(), tt.prefix)
			}
		})
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		s := id.NewJobID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewJobID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", orig.String(), err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), orig.String())
	}
}

func TestParse_EmptyString(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("Parse(\"\") should return an error")
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	jobID := id.NewJobID()

	if _, err := id.ParseDLQID(jobID.String()); err == nil {
		t.Error("ParseDLQID should reject a job-prefixed ID")
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	orig := id.NewMessageID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("JSON round trip = %q, want %q", decoded.String(), orig.String())
	}
}

func TestID_SQLRoundTrip(t *testing.T) {
	orig := id.NewWorkerID()

	val, err := orig.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("SQL round trip = %q, want %q", scanned.String(), orig.String())
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false, want true")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}

	val, err := id.Nil.Value()
	if err != nil {
		t.Fatalf("Nil.Value() error: %v", err)
	}
	if val != nil {
		t.Errorf("Nil.Value() = %v, want nil", val)
	}

	var scanned id.ID
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if !scanned.IsNil() {
		t.Error("Scan(nil) should produce the Nil ID")
	}
}
