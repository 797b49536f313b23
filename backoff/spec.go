package backoff

import "time"

// Kind names a backoff strategy in a serializable form.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindJitter      Kind = "exponential_jitter"
)

// Spec is a serializable backoff descriptor carried on a job. It survives
// the round trip through any store backend and is resolved back into a
// Strategy by the worker executor.
type Spec struct {
	Kind Kind          `json:"kind"`
	Base time.Duration `json:"base"`
	Cap  time.Duration `json:"cap,omitempty"`
}

// ConstantSpec returns a descriptor for a constant strategy.
func ConstantSpec(interval time.Duration) *Spec {
	return &Spec{Kind: KindConstant, Base: interval}
}

// ExponentialSpec returns a descriptor for an exponential strategy.
func ExponentialSpec(base, maxDelay time.Duration) *Spec {
	return &Spec{Kind: KindExponential, Base: base, Cap: maxDelay}
}

// Strategy resolves the descriptor into a concrete Strategy. Unknown or
// zero-valued descriptors fall back to DefaultStrategy.
func (s *Spec) Strategy() Strategy {
	if s == nil || s.Base <= 0 {
		return DefaultStrategy()
	}
	switch s.Kind {
	case KindConstant:
		return NewConstant(s.Base)
	case KindLinear:
		return NewLinear(s.Base, s.Cap)
	case KindExponential:
		return NewExponential(s.Base, s.Cap)
	case KindJitter:
		return NewExponentialWithJitter(s.Base, s.Cap)
	default:
		return DefaultStrategy()
	}
}
