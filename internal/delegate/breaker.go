package delegate

import (
	"sync"
	"time"

	"github.com/rendis/pms/pkg/schema"
)

// BreakerState is the state of one task type's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // accepting tasks
	BreakerOpen                         // rejecting tasks
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per task type circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed tasks that opens
	// the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects tasks before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe tasks let through while half open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers tracks one circuit per task type.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates the breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether a task of taskType may be queued. A rejected task
// yields a CIRCUIT_OPEN error.
func (r *Breakers) Allow(taskType string) error {
	if r.cfg.FailureThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(taskType)

	switch b.state {
	case BreakerOpen:
		if r.now().Sub(b.lastFailure) < r.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for task type %q after %d consecutive failures", taskType, b.failures).
				WithDetails(map[string]any{
					"task_type":            taskType,
					"consecutive_failures": b.failures,
					"cooldown_remaining":   (r.cfg.Cooldown - r.now().Sub(b.lastFailure)).String(),
				})
		}
		b.state = BreakerHalfOpen
		b.probes = 1
		return nil
	case BreakerHalfOpen:
		if b.probes >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half open for task type %q: probe in flight", taskType)
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit of taskType.
func (r *Breakers) Success(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(taskType)
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

// Failure records a failed task and returns the resulting state.
func (r *Breakers) Failure(taskType string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(taskType)
	b.failures++
	b.lastFailure = r.now()
	if b.state == BreakerHalfOpen || (r.cfg.FailureThreshold > 0 && b.failures >= r.cfg.FailureThreshold) {
		b.state = BreakerOpen
	}
	return b.state
}

// State returns the current state of taskType's circuit.
func (r *Breakers) State(taskType string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(taskType)
	if b.state == BreakerOpen && r.now().Sub(b.lastFailure) >= r.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
	return b.state
}

func (r *Breakers) get(taskType string) *breaker {
	b, ok := r.breakers[taskType]
	if !ok {
		b = &breaker{}
		r.breakers[taskType] = b
	}
	return b
}
