package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker stops calling a failing dependency for a cool-down period.
// The admission engine wraps record store calls with it so a dead Redis
// fails fast instead of holding every request for a full timeout.
type CircuitBreaker struct {
	mu              sync.RWMutex
	name            string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	maxFailures     int
	timeout         time.Duration
	halfOpenSuccess int
	isFailure       func(error) bool

	logger *zap.Logger
	now    func() time.Time
}

type Config struct {
	Name            string
	MaxFailures     int           // Default: 5
	Timeout         time.Duration // Default: 30 seconds
	HalfOpenSuccess int           // Default: 1

	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error.
	IsFailure func(error) bool

	Logger *zap.Logger
	Now    func() time.Time
}

// IgnoreCallerErrors counts every error except the caller's own context
// being cancelled or running out of time.
func IgnoreCallerErrors(err error) bool {
	return err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		timeout:         cfg.Timeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		isFailure:       cfg.IsFailure,
		logger:          cfg.Logger,
		now:             cfg.Now,
		lastStateChange: cfg.Now(),
	}
}

// Call runs fn unless the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		// Errors that are not failures leave the breaker untouched.
		if cb.isFailure(err) {
			cb.onFailure()
		}
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.successCount = 0
	case cb.failureCount >= cb.maxFailures:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenSuccess {
			cb.setState(StateClosed)
			cb.failureCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	cb.logger.Warn("circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", newState),
		zap.Int("failures", cb.failureCount),
	)
	cb.state = newState
	cb.lastStateChange = cb.now()
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

type Metrics struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
