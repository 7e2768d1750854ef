package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen - вызов отклонен, circuit открыт
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State - состояние Circuit Breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CircuitBreaker прекращает обращения к сервису после серии сбоев
// и пробует восстановиться через Timeout.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint32
	successes   uint32
	openedUntil time.Time
}

// New создает Circuit Breaker. Выключенный breaker пропускает все вызовы.
func New(config Config) (*CircuitBreaker, error) {
	if config.Enabled {
		config.SetDefaults()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	return &CircuitBreaker{config: config, now: time.Now}, nil
}

// Execute выполняет fn под защитой breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.config.Enabled {
		return fn(ctx)
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

// State возвращает текущее состояние
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()
	return cb.state
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()
	if cb.state == StateOpen {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if !failed {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.setLocked(StateClosed)
			}
		}
		return
	}

	cb.successes = 0
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.setLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) expireLocked() {
	if cb.state == StateOpen && !cb.now().Before(cb.openedUntil) {
		cb.setLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) setLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedUntil = cb.now().Add(cb.config.Timeout)
	}
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
