// Package resiliency retries transient failures against remote backends
// with exponential backoff, jitter and a circuit breaker.
package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// Policy configures a Retrier.
type Policy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxJitter        time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultPolicy retries three times starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		BaseDelay:        100 * time.Millisecond,
		MaxJitter:        50 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

// Retrier runs operations under a Policy. It is safe for concurrent use.
type Retrier struct {
	policy  Policy
	breaker *CircuitBreaker
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context errors.
	Retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
}

// NewRetrier builds a Retrier whose breaker is labelled name.
func NewRetrier(name string, p Policy) *Retrier {
	return &Retrier{
		policy:  p,
		breaker: NewCircuitBreaker(name, p.BreakerThreshold, p.BreakerReset),
		sleep:   sleepCtx,
	}
}

// Breaker exposes the retrier's circuit breaker.
func (r *Retrier) Breaker() *CircuitBreaker { return r.breaker }

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retries run out. Cancellation of ctx stops the loop between attempts.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, r.breaker.name)
	}
	var err error
	for i := 0; i <= r.policy.MaxRetries; i++ {
		if err = fn(ctx); err == nil {
			r.breaker.Success()
			return nil
		}
		if !r.retryable(err) {
			// The backend answered; it is not unhealthy.
			r.breaker.Success()
			return err
		}
		if i == r.policy.MaxRetries {
			break
		}
		if serr := r.sleep(ctx, r.backoff(i)); serr != nil {
			return errors.Join(err, serr)
		}
	}
	r.breaker.Failure()
	return err
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.Retryable != nil {
		return r.Retryable(err)
	}
	return true
}

// backoff is base * 2^attempt plus jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := r.policy.BaseDelay << attempt
	if r.policy.MaxJitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(r.policy.MaxJitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || (cb.threshold > 0 && cb.failureCount >= cb.threshold) {
		cb.state = StateOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
