// Package resilience wraps backend calls with retry policies and a circuit
// breaker per storage handle. Panics raised by adapter code are recovered
// here and reported as protocol errors.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
)

// Class selects the retry policy of a call.
type Class int

const (
	// Read covers stat, list and read calls.
	Read Class = iota
	// Write covers destructive writes that must not be replayed blindly.
	Write
	// IdempotentWrite covers writes that can be replayed, such as writing
	// a staged temp file.
	IdempotentWrite
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	case IdempotentWrite:
		return "idempotent-write"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Executor runs calls under retry policies and per-handle breakers.
type Executor struct {
	config  config.ResilienceConfig
	log     *logrus.Entry
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker
	probing atomic.Bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Executor) { e.log = logging.Component(log, "resilience") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an Executor.
func New(cfg config.ResilienceConfig, opts ...Option) *Executor {
	e := &Executor{
		config:   cfg,
		log:      logging.Component(nil, "resilience"),
		sleep:    sleepContext,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempts returns the attempt budget of class.
func (e *Executor) Attempts(class Class) int {
	var n int
	switch class {
	case Read:
		n = e.config.ReadAttempts
	case IdempotentWrite:
		n = e.config.IdempotentWriteAttempts
	default:
		n = e.config.WriteAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Do runs fn against handle. Transient failures are retried with
// exponential backoff up to the attempt budget of class; every attempt
// passes through the breaker of handle.
func (e *Executor) Do(ctx context.Context, handle string, class Class, fn func(context.Context) error) error {
	attempts := e.Attempts(class)
	delay := e.config.BaseDelay

	for attempt := 1; ; attempt++ {
		err := e.once(ctx, handle, fn)
		if err == nil {
			return nil
		}
		if attempt >= attempts || !client.IsTransient(err) || ctx.Err() != nil {
			return err
		}

		e.log.WithFields(logrus.Fields{
			"handle":  handle,
			"class":   class.String(),
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Debug("retrying after transient failure")
		e.metrics.Retry(handle)

		if serr := e.sleep(ctx, delay); serr != nil {
			return client.Classify("retry", handle, serr)
		}
		delay = time.Duration(float64(delay) * e.config.Factor)
		if e.config.MaxDelay > 0 && delay > e.config.MaxDelay {
			delay = e.config.MaxDelay
		}
	}
}

func (e *Executor) once(ctx context.Context, handle string, fn func(context.Context) error) error {
	done, err := e.Allow(handle)
	if err != nil {
		return err
	}
	err = Protect(func() error { return fn(ctx) })
	done(err)
	return err
}

// Allow admits one call on handle and returns the function reporting its
// outcome. It fails with FastFail while the breaker is open, and while the
// single half-open probe is in flight.
func (e *Executor) Allow(handle string) (func(error), error) {
	b := e.breaker(handle)

	halfOpen := b.cb.State() == gobreaker.StateHalfOpen
	if halfOpen && !b.probing.CompareAndSwap(false, true) {
		return nil, fastFail(handle, gobreaker.ErrTooManyRequests)
	}

	report, err := b.cb.Allow()
	if err != nil {
		if halfOpen {
			b.probing.Store(false)
		}
		return nil, fastFail(handle, err)
	}
	return func(err error) {
		report(countsAsSuccess(err))
		if halfOpen {
			b.probing.Store(false)
		}
	}, nil
}

// Check fails with FastFail while the breaker of handle is open.
func (e *Executor) Check(handle string) error {
	if e.breaker(handle).cb.State() == gobreaker.StateOpen {
		return fastFail(handle, gobreaker.ErrOpenState)
	}
	return nil
}

// State returns the breaker state of handle.
func (e *Executor) State(handle string) gobreaker.State {
	return e.breaker(handle).cb.State()
}

func (e *Executor) breaker(handle string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[handle]
	if ok {
		return b
	}
	threshold := e.config.FailureThreshold
	b = &breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        handle,
		MaxRequests: e.config.HalfOpenSuccesses,
		Timeout:     e.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.WithFields(logrus.Fields{
				"handle": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("circuit breaker state changed")
			e.metrics.BreakerState(name, int(to))
		},
	})}
	e.breakers[handle] = b
	return b
}

// countsAsSuccess reports whether err says the backend is healthy. Only
// transient failures count against a breaker.
func countsAsSuccess(err error) bool {
	return !client.IsTransient(err)
}

func fastFail(handle string, err error) error {
	return client.NewError(client.KindFastFail, "acquire", handle, err)
}

// Protect runs fn and converts a panic into a protocol error.
func Protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = client.NewError(client.KindProtocol, "call", "", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return fn()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
