// Package pool manages authenticated, reusable sessions per storage handle.
// Each handle has a bounded number of live sessions; idle sessions are
// closed by a reaper and stale ones are reconnected on acquire.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
)

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateStale
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is a connected client lent to exactly one caller between Acquire
// and Release.
type Session struct {
	id       string
	client   client.Client
	handle   *handlePool
	state    State
	failures int
	lastUsed time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Client returns the connected client.
func (s *Session) Client() client.Client { return s.client }

// Handle returns the storage handle the session belongs to.
func (s *Session) Handle() client.StorageHandle { return s.handle.handle }

// State returns the session state.
func (s *Session) State() State { return s.state }

// Gate can refuse acquisition, e.g. while a circuit breaker is open.
type Gate interface {
	Check(handle string) error
}

type handlePool struct {
	config  *client.StorageConfig
	handle  client.StorageHandle
	limit   int
	sem     *semaphore.Weighted
	removed bool

	mu   sync.Mutex
	idle []*Session
	open int
}

// Stats describes the sessions of one handle.
type Stats struct {
	Limit int
	Open  int
	Idle  int
}

// Pool is the session manager. Create it with New and tear it down with Close.
type Pool struct {
	config  config.PoolConfig
	factory client.Factory
	gate    Gate
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	handles map[string]*handlePool
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithGate consults gate before every acquisition.
func WithGate(gate Gate) Option {
	return func(p *Pool) { p.gate = gate }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) { p.log = logging.Component(log, "pool") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock replaces time.Now for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool creating clients with factory.
func New(cfg config.PoolConfig, factory client.Factory, opts ...Option) *Pool {
	p := &Pool{
		config:  cfg,
		factory: factory,
		log:     logging.Component(nil, "pool"),
		now:     time.Now,
		handles: make(map[string]*handlePool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a resource. A client is created (not connected) to learn
// the adapter capabilities that bound the session limit.
func (p *Pool) Register(ctx context.Context, cfg *client.StorageConfig) error {
	probe, err := p.factory.CreateClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", cfg.ID, err)
	}
	limit := sessionLimit(cfg, probe.Capabilities(), p.config.MaxPerHandle)

	hp := &handlePool{
		config: cfg,
		handle: cfg.Handle(),
		limit:  limit,
		sem:    semaphore.NewWeighted(int64(limit)),
	}

	p.mu.Lock()
	old := p.handles[cfg.ID]
	p.handles[cfg.ID] = hp
	p.mu.Unlock()

	if old != nil {
		p.retire(ctx, old)
	}
	p.log.WithFields(logrus.Fields{"handle": hp.handle.String(), "limit": limit}).Debug("registered resource")
	return nil
}

// Unregister removes a resource. Idle sessions are closed now, sessions in
// use when they are released.
func (p *Pool) Unregister(ctx context.Context, id string) error {
	p.mu.Lock()
	hp, ok := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()
	if !ok {
		return unknown(id)
	}
	p.retire(ctx, hp)
	return nil
}

func (p *Pool) retire(ctx context.Context, hp *handlePool) {
	hp.mu.Lock()
	hp.removed = true
	idle := hp.idle
	hp.idle = nil
	hp.mu.Unlock()
	for _, s := range idle {
		p.discard(ctx, s)
	}
}

// Resource returns the configuration of a registered resource.
func (p *Pool) Resource(id string) (*client.StorageConfig, error) {
	hp, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return hp.config, nil
}

// Resources returns the registered resource ids in order.
func (p *Pool) Resources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) lookup(id string) (*handlePool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, client.NewError(client.KindUnreachable, "acquire", id, errors.New("pool closed"))
	}
	hp, ok := p.handles[id]
	if !ok {
		return nil, unknown(id)
	}
	return hp, nil
}

func unknown(id string) error {
	return client.NewError(client.KindInvalid, "acquire", id, errors.New("unknown resource"))
}

// Acquire returns a ready session for resource id, suspending until a slot
// of its handle is free. Stale sessions are reconnected first.
func (p *Pool) Acquire(ctx context.Context, id string) (*Session, error) {
	hp, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if p.gate != nil {
		if err := p.gate.Check(id); err != nil {
			return nil, err
		}
	}
	if err := hp.sem.Acquire(ctx, 1); err != nil {
		return nil, client.Classify("acquire", id, err)
	}

	hp.mu.Lock()
	var s *Session
	if n := len(hp.idle); n > 0 {
		s = hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
	}
	hp.mu.Unlock()

	if s == nil {
		s, err = p.open(ctx, hp)
		if err != nil {
			hp.sem.Release(1)
			return nil, err
		}
		return s, nil
	}

	if s.state == StateStale || !s.client.IsConnected() {
		if err := p.reconnect(ctx, s); err != nil {
			p.discard(ctx, s)
			hp.sem.Release(1)
			return nil, err
		}
	}
	return s, nil
}

// Release returns s to its pool. A transient err marks the session stale;
// after MaxFailures consecutive failures it is closed instead of reused.
func (p *Pool) Release(s *Session, err error) {
	hp := s.handle

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	hp.mu.Lock()
	s.lastUsed = p.now()
	switch {
	case err == nil:
		s.failures = 0
	case client.IsTransient(err):
		s.failures++
		s.state = StateStale
	}
	drop := closed || hp.removed || s.state == StateClosed || s.failures >= p.config.MaxFailures
	if !drop {
		hp.idle = append(hp.idle, s)
	}
	hp.mu.Unlock()

	if drop {
		p.discard(context.Background(), s)
	}
	hp.sem.Release(1)
}

// With acquires a session for id, runs fn with its client and releases it
// with the error fn returned.
func (p *Pool) With(ctx context.Context, id string, fn func(context.Context, client.Client) error) error {
	s, err := p.Acquire(ctx, id)
	if err != nil {
		return err
	}
	err = fn(ctx, s.client)
	p.Release(s, err)
	return err
}

func (p *Pool) open(ctx context.Context, hp *handlePool) (*Session, error) {
	c, err := p.factory.CreateClient(ctx, hp.config)
	if err != nil {
		return nil, err
	}
	s := &Session{id: uuid.NewString(), client: c, handle: hp, state: StateConnecting}
	if err := p.connect(ctx, s); err != nil {
		return nil, err
	}

	hp.mu.Lock()
	hp.open++
	open := hp.open
	hp.mu.Unlock()
	p.metrics.SessionsOpen(hp.config.ID, open)

	p.log.WithFields(logrus.Fields{"handle": hp.handle.String(), "session": s.id}).Debug("session opened")
	return s, nil
}

func (p *Pool) reconnect(ctx context.Context, s *Session) error {
	p.log.WithFields(logrus.Fields{"handle": s.handle.handle.String(), "session": s.id}).Debug("reconnecting stale session")
	_ = s.client.Disconnect(ctx)
	s.state = StateConnecting
	return p.connect(ctx, s)
}

// connect dials with the connect timeout, retrying transient failures.
func (p *Pool) connect(ctx context.Context, s *Session) error {
	id := s.handle.config.ID
	var err error
	for attempt := 0; attempt <= p.config.ConnectRetries; attempt++ {
		if attempt > 0 {
			if serr := sleepContext(ctx, p.config.RetryDelay); serr != nil {
				return client.Classify("connect", id, serr)
			}
		}

		cctx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
		err = s.client.Connect(cctx)
		cancel()
		if err == nil {
			s.state = StateReady
			return nil
		}

		err = client.Classify("connect", id, err)
		if ctx.Err() != nil {
			return client.Classify("connect", id, ctx.Err())
		}
		if !client.IsTransient(err) {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"handle":  s.handle.handle.String(),
			"attempt": attempt + 1,
		}).WithError(err).Debug("connect failed")
	}
	return client.NewError(client.KindUnreachable, "connect", id, err)
}

func (p *Pool) discard(ctx context.Context, s *Session) {
	hp := s.handle
	if err := s.client.Disconnect(ctx); err != nil {
		p.log.WithField("session", s.id).WithError(err).Debug("disconnect failed")
	}

	hp.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		hp.open--
	}
	open := hp.open
	hp.mu.Unlock()
	p.metrics.SessionsOpen(hp.config.ID, open)
}

// Stats returns the session counters of id.
func (p *Pool) Stats(id string) (Stats, error) {
	hp, err := p.lookup(id)
	if err != nil {
		return Stats{}, err
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return Stats{Limit: hp.limit, Open: hp.open, Idle: len(hp.idle)}, nil
}

// Reap closes sessions idle for longer than the idle timeout and returns
// how many were closed.
func (p *Pool) Reap(ctx context.Context) int {
	p.mu.RLock()
	handles := make([]*handlePool, 0, len(p.handles))
	for _, hp := range p.handles {
		handles = append(handles, hp)
	}
	p.mu.RUnlock()

	now := p.now()
	var expired []*Session
	for _, hp := range handles {
		hp.mu.Lock()
		keep := hp.idle[:0]
		for _, s := range hp.idle {
			if now.Sub(s.lastUsed) > p.config.IdleTimeout {
				expired = append(expired, s)
			} else {
				keep = append(keep, s)
			}
		}
		hp.idle = keep
		hp.mu.Unlock()
	}

	for _, s := range expired {
		p.log.WithField("session", s.id).Debug("closing idle session")
		p.discard(ctx, s)
	}
	return len(expired)
}

// Run reaps idle sessions every reap interval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Close closes every idle session in parallel. Sessions still in use are
// closed when released; further acquisitions fail.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := p.handles
	p.mu.Unlock()

	var idle []*Session
	for _, hp := range handles {
		hp.mu.Lock()
		idle = append(idle, hp.idle...)
		hp.idle = nil
		hp.mu.Unlock()
	}

	var g errgroup.Group
	for _, s := range idle {
		g.Go(func() error {
			p.discard(ctx, s)
			return nil
		})
	}
	return g.Wait()
}

// sessionLimit caps sessions at max_parallelism (or the default), then at
// the adapter limit.
func sessionLimit(cfg *client.StorageConfig, caps client.Capabilities, def int) int {
	limit := cfg.MaxParallelism
	if limit <= 0 {
		limit = def
	}
	if caps.MaxSessions > 0 && caps.MaxSessions < limit {
		limit = caps.MaxSessions
	}
	return limit
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
