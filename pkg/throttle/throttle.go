// Package throttle implements admission control: global and per-protocol
// budgets for running operations, denial of background work under power
// saving, pacing on metered networks and connectivity reporting.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/logging"
)

// Priority separates user-initiated work from background work.
type Priority int

const (
	// Interactive work was started by the user and is never denied.
	Interactive Priority = iota
	// Background work, such as sync or queue replay, yields under power saving.
	Background
)

// String returns the priority name.
func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "interactive"
}

// Request asks for one operation slot.
type Request struct {
	// Token identifies the request for Cancel; generated when empty.
	Token    string
	Resource string
	Protocol string
	Priority Priority
}

// Environment reports device and network conditions.
type Environment interface {
	PowerSaving() bool
	Metered() bool
	Online(resource string) bool
}

// StaticEnvironment is an Environment whose conditions are set explicitly.
// The zero value is online, unmetered and not power saving.
type StaticEnvironment struct {
	powerSaving atomic.Bool
	metered     atomic.Bool

	mu      sync.RWMutex
	offline map[string]bool
}

// SetPowerSaving switches power saving.
func (e *StaticEnvironment) SetPowerSaving(on bool) { e.powerSaving.Store(on) }

// SetMetered switches metered networking.
func (e *StaticEnvironment) SetMetered(on bool) { e.metered.Store(on) }

// SetOnline marks resource reachable or not.
func (e *StaticEnvironment) SetOnline(resource string, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offline == nil {
		e.offline = make(map[string]bool)
	}
	if online {
		delete(e.offline, resource)
	} else {
		e.offline[resource] = true
	}
}

// PowerSaving implements Environment.
func (e *StaticEnvironment) PowerSaving() bool { return e.powerSaving.Load() }

// Metered implements Environment.
func (e *StaticEnvironment) Metered() bool { return e.metered.Load() }

// Online implements Environment.
func (e *StaticEnvironment) Online(resource string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.offline[resource]
}

// Ticket is a granted slot. Release it when the operation ends.
type Ticket struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	c       *Controller
	proto   *semaphore.Weighted
	global  bool
	granted atomic.Bool
	once    sync.Once
}

// ID returns the request token.
func (t *Ticket) ID() string { return t.id }

// Context is cancelled when the ticket is cancelled or released.
func (t *Ticket) Context() context.Context { return t.ctx }

// Release frees the slot. It is safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if t.proto != nil {
			t.proto.Release(1)
		}
		if t.global {
			t.c.global.Release(1)
		}
		t.cancel()
		t.c.forget(t)
	})
}

// Controller grants operation slots.
type Controller struct {
	config  config.ThrottleConfig
	env     Environment
	global  *semaphore.Weighted
	limiter *rate.Limiter
	log     *logrus.Entry

	mu        sync.Mutex
	protocols map[string]*semaphore.Weighted
	tickets   map[string]*Ticket
}

// Option configures a Controller.
type Option func(*Controller)

// WithEnvironment sets the environment; the default is always online.
func WithEnvironment(env Environment) Option {
	return func(c *Controller) { c.env = env }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = logging.Component(log, "throttle") }
}

// New creates a Controller.
func New(cfg config.ThrottleConfig, opts ...Option) *Controller {
	global := cfg.Global
	if global < 1 {
		global = 1
	}
	c := &Controller{
		config:    cfg,
		env:       &StaticEnvironment{},
		global:    semaphore.NewWeighted(int64(global)),
		log:       logging.Component(nil, "throttle"),
		protocols: make(map[string]*semaphore.Weighted),
		tickets:   make(map[string]*Ticket),
	}
	if cfg.MeteredOpsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MeteredOpsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Online reports whether resource is reachable.
func (c *Controller) Online(resource string) bool {
	return c.env.Online(resource)
}

// Submit suspends until a slot is granted for req, ctx is done or the
// request is cancelled. Background requests are denied with Throttled
// under power saving.
func (c *Controller) Submit(ctx context.Context, req Request) (*Ticket, error) {
	if err := c.admit(req); err != nil {
		return nil, err
	}

	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Ticket{id: token, ctx: tctx, cancel: cancel, c: c}

	c.mu.Lock()
	if _, dup := c.tickets[token]; dup {
		c.mu.Unlock()
		cancel()
		return nil, client.NewError(client.KindInvalid, "submit", req.Resource, fmt.Errorf("duplicate token %s", token))
	}
	c.tickets[token] = t
	c.mu.Unlock()

	fail := func(err error) (*Ticket, error) {
		t.Release()
		return nil, client.Classify("submit", req.Resource, err)
	}

	if err := c.global.Acquire(tctx, 1); err != nil {
		return fail(err)
	}
	t.global = true

	if sem := c.protocol(req.Protocol); sem != nil {
		if err := sem.Acquire(tctx, 1); err != nil {
			return fail(err)
		}
		t.proto = sem
	}

	if c.limiter != nil && c.env.Metered() {
		if err := c.limiter.Wait(tctx); err != nil {
			return fail(err)
		}
	}

	if err := c.admit(req); err != nil {
		t.Release()
		return nil, err
	}

	t.granted.Store(true)
	if err := tctx.Err(); err != nil {
		return fail(err)
	}
	return t, nil
}

func (c *Controller) admit(req Request) error {
	if req.Priority == Background && c.env.PowerSaving() {
		return client.NewError(client.KindThrottled, "submit", req.Resource, errors.New("background work denied under power saving"))
	}
	return nil
}

func (c *Controller) protocol(name string) *semaphore.Weighted {
	limit, ok := c.config.PerProtocol[name]
	if !ok || limit < 1 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.protocols[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		c.protocols[name] = sem
	}
	return sem
}

// Cancel cancels the request with the given token. A waiting request
// returns Cancelled without running; a granted one has its slot released
// and its context cancelled. It reports whether the token was known.
func (c *Controller) Cancel(token string) bool {
	c.mu.Lock()
	t, ok := c.tickets[token]
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	if t.granted.Load() {
		t.Release()
	}
	c.log.WithField("token", token).Debug("request cancelled")
	return true
}

// Active returns the number of requests waiting or holding a slot.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

func (c *Controller) forget(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickets[t.id] == t {
		delete(c.tickets, t.id)
	}
}
