// Package engine orchestrates copy, move, delete and rename across any pair
// of configured resources. Operations on the same path are serialized,
// admitted through the throttle, run on pooled sessions under the
// resilience policies and recorded for undo.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"digital.vasic.fileops/pkg/cache"
	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
	"digital.vasic.fileops/pkg/pool"
	"digital.vasic.fileops/pkg/queue"
	"digital.vasic.fileops/pkg/resilience"
	"digital.vasic.fileops/pkg/throttle"
	"digital.vasic.fileops/pkg/undo"
)

var errSkipped = errors.New("skipped")

// Engine executes file operations.
type Engine struct {
	timeouts config.TimeoutsConfig
	runner   *resilience.Runner
	pool     *pool.Pool
	executor *resilience.Executor
	throttle *throttle.Controller
	undo     *undo.Manager
	cache    *cache.Cache
	queue    *queue.Queue
	locks    *keylock.Locker
	resolver Resolver
	progress Progress
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time

	batchLimit int

	mu      sync.Mutex
	pending map[string]*pendingOp
}

// pendingOp is an operation between its start and its end, including the
// time spent waiting on path locks and throttle slots.
type pendingOp struct {
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache invalidates cached entries of mutated paths.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithQueue parks operations on offline resources in q.
func WithQueue(q *queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithResolver sets the conflict resolver. Without one, an existing
// destination fails with Conflict(ExistingFile).
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithProgress sets the progress callback.
func WithProgress(p Progress) Option {
	return func(e *Engine) { e.progress = p }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = logging.Component(log, "engine") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBatchLimit caps the goroutines a batch runs at once.
func WithBatchLimit(n int) Option {
	return func(e *Engine) { e.batchLimit = n }
}

// New creates an Engine.
func New(timeouts config.TimeoutsConfig, runner *resilience.Runner, ctrl *throttle.Controller, um *undo.Manager, opts ...Option) *Engine {
	e := &Engine{
		timeouts:   timeouts,
		runner:     runner,
		pool:       runner.Pool(),
		executor:   runner.Executor(),
		throttle:   ctrl,
		undo:       um,
		locks:      um.Locker(),
		log:        logging.Component(nil, "engine"),
		now:        time.Now,
		batchLimit: 8,
		pending:    make(map[string]*pendingOp),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type execOptions struct {
	enqueue bool
	record  bool
	state   func(State)
}

// Execute runs d to completion and records it for undo. The returned error
// is the typed failure of the operation, also stored in the Result.
func (e *Engine) Execute(ctx context.Context, d Descriptor) (*Result, error) {
	res := e.execute(ctx, d, execOptions{enqueue: true, record: true})
	return res, res.Err
}

// ExecuteBatch runs every descriptor independently; a failure never stops
// the others. Items complete in any order. All undoable items are recorded
// as one undo descriptor under uctx.
func (e *Engine) ExecuteBatch(ctx context.Context, uctx string, ds []Descriptor) *BatchResult {
	results := make([]*Result, len(ds))
	var g errgroup.Group
	g.SetLimit(e.batchLimit)
	for i := range ds {
		d := ds[i]
		d.Context = uctx
		g.Go(func() error {
			results[i] = e.execute(ctx, d, execOptions{enqueue: true})
			return nil
		})
	}
	_ = g.Wait()

	br := &BatchResult{}
	var items []undo.Item
	for _, r := range results {
		switch r.State {
		case Succeeded:
			br.Succeeded = append(br.Succeeded, r)
			items = append(items, r.items...)
		case Skipped:
			br.Skipped = append(br.Skipped, r)
		case Queued:
			br.Queued = append(br.Queued, r)
		default:
			br.Failed = append(br.Failed, r)
		}
	}
	if len(items) > 0 {
		ud, err := e.undo.Record(uctx, items)
		if err != nil {
			e.log.WithError(err).Error("failed to record batch for undo")
		}
		br.Undo = ud
	}
	return br
}

// Operation is an operation running in the background.
type Operation struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
	result *Result
}

// ID returns the operation id.
func (o *Operation) ID() string { return o.id }

// Done is closed when the operation finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// State returns the current state.
func (o *Operation) State() State { return State(o.state.Load()) }

// Cancel cancels the operation. Cleanup is the same as for a failure.
func (o *Operation) Cancel() { o.cancel() }

// Wait blocks until the operation finished.
func (o *Operation) Wait() (*Result, error) {
	<-o.done
	return o.result, o.result.Err
}

// Start runs d in the background.
func (e *Engine) Start(ctx context.Context, d Descriptor) *Operation {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	op := &Operation{id: d.ID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		op.result = e.execute(ctx, d, execOptions{
			enqueue: true,
			record:  true,
			state:   func(s State) { op.state.Store(int32(s)) },
		})
		op.state.Store(int32(op.result.State))
		close(op.done)
	}()
	return op
}

// Cancel cancels the running or waiting operation with the given id. An
// operation still waiting for its path locks or a throttle slot ends
// Cancelled without running.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	op, ok := e.pending[id]
	e.mu.Unlock()
	if ok {
		op.cancel()
	}
	return e.throttle.Cancel(id) || ok
}

func (e *Engine) track(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	op := &pendingOp{cancel: cancel}
	e.mu.Lock()
	e.pending[id] = op
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		if e.pending[id] == op {
			delete(e.pending, id)
		}
		e.mu.Unlock()
		cancel()
	}
}

// Drain replays the queued operations of resource.
func (e *Engine) Drain(ctx context.Context, resource string) (queue.Report, error) {
	if e.queue == nil {
		return queue.Report{}, client.NewError(client.KindInvalid, "drain", resource, errors.New("no offline queue configured"))
	}
	return e.queue.Drain(ctx, resource, func(ctx context.Context, it *queue.Item) error {
		var d Descriptor
		if err := it.Decode(&d); err != nil {
			return client.NewError(client.KindInvalid, "drain", resource, err)
		}
		res := e.execute(ctx, d, execOptions{record: true})
		if res.State == Skipped {
			return nil
		}
		return res.Err
	})
}

func (e *Engine) execute(ctx context.Context, d Descriptor, opts execOptions) *Result {
	setState := func(s State) {
		if opts.state != nil {
			opts.state(s)
		}
	}
	setState(Pending)

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.RequestedAt.IsZero() {
		d.RequestedAt = e.now()
	}
	ctx, untrack := e.track(ctx, d.ID)
	defer untrack()

	d.Source.Path = cleanPath(d.Source.Path)
	if d.Kind == Rename && d.Dest.Resource == "" {
		d.Dest.Resource = d.Source.Resource
	}
	if d.Kind != Delete {
		d.Dest.Path = cleanPath(d.Dest.Path)
	}

	res := &Result{Descriptor: d, Dest: d.Dest}
	log := e.log.WithFields(logrus.Fields{"op": d.ID, "kind": d.Kind.String(), "source": d.Source.String()})

	src, dst, err := e.validate(d)
	if err != nil {
		return e.finish(log, res, err)
	}

	if opts.enqueue && e.queue != nil {
		if offline := e.offline(d); offline != "" {
			if _, err := e.queue.Enqueue(offline, d); err != nil {
				return e.finish(log, res, err)
			}
			res.State = Queued
			log.WithField("resource", offline).Info("resource offline, operation queued")
			e.metrics.OperationFinished(d.Kind.String(), Queued.String())
			return res
		}
	}

	keys := []string{d.Source.lockKey()}
	if d.Kind != Delete {
		keys = append(keys, d.Dest.lockKey())
	}
	unlock, err := e.locks.LockAll(ctx, keys...)
	if err != nil {
		return e.finish(log, res, client.Classify(d.Kind.String(), d.Source.Path, err))
	}
	defer unlock()

	protocol := src.Protocol
	if dst != nil && d.Kind != Delete {
		protocol = dst.Protocol
	}
	ticket, err := e.throttle.Submit(ctx, throttle.Request{
		Token:    d.ID,
		Resource: d.Source.Resource,
		Protocol: protocol,
		Priority: d.Priority,
	})
	if err != nil {
		return e.finish(log, res, err)
	}
	defer ticket.Release()

	setState(Running)
	run := &run{engine: e, d: d, res: res, src: src, dst: dst, log: log}
	err = run.execute(ticket.Context())
	if err == nil {
		e.invalidate(ctx, res)
		if opts.record && len(res.items) > 0 {
			ud, rerr := e.undo.Record(d.Context, res.items)
			if rerr != nil {
				err = fmt.Errorf("failed to record undo: %w", rerr)
			}
			res.Undo = ud
		}
	}
	return e.finish(log, res, err)
}

// validate checks d against the configured resources before anything runs.
func (e *Engine) validate(d Descriptor) (src, dst *client.StorageConfig, err error) {
	if _, ok := kindNames[d.Kind]; !ok {
		return nil, nil, client.NewError(client.KindInvalid, "validate", d.Source.Path, fmt.Errorf("unknown kind %d", int(d.Kind)))
	}
	if src, err = e.pool.Resource(d.Source.Resource); err != nil {
		return nil, nil, err
	}
	if d.Kind == Delete {
		if src.ReadOnly {
			return nil, nil, readOnly(d.Kind, d.Source)
		}
		return src, nil, nil
	}

	if dst, err = e.pool.Resource(d.Dest.Resource); err != nil {
		return nil, nil, err
	}
	if d.Source == d.Dest {
		return nil, nil, client.NewError(client.KindInvalid, d.Kind.String(), d.Source.Path, errors.New("source and destination are the same"))
	}
	if d.Kind == Rename && d.Dest.Resource != d.Source.Resource {
		return nil, nil, client.NewError(client.KindInvalid, "rename", d.Source.Path, errors.New("rename cannot change the resource"))
	}
	if dst.ReadOnly {
		return nil, nil, readOnly(d.Kind, d.Dest)
	}
	if d.Kind != Copy && src.ReadOnly {
		return nil, nil, readOnly(d.Kind, d.Source)
	}
	if dst.MaxFileSize > 0 && d.Size > dst.MaxFileSize {
		return nil, nil, tooLarge(d.Dest, d.Size, dst.MaxFileSize)
	}
	return src, dst, nil
}

func readOnly(k Kind, r Ref) error {
	return client.NewError(client.KindPermissionDenied, k.String(), r.Path, fmt.Errorf("resource %s is read-only", r.Resource))
}

func tooLarge(r Ref, size, limit int64) error {
	return client.NewError(client.KindQuotaExceeded, "preflight", r.Path, fmt.Errorf("%d bytes exceed the %d byte file size limit of %s", size, limit, r.Resource))
}

// offline returns the first resource of d the environment reports offline.
func (e *Engine) offline(d Descriptor) string {
	if !e.throttle.Online(d.Source.Resource) {
		return d.Source.Resource
	}
	if d.Kind != Delete && !e.throttle.Online(d.Dest.Resource) {
		return d.Dest.Resource
	}
	return ""
}

func (e *Engine) invalidate(ctx context.Context, res *Result) {
	if e.cache == nil {
		return
	}
	refs := []Ref{res.Dest}
	if res.Descriptor.Kind != Copy {
		refs = append(refs, res.Descriptor.Source)
	}
	for _, r := range refs {
		if r.Resource == "" {
			continue
		}
		if err := e.cache.Invalidate(ctx, r.Resource, r.Path); err != nil {
			e.log.WithField("path", r.String()).WithError(err).Warn("failed to invalidate cache")
		}
	}
}

func (e *Engine) finish(log *logrus.Entry, res *Result, err error) *Result {
	switch {
	case err == nil:
		res.State = Succeeded
		log.WithField("bytes", res.Bytes).Info("operation succeeded")
	case errors.Is(err, errSkipped):
		res.State = Skipped
		log.Info("operation skipped")
	case client.KindOf(err) == client.KindCancelled:
		res.State, res.Err = Cancelled, err
		log.Info("operation cancelled")
	default:
		res.State, res.Err = Failed, err
		log.WithError(err).Warn("operation failed")
	}
	e.metrics.OperationFinished(res.Descriptor.Kind.String(), res.State.String())
	return res
}

// run is the execution of one descriptor.
type run struct {
	engine *Engine
	d      Descriptor
	res    *Result
	src    *client.StorageConfig
	dst    *client.StorageConfig
	log    *logrus.Entry

	overwrite bool
	// replaced is the trash path of the overwritten destination.
	replaced string
}
