// Package fileops wires the session pool, resilience policies, admission
// control, the operation engine, undo, the unified cache and the offline
// queue into one Service with a defined lifecycle.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"digital.vasic.fileops/pkg/cache"
	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/engine"
	"digital.vasic.fileops/pkg/factory"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
	"digital.vasic.fileops/pkg/pool"
	"digital.vasic.fileops/pkg/queue"
	"digital.vasic.fileops/pkg/resilience"
	"digital.vasic.fileops/pkg/throttle"
	"digital.vasic.fileops/pkg/undo"
)

// Service is the library boundary of the file operations core.
type Service struct {
	config   *config.Config
	log      *logrus.Entry
	metrics  *metrics.Metrics
	executor *resilience.Executor
	pool     *pool.Pool
	runner   *resilience.Runner
	throttle *throttle.Controller
	undo     *undo.Manager
	cache    *cache.Cache
	queue    *queue.Queue
	engine   *engine.Engine

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	logger      *logrus.Logger
	factory     client.Factory
	credentials client.CredentialProvider
	environment throttle.Environment
	registerer  prometheus.Registerer
	resolver    engine.Resolver
	progress    engine.Progress
	now         func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithLogger uses logger instead of one built from the logging section.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFactory replaces the protocol factory.
func WithFactory(f client.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithCredentials sets the credential provider of the default factory.
func WithCredentials(p client.CredentialProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithEnvironment sets the power and connectivity environment.
func WithEnvironment(env throttle.Environment) Option {
	return func(o *options) { o.environment = env }
}

// WithRegisterer registers the metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithResolver sets the conflict resolver.
func WithResolver(r engine.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithProgress sets the progress callback.
func WithProgress(p engine.Progress) Option {
	return func(o *options) { o.progress = p }
}

// WithClock replaces time.Now in undo, cache and queue bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a Service from cfg and registers every enabled resource.
// Background work starts with Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Service, err error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		if o.logger, err = logging.Setup(cfg.Logging); err != nil {
			return nil, err
		}
	}
	if o.factory == nil {
		o.factory = factory.NewDefaultFactory(o.credentials)
	}
	if o.environment == nil {
		o.environment = &throttle.StaticEnvironment{}
	}

	log := logrus.NewEntry(o.logger)
	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:  cfg,
		log:     logging.Component(log, "fileops"),
		metrics: m,
	}
	defer func() {
		if err != nil {
			_ = s.closeStores(ctx)
		}
	}()

	s.executor = resilience.New(cfg.Resilience, resilience.WithLogger(log), resilience.WithMetrics(m))
	s.pool = pool.New(cfg.Pool, o.factory,
		pool.WithGate(s.executor),
		pool.WithLogger(log),
		pool.WithMetrics(m),
		pool.WithClock(o.now),
	)
	for i := range cfg.Resources {
		r := &cfg.Resources[i]
		if !r.Enabled {
			s.log.WithField("resource", r.ID).Debug("skipping disabled resource")
			continue
		}
		if err = s.pool.Register(ctx, r); err != nil {
			return nil, err
		}
	}
	s.runner = resilience.NewRunner(s.pool, s.executor)
	s.throttle = throttle.New(cfg.Throttle, throttle.WithEnvironment(o.environment), throttle.WithLogger(log))

	if s.undo, err = undo.New(cfg.Undo, s.runner,
		undo.WithLogger(log),
		undo.WithClock(o.now),
		undo.WithResources(s.pool.Resources),
	); err != nil {
		return nil, err
	}
	if s.cache, err = cache.New(cfg.Cache, cache.WithLogger(log), cache.WithMetrics(m), cache.WithClock(o.now)); err != nil {
		return nil, err
	}
	if s.queue, err = queue.Open(cfg.Queue, queue.WithLogger(log), queue.WithMetrics(m), queue.WithClock(o.now)); err != nil {
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithCache(s.cache),
		engine.WithQueue(s.queue),
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithClock(o.now),
	}
	if o.resolver != nil {
		engineOpts = append(engineOpts, engine.WithResolver(o.resolver))
	}
	if o.progress != nil {
		engineOpts = append(engineOpts, engine.WithProgress(o.progress))
	}
	s.engine = engine.New(cfg.Timeouts, s.runner, s.throttle, s.undo, engineOpts...)
	return s, nil
}

// Start launches the session reaper, the undo and trash reaper, cache
// eviction and the replay of queued operations.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, run := range []func(context.Context){s.pool.Run, s.undo.Run, s.cache.Run, s.replay} {
		s.wg.Add(1)
		go func(run func(context.Context)) {
			defer s.wg.Done()
			run(ctx)
		}(run)
	}
	s.log.WithField("resources", len(s.pool.Resources())).Info("file operations service started")
}

// Close stops background work and closes sessions and stores.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.closeStores(ctx)
}

func (s *Service) closeStores(ctx context.Context) error {
	var errs []error
	if s.pool != nil {
		errs = append(errs, s.pool.Close(ctx))
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.undo != nil {
		errs = append(errs, s.undo.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close service: %w", err)
	}
	return nil
}

// replay drains the queue of every resource that is online again.
func (s *Service) replay(ctx context.Context) {
	ticker := time.NewTicker(s.config.Queue.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DrainOnline(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("queue replay stopped")
			}
		}
	}
}

// Resources returns the registered resource ids.
func (s *Service) Resources() []string {
	return s.pool.Resources()
}

// Execute runs one operation to completion.
func (s *Service) Execute(ctx context.Context, d engine.Descriptor) (*engine.Result, error) {
	return s.engine.Execute(ctx, d)
}

// StartOperation runs d in the background.
func (s *Service) StartOperation(ctx context.Context, d engine.Descriptor) *engine.Operation {
	return s.engine.Start(ctx, d)
}

// Cancel cancels the running or waiting operation id.
func (s *Service) Cancel(id string) bool {
	return s.engine.Cancel(id)
}

// Batch runs ds independently and records one undo step in uctx.
func (s *Service) Batch(ctx context.Context, uctx string, ds []engine.Descriptor) *engine.BatchResult {
	return s.engine.ExecuteBatch(ctx, uctx, ds)
}

// Undo reverts the recorded step id.
func (s *Service) Undo(ctx context.Context, id string) error {
	d, err := s.undo.Get(id)
	if err != nil {
		return err
	}
	return s.undo.Undo(ctx, d)
}

// UndoLast reverts the most recent step of uctx.
func (s *Service) UndoLast(ctx context.Context, uctx string) (*undo.Descriptor, error) {
	return s.undo.UndoLast(ctx, uctx)
}

// History returns the undoable steps of uctx, most recent first.
func (s *Service) History(uctx string) []*undo.Descriptor {
	return s.undo.History(uctx)
}

// PurgeTrash removes trash entries past retention on resource, or on every
// resource when resource is empty.
func (s *Service) PurgeTrash(ctx context.Context, resource string) (int, error) {
	resources := []string{resource}
	if resource == "" {
		resources = s.pool.Resources()
	}
	var total int
	for _, r := range resources {
		n, err := s.undo.PurgeTrash(ctx, r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Drain replays the queued operations of resource.
func (s *Service) Drain(ctx context.Context, resource string) (queue.Report, error) {
	return s.engine.Drain(ctx, resource)
}

// DrainOnline drains every resource with pending operations that the
// environment reports online. A resource whose drain halts does not stop
// the others; the first error is returned.
func (s *Service) DrainOnline(ctx context.Context) (map[string]queue.Report, error) {
	resources, err := s.queue.Resources()
	if err != nil {
		return nil, err
	}
	reports := make(map[string]queue.Report)
	var first error
	for _, r := range resources {
		if s.queue.Len(r) == 0 || !s.throttle.Online(r) {
			continue
		}
		rep, err := s.Drain(ctx, r)
		reports[r] = rep
		if err != nil {
			s.log.WithField("resource", r).WithError(err).Warn("queue drain halted")
			if first == nil {
				first = err
			}
		}
	}
	return reports, first
}

// Pending returns the queued operations of resource in replay order.
func (s *Service) Pending(resource string) ([]*queue.Item, error) {
	return s.queue.Pending(resource)
}

// Failed returns the operations of resource that exhausted their retries.
func (s *Service) Failed(resource string) ([]*queue.Item, error) {
	return s.queue.Failed(resource)
}

// Retry moves a failed operation back to the tail of the queue.
func (s *Service) Retry(resource string, seq uint64) error {
	return s.queue.Retry(resource, seq)
}

// Discard drops a failed operation.
func (s *Service) Discard(resource string, seq uint64) error {
	return s.queue.Discard(resource, seq)
}

// QueuedResources returns the resources with queued or failed operations.
func (s *Service) QueuedResources() ([]string, error) {
	return s.queue.Resources()
}

// Evict runs one cache eviction pass.
func (s *Service) Evict(ctx context.Context) (int, error) {
	return s.cache.Evict(ctx)
}

// CacheSize returns the bytes held by the cache.
func (s *Service) CacheSize() int64 {
	return s.cache.Size()
}
