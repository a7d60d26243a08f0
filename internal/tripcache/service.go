package tripcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service is the offline edge: lifecycle, dispatcher, replay and the
// notification bridge over one leveldb database.
type Service struct {
	cfg Config
	log *zap.Logger

	db     *leveldb.DB
	ownsDB bool

	caches     *CacheStorage
	queue      *Queue
	dead       *Queue
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	replayer   *Replayer
	bridge     *Bridge
	hub        *ClientHub
	metrics    *Metrics
	bg         *background

	sched *cron.Cron

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*serviceOptions)

type serviceOptions struct {
	log        *zap.Logger
	db         *leveldb.DB
	httpClient *http.Client
	fetcher    Fetcher
	notifier   Notifier
	clients    Clients
	ids        IDGenerator
	backend    func(keyspace string) QueueBackend
}

func WithLogger(l *zap.Logger) Option { return func(o *serviceOptions) { o.log = l } }

// WithDB shares an already open database; the service will not close it.
func WithDB(db *leveldb.DB) Option { return func(o *serviceOptions) { o.db = db } }

func WithHTTPClient(c *http.Client) Option { return func(o *serviceOptions) { o.httpClient = c } }

// WithFetcher replaces the origin fetcher (the network) entirely.
func WithFetcher(f Fetcher) Option { return func(o *serviceOptions) { o.fetcher = f } }

// WithNotifier and WithClients replace the WebSocket hub for the bridge.
func WithNotifier(n Notifier) Option { return func(o *serviceOptions) { o.notifier = n } }
func WithClients(c Clients) Option   { return func(o *serviceOptions) { o.clients = c } }

func WithIDGenerator(g IDGenerator) Option { return func(o *serviceOptions) { o.ids = g } }

// WithQueueBackend overrides the configured queue backend per keyspace.
func WithQueueBackend(fn func(keyspace string) QueueBackend) Option {
	return func(o *serviceOptions) { o.backend = fn }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if !cfg.compiled {
		var err error
		if cfg, err = cfg.Compile(); err != nil {
			return nil, err
		}
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	s := &Service{
		cfg:     cfg,
		log:     o.log,
		metrics: NewMetrics(),
		stopCh:  make(chan struct{}),
	}

	s.db = o.db
	if s.db == nil {
		db, err := leveldb.OpenFile(cfg.Cache.DataDir, nil)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Cache.DataDir, err)
		}
		s.db = db
		s.ownsDB = true
	}

	origin, err := newOriginFetcher(cfg.Server.Origin, cfg.Server.PassthroughHosts, o.httpClient, cfg.timeoutDur)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	var fetch Fetcher = origin
	if o.fetcher != nil {
		fetch = o.fetcher
	}

	ids := o.ids
	if ids == nil {
		flake, err := newFlakeIDs(cfg.Queue.MachineID)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		ids = flake
	}
	newBackend := o.backend
	if newBackend == nil {
		newBackend = s.defaultBackend
	}
	s.queue = NewQueue(newBackend(cfg.Sync.Keyspace), ids, cfg.Sync.Tag)
	s.dead = NewQueue(newBackend(cfg.Sync.DeadKeyspace), ids, cfg.Sync.Tag)

	noisy := newRateLimitedLogger(o.log, time.Minute)
	s.caches = newCacheStorage(s.db, cfg.ramMax, noisy)
	s.bg = newBackground(cfg.Network.BackgroundConcurrency, cfg.timeoutDur)
	s.lifecycle = NewLifecycle(cfg, s.caches, fetch, o.log.Named("lifecycle"), s.metrics)

	base := strategyBase{
		fetch:   fetch,
		caches:  s.lifecycle,
		log:     o.log.Named("strategy"),
		noisy:   noisy,
		metrics: s.metrics,
	}
	s.dispatcher, err = newDispatcher(cfg, s.lifecycle, fetch, origin.originHost(), base, s.bg)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.replayer = NewReplayer(cfg, s.queue, s.dead, fetch, o.log.Named("replay"), s.metrics)

	s.hub = NewClientHub(o.log.Named("clients"))
	var notifier Notifier = s.hub
	if o.notifier != nil {
		notifier = o.notifier
	}
	var clients Clients = s.hub
	if o.clients != nil {
		clients = o.clients
	}
	s.bridge = NewBridge(cfg, notifier, clients, o.log.Named("notify"), s.metrics)
	s.hub.SetClickHandler(s.bridge.HandleClick)

	return s, nil
}

func (s *Service) defaultBackend(keyspace string) QueueBackend {
	if s.cfg.Queue.Backend == BackendRedis {
		r := s.cfg.Queue.Redis
		return newRedisQueue(r.Addr, r.Password, r.DB, keyspace)
	}
	return newLevelQueue(s.db, keyspace)
}

// Start installs and activates the current generation, then starts the
// periodic sync schedule and the stats loop.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.lifecycle.Install(ctx); err != nil {
		return err
	}
	if err := s.lifecycle.Activate(ctx); err != nil {
		return err
	}
	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}

	if spec := s.cfg.Sync.Schedule; spec != "" {
		s.sched = cron.New()
		if _, err := s.sched.AddFunc(spec, s.scheduledSync); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
		s.sched.Start()
		s.log.Info("periodic sync scheduled", zap.String("schedule", spec), zap.String("tag", s.cfg.Sync.Tag))
	}

	if every := s.cfg.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *Service) scheduledSync() {
	timeout := s.cfg.timeoutDur
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*timeout)
	defer cancel()
	_, err := s.replayer.HandleSync(ctx, s.cfg.Sync.Tag)
	if err != nil && !errors.Is(err, ErrReplayInProgress) {
		s.log.Warn("scheduled sync failed", zap.Error(err))
	}
}

// Close stops background work and releases storage. It is safe to call
// more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.stopCh) })
		if s.sched != nil {
			<-s.sched.Stop().Done()
		}
		s.wg.Wait()
		s.bg.Close()
		err = multierr.Combine(s.queue.Close(), s.dead.Close(), s.closeDB())
	})
	return err
}

func (s *Service) closeDB() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) Config() Config         { return s.cfg }
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }
func (s *Service) Queue() *Queue         { return s.queue }
func (s *Service) DeadLetters() *Queue   { return s.dead }
func (s *Service) Replayer() *Replayer   { return s.replayer }
func (s *Service) Bridge() *Bridge       { return s.bridge }
func (s *Service) Metrics() *Metrics     { return s.metrics }

// WaitBackground blocks until detached revalidations have finished.
func (s *Service) WaitBackground() { s.bg.Wait() }

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			fields := []zap.Field{
				zap.String("state", s.lifecycle.State().String()),
				zap.String("ram", formatBytes(uint64(s.caches.ram.TotalSize()))),
				zap.Int("ramEntries", s.caches.ram.Len()),
			}
			if cache, ok := s.lifecycle.Active(); ok {
				if keys, err := cache.Keys(ctx); err == nil {
					fields = append(fields, zap.Int("cached", len(keys)))
				}
			}
			if n, err := s.queue.Len(ctx); err == nil {
				s.metrics.SetQueueDepth(n)
				fields = append(fields, zap.Int("pending", n))
			}
			fields = append(fields, zap.Int("clients", s.hub.Len()))
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			cancel()
			s.log.Info("stats", fields...)
		}
	}
}
