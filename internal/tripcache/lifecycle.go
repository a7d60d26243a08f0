package tripcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the worker lifecycle position. Requests are only intercepted
// once the lifecycle reaches StateActivated.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrInvalidTransition = errors.New("tripcache: invalid lifecycle transition")
	ErrManifestFetch     = errors.New("tripcache: manifest fetch failed")
)

// InstallReport lists what an install wrote and what it could not fetch.
// Under the atomic policy a non-empty Failed means nothing was written.
type InstallReport struct {
	Generation string
	Cached     []string
	Failed     map[string]error
}

// Lifecycle owns the cache generations: it seeds the active one on install
// and deletes every other one on activate.
type Lifecycle struct {
	cfg     Config
	caches  *CacheStorage
	fetch   Fetcher
	log     *zap.Logger
	metrics *Metrics

	state atomic.Int32

	mu     sync.RWMutex
	active *Cache
}

func NewLifecycle(cfg Config, caches *CacheStorage, fetch Fetcher, log *zap.Logger, metrics *Metrics) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Lifecycle{cfg: cfg, caches: caches, fetch: fetch, log: log, metrics: metrics}
	l.setState(StateParsed)
	return l
}

func (l *Lifecycle) State() State { return State(l.state.Load()) }

func (l *Lifecycle) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.SetLifecycleState(s)
}

func (l *Lifecycle) transition(from []State, to State) error {
	for _, f := range from {
		if l.state.CompareAndSwap(int32(f), int32(to)) {
			l.metrics.SetLifecycleState(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State(), to)
}

// Controlling reports whether intercepted requests should go through the
// strategies.
func (l *Lifecycle) Controlling() bool { return l.State() == StateActivated }

// Active returns the handle on the current generation once activated.
func (l *Lifecycle) Active() (*Cache, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active, l.active != nil
}

// Install fetches the manifest and seeds the current generation with it.
func (l *Lifecycle) Install(ctx context.Context) (InstallReport, error) {
	if err := l.transition([]State{StateParsed, StateRedundant}, StateInstalling); err != nil {
		return InstallReport{}, err
	}

	rep := InstallReport{Generation: l.cfg.Cache.Version, Failed: map[string]error{}}
	entries := l.fetchManifest(ctx, rep.Failed)

	if len(rep.Failed) > 0 {
		_, offlineFailed := rep.Failed[l.cfg.Cache.OfflineURL]
		if l.cfg.Install.Policy != InstallDegrade || offlineFailed || len(entries) == 0 {
			l.setState(StateRedundant)
			err := manifestError(rep.Failed)
			l.log.Error("install failed", zap.String("generation", rep.Generation),
				zap.Int("failed", len(rep.Failed)), zap.Error(err))
			return rep, err
		}
		for u, err := range rep.Failed {
			l.log.Warn("manifest entry skipped", zap.String("url", u), zap.Error(err))
		}
	}

	cache, err := l.caches.Open(l.cfg.Cache.Version)
	if err == nil {
		err = cache.PutAll(ctx, entries)
	}
	if err != nil {
		l.setState(StateRedundant)
		return rep, fmt.Errorf("install %s: %w", rep.Generation, err)
	}
	for _, e := range entries {
		rep.Cached = append(rep.Cached, e.URI)
	}
	sort.Strings(rep.Cached)

	l.setState(StateInstalled)
	l.log.Info("installed", zap.String("generation", rep.Generation),
		zap.Int("cached", len(rep.Cached)), zap.Int("skipped", len(rep.Failed)))
	return rep, nil
}

func (l *Lifecycle) fetchManifest(ctx context.Context, failed map[string]error) []CacheEntry {
	type result struct {
		uri  string
		resp Response
		err  error
	}
	results := make([]result, len(l.cfg.Install.Manifest))

	var wg sync.WaitGroup
	for i, uri := range l.cfg.Install.Manifest {
		wg.Add(1)
		go func(i int, uri string) {
			defer wg.Done()
			results[i] = result{uri: uri}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
			if err != nil {
				results[i].err = err
				return
			}
			resp, err := l.fetch.Fetch(ctx, req)
			if err != nil {
				results[i].err = err
				return
			}
			if !resp.OK() {
				results[i].err = fmt.Errorf("%w: status %d", ErrManifestFetch, resp.Status)
				return
			}
			results[i].resp = resp
		}(i, uri)
	}
	wg.Wait()

	entries := make([]CacheEntry, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			failed[r.uri] = r.err
			continue
		}
		entries = append(entries, CacheEntry{URI: r.uri, Response: r.resp})
	}
	return entries
}

func manifestError(failed map[string]error) error {
	uris := make([]string, 0, len(failed))
	for u := range failed {
		uris = append(uris, u)
	}
	sort.Strings(uris)
	var err error
	for _, u := range uris {
		err = multierr.Append(err, fmt.Errorf("%s: %w", u, failed[u]))
	}
	return fmt.Errorf("%w: %w", ErrManifestFetch, err)
}

// Activate deletes every generation except the current one and starts
// controlling requests right away.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := l.transition([]State{StateInstalled}, StateActivating); err != nil {
		return err
	}

	names, err := l.caches.Keys()
	if err != nil {
		l.setState(StateInstalled)
		return err
	}
	for _, name := range names {
		if name == l.cfg.Cache.Version {
			continue
		}
		if err := ctx.Err(); err != nil {
			l.setState(StateInstalled)
			return err
		}
		if _, err := l.caches.Delete(name); err != nil {
			l.setState(StateInstalled)
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		l.log.Info("deleted stale generation", zap.String("generation", name))
	}

	cache, err := l.caches.Open(l.cfg.Cache.Version)
	if err != nil {
		l.setState(StateInstalled)
		return err
	}
	l.mu.Lock()
	l.active = cache
	l.mu.Unlock()

	l.setState(StateActivated)
	l.log.Info("activated", zap.String("generation", cache.Name()))
	return nil
}
