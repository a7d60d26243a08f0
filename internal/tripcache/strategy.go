package tripcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	StrategyNetworkFirst         = "network-first"
	StrategyCacheFirst           = "cache-first"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Source tells where a strategy got its response from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Strategy turns one intercepted GET into a response. An error means no
// response could be produced at all.
type Strategy interface {
	Name() string
	Respond(ctx context.Context, req *http.Request) (Response, Source, error)
}

// CacheProvider hands out the active generation.
type CacheProvider interface {
	Active() (*Cache, bool)
}

type strategyBase struct {
	fetch   Fetcher
	caches  CacheProvider
	log     *zap.Logger
	noisy   *rateLimitedLogger
	metrics *Metrics
}

func (b *strategyBase) match(ctx context.Context, req *http.Request) (Response, bool) {
	cache, ok := b.caches.Active()
	if !ok {
		return Response{}, false
	}
	resp, ok, err := cache.Match(ctx, req)
	if err != nil {
		b.log.Warn("cache lookup failed", zap.String("uri", req.URL.RequestURI()), zap.Error(err))
		return Response{}, false
	}
	return resp, ok
}

// store writes a copy of resp into the active generation. Write failures
// are logged and never fail the response.
func (b *strategyBase) store(ctx context.Context, strategy string, req *http.Request, resp Response) {
	if !resp.OK() {
		return
	}
	cache, ok := b.caches.Active()
	if !ok {
		return
	}
	err := cache.Put(ctx, req, resp.Clone())
	if errors.Is(err, ErrNotCacheable) {
		return
	}
	if err != nil {
		b.metrics.ObserveCacheWriteFail(strategy)
		b.log.Warn("cache write failed", zap.String("strategy", strategy),
			zap.String("uri", req.URL.RequestURI()), zap.Error(err))
	}
}

// networkFirst serves live data and falls back to the last good copy only
// when the network is unreachable.
type networkFirst struct{ strategyBase }

func (s *networkFirst) Name() string { return StrategyNetworkFirst }

func (s *networkFirst) Respond(ctx context.Context, req *http.Request) (Response, Source, error) {
	resp, err := s.fetch.Fetch(ctx, req)
	if err == nil {
		s.store(ctx, s.Name(), req, resp)
		return resp, SourceNetwork, nil
	}
	if cached, ok := s.match(ctx, req); ok {
		return cached, SourceCache, nil
	}
	return Response{}, "", err
}

// cacheFirst never touches the network once a copy is stored.
type cacheFirst struct{ strategyBase }

func (s *cacheFirst) Name() string { return StrategyCacheFirst }

func (s *cacheFirst) Respond(ctx context.Context, req *http.Request) (Response, Source, error) {
	if cached, ok := s.match(ctx, req); ok {
		return cached, SourceCache, nil
	}
	resp, err := s.fetch.Fetch(ctx, req)
	if err != nil {
		return Response{}, "", err
	}
	s.store(ctx, s.Name(), req, resp)
	return resp, SourceNetwork, nil
}

// staleWhileRevalidate answers from cache immediately and refreshes the
// copy in the background. Without a copy the caller waits for the network.
type staleWhileRevalidate struct {
	strategyBase
	bg *background
}

func (s *staleWhileRevalidate) Name() string { return StrategyStaleWhileRevalidate }

type fetchResult struct {
	resp Response
	err  error
}

func (s *staleWhileRevalidate) Respond(ctx context.Context, req *http.Request) (Response, Source, error) {
	cached, hit := s.match(ctx, req)

	// The handler's request dies with the handler; the refresh gets its own.
	detached := req.Clone(context.Background())
	done := make(chan fetchResult, 1)
	started := s.bg.TryGo(func(bgctx context.Context) {
		resp, err := s.revalidate(bgctx, detached.WithContext(bgctx))
		done <- fetchResult{resp: resp, err: err}
	})

	if hit {
		if !started {
			s.noisy.Log(zapcore.DebugLevel, "revalidate skipped, background slots busy",
				zap.String("uri", req.URL.RequestURI()))
		}
		return cached, SourceCache, nil
	}

	if !started {
		resp, err := s.revalidate(ctx, req)
		if err != nil {
			return Response{}, "", err
		}
		return resp, SourceNetwork, nil
	}
	select {
	case res := <-done:
		if res.err != nil {
			return Response{}, "", res.err
		}
		return res.resp, SourceNetwork, nil
	case <-ctx.Done():
		return Response{}, "", ctx.Err()
	}
}

func (s *staleWhileRevalidate) revalidate(ctx context.Context, req *http.Request) (Response, error) {
	resp, err := s.fetch.Fetch(ctx, req)
	if err != nil {
		s.noisy.Log(zapcore.DebugLevel, "revalidate failed",
			zap.String("uri", req.URL.RequestURI()), zap.Error(err))
		return Response{}, err
	}
	s.store(ctx, s.Name(), req, resp)
	return resp, nil
}

func newStrategy(name string, base strategyBase, bg *background) (Strategy, error) {
	switch name {
	case StrategyNetworkFirst:
		return &networkFirst{base}, nil
	case StrategyCacheFirst:
		return &cacheFirst{base}, nil
	case StrategyStaleWhileRevalidate:
		return &staleWhileRevalidate{strategyBase: base, bg: bg}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
