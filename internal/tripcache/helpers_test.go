package tripcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap/zaptest"
)

var errOffline = errors.New("dial tcp: network is unreachable")

func memDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testConfig compiles the stock tables against a fake origin with a short
// six entry manifest.
func testConfig(t *testing.T, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = "http://origin.test"
	cfg.Install.Manifest = []string{"/", "/offline", "/search", "/account/bookings", "/manifest.json", "/favicon.ico"}
	if mutate != nil {
		mutate(&cfg)
	}
	out, err := cfg.Compile()
	require.NoError(t, err)
	return out
}

// fakeOrigin is an in-memory network. Unknown paths answer 404; while down
// every fetch fails with errOffline.
type fakeOrigin struct {
	mu     sync.Mutex
	pages  map[string]Response
	down   bool
	calls  map[string]int
	bodies map[string][]string
	hook   func(req *http.Request) (resp Response, handled bool, err error)
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		pages:  map[string]Response{},
		calls:  map[string]int{},
		bodies: map[string][]string{},
	}
}

// withManifest serves every manifest entry with a small HTML body.
func (f *fakeOrigin) withManifest(cfg Config) *fakeOrigin {
	for _, u := range cfg.Install.Manifest {
		f.set(u, http.StatusOK, "page "+u)
	}
	return f
}

func (f *fakeOrigin) set(uri string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[uri] = newResponse(status, http.Header{"Content-Type": {"text/html"}}, []byte(body))
}

func (f *fakeOrigin) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// setHook runs fn before every fetch; fn may answer the fetch itself.
func (f *fakeOrigin) setHook(fn func(req *http.Request) (Response, bool, error)) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *fakeOrigin) count(method, uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+uri]
}

func (f *fakeOrigin) received(method, uri string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[method+" "+uri]...)
}

func (f *fakeOrigin) Fetch(ctx context.Context, req *http.Request) (Response, error) {
	key := req.Method + " " + req.URL.RequestURI()
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}

	f.mu.Lock()
	f.calls[key]++
	f.bodies[key] = append(f.bodies[key], string(body))
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if resp, handled, err := hook(req); handled {
			return resp, err
		}
	}

	f.mu.Lock()
	down := f.down
	page, ok := f.pages[req.URL.RequestURI()]
	f.mu.Unlock()
	if down {
		return Response{}, errOffline
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if !ok {
		return newResponse(http.StatusNotFound, nil, []byte("not found")), nil
	}
	return page.Clone(), nil
}

// newTestService builds a service over an in-memory database and the given
// network. It is not started.
func newTestService(t *testing.T, cfg Config, fetch Fetcher, opts ...Option) *Service {
	t.Helper()
	all := append([]Option{
		WithDB(memDB(t)),
		WithFetcher(fetch),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	svc, err := NewService(cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startedService is newTestService plus install and activate.
func startedService(t *testing.T, cfg Config, fetch Fetcher, opts ...Option) *Service {
	t.Helper()
	svc := newTestService(t, cfg, fetch, opts...)
	require.NoError(t, svc.Start(context.Background()))
	require.Equal(t, StateActivated, svc.Lifecycle().State())
	return svc
}

func getRequest(uri string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, uri, nil)
	return req
}
