package tripcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNetworkFirstFallsBackToLastGoodCopy(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/api/hotels?city=oslo", http.StatusOK, `[{"id":7}]`)
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/hotels?city=oslo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `[{"id":7}]`, rec.Body.String())
	require.Equal(t, "network-first:network", rec.Header().Get(headerTripcache))

	origin.setDown(true)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/hotels?city=oslo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `[{"id":7}]`, rec.Body.String())
	require.Equal(t, "network-first:cache", rec.Header().Get(headerTripcache))
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
}

func TestNetworkFirstNeverCachesErrorResponses(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/api/rates", http.StatusOK, "good")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	require.Equal(t, "good", serve(h, httptest.NewRequest(http.MethodGet, "/api/rates", nil)).Body.String())

	origin.set("/api/rates", http.StatusInternalServerError, "broken")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/rates", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code, "a live error is still the live answer")

	origin.setDown(true)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/rates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "good", rec.Body.String())
}

func TestFailedNavigationServesOfflineDocument(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)
	h := svc.Handler()
	origin.setDown(true)

	nav := httptest.NewRequest(http.MethodGet, "/booking/42", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := serve(h, nav)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "page /offline", rec.Body.String())
	require.Equal(t, "offline", rec.Header().Get(headerTripcache))
	require.Equal(t, float64(1), testutil.ToFloat64(svc.Metrics().navigationFallbacks))

	// Older clients are recognised by asking for HTML.
	legacy := httptest.NewRequest(http.MethodGet, "/hotel/9", nil)
	legacy.Header.Set("Accept", "text/html,application/xhtml+xml")
	require.Equal(t, "page /offline", serve(h, legacy).Body.String())
}

func TestFailedSubresourceIsBadGateway(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)
	origin.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/api/never-seen", nil)
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Accept", "text/html")
	rec := serve(svc.Handler(), req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "bad-gateway", rec.Header().Get(headerTripcache))
}

func TestCacheFirstFetchesOnce(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/icons/icon-72x72.png", http.StatusOK, "PNG")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	first := serve(h, httptest.NewRequest(http.MethodGet, "/icons/icon-72x72.png", nil))
	require.Equal(t, "cache-first:network", first.Header().Get(headerTripcache))

	for i := 0; i < 3; i++ {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/icons/icon-72x72.png", nil))
		require.Equal(t, "PNG", rec.Body.String())
		require.Equal(t, "cache-first:cache", rec.Header().Get(headerTripcache))
	}
	require.Equal(t, 1, origin.count(http.MethodGet, "/icons/icon-72x72.png"))
}

func TestStaleWhileRevalidateAnswersBeforeOrigin(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	release := make(chan struct{})
	origin.setHook(func(req *http.Request) (Response, bool, error) {
		if req.URL.Path == "/search" {
			<-release
		}
		return Response{}, false, nil
	})
	origin.set("/search", http.StatusOK, "fresh results")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/search", nil))
	require.Equal(t, "page /search", rec.Body.String(), "stale copy is served while the origin hangs")
	require.Equal(t, "stale-while-revalidate:cache", rec.Header().Get(headerTripcache))

	close(release)
	svc.WaitBackground()

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/search", nil))
	require.Equal(t, "fresh results", rec.Body.String())
	svc.WaitBackground()
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/deals", http.StatusOK, "deals")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/deals", nil))
	require.Equal(t, "deals", rec.Body.String())
	require.Equal(t, "stale-while-revalidate:network", rec.Header().Get(headerTripcache))

	origin.setDown(true)
	svc.WaitBackground()
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/deals", nil))
	require.Equal(t, "deals", rec.Body.String())
	require.Equal(t, "stale-while-revalidate:cache", rec.Header().Get(headerTripcache))
	svc.WaitBackground()
}

func TestStaleWhileRevalidateFailedRefreshKeepsCopy(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)
	h := svc.Handler()
	origin.setDown(true)

	for i := 0; i < 2; i++ {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/search", nil))
		require.Equal(t, "page /search", rec.Body.String())
		svc.WaitBackground()
	}
}

func TestNonGETAndCrossOriginPassThrough(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Server.PassthroughHosts = []string{"cdn.other.test"}
	})
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/api/bookings", http.StatusCreated, `{"ok":true}`)
	origin.set("/lib.js", http.StatusOK, "cdn script")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	post := httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader(`{"hotel":7}`))
	rec := serve(h, post)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "passthrough", rec.Header().Get(headerTripcache))
	require.Equal(t, []string{`{"hotel":7}`}, origin.received(http.MethodPost, "/api/bookings"))

	cross := httptest.NewRequest(http.MethodGet, "http://cdn.other.test/lib.js", nil)
	rec = serve(h, cross)
	require.Equal(t, "cdn script", rec.Body.String())
	require.Equal(t, "passthrough", rec.Header().Get(headerTripcache))

	active, ok := svc.Lifecycle().Active()
	require.True(t, ok)
	keys, err := active.Keys(context.Background())
	require.NoError(t, err)
	require.NotContains(t, keys, "GET /lib.js")
	require.Equal(t, float64(2), testutil.ToFloat64(svc.Metrics().passthrough))
}

func TestForeignHostsAreRefused(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Server.PassthroughHosts = []string{"cdn.other.test"}
	})
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/admin", http.StatusOK, "internal secret")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	for _, target := range []string{
		"http://127.0.0.1:9000/admin",
		"http://cdn.other.test.evil.example/admin",
	} {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			rec := serve(h, httptest.NewRequest(method, target, nil))
			require.Equal(t, http.StatusMisdirectedRequest, rec.Code, target)
			require.Equal(t, "misdirected", rec.Header().Get(headerTripcache))
			require.NotContains(t, rec.Body.String(), "internal secret")
		}
	}
	require.Zero(t, origin.count(http.MethodGet, "/admin"))
	require.Zero(t, origin.count(http.MethodPost, "/admin"))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "http://origin.test/search", nil))
	require.Equal(t, "page /search", rec.Body.String())
	require.Equal(t, "stale-while-revalidate:cache", rec.Header().Get(headerTripcache))
}

func TestCredentialedResponsesStayWithTheirOwner(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.setHook(func(req *http.Request) (Response, bool, error) {
		if req.URL.Path != "/api/bookings/mine" {
			return Response{}, false, nil
		}
		c, err := req.Cookie("session")
		if err != nil {
			return newResponse(http.StatusUnauthorized, nil, []byte("login required")), true, nil
		}
		h := http.Header{"Set-Cookie": {"session=" + c.Value + "; HttpOnly"}}
		return newResponse(http.StatusOK, h, []byte("bookings of "+c.Value)), true, nil
	})
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	as := func(user string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/bookings/mine", nil)
		if user != "" {
			req.AddCookie(&http.Cookie{Name: "session", Value: user})
		}
		return req
	}

	rec := serve(h, as("alice"))
	require.Equal(t, "bookings of alice", rec.Body.String())
	require.Equal(t, "network-first:network", rec.Header().Get(headerTripcache))
	require.Contains(t, rec.Header().Get("Set-Cookie"), "session=alice")

	origin.setHook(nil)
	origin.setDown(true)

	rec = serve(h, as("alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bookings of alice", rec.Body.String())
	require.Equal(t, "network-first:cache", rec.Header().Get(headerTripcache))
	require.Empty(t, rec.Header().Values("Set-Cookie"))

	for _, user := range []string{"bob", ""} {
		rec = serve(h, as(user))
		require.Equal(t, http.StatusBadGateway, rec.Code, user)
		require.NotContains(t, rec.Body.String(), "alice")
		require.Empty(t, rec.Header().Values("Set-Cookie"))
	}
}

func TestNoStoreResponsesAreNotReplayed(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.setHook(func(req *http.Request) (Response, bool, error) {
		if req.URL.Path != "/api/quote" {
			return Response{}, false, nil
		}
		h := http.Header{"Cache-Control": {"no-store"}}
		return newResponse(http.StatusOK, h, []byte("price 120")), true, nil
	})
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/quote", nil))
	require.Equal(t, "price 120", rec.Body.String())

	origin.setHook(nil)
	origin.setDown(true)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/quote", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Zero(t, testutil.ToFloat64(svc.Metrics().cacheWriteFail.WithLabelValues(StrategyNetworkFirst)))
}

func TestBypassCookieSkipsTheCache(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Rules[0].BypassWhenCookies = []string{"admin_session"}
	})
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/api/hotels", http.StatusOK, "hotels")
	svc := startedService(t, cfg, origin)
	h := svc.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/hotels", nil)
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: "1"})
	rec := serve(h, req)
	require.Equal(t, "hotels", rec.Body.String())
	require.Equal(t, "ignore-by-cookie", rec.Header().Get(headerTripcache))

	active, ok := svc.Lifecycle().Active()
	require.True(t, ok)
	keys, err := active.Keys(context.Background())
	require.NoError(t, err)
	for _, k := range keys {
		require.False(t, strings.HasPrefix(k, "GET /api/hotels"), k)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/hotels", nil))
	require.Equal(t, "network-first:network", rec.Header().Get(headerTripcache))
}

// redirectingOrigin serves the manifest plus a login form that answers with
// a 303 and a protected page that bounces to the login form.
func redirectingOrigin(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	manifest := map[string]bool{}
	for _, u := range cfg.Install.Manifest {
		manifest[u] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "alice"})
			http.Redirect(w, r, "/account/bookings", http.StatusSeeOther)
		case r.URL.Path == "/booking/mine":
			http.Redirect(w, r, "/auth/login", http.StatusFound)
		case manifest[r.URL.Path]:
			_, _ = w.Write([]byte("page " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRedirectsReachTheClientUnfollowed(t *testing.T) {
	srv := redirectingOrigin(t, testConfig(t, nil))
	cfg := testConfig(t, func(c *Config) { c.Server.Origin = srv.URL })
	svc := startedService(t, cfg, nil)
	h := svc.Handler()

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("user=alice"))
	rec := serve(h, login)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/account/bookings", rec.Header().Get("Location"))
	require.Contains(t, rec.Header().Get("Set-Cookie"), "session=alice")
	require.Equal(t, "passthrough", rec.Header().Get(headerTripcache))

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/booking/mine", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/auth/login", rec.Header().Get("Location"))
	require.Equal(t, "network-first:network", rec.Header().Get(headerTripcache))

	active, ok := svc.Lifecycle().Active()
	require.True(t, ok)
	keys, err := active.Keys(context.Background())
	require.NoError(t, err)
	require.NotContains(t, keys, "GET /booking/mine")

	srv.Close()
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/booking/mine", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPassThroughBeforeActivation(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := newTestService(t, cfg, origin)

	rec := serve(svc.Handler(), httptest.NewRequest(http.MethodGet, "/search", nil))
	require.Equal(t, "page /search", rec.Body.String())
	require.Equal(t, "passthrough", rec.Header().Get(headerTripcache))

	origin.setDown(true)
	rec = serve(svc.Handler(), httptest.NewRequest(http.MethodGet, "/search", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClassifyFirstMatchWins(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Rules = []Rule{
			{Match: "PathPrefix(/api/)", Priority: 5, Strategy: StrategyNetworkFirst},
			{Match: "PathPrefix(/api/static/)", Priority: 1, Strategy: StrategyCacheFirst},
		}
		c.DefaultStrategy = StrategyNetworkFirst
	})
	svc := newTestService(t, cfg, newFakeOrigin())
	d := svc.dispatcher

	require.Equal(t, StrategyCacheFirst, d.Classify("/api/static/app.css").Name())
	require.Equal(t, StrategyNetworkFirst, d.Classify("/api/hotels").Name())
	require.Equal(t, StrategyNetworkFirst, d.Classify("/about").Name())
}

func TestClassifyStockRules(t *testing.T) {
	svc := newTestService(t, testConfig(t, nil), newFakeOrigin())
	d := svc.dispatcher

	cases := map[string]string{
		"/api/hotels":            StrategyNetworkFirst,
		"/auth/login":            StrategyNetworkFirst,
		"/booking/1":             StrategyNetworkFirst,
		"/hotel/2":               StrategyNetworkFirst,
		"/icons/icon-72x72.png":  StrategyCacheFirst,
		"/images/lobby.jpg":      StrategyCacheFirst,
		"/_next/static/chunk.js": StrategyCacheFirst,
		"/":                      StrategyStaleWhileRevalidate,
		"/search":                StrategyStaleWhileRevalidate,
		"/apiary":                StrategyStaleWhileRevalidate,
	}
	for path, want := range cases {
		require.Equal(t, want, d.Classify(path).Name(), path)
	}
}

func TestExposedHeaderIsMerged(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "X-Total")
	exposeHeader(h, headerTripcache)
	require.Equal(t, "X-Total, X-Tripcache", h.Get("Access-Control-Expose-Headers"))

	exposeHeader(h, headerTripcache)
	require.Equal(t, "X-Total, X-Tripcache", h.Get("Access-Control-Expose-Headers"))
}

func TestStrategyGivesUpWithRequestContext(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)

	hang := make(chan struct{})
	defer close(hang)
	origin.setHook(func(req *http.Request) (Response, bool, error) {
		if req.URL.Path != "/api/slow" {
			return Response{}, false, nil
		}
		select {
		case <-hang:
		case <-req.Context().Done():
		}
		return Response{}, true, req.Context().Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/slow", nil).WithContext(ctx)
	start := time.Now()
	rec := serve(svc.Handler(), req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Less(t, time.Since(start), 5*time.Second)
}
