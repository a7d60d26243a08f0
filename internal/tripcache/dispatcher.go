package tripcache

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const headerTripcache = "X-Tripcache"

type route struct {
	rule     *Rule
	strategy Strategy
}

// Dispatcher classifies intercepted requests and hands each to exactly one
// strategy. Routes are tried in order; the first matching prefix wins and
// everything else goes to the explicit fallback. Absolute-form requests for
// any host other than the origin are forwarded only to passthrough hosts.
type Dispatcher struct {
	cfg        Config
	routes     []route
	fallback   Strategy
	lifecycle  *Lifecycle
	fetch      Fetcher
	originHost string
	log        *zap.Logger
	metrics    *Metrics
}

func newDispatcher(cfg Config, lc *Lifecycle, fetch Fetcher, originHost string, base strategyBase, bg *background) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:        cfg,
		lifecycle:  lc,
		fetch:      fetch,
		originHost: originHost,
		log:        base.log,
		metrics:    base.metrics,
	}
	byName := map[string]Strategy{}
	get := func(name string) (Strategy, error) {
		if s, ok := byName[name]; ok {
			return s, nil
		}
		s, err := newStrategy(name, base, bg)
		if err != nil {
			return nil, err
		}
		byName[name] = s
		return s, nil
	}
	for i := range cfg.Rules {
		s, err := get(cfg.Rules[i].Strategy)
		if err != nil {
			return nil, err
		}
		d.routes = append(d.routes, route{rule: &cfg.Rules[i], strategy: s})
	}
	fb, err := get(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	d.fallback = fb
	return d, nil
}

// Classify returns the strategy responsible for path.
func (d *Dispatcher) Classify(path string) Strategy {
	s, _ := d.route(path)
	return s
}

func (d *Dispatcher) route(path string) (Strategy, *Rule) {
	for _, rt := range d.routes {
		if rt.rule.Matches(path) {
			return rt.strategy, rt.rule
		}
	}
	return d.fallback, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !d.sameOrigin(r) {
		if !hostListed(r.URL, d.cfg.Server.PassthroughHosts) {
			d.log.Debug("refusing request for foreign host", zap.String("host", r.URL.Host))
			misdirected(w)
			return
		}
		d.passThrough(w, r, "passthrough")
		return
	}
	if r.Method != http.MethodGet || !d.lifecycle.Controlling() {
		d.passThrough(w, r, "passthrough")
		return
	}

	strat, rule := d.route(r.URL.Path)
	if rule != nil && rule.bypassedBy(r) {
		d.passThrough(w, r, "ignore-by-cookie")
		return
	}
	resp, src, err := strat.Respond(r.Context(), r)
	if err == nil {
		d.metrics.ObserveStrategy(strat.Name(), src)
		d.write(w, resp, strat.Name()+":"+string(src))
		return
	}

	if isNavigation(r) {
		if cache, ok := d.lifecycle.Active(); ok {
			doc, found, lerr := cache.MatchURI(r.Context(), d.cfg.Cache.OfflineURL)
			if lerr == nil && found {
				d.metrics.ObserveNavigationFallback()
				d.log.Debug("serving offline document", zap.String("path", r.URL.Path), zap.Error(err))
				d.write(w, doc, string(SourceOffline))
				return
			}
		}
	}
	d.log.Debug("strategy failed", zap.String("strategy", strat.Name()),
		zap.String("path", r.URL.Path), zap.Error(err))
	badGateway(w)
}

// sameOrigin is true for origin-form requests and for absolute-form
// requests naming the origin host. The service has no host of its own: it
// answers for the origin.
func (d *Dispatcher) sameOrigin(r *http.Request) bool {
	return !r.URL.IsAbs() || strings.EqualFold(r.URL.Host, d.originHost)
}

func (d *Dispatcher) passThrough(w http.ResponseWriter, r *http.Request, tag string) {
	d.metrics.ObservePassthrough()
	resp, err := d.fetch.Fetch(r.Context(), r)
	if err != nil {
		badGateway(w)
		return
	}
	writeResponse(w, resp, tag)
}

func (d *Dispatcher) write(w http.ResponseWriter, resp Response, tag string) {
	writeResponse(w, resp, tag)
	d.metrics.ObserveResponseBytes(len(resp.Body))
}

// isNavigation detects top-level page loads. Browsers send Sec-Fetch-Mode;
// older clients are recognised by asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeResponse(w http.ResponseWriter, resp Response, tag string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerTripcache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setTripcacheHeaders(w.Header(), tag)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func badGateway(w http.ResponseWriter) {
	setTripcacheHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func misdirected(w http.ResponseWriter) {
	setTripcacheHeaders(w.Header(), "misdirected")
	http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
}

func setTripcacheHeaders(h http.Header, tag string) {
	if tag != "" {
		h.Set(headerTripcache, tag)
	}
	// Custom headers are invisible to JS in a CORS context unless exposed.
	exposeHeader(h, headerTripcache)
}

// exposeHeader adds name to Access-Control-Expose-Headers, folding any
// repeated header lines into one list. A name already listed is left alone.
func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	var names []string
	for _, line := range h.Values(key) {
		for _, n := range strings.Split(line, ",") {
			if n = strings.TrimSpace(n); n == "" {
				continue
			}
			if strings.EqualFold(n, name) {
				return
			}
			names = append(names, n)
		}
	}
	h.Set(key, strings.Join(append(names, name), ", "))
}
