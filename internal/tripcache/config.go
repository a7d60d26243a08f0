package tripcache

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	InstallAtomic  = "atomic"
	InstallDegrade = "degrade"

	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// Config is loaded once at startup and handed to every component. Nothing
// in the package keeps its own copy of cache names or URL tables.
type Config struct {
	Server struct {
		Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin        string `yaml:"origin" validate:"required,url"`
		ControlPrefix string `yaml:"controlPrefix" validate:"required,startswith=/,endswith=/"`
		// PassthroughHosts are the only foreign hosts an absolute-form
		// request may be forwarded to. Everything else is refused.
		PassthroughHosts []string `yaml:"passthroughHosts" validate:"dive,hostname_rfc1123|hostname_port"`
	} `yaml:"server"`

	Cache struct {
		Version    string `yaml:"version" validate:"required"`
		OfflineURL string `yaml:"offlineURL" validate:"required,startswith=/"`
		DataDir    string `yaml:"dataDir"`
		RAM        struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"cache"`

	Install struct {
		Policy   string   `yaml:"policy" validate:"oneof=atomic degrade"`
		Manifest []string `yaml:"manifest" validate:"required,min=1,dive,startswith=/"`
	} `yaml:"install"`

	Rules           []Rule `yaml:"rules" validate:"dive"`
	DefaultStrategy string `yaml:"defaultStrategy" validate:"oneof=network-first cache-first stale-while-revalidate"`

	Network struct {
		Timeout               string `yaml:"timeout"`
		BackgroundConcurrency int    `yaml:"backgroundConcurrency" validate:"gte=0"`
	} `yaml:"network"`

	Sync struct {
		Tag          string `yaml:"tag" validate:"required"`
		Endpoint     string `yaml:"endpoint" validate:"required,startswith=/"`
		Keyspace     string `yaml:"keyspace" validate:"required"`
		DeadKeyspace string `yaml:"deadKeyspace" validate:"required,nefield=Keyspace"`
		MaxAttempts  int    `yaml:"maxAttempts" validate:"gte=0"`
		Backoff      string `yaml:"backoff"`
		MaxBackoff   string `yaml:"maxBackoff"`
		Schedule     string `yaml:"schedule"`
	} `yaml:"sync"`

	Queue struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb redis"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		MachineID uint16 `yaml:"machineID"`
	} `yaml:"queue"`

	Notifications struct {
		Title string `yaml:"title"`
		Body  string `yaml:"body"`
		URL   string `yaml:"url" validate:"required"`
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	compiled      bool
	ramMax        int64
	timeoutDur    time.Duration
	backoffDur    time.Duration
	maxBackoffDur time.Duration
	statsEveryDur time.Duration
}

// Rule routes every request whose path matches one of its prefixes to a
// caching strategy. Rules are evaluated by ascending priority; ties keep
// declaration order.
type Rule struct {
	Match    string `yaml:"match" validate:"required"`
	Priority int    `yaml:"priority"`
	Strategy string `yaml:"strategy" validate:"oneof=network-first cache-first stale-while-revalidate"`
	// BypassWhenCookies sends requests carrying any of these cookies
	// straight to the origin, skipping the cache entirely.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultConfig returns the stock booking-app tables. Server.Origin is left
// empty and must be supplied.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ControlPrefix = "/_sw/"

	cfg.Cache.Version = "tripcache-v1"
	cfg.Cache.OfflineURL = "/offline"
	cfg.Cache.DataDir = "./data/leveldb"
	cfg.Cache.RAM.Max = "64m"

	cfg.Install.Policy = InstallAtomic
	cfg.Install.Manifest = []string{
		"/",
		"/offline",
		"/search",
		"/account/bookings",
		"/manifest.json",
		"/favicon.ico",
		"/icons/icon-72x72.png",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
	}

	cfg.Rules = []Rule{
		{
			Match:    "PathPrefix(/api/) | PathPrefix(/auth/) | PathPrefix(/booking/) | PathPrefix(/hotel/)",
			Strategy: StrategyNetworkFirst,
		},
		{
			Match:    "PathPrefix(/icons/) | PathPrefix(/images/) | PathPrefix(/_next/static/)",
			Strategy: StrategyCacheFirst,
		},
	}
	cfg.DefaultStrategy = StrategyStaleWhileRevalidate

	cfg.Network.Timeout = "30s"
	cfg.Network.BackgroundConcurrency = 32

	cfg.Sync.Tag = "booking-sync"
	cfg.Sync.Endpoint = "/api/bookings"
	cfg.Sync.Keyspace = "pendingBookings"
	cfg.Sync.DeadKeyspace = "pendingBookings.dead"
	cfg.Sync.MaxAttempts = 10
	cfg.Sync.Backoff = "0s"
	cfg.Sync.MaxBackoff = "5m"

	cfg.Queue.Backend = BackendLevelDB
	cfg.Queue.MachineID = 1

	cfg.Notifications.Title = "Booking update"
	cfg.Notifications.Body = "Your booking has been confirmed!"
	cfg.Notifications.URL = "/account/bookings"
	cfg.Notifications.Icon = "/icons/icon-192x192.png"
	cfg.Notifications.Badge = "/icons/icon-72x72.png"

	cfg.Logging.Level = "info"
	cfg.Logging.LogStatsEvery = "0s"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig overlays YAML onto DefaultConfig and compiles the result.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.Compile()
}

var validate = validator.New()

// Compile validates c and returns a copy with matchers, sizes and durations
// parsed. The receiver is left untouched.
func (c Config) Compile() (Config, error) {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Config{}, fmt.Errorf("%s: failed %q validation", fieldPath(fe.Namespace()), fe.Tag())
		}
		return Config{}, err
	}

	if c.Queue.Backend == BackendRedis && strings.TrimSpace(c.Queue.Redis.Addr) == "" {
		return Config{}, fmt.Errorf("queue.redis.addr is required for the redis backend")
	}

	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	for i := range rules {
		r := &rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	c.Rules = rules

	var err error
	if c.ramMax, err = parseBytes(c.Cache.RAM.Max); err != nil {
		return Config{}, fmt.Errorf("cache.ram.max: %w", err)
	}
	if c.timeoutDur, err = parseDuration(c.Network.Timeout); err != nil {
		return Config{}, fmt.Errorf("network.timeout: %w", err)
	}
	if c.backoffDur, err = parseDuration(c.Sync.Backoff); err != nil {
		return Config{}, fmt.Errorf("sync.backoff: %w", err)
	}
	if c.maxBackoffDur, err = parseDuration(c.Sync.MaxBackoff); err != nil {
		return Config{}, fmt.Errorf("sync.maxBackoff: %w", err)
	}
	if c.statsEveryDur, err = parseDuration(c.Logging.LogStatsEvery); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if c.Network.BackgroundConcurrency == 0 {
		c.Network.BackgroundConcurrency = 32
	}
	c.compiled = true
	return c, nil
}

// NetworkTimeout bounds every origin round trip, foreground or background.
func (c Config) NetworkTimeout() time.Duration { return c.timeoutDur }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// fieldPath turns "Config.Sync.DeadKeyspace" into "sync.deadKeyspace".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}

// parseMatch reads "PathPrefix(/a/) | PathPrefix(/b/)". Empty alternatives
// are skipped but at least one prefix is required.
func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	var out []pathPrefixMatcher
	for _, alt := range strings.Split(expr, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		arg, ok := strings.CutPrefix(alt, "PathPrefix(")
		if !ok {
			return nil, fmt.Errorf("unsupported matcher %q, want PathPrefix(/...)", alt)
		}
		arg, ok = strings.CutSuffix(arg, ")")
		if !ok {
			return nil, fmt.Errorf("unclosed matcher %q", alt)
		}
		prefix := strings.TrimSpace(arg)
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("prefix %q must start with /", prefix)
		}
		out = append(out, pathPrefixMatcher{Prefix: prefix})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no PathPrefix in %q", expr)
	}
	return out, nil
}

// bypassedBy reports whether req carries one of the rule's bypass cookies.
func (r *Rule) bypassedBy(req *http.Request) bool {
	if len(r.BypassWhenCookies) == 0 {
		return false
	}
	for _, c := range req.Cookies() {
		if slices.Contains(r.BypassWhenCookies, c.Name) {
			return true
		}
	}
	return false
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Prefixes lists the compiled path prefixes in match order.
func (r *Rule) Prefixes() []string {
	out := make([]string, 0, len(r.matchers))
	for _, m := range r.matchers {
		out = append(out, m.Prefix)
	}
	return out
}
