package tripcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	ActionView  = "view"
	ActionClose = "close"

	defaultNotificationTag = "booking-notification"
)

var ErrNoClients = errors.New("tripcache: no client window available")

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	URL   string         `json:"url"`
	Extra map[string]any `json:"extra,omitempty"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// Client is one open window of the app.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
}

// Clients enumerates open windows and opens new ones.
type Clients interface {
	MatchAll(ctx context.Context) []Client
	OpenWindow(ctx context.Context, target string) error
}

// Bridge turns push payloads into notifications and notification clicks
// into window focus or navigation. It keeps no state of its own.
type Bridge struct {
	cfg      Config
	notifier Notifier
	clients  Clients
	log      *zap.Logger
	metrics  *Metrics
}

func NewBridge(cfg Config, notifier Notifier, clients Clients, log *zap.Logger, metrics *Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{cfg: cfg, notifier: notifier, clients: clients, log: log, metrics: metrics}
}

// BuildNotification merges an optional JSON object over the configured
// defaults. Unknown keys are kept in Data.Extra. A payload that is not a
// JSON object is shown as the body text.
func (b *Bridge) BuildNotification(payload []byte) Notification {
	n := Notification{
		Title: b.cfg.Notifications.Title,
		Body:  b.cfg.Notifications.Body,
		Icon:  b.cfg.Notifications.Icon,
		Badge: b.cfg.Notifications.Badge,
		Tag:   defaultNotificationTag,
		Data:  NotificationData{URL: b.cfg.Notifications.URL},
		Actions: []NotificationAction{
			{Action: ActionView, Title: "View booking"},
			{Action: ActionClose, Title: "Close"},
		},
	}

	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return n
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		n.Body = raw
		return n
	}
	for k, v := range fields {
		s, isString := v.(string)
		switch {
		case k == "title" && isString:
			n.Title = s
		case k == "body" && isString:
			n.Body = s
		case k == "url" && isString:
			n.Data.URL = s
		case k == "icon" && isString:
			n.Icon = s
		case k == "badge" && isString:
			n.Badge = s
		case k == "tag" && isString:
			n.Tag = s
		default:
			if n.Data.Extra == nil {
				n.Data.Extra = map[string]any{}
			}
			n.Data.Extra[k] = v
		}
	}
	return n
}

// HandlePush shows the notification built from payload.
func (b *Bridge) HandlePush(ctx context.Context, payload []byte) (Notification, error) {
	n := b.BuildNotification(payload)
	b.metrics.ObserveNotification("push")
	if err := b.notifier.ShowNotification(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	b.log.Debug("notification shown", zap.String("tag", n.Tag), zap.String("url", n.Data.URL))
	return n, nil
}

// HandleClick reacts to a notification interaction. "close" only dismisses.
// "view" or a bare click focuses a window already showing the target URL,
// or opens a new one.
func (b *Bridge) HandleClick(ctx context.Context, action string, data NotificationData) error {
	if action == ActionClose {
		b.metrics.ObserveNotification("close")
		return nil
	}
	if action != "" && action != ActionView {
		b.log.Debug("ignoring notification action", zap.String("action", action))
		return nil
	}

	target := data.URL
	if target == "" {
		target = b.cfg.Notifications.URL
	}
	want := normalizeClientURL(target)
	for _, c := range b.clients.MatchAll(ctx) {
		if normalizeClientURL(c.URL()) == want {
			b.metrics.ObserveNotification("focus")
			return c.Focus(ctx)
		}
	}
	b.metrics.ObserveNotification("open")
	return b.clients.OpenWindow(ctx, target)
}

// normalizeClientURL reduces absolute and relative URLs to path?query so a
// window at http://host/x matches a target of /x.
func normalizeClientURL(s string) string {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return u.RequestURI()
}
