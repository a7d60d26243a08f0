package tripcache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func controlRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestControlQueueAndSync(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	origin.set("/api/bookings", http.StatusCreated, `{"ok":true}`)
	svc := startedService(t, cfg, origin, WithIDGenerator(&seqIDs{}))
	h := svc.Handler()

	rec := serve(h, controlRequest(http.MethodPost, "/_sw/queue", `{"data":{"hotel":7,"nights":2}}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created PendingWrite
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "id-001", created.ID)
	require.Equal(t, "booking-sync", created.Tag)
	require.NotZero(t, created.Timestamp)

	rec = serve(h, controlRequest(http.MethodGet, "/_sw/queue", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []PendingWrite
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.JSONEq(t, `{"hotel":7,"nights":2}`, string(listed[0].Data))

	rec = serve(h, controlRequest(http.MethodGet, "/_sw/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"state":"activated","generation":"tripcache-v1","pending":1,"dead":0,"clients":0}`, rec.Body.String())

	rec = serve(h, controlRequest(http.MethodPost, "/_sw/sync", `{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var rep ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, 0, rep.Remaining)
	require.Equal(t, []string{`{"hotel":7,"nights":2}`}, origin.received(http.MethodPost, "/api/bookings"))

	rec = serve(h, controlRequest(http.MethodGet, "/_sw/queue", ""))
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestControlQueueDelete(t *testing.T) {
	cfg := testConfig(t, nil)
	svc := startedService(t, cfg, newFakeOrigin().withManifest(cfg))
	h := svc.Handler()

	rec := serve(h, controlRequest(http.MethodPost, "/_sw/queue", `{"id":"b-1","data":{}}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(h, controlRequest(http.MethodDelete, "/_sw/queue/b-1", ""))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(h, controlRequest(http.MethodDelete, "/_sw/queue/b-1", ""))
	require.Equal(t, http.StatusNoContent, rec.Code)

	n, err := svc.Queue().Len(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestControlRejectsBadInput(t *testing.T) {
	cfg := testConfig(t, nil)
	svc := startedService(t, cfg, newFakeOrigin().withManifest(cfg))
	h := svc.Handler()

	rec := serve(h, controlRequest(http.MethodPost, "/_sw/queue", `{"id":"x"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, controlRequest(http.MethodPost, "/_sw/queue", `{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, controlRequest(http.MethodPost, "/_sw/sync", `{"tag":"other"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown sync tag")
}

func TestControlPush(t *testing.T) {
	cfg := testConfig(t, nil)

	svc := startedService(t, cfg, newFakeOrigin().withManifest(cfg))
	rec := serve(svc.Handler(), controlRequest(http.MethodPost, "/_sw/push", `{"body":"Room ready","url":"/x"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, "no window is connected")
	var resp pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Delivered)
	require.Equal(t, "/x", resp.Notification.Data.URL)

	notifier := &recordingNotifier{}
	svc = startedService(t, cfg, newFakeOrigin().withManifest(cfg), WithNotifier(notifier))
	rec = serve(svc.Handler(), controlRequest(http.MethodPost, "/_sw/push", `{"body":"Room ready","url":"/x"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Delivered)
	require.Len(t, notifier.shown, 1)
	require.Equal(t, "Room ready", notifier.shown[0].Body)
}

func TestControlMetrics(t *testing.T) {
	cfg := testConfig(t, nil)
	svc := startedService(t, cfg, newFakeOrigin().withManifest(cfg))

	rec := serve(svc.Handler(), controlRequest(http.MethodGet, "/_sw/metrics", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tripcache_lifecycle_state 4")
}

func TestControlPrefixIsNotIntercepted(t *testing.T) {
	cfg := testConfig(t, nil)
	origin := newFakeOrigin().withManifest(cfg)
	svc := startedService(t, cfg, origin)

	serve(svc.Handler(), controlRequest(http.MethodGet, "/_sw/status", ""))
	require.Zero(t, origin.count(http.MethodGet, "/_sw/status"))
}
