package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/sink"
	"github.com/roach88/presence/internal/testutil"
)

type fakeRetrier struct {
	report offline.Report
	check  offline.Check
	calls  atomic.Int32
}

func (f *fakeRetrier) Flush(context.Context) offline.Report {
	f.calls.Add(1)
	return f.report
}

func (f *fakeRetrier) LastCheck() offline.Check {
	return f.check
}

type fakePresence engine.View

func (f fakePresence) View() engine.View {
	return engine.View(f)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notification(id string, status sink.Status) sink.Notification {
	return sink.Notification{
		Event: attendance.Event{
			ID:        id,
			BeaconID:  "B1",
			Kind:      attendance.KindPresent,
			Timestamp: testutil.Epoch,
		},
		Status: status,
		At:     testutil.Epoch,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *sink.Hub, *offline.Queue, *fakeRetrier) {
	t.Helper()
	hub := sink.NewHub(10, quiet())
	q, err := offline.Open(context.Background(), testutil.NewMemoryKV(), offline.WithLogger(quiet()))
	require.NoError(t, err)
	r := &fakeRetrier{}
	p := fakePresence{Primary: "B1"}

	srv := httptest.NewServer(New(hub, q, r, p, WithLogger(quiet())).Handler())
	t.Cleanup(srv.Close)
	return srv, hub, q, r
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, q, r := newTestServer(t)
	r.check = offline.Check{At: testutil.Epoch, Reachable: true}
	require.NoError(t, q.Enqueue(context.Background(), notification("evt-1", sink.StatusQueued).Event))

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["queued"])
	assert.Equal(t, true, body["last_check"].(map[string]any)["reachable"])
}

func TestPresence(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var v engine.View
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/presence", &v))
	assert.Equal(t, "B1", v.Primary)
}

func TestEvents(t *testing.T) {
	srv, hub, _, _ := newTestServer(t)
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		hub.Publish(notification(id, sink.StatusAccepted))
	}

	var got []sink.Notification
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/events?limit=2", &got))
	require.Len(t, got, 2)
	assert.Equal(t, "evt-2", got[0].Event.ID)
	assert.Equal(t, "evt-3", got[1].Event.ID)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/events?limit=zero", nil))
}

func TestQueue(t *testing.T) {
	srv, _, q, _ := newTestServer(t)
	require.NoError(t, q.Enqueue(context.Background(), notification("evt-9", sink.StatusQueued).Event))

	var body queueResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/queue", &body))
	assert.Equal(t, 100, body.Capacity)
	assert.Equal(t, 1, body.Length)
	assert.Equal(t, "evt-9", body.Entries[0].Event.ID)
}

func TestFlush(t *testing.T) {
	srv, _, _, r := newTestServer(t)
	r.report = offline.Report{Reachable: true, Retried: 2}

	resp, err := http.Post(srv.URL+"/queue/flush", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rep offline.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, 2, rep.Retried)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestFlush_SkippedIsConflict(t *testing.T) {
	srv, _, _, r := newTestServer(t)
	r.report = offline.Report{Skipped: true}

	resp, err := http.Post(srv.URL+"/queue/flush", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFlush_WrongMethod(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, srv.URL+"/queue/flush", nil))
}

func TestUnavailableParts(t *testing.T) {
	hub := sink.NewHub(0, quiet())
	srv := httptest.NewServer(New(hub, nil, nil, nil, WithLogger(quiet())).Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/presence", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/queue", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/metrics", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}

func TestStream(t *testing.T) {
	srv, hub, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(notification("evt-1", sink.StatusSynced))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got sink.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "evt-1", got.Event.ID)
	assert.Equal(t, sink.StatusSynced, got.Status)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	s := New(sink.NewHub(0, quiet()), nil, nil, nil, WithLogger(quiet()))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

type fakeCollector struct {
	values map[string]int64
	err    error
}

func (f fakeCollector) Collect(context.Context) (map[string]int64, error) {
	return f.values, f.err
}

func TestMetrics(t *testing.T) {
	hub := sink.NewHub(1, quiet())
	c := fakeCollector{values: map[string]int64{"presence.events.admitted": 3}}
	srv := httptest.NewServer(New(hub, nil, nil, nil, WithLogger(quiet()), WithMetrics(c)).Handler())
	defer srv.Close()

	var got map[string]int64
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics", &got))
	assert.Equal(t, int64(3), got["presence.events.admitted"])
}

func TestMetrics_CollectError(t *testing.T) {
	hub := sink.NewHub(1, quiet())
	c := fakeCollector{err: assert.AnError}
	srv := httptest.NewServer(New(hub, nil, nil, nil, WithLogger(quiet()), WithMetrics(c)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
