package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/sink"
	"github.com/roach88/presence/internal/store"
	"github.com/roach88/presence/internal/testutil"
)

func setup(t *testing.T) (*Dispatcher, *offline.Queue, *testutil.FakeAPI, *sink.Recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := offline.Open(context.Background(), testutil.NewMemoryKV(), offline.WithLogger(logger))
	require.NoError(t, err)
	client := testutil.NewFakeAPI()
	rec := &sink.Recorder{}
	d := New(client, q,
		WithSink(rec),
		WithLogger(logger),
		WithNow(func() time.Time { return testutil.Epoch }),
		WithTimeout(time.Second),
	)
	return d, q, client, rec
}

func leftB1() attendance.Event {
	return attendance.Event{
		ID:        "evt-2",
		StudentID: "stu-1",
		BeaconID:  "B1",
		Kind:      attendance.KindLeft,
		Timestamp: testutil.Epoch.Add(20 * time.Second),
	}
}

func TestDeliver_Success(t *testing.T) {
	d, q, client, rec := setup(t)

	out := d.Deliver(context.Background(), leftB1())
	assert.Equal(t, OutcomeSynced, out)
	assert.Zero(t, q.Len())
	require.Len(t, client.Marked(), 1)

	synced := rec.WithStatus(sink.StatusSynced)
	require.Len(t, synced, 1)
	assert.True(t, synced[0].Synced)
}

func TestDeliver_TransientQueues(t *testing.T) {
	d, q, client, rec := setup(t)
	client.FailMarks(&api.Error{Code: api.CodeTransient, Op: "mark", Message: "connection refused"})

	out := d.Deliver(context.Background(), leftB1())
	assert.Equal(t, OutcomeQueued, out)

	entries := q.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-2", entries[0].Event.ID)
	assert.False(t, entries[0].Event.Synced)

	n := rec.Notifications()
	require.Len(t, n, 1)
	assert.Equal(t, sink.StatusQueued, n[0].Status)
	assert.Contains(t, n[0].Error, "connection refused")
}

func TestDeliver_PlainErrorIsTransient(t *testing.T) {
	d, q, client, _ := setup(t)
	client.FailMarks(errors.New("dial tcp: i/o timeout"))

	assert.Equal(t, OutcomeQueued, d.Deliver(context.Background(), leftB1()))
	assert.Equal(t, 1, q.Len())
}

func TestDeliver_UnauthorizedDrops(t *testing.T) {
	d, q, client, rec := setup(t)
	client.FailMarks(&api.Error{Code: api.CodeUnauthorized, Op: "mark", Status: 401, Message: "token expired"})

	out := d.Deliver(context.Background(), leftB1())
	assert.Equal(t, OutcomeDropped, out)
	assert.Zero(t, q.Len(), "auth failures are never queued")
	assert.Len(t, rec.WithStatus(sink.StatusDropped), 1)
}

func TestDispatch_IsAsync(t *testing.T) {
	d, _, client, rec := setup(t)
	entered, release := client.HoldMarks()

	done := make(chan struct{})
	go func() {
		d.Dispatch(leftB1())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on the network call")
	}

	<-entered
	assert.Empty(t, rec.Notifications())
	release()
	d.Wait()
	assert.Len(t, rec.WithStatus(sink.StatusSynced), 1)
}

// Scenario: a left event fails with a network error, lands in the queue, and
// a later retry pass with the service reachable delivers and removes it.
func TestDispatchFailureThenRetry(t *testing.T) {
	d, q, client, rec := setup(t)
	client.FailMarks(&api.Error{Code: api.CodeTransient, Op: "mark", Message: "network unreachable"})

	d.Dispatch(leftB1())
	d.Wait()
	require.Equal(t, 1, q.Len())

	client.FailMarks(nil)
	r := offline.NewRetrier(q, client, offline.WithDelay(0), offline.WithSink(rec),
		offline.WithRetrierLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rep := r.ProcessQueue(context.Background())

	assert.True(t, rep.Reachable)
	assert.Equal(t, 1, rep.Retried)
	assert.Zero(t, q.Len())
	assert.Equal(t, 1, client.Checks())
	assert.Len(t, rec.WithStatus(sink.StatusSynced), 1)
}

// stalledClient never answers a mark call before its deadline.
type stalledClient struct {
	*testutil.FakeAPI
}

func (c stalledClient) MarkAttendance(ctx context.Context, _ attendance.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatch_TimedOutEventIsPersisted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "presence.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	q, err := offline.Open(context.Background(), st, offline.WithLogger(logger))
	require.NoError(t, err)
	d := New(stalledClient{testutil.NewFakeAPI()}, q,
		WithLogger(logger),
		WithTimeout(50*time.Millisecond),
	)

	d.Dispatch(leftB1())
	d.Wait()
	require.Equal(t, 1, q.Len())
	require.NoError(t, st.Close())

	st, err = store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	reloaded, err := offline.Open(context.Background(), st, offline.WithLogger(logger))
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	assert.Equal(t, "evt-2", reloaded.Snapshot()[0].Event.ID)
}
