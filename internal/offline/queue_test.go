package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/store"
	"github.com/roach88/presence/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	return testutil.Epoch
}

func event(i int, kind attendance.Kind) attendance.Event {
	return attendance.Event{
		ID:        fmt.Sprintf("evt-%d", i),
		StudentID: "stu-1",
		BeaconID:  fmt.Sprintf("B%d", i%3),
		Kind:      kind,
		Timestamp: testutil.Epoch.Add(time.Duration(i) * 20 * time.Second),
	}
}

func openQueue(t *testing.T, kv store.KV, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithNow(fixedNow), WithLogger(quietLogger())}, opts...)
	q, err := Open(context.Background(), kv, opts...)
	require.NoError(t, err)
	return q
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event.ID
	}
	return out
}

func TestQueue_EnqueueFIFO(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i, attendance.KindPresent)))
	}

	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, ids(q.Snapshot()))
	assert.Equal(t, 3, q.Len())
}

func TestQueue_EnqueueClearsSynced(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV())

	ev := event(1, attendance.KindLeft)
	ev.Synced = true
	require.NoError(t, q.Enqueue(context.Background(), ev))

	assert.False(t, q.Snapshot()[0].Event.Synced)
}

func TestQueue_EnqueueSameIDOnce(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event(1, attendance.KindLeft)))
	require.NoError(t, q.Enqueue(ctx, event(1, attendance.KindLeft)))

	assert.Equal(t, 1, q.Len())
}

func TestQueue_EvictsOldestAtCapacity(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV(), WithCapacity(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i, attendance.KindPresent)))
		assert.LessOrEqual(t, q.Len(), 3)
	}

	assert.Equal(t, []string{"evt-3", "evt-4", "evt-5"}, ids(q.Snapshot()))
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV())
	ctx := context.Background()

	for i := 1; i <= DefaultCapacity+1; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i, attendance.KindPresent)))
	}

	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, "evt-2", q.Snapshot()[0].Event.ID)
}

func TestQueue_Remove(t *testing.T) {
	q := openQueue(t, testutil.NewMemoryKV())
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i, attendance.KindPresent)))
	}

	n, err := q.Remove(ctx, "evt-2", "evt-4", "evt-missing")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-3"}, ids(q.Snapshot()))

	n, err = q.Remove(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_PersistsEveryMutation(t *testing.T) {
	kv := testutil.NewMemoryKV()
	q := openQueue(t, kv)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event(1, attendance.KindPresent)))
	require.NoError(t, q.Enqueue(ctx, event(2, attendance.KindLeft)))
	_, err := q.Remove(ctx, "evt-1")
	require.NoError(t, err)

	assert.Equal(t, 3, kv.Sets())
}

func TestQueue_RoundTripThroughSQLite(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	q := openQueue(t, st)
	kinds := []attendance.Kind{attendance.KindPresent, attendance.KindLeft, attendance.KindAbsent}
	for i := 1; i <= 10; i++ {
		ev := event(i, kinds[i%3])
		rssi := -60 - i
		ev.RSSI = &rssi
		require.NoError(t, q.Enqueue(ctx, ev))
	}

	reloaded := openQueue(t, st)
	assert.Equal(t, q.Snapshot(), reloaded.Snapshot())
}

func TestQueue_PersistsWithExpiredContext(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	q := openQueue(t, st)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	require.NoError(t, q.Enqueue(ctx, event(1, attendance.KindLeft)))
	assert.Equal(t, []string{"evt-1"}, ids(openQueue(t, st).Snapshot()))
}

func TestQueue_RoundTripKeepsSubsecondTimestamps(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	q := openQueue(t, st)
	ev := event(1, attendance.KindPresent)
	ev.Timestamp = ev.Timestamp.Add(437 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), ev))

	got := openQueue(t, st).Snapshot()
	require.Len(t, got, 1)
	assert.True(t, ev.Timestamp.Equal(got[0].Event.Timestamp), "got %s", got[0].Event.Timestamp)
}

func TestReadEntries_DoesNotTrim(t *testing.T) {
	kv := testutil.NewMemoryKV()
	q := openQueue(t, kv)
	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(context.Background(), event(i, attendance.KindLeft)))
	}
	sets := kv.Sets()

	entries, err := ReadEntries(context.Background(), kv, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3", "evt-4"}, ids(entries))
	assert.Equal(t, sets, kv.Sets())

	none, err := ReadEntries(context.Background(), kv, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueue_ReloadWithSmallerCapacityKeepsNewest(t *testing.T) {
	kv := testutil.NewMemoryKV()
	ctx := context.Background()

	q := openQueue(t, kv)
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i, attendance.KindPresent)))
	}

	small := openQueue(t, kv, WithCapacity(2))
	assert.Equal(t, []string{"evt-4", "evt-5"}, ids(small.Snapshot()))

	again := openQueue(t, kv)
	assert.Equal(t, []string{"evt-4", "evt-5"}, ids(again.Snapshot()))
}

func TestQueue_PersistFailureStillQueuesInMemory(t *testing.T) {
	kv := testutil.NewMemoryKV()
	q := openQueue(t, kv)
	kv.FailSets(errors.New("disk full"))

	err := q.Enqueue(context.Background(), event(1, attendance.KindLeft))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, q.Len())
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	kv := testutil.NewMemoryKV()
	kv.FailGets(errors.New("io"))
	_, err := Open(ctx, kv)
	assert.Error(t, err)

	kv = testutil.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, DefaultKey, []byte("not json")))
	_, err = Open(ctx, kv)
	assert.Error(t, err)

	kv = testutil.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, DefaultKey, []byte(`{"version":9,"entries":[]}`)))
	_, err = Open(ctx, kv)
	assert.ErrorContains(t, err, "unsupported version")
}

func TestQueue_CustomKey(t *testing.T) {
	kv := testutil.NewMemoryKV()
	q := openQueue(t, kv, WithKey("custom"))
	require.NoError(t, q.Enqueue(context.Background(), event(1, attendance.KindPresent)))

	_, ok, err := kv.Get(context.Background(), "custom")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DefaultCapacity, q.Capacity())
}
