package source

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/presence/internal/beacon"
)

func collect(t *testing.T, ch <-chan beacon.Observation) []beacon.Observation {
	t.Helper()
	var out []beacon.Observation
	timeout := time.After(time.Second)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatal("source did not close")
		}
	}
}

func TestStatic(t *testing.T) {
	s := Static{{ID: "B1", RSSI: -60}, {ID: "B2", RSSI: -70}}

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	got := collect(t, ch)
	assert.Equal(t, []beacon.Observation(s), got)
}

func TestStatic_Cancel(t *testing.T) {
	s := Static{{ID: "B1"}, {ID: "B2"}}
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	<-ch
	cancel()
	collect(t, ch)
}

func TestJSONLines(t *testing.T) {
	input := `# morning lecture
{"id":"B1","name":"Room 101","rssi":-61,"seen_at":"2024-01-01T08:00:00Z"}

{"id":"B2","rssi":-80}
not json
{"id":"B1","rssi":-62,"seen_at":"2024-01-01T08:00:05Z"}
`
	src := NewJSONLines(strings.NewReader(input), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	got := collect(t, ch)

	require.Len(t, got, 3)
	assert.Equal(t, "Room 101", got[0].Name)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), got[0].SeenAt.UTC())
	assert.True(t, got[1].SeenAt.IsZero())
	assert.Equal(t, -62, got[2].RSSI)
}

func TestJSONLines_SubscribeOnce(t *testing.T) {
	src := NewJSONLines(strings.NewReader(`{"id":"B1","rssi":-60}`), nil)

	first, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Len(t, collect(t, first), 1)

	second, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, collect(t, second))
}
