// Package source adapts observation feeds to a channel the engine consumes.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/presence/internal/beacon"
)

// Source yields beacon observations until ctx is cancelled.
//
// The returned channel is closed when the feed ends or ctx is done.
// Observations may repeat or arrive out of timestamp order.
type Source interface {
	Subscribe(ctx context.Context) (<-chan beacon.Observation, error)
}

// Static replays a fixed slice of observations.
type Static []beacon.Observation

// Subscribe implements Source.
func (s Static) Subscribe(ctx context.Context) (<-chan beacon.Observation, error) {
	out := make(chan beacon.Observation)
	go func() {
		defer close(out)
		for _, o := range s {
			select {
			case <-ctx.Done():
				return
			case out <- o:
			}
		}
	}()
	return out, nil
}

// JSONLines reads one JSON observation per line:
//
//	{"id":"AA:BB:CC:DD:EE:FF","name":"Room 101","rssi":-61,"seen_at":"2024-01-01T08:00:00Z"}
//
// Blank lines and lines starting with '#' are skipped. Lines that do not
// decode are logged and skipped. seen_at may be omitted, in which case the
// engine stamps the observation on arrival.
type JSONLines struct {
	r      io.Reader
	logger *slog.Logger
	once   sync.Once
}

// NewJSONLines creates a source reading from r. A nil logger uses
// slog.Default().
func NewJSONLines(r io.Reader, logger *slog.Logger) *JSONLines {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLines{r: r, logger: logger}
}

// Subscribe implements Source. The reader can be consumed only once; later
// calls return a closed channel.
func (j *JSONLines) Subscribe(ctx context.Context) (<-chan beacon.Observation, error) {
	out := make(chan beacon.Observation)
	started := false
	j.once.Do(func() {
		started = true
		go j.read(ctx, out)
	})
	if !started {
		close(out)
	}
	return out, nil
}

func (j *JSONLines) read(ctx context.Context, out chan<- beacon.Observation) {
	defer close(out)

	sc := bufio.NewScanner(j.r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var o beacon.Observation
		if err := json.Unmarshal([]byte(text), &o); err != nil {
			j.logger.Warn("skipping malformed observation line", "line", line, "error", err)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- o:
		}
	}
	if err := sc.Err(); err != nil {
		j.logger.Error("observation feed read failed", "line", line, "error", err)
	}
}
