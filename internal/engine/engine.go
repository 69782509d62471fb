package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/beacon"
	"github.com/roach88/presence/internal/clock"
	"github.com/roach88/presence/internal/metrics"
	"github.com/roach88/presence/internal/sink"
)

// Engine is the single-writer presence event loop.
//
// CRITICAL: All registry, selector, timer and gate state is owned by the
// goroutine running Run (or calling Drain). Observations and timer firings
// are posted to the mailbox and applied one at a time, in FIFO order.
//
// Thread-safety model:
//   - Observe(), Stop(), View(): safe from any goroutine
//   - Run(), Start(), Drain(), Shutdown(): from exactly one goroutine
type Engine struct {
	cfg        Config
	platform   Platform
	dispatcher Dispatcher
	clock      clock.Clock
	ids        attendance.IDGenerator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	hook       DecisionHook

	mailbox *mailbox

	// Loop-owned.
	registry    *beacon.Registry
	selector    *beacon.Selector
	gate        *Gate
	timers      map[string]*beaconTimers
	everPrimary map[string]bool
	leftEmitted map[string]bool
	sweep       clock.Timer
	gen         uint64
	started     bool

	releaseOnce sync.Once
	view        atomic.Pointer[View]
}

// pending is an armed one-shot timer.
type pending struct {
	timer clock.Timer
	gen   uint64
}

type beaconTimers struct {
	outOfRange *pending
	absent     *pending
}

// DecisionHook observes every event the state machine emits. err is nil for
// accepted events and a *RejectedError otherwise.
type DecisionHook func(ev attendance.Event, err error)

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source for timers and event timestamps.
// Default: clock.Real.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the event id generator.
// Default: attendance.UUIDv7Generator.
func WithIDGenerator(g attendance.IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records engine counters.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDecisionHook installs a hook called for every emitted event.
func WithDecisionHook(h DecisionHook) EngineOption {
	return func(e *Engine) {
		e.hook = h
	}
}

// New creates an engine. d receives every accepted event; it may be nil.
func New(cfg Config, p Platform, d Dispatcher, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if p.Sink == nil {
		p.Sink = sink.Nop{}
	}
	if p.WakeLock == nil {
		p.WakeLock = NopWakeLock{}
	}
	if d == nil {
		d = DispatchFunc(func(attendance.Event) {})
	}

	e := &Engine{
		cfg:         cfg,
		platform:    p,
		dispatcher:  d,
		clock:       clock.Real{},
		ids:         attendance.UUIDv7Generator{},
		logger:      slog.Default(),
		mailbox:     newMailbox(),
		registry:    beacon.NewRegistry(cfg.RSSIThreshold),
		selector:    beacon.NewSelector(),
		gate:        NewGate(cfg.ThrottleInterval),
		timers:      make(map[string]*beaconTimers),
		everPrimary: make(map[string]bool),
		leftEmitted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.view.Store(&View{})
	return e, nil
}

// Observe submits an observation for processing.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Observe(obs beacon.Observation) error {
	if !e.mailbox.Post(message{kind: msgObservation, obs: obs}) {
		return errStopped
	}
	return nil
}

// Start restores the persisted snapshot, acquires the wake lock and arms the
// sweep. Run calls it; tests driving the engine with Drain call it directly.
func (e *Engine) Start(ctx context.Context) error {
	if e.mailbox.Closed() {
		return errStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	if err := e.restoreSnapshot(ctx); err != nil {
		e.logger.Warn("presence snapshot not restored, starting fresh", "error", err)
	}
	if err := e.platform.WakeLock.Acquire(); err != nil {
		e.logger.Warn("wake lock not acquired", "error", err)
	}
	e.armSweep()
	e.publishView()

	e.logger.Info("engine started",
		"threshold", e.cfg.RSSIThreshold,
		"out_of_range_timeout", e.cfg.OutOfRangeTimeout,
		"absent_timeout", e.cfg.AbsentTimeout,
		"throttle_interval", e.cfg.ThrottleInterval,
	)
	return nil
}

// Run starts the engine and processes messages until ctx is cancelled or
// Stop is called. Pending timers are cancelled and the wake lock released on
// every exit path.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Shutdown()

	if err := e.Start(ctx); err != nil {
		return err
	}

	if src := e.platform.Source; src != nil {
		obs, err := src.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to observation source: %w", err)
		}
		go e.pump(ctx, obs)
	}

	for {
		if m, ok := e.mailbox.TryTake(); ok {
			e.process(ctx, m)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.mailbox.Close()
			return ctx.Err()

		case <-e.mailbox.Wait():
			if e.mailbox.Closed() && e.mailbox.Len() == 0 {
				e.logger.Info("engine stopping: stopped")
				return nil
			}
		}
	}
}

// Drain processes every message currently in the mailbox, including those
// posted while draining, and returns how many were handled.
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for {
		m, ok := e.mailbox.TryTake()
		if !ok {
			return n
		}
		e.process(ctx, m)
		n++
	}
}

// Stop closes the mailbox, which causes Run to return.
// Thread-safe.
func (e *Engine) Stop() {
	e.mailbox.Close()
}

// Shutdown cancels every pending timer and releases the wake lock. It is
// idempotent and called by Run on exit.
func (e *Engine) Shutdown() {
	e.mailbox.Close()
	if e.sweep != nil {
		e.sweep.Stop()
		e.sweep = nil
	}
	for id, bt := range e.timers {
		stopPending(bt.outOfRange)
		stopPending(bt.absent)
		delete(e.timers, id)
	}
	e.releaseOnce.Do(func() {
		if e.started {
			e.platform.WakeLock.Release()
		}
	})
}

// View returns the latest read-only state published by the loop.
// Thread-safe.
func (e *Engine) View() View {
	return *e.view.Load()
}

func (e *Engine) pump(ctx context.Context, obs <-chan beacon.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-obs:
			if !ok {
				e.logger.Info("observation source closed")
				return
			}
			if err := e.Observe(o); err != nil {
				return
			}
		}
	}
}

// process routes a message to its handler.
// CRITICAL: Called only from the loop goroutine.
func (e *Engine) process(ctx context.Context, m message) {
	var err error
	switch m.kind {
	case msgObservation:
		err = e.handleObservation(ctx, m.obs)
	case msgOutOfRange:
		e.handleOutOfRange(ctx, m.beacon, m.gen)
	case msgAbsent:
		e.handleAbsent(ctx, m.beacon, m.gen)
	case msgSweep:
		e.handleSweep()
	default:
		err = fmt.Errorf("unknown message kind: %d", m.kind)
	}
	if err != nil {
		logMessageError(e.logger, m, err)
	}
	e.publishView()
}

// logMessageError logs a processing failure with the message context.
// The loop continues after logging.
func logMessageError(l *slog.Logger, m message, err error) {
	if IsMalformedObservation(err) {
		l.Debug("observation ignored", "error", err, "beacon", m.obs.ID, "rssi", m.obs.RSSI)
		return
	}
	l.Error("message processing failed", "error", err, "kind", m.kind.String(), "beacon", m.beacon)
}

// post is the timer callback target.
func (e *Engine) post(m message) {
	if !e.mailbox.Post(m) {
		e.logger.Debug("timer fired after stop", "kind", m.kind.String(), "beacon", m.beacon)
	}
}

func (e *Engine) nextGen() uint64 {
	e.gen++
	return e.gen
}

func (e *Engine) armSweep() {
	e.sweep = e.clock.AfterFunc(e.cfg.SweepInterval, func() {
		e.post(message{kind: msgSweep})
	})
}

func stopPending(p *pending) {
	if p != nil {
		p.timer.Stop()
	}
}

func (e *Engine) timersFor(id string) *beaconTimers {
	bt, ok := e.timers[id]
	if !ok {
		bt = &beaconTimers{}
		e.timers[id] = bt
	}
	return bt
}

// arm starts a timer for id unless one of the same kind is already pending.
func (e *Engine) arm(id string, kind messageKind, d time.Duration) {
	bt := e.timersFor(id)
	slot := &bt.outOfRange
	if kind == msgAbsent {
		slot = &bt.absent
	}
	if *slot != nil {
		return
	}
	if d < 0 {
		d = 0
	}
	gen := e.nextGen()
	*slot = &pending{
		gen: gen,
		timer: e.clock.AfterFunc(d, func() {
			e.post(message{kind: kind, beacon: id, gen: gen})
		}),
	}
	e.logger.Debug("timer armed", "kind", kind.String(), "beacon", id, "in", d)
}

// cancel stops the pending timer of the given kind for id.
func (e *Engine) cancel(id string, kind messageKind) {
	bt, ok := e.timers[id]
	if !ok {
		return
	}
	slot := &bt.outOfRange
	if kind == msgAbsent {
		slot = &bt.absent
	}
	if *slot == nil {
		return
	}
	(*slot).timer.Stop()
	*slot = nil
	e.logger.Debug("timer cancelled", "kind", kind.String(), "beacon", id)
	if bt.outOfRange == nil && bt.absent == nil {
		delete(e.timers, id)
	}
}

// claim consumes a timer firing. It reports false for a firing that no
// longer matches the armed timer.
func (e *Engine) claim(id string, kind messageKind, gen uint64) bool {
	bt, ok := e.timers[id]
	if !ok {
		return false
	}
	slot := &bt.outOfRange
	if kind == msgAbsent {
		slot = &bt.absent
	}
	if *slot == nil || (*slot).gen != gen {
		return false
	}
	*slot = nil
	if bt.outOfRange == nil && bt.absent == nil {
		delete(e.timers, id)
	}
	return true
}
