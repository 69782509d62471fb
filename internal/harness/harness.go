package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/beacon"
	"github.com/roach88/presence/internal/delivery"
	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/store"
	"github.com/roach88/presence/internal/testutil"
)

// Errors the fake service returns in each failing mode.
var (
	errOffline      = &api.Error{Code: api.CodeTransient, Op: "mark", Message: "network unreachable"}
	errFailing      = &api.Error{Code: api.CodeTransient, Op: "mark", Status: 503, Message: "service unavailable"}
	errUnauthorized = &api.Error{Code: api.CodeUnauthorized, Op: "mark", Message: "token expired"}
)

// Harness is the scenario execution engine.
// It wires the real engine, dispatcher and offline queue to a fake clock and
// a fake attendance service.
type Harness struct {
	ctx        context.Context
	clock      *testutil.FakeClock
	api        *testutil.FakeAPI
	queue      *offline.Queue
	retrier    *offline.Retrier
	dispatcher *delivery.Dispatcher
	engine     *engine.Engine
	tracer     *tracer
	logger     *slog.Logger
}

// Option configures a run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger sends component logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Build the engine, dispatcher, queue and retrier around a fake clock
// 2. Apply the steps in offset order, firing timers as the clock moves
// 3. Advance to Until
// 4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(context.Background(), scenario, st, o.logger)
	if err != nil {
		return nil, err
	}
	defer h.engine.Shutdown()

	last := time.Duration(0)
	for _, a := range expand(scenario.Steps) {
		if err := h.apply(a); err != nil {
			return nil, fmt.Errorf("step at %s: %w", a.at, err)
		}
		last = a.at
	}
	if scenario.Until > last {
		h.advance(scenario.Until)
	}

	result := NewResult()
	result.Trace = h.tracer.trace()
	result.Primary = h.engine.View().Primary
	result.Queued = h.queue.Len()

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, st *store.Store, logger *slog.Logger) (*Harness, error) {
	cfg := engineConfig(scenario)
	clk := testutil.NewFakeClock(testutil.Epoch)
	tr := newTracer(testutil.Epoch)
	fake := testutil.NewFakeAPI()

	qopts := []offline.Option{offline.WithNow(clk.Now), offline.WithLogger(logger)}
	if n := scenario.Settings.QueueCapacity; n != nil {
		qopts = append(qopts, offline.WithCapacity(*n))
	}
	q, err := offline.Open(ctx, st, qopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}

	ropts := []offline.RetrierOption{
		offline.WithDelay(0),
		offline.WithSink(tr),
		offline.WithRetrierLogger(logger),
		offline.WithRetrierNow(clk.Now),
	}
	if n := scenario.Settings.BatchThreshold; n != nil {
		ropts = append(ropts, offline.WithBatchThreshold(*n))
	}

	h := &Harness{
		ctx:     ctx,
		clock:   clk,
		api:     fake,
		queue:   q,
		retrier: offline.NewRetrier(q, fake, ropts...),
		dispatcher: delivery.New(fake, q,
			delivery.WithSink(tr),
			delivery.WithLogger(logger),
			delivery.WithNow(clk.Now),
		),
		tracer: tr,
		logger: logger,
	}

	// Deliveries run inline so the trace order is fixed.
	eng, err := engine.New(cfg,
		engine.Platform{Store: st, Sink: tr},
		engine.DispatchFunc(func(ev attendance.Event) {
			h.dispatcher.Deliver(h.ctx, ev)
		}),
		engine.WithClock(clk),
		engine.WithIDGenerator(attendance.NewSequenceGenerator("evt")),
		engine.WithLogger(logger),
		engine.WithDecisionHook(tr.decide),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	h.engine = eng
	return h, nil
}

func engineConfig(s *Scenario) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.StudentID = s.StudentID
	if cfg.StudentID == "" {
		cfg.StudentID = DefaultStudentID
	}
	set := s.Settings
	if set.RSSIThreshold != nil {
		cfg.RSSIThreshold = *set.RSSIThreshold
	}
	if set.OutOfRangeTimeout != nil {
		cfg.OutOfRangeTimeout = *set.OutOfRangeTimeout
	}
	if set.AbsentTimeout != nil {
		cfg.AbsentTimeout = *set.AbsentTimeout
	}
	if set.SweepInterval != nil {
		cfg.SweepInterval = *set.SweepInterval
	}
	if set.ThrottleInterval != nil {
		cfg.ThrottleInterval = *set.ThrottleInterval
	}
	return cfg
}

// action is one expanded step occurrence.
type action struct {
	at   time.Duration
	step *Step
}

// expand unrolls repeating observations and orders everything by offset.
// Actions at the same offset keep their file order.
func expand(steps []Step) []action {
	var out []action
	for i := range steps {
		st := &steps[i]
		if st.Every > 0 {
			for d := st.At; d <= st.Through; d += st.Every {
				out = append(out, action{at: d, step: st})
			}
			continue
		}
		out = append(out, action{at: st.At, step: st})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at < out[j].at })
	return out
}

func (h *Harness) apply(a action) error {
	h.advance(a.at)
	st := a.step

	switch {
	case st.Observe != "":
		obs := beacon.Observation{ID: st.Observe, RSSI: *st.RSSI, SeenAt: h.clock.Now()}
		if err := h.engine.Observe(obs); err != nil {
			return err
		}
		h.engine.Drain(h.ctx)

	case st.API != "":
		h.setAPI(st.API)
		h.logger.Info("attendance service mode changed", "mode", st.API, "at", a.at)

	case st.Flush:
		rep := h.retrier.Flush(h.ctx)
		h.tracer.flush(h.clock.Now(), rep)
	}
	return nil
}

// advance moves the clock to offset d, draining the engine after each
// batch of timer firings.
func (h *Harness) advance(d time.Duration) {
	target := testutil.Epoch.Add(d)
	for !h.clock.AdvanceTo(target) {
		h.engine.Drain(h.ctx)
	}
	h.engine.Drain(h.ctx)
}

func (h *Harness) setAPI(mode APIMode) {
	switch mode {
	case APIOnline:
		h.api.SetOnline(true)
		h.api.FailMarks(nil)
		h.api.SetBatch(-1, nil)
	case APIOffline:
		h.api.SetOnline(false)
		h.api.FailMarks(errOffline)
		h.api.SetBatch(0, errOffline)
	case APIFailing:
		h.api.SetOnline(true)
		h.api.FailMarks(errFailing)
		h.api.SetBatch(0, errFailing)
	case APIUnauthorized:
		h.api.SetOnline(true)
		h.api.FailMarks(errUnauthorized)
		h.api.SetBatch(0, errUnauthorized)
	}
}
