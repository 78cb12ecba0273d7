package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/notify"
	"autotrader/internal/store"
	"autotrader/internal/strategy/builtins"
)

// fakeRunner returns canned results and tracks concurrency.
type fakeRunner struct {
	delay    time.Duration
	results  map[int64]domain.RunResult
	panicFor int64

	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) RunDailyRoutine(ctx context.Context, id int64) domain.RunResult {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if id == f.panicFor {
		panic("engine exploded")
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return domain.RunResult{StrategyID: id, Status: domain.RunStatusFailed, Error: ctx.Err().Error()}
	}
	if r, ok := f.results[id]; ok {
		r.StrategyID = id
		return r
	}
	return domain.RunResult{StrategyID: id, Status: domain.RunStatusSuccess}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func seedStrategies(t *testing.T, st store.Store, n int) []domain.Strategy {
	t.Helper()
	ctx := context.Background()
	var out []domain.Strategy
	for i := 0; i < n; i++ {
		s := &domain.Strategy{
			Name:     "s" + string(rune('a'+i)),
			Code:     domain.StrategyCodeInfBuy,
			Account:  "paper",
			Symbol:   "SOXL",
			Exchange: domain.ExchangeNYSE,
			Params:   json.RawMessage(`{"initial_investment":1000,"division":10,"sell_gain":10}`),
			Status:   domain.StrategyStatusActive,
		}
		if err := st.CreateStrategy(ctx, s); err != nil {
			t.Fatal(err)
		}
		out = append(out, *s)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.RunTimeout = time.Second
	return cfg
}

func TestRunAllActiveBoundedFanOut(t *testing.T) {
	st := store.NewMemoryStore()
	strategies := seedStrategies(t, st, 6)
	ctx := context.Background()
	if err := st.SetStrategyStatus(ctx, strategies[5].ID, domain.StrategyStatusInactive); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{
		delay: 20 * time.Millisecond,
		results: map[int64]domain.RunResult{
			strategies[1].ID: {Status: domain.RunStatusPartial},
			strategies[2].ID: {Status: domain.RunStatusSkipped, SkipReason: domain.SkipMarketClosed},
			strategies[3].ID: {Status: domain.RunStatusFailed, Error: "boom"},
		},
	}
	bus := events.NewBus()
	_, ch := bus.Subscribe(16)
	notifier := &recordingNotifier{}

	s, err := New(st, runner, testConfig(), WithBus(bus), WithNotifier(notifier))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.RunAllActive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if report.Total != 5 || report.Succeeded != 2 || report.Partial != 1 || report.Skipped != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 5 total: 2 ok, 1 partial, 1 skipped, 1 failed", report)
	}
	if p := runner.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	for i, r := range report.Results {
		if r.StrategyID != strategies[i].ID {
			t.Errorf("Results[%d].StrategyID = %d, want %d", i, r.StrategyID, strategies[i].ID)
		}
		if r.StrategyName != strategies[i].Name {
			t.Errorf("Results[%d].StrategyName = %q, want %q", i, r.StrategyName, strategies[i].Name)
		}
	}

	var results, reports int
	for len(ch) > 0 {
		switch (<-ch).Type {
		case events.TypeRunResult:
			results++
		case events.TypeReport:
			reports++
		}
	}
	if results != 5 || reports != 1 {
		t.Errorf("events = %d results, %d reports; want 5, 1", results, reports)
	}
	if len(notifier.msgs) != 1 || notifier.msgs[0].Level != notify.LevelError {
		t.Errorf("notifications = %+v, want one error-level report", notifier.msgs)
	}
}

func TestRunAllActiveIsolatesTimeoutAndPanic(t *testing.T) {
	st := store.NewMemoryStore()
	strategies := seedStrategies(t, st, 3)

	runner := &fakeRunner{delay: 50 * time.Millisecond, panicFor: strategies[0].ID}
	cfg := testConfig()
	cfg.RunTimeout = 10 * time.Millisecond
	s, err := New(st, runner, cfg)
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.RunAllActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 3 || report.Failed != 3 {
		t.Fatalf("report = %+v, want 3 failed", report)
	}
	if got := report.Results[0].Error; got != "panic: engine exploded" {
		t.Errorf("panic result error = %q", got)
	}
	if got := report.Results[1].Error; got != context.DeadlineExceeded.Error() {
		t.Errorf("timeout result error = %q, want deadline exceeded", got)
	}
}

func TestRunAllActiveEngineFailureDoesNotStopOthers(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sim := broker.NewSimulatorBroker()
	sim.SetMarketOpen(true)
	sim.SetPrice("SOXL", 10)
	brokers := broker.NewRegistry()
	if err := brokers.Register("paper", sim); err != nil {
		t.Fatal(err)
	}

	// One unit of 5 cannot buy a single share at 10.
	for name, params := range map[string]string{
		"a": `{"initial_investment":50,"division":10,"sell_gain":10}`,
		"b": `{"initial_investment":1000,"division":10,"sell_gain":10}`,
	} {
		s := &domain.Strategy{
			Name: name, Code: domain.StrategyCodeInfBuy, Account: "paper", Symbol: "SOXL",
			Exchange: domain.ExchangeNYSE, Params: json.RawMessage(params), Status: domain.StrategyStatusActive,
		}
		if err := st.CreateStrategy(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	eng := engine.NewEngine(st, brokers, builtins.NewRegistry(), nil, engine.DefaultConfig())
	s, err := New(st, eng, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.RunAllActive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	byName := make(map[string]domain.RunResult)
	for _, r := range report.Results {
		byName[r.StrategyName] = r
	}
	if a := byName["a"]; a.Status != domain.RunStatusFailed || !strings.Contains(a.Error, "lot") {
		t.Errorf("a = %s %q, want FAILED with an engine computation error", a.Status, a.Error)
	}
	if b := byName["b"]; b.Status != domain.RunStatusSuccess || b.OrdersSubmitted != 1 {
		t.Errorf("b = %s with %d orders (error %q), want SUCCESS with 1 order", b.Status, b.OrdersSubmitted, b.Error)
	}
	if report.Total != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("report = %d total, %d ok, %d failed; want 2, 1, 1", report.Total, report.Succeeded, report.Failed)
	}
}

func TestRunAllActiveArchives(t *testing.T) {
	st := store.NewMemoryStore()
	strategies := seedStrategies(t, st, 1)
	ctx := context.Background()

	snap, err := st.Append(ctx, strategies[0].ID, domain.SnapshotStatusInit, json.RawMessage(`{}`), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.AttachOrders(ctx, snap.ID, []domain.Order{{
		Symbol: "SOXL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLOC, Qty: 1, Price: 10,
		Status: domain.OrderStatusSubmitted, OrderedAt: time.Now(),
	}}); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{results: map[int64]domain.RunResult{
		strategies[0].ID: {Status: domain.RunStatusSuccess, SnapshotID: snap.ID},
	}}
	archive := store.NewParquetArchive(t.TempDir())
	cfg := testConfig()
	cfg.Timezone = "UTC"
	s, err := New(st, runner, cfg, WithArchive(archive))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunAllActive(ctx); err != nil {
		t.Fatal(err)
	}

	orders, err := archive.ReadOrders(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Errorf("archived orders = %d, want 1", len(orders))
	}
	snaps, err := archive.ReadSnapshots(ctx, strategies[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Cycle != 1 {
		t.Errorf("archived snapshots = %+v, want cycle 1", snaps)
	}
}

func TestSendDailySummary(t *testing.T) {
	st := store.NewMemoryStore()
	strategies := seedStrategies(t, st, 2)
	ctx := context.Background()
	if _, err := st.Append(ctx, strategies[0].ID, domain.SnapshotStatusCompleted,
		json.RawMessage(`{"current_t":3,"quantity":30}`), 1); err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	s, err := New(st, &fakeRunner{}, testConfig(), WithNotifier(notifier))
	if err != nil {
		t.Fatal(err)
	}
	items, err := s.Summaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("summaries = %d, want 2", len(items))
	}
	if items[0].Cycle != 1 || items[0].Progress["quantity"] != float64(30) {
		t.Errorf("first summary = %+v", items[0])
	}
	if items[1].Cycle != 0 {
		t.Errorf("second summary cycle = %d, want 0", items[1].Cycle)
	}

	if err := s.SendDailySummary(ctx); err != nil {
		t.Fatal(err)
	}
	if len(notifier.msgs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.msgs))
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad cron", func(c *Config) { c.RunCron = "every day" }},
		{"bad summary cron", func(c *Config) { c.SummaryCron = "61 * * * *" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"zero timeout", func(c *Config) { c.RunTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	s, err := New(store.NewMemoryStore(), &fakeRunner{}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	seoul, _ := time.LoadLocation("Asia/Seoul")
	// Friday evening after the run: next is Monday 18:30.
	from := time.Date(2026, 10, 16, 19, 0, 0, 0, seoul)
	want := time.Date(2026, 10, 19, 18, 30, 0, 0, seoul)
	if got := s.NextRun(from); !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s, err := New(store.NewMemoryStore(), &fakeRunner{}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != context.DeadlineExceeded {
		t.Errorf("Start = %v, want deadline exceeded", err)
	}
}
