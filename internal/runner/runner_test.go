package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/config"
	"github.com/sawpanic/backtestrun/internal/exits"
	"github.com/sawpanic/backtestrun/internal/features"
	"github.com/sawpanic/backtestrun/internal/llm"
	"github.com/sawpanic/backtestrun/internal/metrics"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/position"
	"github.com/sawpanic/backtestrun/internal/storage"
)

// --- in-memory store fakes, grounded on the interfaces internal/storage defines ---

type memLedger struct {
	mu  sync.Mutex
	pos map[string]position.Position
}

func newMemLedger() *memLedger { return &memLedger{pos: make(map[string]position.Position)} }

func (l *memLedger) OpenPosition(_ context.Context, pos position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos[pos.ID] = pos
	return nil
}

func (l *memLedger) UpdatePosition(_ context.Context, id string, state exits.TrailingState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pos[id]
	p.State = state
	l.pos[id] = p
	return nil
}

func (l *memLedger) ClosePosition(_ context.Context, pos position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos[pos.ID] = pos
	return nil
}

func (l *memLedger) GetOpenPositions(_ context.Context, runID string) ([]position.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []position.Position
	for _, p := range l.pos {
		if p.Open && p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *memLedger) GetAll(_ context.Context, runID string) (<-chan position.Position, <-chan error) {
	out := make(chan position.Position)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		l.mu.Lock()
		snapshot := make([]position.Position, 0, len(l.pos))
		for _, p := range l.pos {
			if p.RunID == runID {
				snapshot = append(snapshot, p)
			}
		}
		l.mu.Unlock()
		for _, p := range snapshot {
			out <- p
		}
	}()
	return out, errc
}

type memCandidates struct {
	mu   sync.Mutex
	byID map[string]playbook.Candidate
}

func newMemCandidates() *memCandidates {
	return &memCandidates{byID: make(map[string]playbook.Candidate)}
}

func (c *memCandidates) Put(_ context.Context, cand playbook.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[cand.ID] = cand
	return nil
}

func (c *memCandidates) Get(_ context.Context, id string) (*playbook.Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.byID[id]
	if !ok {
		return nil, nil
	}
	return &cand, nil
}

func (c *memCandidates) MarkTaken(_ context.Context, id, positionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand := c.byID[id]
	cand.Taken = true
	cand.PositionID = positionID
	c.byID[id] = cand
	return nil
}

func (c *memCandidates) Query(_ context.Context, runID string, _ storage.CandidateFilter) (<-chan playbook.Candidate, <-chan error) {
	out := make(chan playbook.Candidate)
	errc := make(chan error, 1)
	close(out)
	close(errc)
	return out, errc
}

type memLabels struct {
	mu     sync.Mutex
	labels []storage.OutcomeLabel
}

func newMemLabels() *memLabels { return &memLabels{} }

func (l *memLabels) PutLabel(_ context.Context, label storage.OutcomeLabel) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append(l.labels, label)
	return nil
}

func (l *memLabels) GetLabel(_ context.Context, candidateID string) (*storage.OutcomeLabel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lbl := range l.labels {
		if lbl.CandidateID == candidateID {
			return &lbl, nil
		}
	}
	return nil, nil
}

func (l *memLabels) BulkLabel(_ context.Context, _ string, labels []storage.OutcomeLabel) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append(l.labels, labels...)
	return nil
}

func newMemStores() Stores {
	return Stores{
		Candidates: newMemCandidates(),
		Ledger:     newMemLedger(),
		Labels:     newMemLabels(),
	}
}

// fakeBackend always answers "take" above the configured quality floor, so
// every candidate the test playbook emits is admitted to the portfolio gate.
type fakeBackend struct{}

func (fakeBackend) Call(_ context.Context, _ llm.Request, _ time.Time) (llm.Response, error) {
	return llm.Response{Text: `{"decision":"take","setup_quality":0.9}`}, nil
}

// triggerPlaybook fires exactly one candidate, on the bar whose timestamp
// matches triggerAt — a condition derived purely from the feature
// snapshot, keeping it a stateless detector per internal/playbook's
// contract, unlike a mutable "already fired" flag that checkpoint/resume
// would need to account for separately.
type triggerPlaybook struct {
	triggerAt time.Time
	exit      playbook.ExitSpec
}

func (p *triggerPlaybook) Name() string { return "trigger" }

func (p *triggerPlaybook) Evaluate(snap *features.FeatureSnapshot, runID string) (*playbook.Candidate, error) {
	if !snap.Bar.Timestamp.Equal(p.triggerAt) {
		return nil, nil
	}
	cand := playbook.NewCandidate(runID, p.Name(), snap.Bar, playbook.Long, snap.Bar.Close, p.exit, "fingerprint")
	return &cand, nil
}

func syntheticRunnerBars(symbol string, n int, start float64, step float64) []bar.Bar {
	bars := make([]bar.Bar, 0, n)
	price := start
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += step
		bars = append(bars, bar.Bar{
			Symbol:    symbol,
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      price - step,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    1000 + float64(i%10)*10,
		})
	}
	return bars
}

func testRunConfig(runID string, bars []bar.Bar) *config.RunConfig {
	return &config.RunConfig{
		SchemaVersion: config.SchemaVersion,
		RunID:         runID,
		Market: config.MarketScope{
			Venue:      "test",
			Symbols:    []string{"BTC-USD"},
			Start:      bars[0].Timestamp,
			End:        bars[len(bars)-1].Timestamp,
			Timeframe:  "1h",
			WarmupBars: 200,
		},
		Fees: config.FeeConfig{},
		Portfolio: config.PortfolioConfig{
			StartingEquity:      100000,
			MaxPositions:        5,
			MaxExposureFraction: 1.0,
			RiskPerTrade:        0.01,
			SizeMethod:          config.SizeFixedFraction,
		},
		LLM: config.LLMConfig{
			Provider:         "mock",
			Temperature:      0.1,
			MaxTokens:        100,
			CallsPerMinute:   0, // unlimited in RateLimiter()
			Burst:            10,
			FailureThreshold: 3,
			OpenTimeoutMS:    1000,
			BackoffInitialMS: 1,
			BackoffMaxMS:     10,
			MaxRetries:       2,
			PerAttemptTimeoutMS: 1000,
			FallbackDecision: "skip",
			MinSetupQuality:  0.5,
		},
		Execution: config.ExecutionConfig{
			CheckpointInterval: 25,
			HeartbeatInterval:  1000,
		},
	}
}

// truncatingSource wraps an OHLCVSource and forwards only the first cutoff
// bars it delivers, simulating a process that stopped partway through a run
// (a checkpoint survives on disk; the remaining bars never arrived). It
// drains the rest of the inner source internally so that source's own
// goroutine still completes cleanly.
type truncatingSource struct {
	inner  bar.OHLCVSource
	cutoff int
}

func (s *truncatingSource) IterBars(ctx context.Context, symbol string, start, end time.Time, tf bar.Timeframe) (<-chan bar.Bar, <-chan error) {
	in, inErrc := s.inner.IterBars(ctx, symbol, start, end, tf)
	out := make(chan bar.Bar)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		count := 0
		for b := range in {
			if count < s.cutoff {
				out <- b
				count++
			}
		}
		if err := <-inErrc; err != nil {
			errc <- err
		}
	}()
	return out, errc
}

func newRunner(t *testing.T, cfg *config.RunConfig, source bar.OHLCVSource, stores Stores, outDir string) *Runner {
	t.Helper()
	triggerAt := cfg.Market.Start.Add(250 * time.Hour)
	tpTargetBar := cfg.Market.Start.Add(380 * time.Hour)

	bars := syntheticRunnerBars("BTC-USD", 400, 100, 0.05)
	var entryPrice, tpPrice float64
	for _, b := range bars {
		if b.Timestamp.Equal(triggerAt) {
			entryPrice = b.Close
		}
		if b.Timestamp.Equal(tpTargetBar) {
			tpPrice = b.Close
		}
	}
	require.NotZero(t, entryPrice)
	require.NotZero(t, tpPrice)

	pb := &triggerPlaybook{
		triggerAt: triggerAt,
		exit: playbook.ExitSpec{
			StopLossPrice:   entryPrice - 50,
			TakeProfitPrice: tpPrice,
			TimeStopBars:    100000,
		},
	}

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return New(cfg, source, stores, []playbook.Playbook{pb}, fakeBackend{}, reg, outDir)
}

// TestCheckpointResumeMatchesContinuousRun feeds the same 400 bars through a
// single uninterrupted run and through a crash-then-resume pair sharing the
// same output directory and stores, and checks the resumed run closes the
// same position the same way (spec.md §8: resume must be indistinguishable
// from a non-resumed run).
func TestCheckpointResumeMatchesContinuousRun(t *testing.T) {
	bars := syntheticRunnerBars("BTC-USD", 400, 100, 0.05)
	bySymbol := map[string][]bar.Bar{"BTC-USD": bars}

	continuousDir := t.TempDir()
	continuousStores := newMemStores()
	continuousCfg := testRunConfig("continuous-run", bars)
	continuousRunner := newRunner(t, continuousCfg, bar.NewSliceSource(bySymbol), continuousStores, continuousDir)
	continuousRunner.SetClock(fixedClock{})

	_, err := continuousRunner.Run(context.Background())
	require.NoError(t, err)

	resumeDir := t.TempDir()
	resumeStores := newMemStores()
	resumeCfg := testRunConfig("resumed-run", bars)

	crashSource := &truncatingSource{inner: bar.NewSliceSource(bySymbol), cutoff: 300}
	firstLeg := newRunner(t, resumeCfg, crashSource, resumeStores, resumeDir)
	firstLeg.SetClock(fixedClock{})
	_, err = firstLeg.Run(context.Background())
	require.NoError(t, err)

	secondLeg := newRunner(t, resumeCfg, bar.NewSliceSource(bySymbol), resumeStores, resumeDir)
	secondLeg.SetClock(fixedClock{})
	_, err = secondLeg.Run(context.Background())
	require.NoError(t, err)

	continuousLedger := continuousStores.Ledger.(*memLedger)
	resumedLedger := resumeStores.Ledger.(*memLedger)

	requireSamePositionOutcomes(t, continuousLedger, resumedLedger)
}

func requireSamePositionOutcomes(t *testing.T, a, b *memLedger) {
	t.Helper()
	a.mu.Lock()
	aPositions := make([]position.Position, 0, len(a.pos))
	for _, p := range a.pos {
		aPositions = append(aPositions, p)
	}
	a.mu.Unlock()

	b.mu.Lock()
	bPositions := make([]position.Position, 0, len(b.pos))
	for _, p := range b.pos {
		bPositions = append(bPositions, p)
	}
	b.mu.Unlock()

	require.Len(t, aPositions, 1, "continuous run should open exactly one position")
	require.Len(t, bPositions, 1, "resumed run should open exactly one position")

	want, got := aPositions[0], bPositions[0]
	require.False(t, want.Open, "continuous run's position should have closed by end of bars")
	require.False(t, got.Open, "resumed run's position should have closed by end of bars")
	require.Equal(t, want.EntryBarIndex, got.EntryBarIndex)
	require.Equal(t, want.ExitBarIndex, got.ExitBarIndex)
	require.Equal(t, want.ExitReason, got.ExitReason)
	require.InDelta(t, want.RealizedPnL, got.RealizedPnL, 1e-6)
	require.InDelta(t, want.RealizedR, got.RealizedR, 1e-6)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
