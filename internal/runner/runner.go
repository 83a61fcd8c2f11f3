// Package runner drives the bar-by-bar orchestration loop: feature
// computation, position-exit evaluation, playbook evaluation, bounded LLM
// consultation, portfolio-gated position opening, checkpointing, and
// manifest/heartbeat bookkeeping (spec.md §4.6). Grounded on
// internal/backtest/smoke90/runner.go's Runner: an injectable-clock,
// config-driven loop that processes units of work (there: time windows;
// here: bars) one at a time, records metrics per unit, and writes
// artifacts at the end — generalized here to a crash-recoverable,
// single-threaded event-time loop with a sidecar checkpoint instead of a
// single end-of-run artifact.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/config"
	"github.com/sawpanic/backtestrun/internal/features"
	"github.com/sawpanic/backtestrun/internal/llm"
	"github.com/sawpanic/backtestrun/internal/manifest"
	"github.com/sawpanic/backtestrun/internal/metrics"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/portfolio"
	"github.com/sawpanic/backtestrun/internal/position"
	"github.com/sawpanic/backtestrun/internal/prompt"
	"github.com/sawpanic/backtestrun/internal/regime"
	"github.com/sawpanic/backtestrun/internal/storage"
)

// Clock supplies wall-clock time to the runner, injectable so manifest
// timestamps are deterministically testable (grounded on
// internal/backtest/smoke90/runner.go's Clock/RealClock split).
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Stores bundles the three durable stores the runner owns exclusively for
// the life of the run (spec.md §4.5: "the runner owns one writer per store
// for the duration of the run").
type Stores struct {
	Candidates storage.CandidateCache
	Ledger     storage.PositionLedger
	Labels     storage.OutcomeLabels
}

// Runner coordinates every component across the bar loop.
type Runner struct {
	cfg    *config.RunConfig
	source bar.OHLCVSource
	stores Stores

	pipeline      *features.Pipeline
	playbooks     []playbook.Playbook
	posManager    *position.Manager
	portfolioEval *portfolio.Evaluator
	promptBuilder *prompt.Builder
	harness       *llm.Harness
	metrics       *metrics.Registry

	outputDir string
	events    *eventWriter
	clock     Clock

	portfolioState   portfolio.State
	barIndex         int
	lastCircuitState string
}

// SetClock overrides the runner's clock, used in tests to make manifest
// timestamps deterministic. Propagated to the LLM harness too, so a fixed
// test clock also makes decision_events.jsonl's latency_ms deterministic
// (spec.md §8: reruns on the same config/bars/mock-LLM must be
// byte-identical) instead of reflecting real wall-clock elapsed time.
func (r *Runner) SetClock(clock Clock) {
	r.clock = clock
	r.harness.SetClock(clock)
}

// New builds a Runner ready to execute cfg against source, persisting
// artifacts under outputDir. playbooks and backend are supplied by the
// caller (cmd/backtestctl) since they require concrete wiring (playbook
// instances built from cfg.Playbooks, and a real or mock LLMBackend).
func New(cfg *config.RunConfig, source bar.OHLCVSource, stores Stores, playbooks []playbook.Playbook, backend llm.LLMBackend, metricsReg *metrics.Registry, outputDir string) *Runner {
	featureCfg := features.DefaultConfig()
	featureCfg.WarmupBars = cfg.Market.WarmupBars

	harness := llm.NewHarness(
		backend,
		cfg.LLM.RateLimiter(),
		cfg.LLM.Breaker(cfg.RunID),
		cfg.LLM.Backoff(),
		time.Duration(cfg.LLM.PerAttemptTimeoutMS)*time.Millisecond,
		cfg.LLM.Fallback(),
	)

	promptBuilder := prompt.NewBuilder(regime.DefaultConfig(), prompt.PolicyConstraints{
		MinSetupQuality: cfg.LLM.MinSetupQuality,
		MaxRiskPerTrade: cfg.Portfolio.RiskPerTrade,
	})

	return &Runner{
		cfg:           cfg,
		source:        source,
		stores:        stores,
		pipeline:      features.NewPipeline(featureCfg),
		playbooks:     playbooks,
		posManager:    position.NewManager(cfg.Fees.PositionFeeModel()),
		portfolioEval: portfolio.NewEvaluator(cfg.Portfolio),
		promptBuilder: promptBuilder,
		harness:       harness,
		metrics:       metricsReg,
		outputDir:     outputDir,
		clock:         RealClock{},
		portfolioState: portfolio.State{
			Equity: cfg.Portfolio.StartingEquity,
		},
	}
}

// Run executes pre-flight validation then the main bar loop, writing the
// manifest at start, at each checkpoint, and on termination.
func (r *Runner) Run(ctx context.Context) (*manifest.Manifest, error) {
	if err := r.preflight(ctx); err != nil {
		return nil, fmt.Errorf("runner: preflight failed: %w", err)
	}

	configHash, err := manifest.ConfigHash(r.cfg)
	if err != nil {
		return nil, err
	}
	if err := writeRunConfigSnapshot(r.outputDir, r.cfg); err != nil {
		return nil, fmt.Errorf("runner: write run_config.json: %w", err)
	}

	start := r.cfg.Market.Start
	existingCheckpoint, err := manifest.LoadCheckpoint(r.outputDir)
	if err != nil {
		return nil, fmt.Errorf("runner: load checkpoint: %w", err)
	}
	if existingCheckpoint.Resumable(configHash) {
		start = existingCheckpoint.BarTimestamp.Add(time.Nanosecond)
		r.barIndex = existingCheckpoint.BarIndex
		log.Info().Str("run_id", r.cfg.RunID).Int("resume_bar_index", r.barIndex).Msg("resuming from checkpoint")

		if len(existingCheckpoint.FeaturePipelineState) > 0 {
			var pipelineState features.PipelineState
			if err := json.Unmarshal(existingCheckpoint.FeaturePipelineState, &pipelineState); err != nil {
				return nil, fmt.Errorf("runner: decode checkpoint feature pipeline state: %w", err)
			}
			r.pipeline.Restore(pipelineState)
		}

		if err := r.restorePortfolioState(ctx); err != nil {
			return nil, fmt.Errorf("runner: restore portfolio state from ledger: %w", err)
		}
	}

	m := manifest.New(config.SchemaVersion, r.cfg.RunID, configHash, r.clock.Now())
	if err := m.WriteTo(r.outputDir); err != nil {
		return nil, fmt.Errorf("runner: write initial manifest: %w", err)
	}

	events, err := newEventWriter(r.outputDir)
	if err != nil {
		return nil, err
	}
	r.events = events
	defer r.events.Close()

	bars, errc := mergeBars(ctx, r.source, r.cfg.Market.Symbols, start, r.cfg.Market.End, bar.Timeframe(r.cfg.Market.Timeframe))

	runErr := r.loop(ctx, bars, m)
	if streamErr := <-errc; streamErr != nil && runErr == nil {
		runErr = fmt.Errorf("runner: bar source: %w", streamErr)
	}

	status := manifest.StatusSucceeded
	if runErr != nil {
		status = manifest.StatusFailed
	}
	m.Finish(status, runErr, r.clock.Now())
	if writeErr := m.WriteTo(r.outputDir); writeErr != nil {
		log.Error().Err(writeErr).Msg("failed to write final manifest")
	}

	return m, runErr
}

func (r *Runner) loop(ctx context.Context, bars <-chan bar.Bar, m *manifest.Manifest) error {
	heartbeat := heartbeatCounters{}

	for b := range bars {
		select {
		case <-ctx.Done():
			log.Info().Msg("cancellation received, checkpointing and exiting")
			return r.checkpoint(configHashOf(m), b, m)
		default:
		}

		if err := r.processBar(ctx, b, &heartbeat); err != nil {
			return err
		}

		r.barIndex++
		r.metrics.BarsProcessed.Inc()

		if r.cfg.Execution.CheckpointInterval > 0 && r.barIndex%r.cfg.Execution.CheckpointInterval == 0 {
			if err := r.checkpoint(m.ConfigHash, b, m); err != nil {
				return err
			}
		}
		if r.cfg.Execution.HeartbeatInterval > 0 && r.barIndex%r.cfg.Execution.HeartbeatInterval == 0 {
			r.logHeartbeat(heartbeat)
		}
	}
	return nil
}

type heartbeatCounters struct {
	candidatesGenerated int
	llmCalls            int
	llmSuccesses        int
	llmFailures         int
}

func (r *Runner) logHeartbeat(h heartbeatCounters) {
	log.Info().
		Int("bar_index", r.barIndex).
		Int("candidates_generated", h.candidatesGenerated).
		Int("llm_calls", h.llmCalls).
		Int("llm_successes", h.llmSuccesses).
		Int("llm_failures", h.llmFailures).
		Str("circuit_state", r.lastCircuitState).
		Msg("heartbeat")
}

// processBar runs the six main-loop steps of spec.md §4.6 for one bar.
func (r *Runner) processBar(ctx context.Context, b bar.Bar, hb *heartbeatCounters) error {
	snap := r.pipeline.OnBar(b)
	if snap == nil || !snap.Ready {
		return nil
	}

	// Step 2: advance open positions, closures persisted before anything else.
	closures := r.posManager.Update(b, r.barIndex)
	for _, c := range closures {
		if err := r.stores.Ledger.ClosePosition(ctx, c.Position); err != nil {
			return fmt.Errorf("runner: close position %s: %w", c.Position.ID, err)
		}
		bars := c.Position.ExitBarIndex - c.Position.EntryBarIndex
		if err := r.stores.Labels.PutLabel(ctx, storage.OutcomeLabel{
			CandidateID:     c.Position.CandidateID,
			RunID:           c.Position.RunID,
			PositionID:      c.Position.ID,
			ActualRMultiple: c.Position.RealizedR,
			ExitReason:      c.Position.ExitReason.String(),
			BarsHeld:        bars,
		}); err != nil {
			return fmt.Errorf("runner: label outcome for %s: %w", c.Position.CandidateID, err)
		}
		r.portfolioState.Equity += c.Position.RealizedPnL
		r.portfolioState.ExposureQuote -= c.Position.SizeQuote
		r.portfolioState.OpenPositions--
		r.metrics.PositionsClosed.WithLabelValues(c.Position.ExitReason.String()).Inc()
		r.metrics.OpenPositions.Set(float64(r.portfolioState.OpenPositions))
	}
	for _, p := range r.posManager.OpenPositions() {
		if p.Symbol != b.Symbol {
			continue
		}
		if err := r.stores.Ledger.UpdatePosition(ctx, p.ID, p.State); err != nil {
			return fmt.Errorf("runner: update position %s: %w", p.ID, err)
		}
	}

	// Step 3: evaluate enabled playbooks, persist candidates.
	var candidates []playbook.Candidate
	for _, pb := range r.playbooks {
		cand, err := pb.Evaluate(snap, r.cfg.RunID)
		if err != nil {
			return fmt.Errorf("runner: playbook %s evaluate: %w", pb.Name(), err)
		}
		if cand == nil {
			continue
		}
		if err := r.stores.Candidates.Put(ctx, *cand); err != nil {
			return fmt.Errorf("runner: persist candidate %s: %w", cand.ID, err)
		}
		r.metrics.CandidatesGenerated.WithLabelValues(cand.Playbook).Inc()
		hb.candidatesGenerated++
		candidates = append(candidates, *cand)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Playbook != candidates[j].Playbook {
			return candidates[i].Playbook < candidates[j].Playbook
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	// Steps 4-5: decision + portfolio-gated opening, in deterministic order.
	for _, cand := range candidates {
		req := r.promptBuilder.Build(snap, cand, r.cfg.LLM.ModelID, r.cfg.LLM.Temperature, r.cfg.LLM.MaxTokens)
		result := r.harness.Query(ctx, req)

		hb.llmCalls++
		r.metrics.LLMCalls.Inc()
		if result.Success {
			hb.llmSuccesses++
			r.metrics.LLMSuccesses.Inc()
		} else {
			hb.llmFailures++
			r.metrics.LLMFailures.Inc()
		}
		if result.FallbackUsed {
			r.metrics.LLMFallbacks.Inc()
		}
		r.metrics.SetCircuitState(result.CircuitState)
		r.lastCircuitState = result.CircuitState

		if err := r.events.Write(newDecisionEvent(config.SchemaVersion, r.cfg.RunID, cand.ID, cand.Symbol, cand.BarTimestamp, result)); err != nil {
			return fmt.Errorf("runner: write decision event: %w", err)
		}

		if result.ParsedDecision != llm.DecisionTake || result.SetupQuality < r.cfg.LLM.MinSetupQuality {
			continue
		}

		atr := snap.Values["atr"]
		decision := r.portfolioEval.Evaluate(r.portfolioState, cand.ProposedEntry, cand.Exit.StopLossPrice, atr)
		if !decision.Admitted {
			continue
		}

		pos := r.posManager.Open(cand, r.barIndex, cand.ProposedEntry, atr, decision.SizeUnits)
		if err := r.stores.Ledger.OpenPosition(ctx, *pos); err != nil {
			return fmt.Errorf("runner: open position for candidate %s: %w", cand.ID, err)
		}
		if err := r.stores.Candidates.MarkTaken(ctx, cand.ID, pos.ID); err != nil {
			return fmt.Errorf("runner: mark candidate %s taken: %w", cand.ID, err)
		}
		r.portfolioState.ExposureQuote += pos.SizeQuote
		r.portfolioState.OpenPositions++
		r.metrics.PositionsOpened.Inc()
		r.metrics.OpenPositions.Set(float64(r.portfolioState.OpenPositions))
	}

	return nil
}

func (r *Runner) checkpoint(configHash string, b bar.Bar, m *manifest.Manifest) error {
	ids := make([]string, 0, r.posManager.Count())
	for _, p := range r.posManager.OpenPositions() {
		ids = append(ids, p.ID)
	}
	pipelineState, err := json.Marshal(r.pipeline.Snapshot())
	if err != nil {
		return fmt.Errorf("runner: marshal feature pipeline state: %w", err)
	}
	ck := &manifest.Checkpoint{
		SchemaVersion:        config.SchemaVersion,
		ConfigHash:           configHash,
		BarIndex:             r.barIndex,
		BarTimestamp:         b.Timestamp,
		FeaturePipelineState: pipelineState,
		OpenPositionIDs:      ids,
	}
	if err := ck.WriteTo(r.outputDir); err != nil {
		return fmt.Errorf("runner: write checkpoint: %w", err)
	}
	m.Checkpoint(r.barIndex, r.clock.Now())
	if err := m.WriteTo(r.outputDir); err != nil {
		return fmt.Errorf("runner: write manifest at checkpoint: %w", err)
	}
	return nil
}

// restorePortfolioState reloads in-memory portfolio and position-manager
// state from the ledger on resume (spec.md §4.6: "reload ... open-position
// state"); Run then continues at the checkpoint's BarIndex, which already
// counts every bar processed before the checkpoint. The ledger, not the checkpoint's
// bare id list, is the source of truth for each open position's full
// exit state, so this reads every open position back and replays its
// equity/exposure effect plus every already-closed position's realized PnL.
func (r *Runner) restorePortfolioState(ctx context.Context) error {
	r.portfolioState.Equity = r.cfg.Portfolio.StartingEquity
	r.portfolioState.ExposureQuote = 0
	r.portfolioState.OpenPositions = 0

	all, errc := r.stores.Ledger.GetAll(ctx, r.cfg.RunID)
	for pos := range all {
		if pos.Open {
			r.posManager.Restore(pos)
			r.portfolioState.ExposureQuote += pos.SizeQuote
			r.portfolioState.OpenPositions++
			continue
		}
		r.portfolioState.Equity += pos.RealizedPnL
	}
	return <-errc
}

func configHashOf(m *manifest.Manifest) string { return m.ConfigHash }

// preflight runs the fast, fail-before-the-main-loop checks spec.md §4.6
// requires beyond config validation (already done at config.Load time):
// market scope sanity the loop itself would otherwise discover bar-by-bar.
func (r *Runner) preflight(_ context.Context) error {
	if len(r.cfg.Market.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if len(r.playbooks) == 0 {
		return fmt.Errorf("no playbooks wired")
	}
	return nil
}
