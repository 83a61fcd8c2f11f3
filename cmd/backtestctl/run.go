package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/backtestrun/internal/bar"
	"github.com/sawpanic/backtestrun/internal/config"
	"github.com/sawpanic/backtestrun/internal/llm"
	"github.com/sawpanic/backtestrun/internal/metrics"
	"github.com/sawpanic/backtestrun/internal/playbook"
	"github.com/sawpanic/backtestrun/internal/runner"
	"github.com/sawpanic/backtestrun/internal/storage"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest against historical bars under a run config",
		RunE:  runRun,
	}
	cmd.Flags().String("config", "", "path to the run config YAML file")
	cmd.Flags().String("bars", "", "path to a CSV file of OHLCV bars to replay")
	cmd.Flags().String("db-dsn", "", "Postgres DSN backing the run's candidate/position/label stores")
	cmd.Flags().String("out", "./out", "output directory for run_config.json, manifest.json, decision_events.jsonl, checkpoint.json")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("bars")
	_ = cmd.MarkFlagRequired("db-dsn")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	barsPath, _ := cmd.Flags().GetString("bars")
	dsn, _ := cmd.Flags().GetString("db-dsn")
	outDir, _ := cmd.Flags().GetString("out")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("backtestctl: load config: %w", err)
	}

	bars, err := loadBarsCSV(barsPath)
	if err != nil {
		return fmt.Errorf("backtestctl: load bars: %w", err)
	}
	source := bar.NewSliceSource(bars)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("backtestctl: open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store := storage.NewStore(db, cfg.RunID)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("backtestctl: ensure schema: %w", err)
	}

	stores := runner.Stores{
		Candidates: storage.NewCandidateCache(store),
		Ledger:     storage.NewPositionLedger(store),
		Labels:     storage.NewOutcomeLabels(store),
	}

	playbooks, err := buildPlaybooks(cfg.Playbooks)
	if err != nil {
		return fmt.Errorf("backtestctl: build playbooks: %w", err)
	}

	backend := llm.NewHTTPBackend(cfg.LLM.Endpoint, os.Getenv(cfg.LLM.APIKeyEnv))

	reg := metrics.NewRegistry(prometheus.NewRegistry())

	r := runner.New(cfg, source, stores, playbooks, backend, reg, outDir)

	log.Info().Str("run_id", cfg.RunID).Str("out", outDir).Msg("starting backtest run")

	m, runErr := r.Run(ctx)
	if m != nil {
		log.Info().Str("status", string(m.Status)).Int("bars_processed", m.BarsProcessed).Msg("run finished")
	}
	return runErr
}

// buildPlaybooks instantiates one Playbook per enabled config entry. Unknown
// playbook names fail fast: pre-flight should never silently run with fewer
// playbooks than the config declares.
func buildPlaybooks(entries []config.PlaybookConfig) ([]playbook.Playbook, error) {
	out := make([]playbook.Playbook, 0, len(entries))
	for _, entry := range entries {
		switch entry.Name {
		case "breakout":
			cfg := playbook.DefaultBreakoutConfig()
			if entry.BreakoutParams != nil {
				cfg = *entry.BreakoutParams
			}
			out = append(out, playbook.NewBreakout(cfg))
		case "pullback":
			cfg := playbook.DefaultPullbackConfig()
			if entry.PullbackParams != nil {
				cfg = *entry.PullbackParams
			}
			out = append(out, playbook.NewPullback(cfg))
		default:
			return nil, fmt.Errorf("unknown playbook %q", entry.Name)
		}
	}
	return out, nil
}
