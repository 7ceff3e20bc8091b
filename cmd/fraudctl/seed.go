package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/generator"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func seedCmd() *cobra.Command {
	var (
		count int
		days  int
		seed  uint64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Backfill scored sample transactions into the configured store",
		Long: `Generate sample transactions spread over the past --days days, score them
with the local heuristic and insert them into the store selected by
DATABASE_URL or MONGODB_URI. The server's retention job trims the store
back to RETENTION_CAP once it runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			storage, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			catalog := generator.DefaultCatalog()
			if cfg.Generation.CatalogPath != "" {
				if catalog, err = generator.LoadCatalog(cfg.Generation.CatalogPath); err != nil {
					return err
				}
			}

			if seed == 0 {
				seed = rand.Uint64()
			}
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			th := transactions.Thresholds{HighRisk: cfg.Thresholds.HighRisk, Critical: cfg.Thresholds.Critical}

			s := &seeder{
				store:     storage.Store,
				gen:       generator.New(catalog, rng),
				heuristic: scoring.NewHeuristic(rng, th),
				rng:       rng,
				now:       time.Now,
			}
			return s.run(ctx, cmd.OutOrStdout(), count, time.Duration(days)*24*time.Hour)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 100, "Number of transactions to insert")
	cmd.Flags().IntVarP(&days, "days", "d", 7, "Spread timestamps over this many past days")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (0 picks one)")
	return cmd
}

type seeder struct {
	store     transactions.Store
	gen       *generator.Generator
	heuristic *scoring.Heuristic
	rng       *rand.Rand
	now       func() time.Time
}

func (s *seeder) run(ctx context.Context, out io.Writer, count int, span time.Duration) error {
	now := s.now().UTC()
	flagged := 0

	for i := 0; i < count; i++ {
		ts := now.Add(-time.Duration(s.rng.Int64N(int64(span))))
		tx := s.gen.NextAt(ts)
		tx.ApplyScore(s.heuristic.Score(tx))
		if err := s.store.Insert(ctx, tx); err != nil {
			return fmt.Errorf("seed transaction %d of %d: %w", i+1, count, err)
		}
		if tx.IsFlagged {
			flagged++
		}
	}

	fmt.Fprintf(out, "Inserted %d transactions (%d flagged) over the last %s\n", count, flagged, span)
	return nil
}
