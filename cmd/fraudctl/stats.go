package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func statsCmd() *cobra.Command {
	var (
		from   string
		to     string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate statistics for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := stats.ParseRange(from, to)
			if err != nil {
				return err
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

			th := transactions.Thresholds{HighRisk: cfg.Thresholds.HighRisk, Critical: cfg.Thresholds.Critical}
			snap, err := stats.NewAggregator(storage.Store, th).Compute(ctx, filter)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Start date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "End date, inclusive for plain dates")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func printSnapshot(w io.Writer, s *stats.Snapshot) {
	fmt.Fprintln(w, "Transaction Statistics")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "  Total:       %d\n", s.TotalTransactions)
	fmt.Fprintf(w, "  High risk:   %d (%s%%)\n", s.HighRiskTransactions, s.HighRiskPercentage)
	fmt.Fprintf(w, "  Flagged:     %d (%s%%)\n", s.FlaggedTransactions, s.FlaggedPercentage)
	fmt.Fprintf(w, "  Avg risk:    %s\n", s.AvgRiskScore)
	fmt.Fprintf(w, "  Amount:      %s total, %s avg\n", s.TotalAmount, s.AvgAmount)

	fmt.Fprintln(w, "\nRisk distribution:")
	for _, b := range s.RiskDistribution {
		fmt.Fprintf(w, "  %-18s %d\n", b.RiskRange, b.Count)
	}

	fmt.Fprintln(w, "\nBusiest hours (UTC):")
	for _, h := range s.HourlyPattern {
		if h.Count > 0 {
			fmt.Fprintf(w, "  %02d:00  %4d tx  avg risk %d\n", h.Hour, h.Count, h.AvgRisk)
		}
	}
}
