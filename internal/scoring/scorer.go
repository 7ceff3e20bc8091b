package scoring

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Scoring paths, used as metric and span labels.
const (
	PathRemote   = "remote"
	PathFallback = "fallback"
)

// Remote is a scorer that may fail.
type Remote interface {
	Score(ctx context.Context, tx *transactions.Transaction) (transactions.Score, error)
}

// Scorer tries the remote model, then the heuristic. It never returns an
// error.
type Scorer struct {
	remote   Remote
	fallback *Heuristic
	logger   *slog.Logger
}

// New creates a scorer. remote may be nil, in which case every transaction
// goes straight to the heuristic.
func New(remote Remote, fallback *Heuristic, logger *slog.Logger) *Scorer {
	return &Scorer{remote: remote, fallback: fallback, logger: logger}
}

// Score returns a well-formed assessment for tx.
func (s *Scorer) Score(ctx context.Context, tx *transactions.Transaction) transactions.Score {
	span := trace.SpanFromContext(ctx)
	if s.remote != nil {
		res, err := s.remote.Score(ctx, tx)
		if err == nil {
			metrics.ScoringTotal.WithLabelValues(PathRemote, "ok").Inc()
			metrics.RiskScores.Observe(float64(res.RiskScore))
			span.SetAttributes(traces.ScoringPath(PathRemote))
			return res
		}
		metrics.ScoringTotal.WithLabelValues(PathRemote, "error").Inc()
		s.logger.Warn("remote scoring failed, using heuristic",
			"transaction_id", tx.ID,
			"error", err,
		)
	}

	res := s.fallback.Score(tx)
	metrics.ScoringTotal.WithLabelValues(PathFallback, "ok").Inc()
	metrics.RiskScores.Observe(float64(res.RiskScore))
	span.SetAttributes(traces.ScoringPath(PathFallback))
	return res
}
