// Package scoring assigns a fraud risk score to each transaction.
//
// A remote chat-completions model is tried first when configured. Any
// remote failure falls through to Heuristic, which is the common path in
// tests and in deployments without credentials.
package scoring

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Reason strings attached to heuristic scores.
const (
	ReasonHighAmount     = "High transaction amount"
	ReasonVeryHighAmount = "Very high transaction amount"
	ReasonNewCustomer    = "New customer"
	ReasonLateNight      = "Unusual transaction time (late night)"
	ReasonCrypto         = "High-risk payment method (crypto)"
	ReasonUnusualPattern = "Unusual purchase pattern"
	ReasonNormal         = "Normal transaction pattern"
)

// Score deltas.
const (
	maxBaseScore        = 30
	highAmountDelta     = 30
	veryHighAmountDelta = 30
	newCustomerDelta    = 20
	lateNightDelta      = 25
	cryptoDelta         = 35

	// unusualPatternProbability is the chance of the cosmetic reason. It
	// carries no score.
	unusualPatternProbability = 0.3

	lateNightFirstHour = 0
	lateNightLastHour  = 5
)

var (
	highAmount     = decimal.NewFromInt(1000)
	veryHighAmount = decimal.NewFromInt(5000)
)

// Heuristic is the deterministic fallback scorer. All randomness comes from
// the injected source.
type Heuristic struct {
	thresholds transactions.Thresholds

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHeuristic creates a heuristic scorer. A nil rng uses a randomly seeded
// PCG source.
func NewHeuristic(rng *rand.Rand, th transactions.Thresholds) *Heuristic {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), uint64(time.Now().UnixNano())))
	}
	return &Heuristic{thresholds: th, rng: rng}
}

// Score computes a risk score for tx. It never fails.
func (h *Heuristic) Score(tx *transactions.Transaction) transactions.Score {
	h.mu.Lock()
	base := h.rng.Float64() * maxBaseScore
	cosmetic := h.rng.Float64() < unusualPatternProbability
	h.mu.Unlock()

	total := base
	var reasons []string

	if tx.Amount.GreaterThan(highAmount) {
		total += highAmountDelta
		reasons = append(reasons, ReasonHighAmount)
	}
	if tx.Amount.GreaterThan(veryHighAmount) {
		total += veryHighAmountDelta
		reasons = append(reasons, ReasonVeryHighAmount)
	}
	if tx.Customer.IsNew {
		total += newCustomerDelta
		reasons = append(reasons, ReasonNewCustomer)
	}
	if hour := tx.Timestamp.UTC().Hour(); hour >= lateNightFirstHour && hour <= lateNightLastHour {
		total += lateNightDelta
		reasons = append(reasons, ReasonLateNight)
	}
	if tx.PaymentMethod == transactions.PaymentCrypto {
		total += cryptoDelta
		reasons = append(reasons, ReasonCrypto)
	}
	if cosmetic {
		reasons = append(reasons, ReasonUnusualPattern)
	}
	if len(reasons) == 0 {
		reasons = []string{ReasonNormal}
	}

	score := clamp(int(math.Round(total)))
	return transactions.Score{
		RiskScore: score,
		Flagged:   h.thresholds.Flagged(score),
		Reasons:   reasons,
	}
}

func clamp(score int) int {
	return max(0, min(transactions.MaxRiskScore, score))
}
