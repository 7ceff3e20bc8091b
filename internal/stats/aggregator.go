// Package stats summarises stored transactions for dashboards.
package stats

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Bucket is one slot of the risk histogram.
type Bucket struct {
	RiskRange string `json:"riskRange"`
	Count     int    `json:"count"`
}

// HourlyPoint is the activity for one UTC hour of day.
type HourlyPoint struct {
	Hour    int `json:"hour"`
	Count   int `json:"count"`
	AvgRisk int `json:"avgRisk"`
}

// Snapshot is computed per request and never cached. Decimal figures are
// preformatted strings.
type Snapshot struct {
	TotalTransactions    int           `json:"totalTransactions"`
	HighRiskTransactions int           `json:"highRiskTransactions"`
	FlaggedTransactions  int           `json:"flaggedTransactions"`
	AvgRiskScore         string        `json:"avgRiskScore"`
	TotalAmount          string        `json:"totalAmount"`
	AvgAmount            string        `json:"avgAmount"`
	HighRiskPercentage   string        `json:"highRiskPercentage"`
	FlaggedPercentage    string        `json:"flaggedPercentage"`
	RiskDistribution     []Bucket      `json:"riskDistribution"`
	HourlyPattern        []HourlyPoint `json:"hourlyPattern"`
}

// bucketBounds are the lower edges of Low, Medium, High and Critical.
var bucketBounds = []struct {
	min   int
	label string
}{
	{0, "Low (0-29)"},
	{30, "Medium (30-69)"},
	{70, "High (70-84)"},
	{85, "Critical (85-100)"},
}

const hoursPerDay = 24

// Lister is the read side of transactions.Store.
type Lister interface {
	List(ctx context.Context, q transactions.Query) ([]*transactions.Transaction, int, error)
}

// Aggregator computes snapshots from the record store.
type Aggregator struct {
	store    Lister
	highRisk int
}

// NewAggregator creates an aggregator. Scores at or above th.HighRisk count
// as high risk.
func NewAggregator(store Lister, th transactions.Thresholds) *Aggregator {
	return &Aggregator{store: store, highRisk: th.HighRisk}
}

// Compute summarises every transaction matching f. Concurrent inserts may
// or may not be reflected.
func (a *Aggregator) Compute(ctx context.Context, f transactions.Filter) (*Snapshot, error) {
	txs, _, err := a.store.List(ctx, transactions.Query{Filter: f})
	if err != nil {
		return nil, err
	}
	return Summarize(txs, a.highRisk), nil
}

// Summarize builds a snapshot from txs.
func Summarize(txs []*transactions.Transaction, highRisk int) *Snapshot {
	s := &Snapshot{
		TotalTransactions:  len(txs),
		AvgRiskScore:       "0",
		TotalAmount:        "0",
		AvgAmount:          "0",
		HighRiskPercentage: "0",
		FlaggedPercentage:  "0",
		RiskDistribution:   make([]Bucket, len(bucketBounds)),
		HourlyPattern:      make([]HourlyPoint, hoursPerDay),
	}
	for i, b := range bucketBounds {
		s.RiskDistribution[i].RiskRange = b.label
	}
	for h := range s.HourlyPattern {
		s.HourlyPattern[h].Hour = h
	}
	if len(txs) == 0 {
		return s
	}

	var riskSum int64
	total := decimal.Zero
	var hourRisk [hoursPerDay]int64

	for _, tx := range txs {
		riskSum += int64(tx.RiskScore)
		total = total.Add(tx.Amount)
		if tx.RiskScore >= highRisk {
			s.HighRiskTransactions++
		}
		if tx.IsFlagged {
			s.FlaggedTransactions++
		}
		s.RiskDistribution[bucketFor(tx.RiskScore)].Count++

		h := tx.Timestamp.UTC().Hour()
		s.HourlyPattern[h].Count++
		hourRisk[h] += int64(tx.RiskScore)
	}

	n := decimal.NewFromInt(int64(len(txs)))
	s.AvgRiskScore = decimal.NewFromInt(riskSum).Div(n).StringFixed(2)
	s.TotalAmount = total.StringFixed(2)
	s.AvgAmount = total.Div(n).StringFixed(2)
	s.HighRiskPercentage = percentage(s.HighRiskTransactions, len(txs))
	s.FlaggedPercentage = percentage(s.FlaggedTransactions, len(txs))

	for h := range s.HourlyPattern {
		if c := s.HourlyPattern[h].Count; c > 0 {
			s.HourlyPattern[h].AvgRisk = int(math.Round(float64(hourRisk[h]) / float64(c)))
		}
	}
	return s
}

func bucketFor(score int) int {
	for i := len(bucketBounds) - 1; i > 0; i-- {
		if score >= bucketBounds[i].min {
			return i
		}
	}
	return 0
}

func percentage(part, whole int) string {
	return decimal.NewFromInt(int64(part) * 100).Div(decimal.NewFromInt(int64(whole))).StringFixed(1)
}
