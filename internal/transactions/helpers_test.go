package transactions

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// sample builds a scored transaction n minutes after baseTime.
func sample(n int, score int) *Transaction {
	th := DefaultThresholds()
	tx := &Transaction{
		ID:        fmt.Sprintf("TXN%013d%06d", baseTime.UnixMilli()+int64(n), n),
		Timestamp: baseTime.Add(time.Duration(n) * time.Minute),
		Amount:    decimal.NewFromInt(int64(10 + n)),
		Currency:  DefaultCurrency,
		Customer: Customer{
			ID:       fmt.Sprintf("cust%04d", n),
			Name:     "Jane Doe",
			Email:    "jane.doe@example.com",
			Location: "London, UK",
		},
		Merchant:      "Amazon",
		PaymentMethod: PaymentCreditCard,
		Metadata:      Metadata{Device: "mobile", Browser: "Chrome", IP: "10.0.0.1"},
	}
	reasons := []string{"Normal transaction pattern"}
	if th.Flagged(score) {
		reasons = []string{"High transaction amount"}
	}
	tx.ApplyScore(Score{RiskScore: score, Flagged: th.Flagged(score), Reasons: reasons})
	return tx
}

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func ids(txs []*Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
