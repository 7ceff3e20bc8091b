package transactions

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades a high-risk alert.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is raised for every flagged transaction. Alerts are not persisted
// and carry the full customer record regardless of the recipient's role.
type Alert struct {
	ID            string          `json:"id"`
	Severity      Severity        `json:"severity"`
	Message       string          `json:"message"`
	TransactionID string          `json:"transactionId"`
	RiskScore     int             `json:"riskScore"`
	Amount        decimal.Decimal `json:"amount"`
	Merchant      string          `json:"merchant"`
	Customer      Customer        `json:"customer"`
	Reasons       []string        `json:"reasons"`
	CreatedAt     time.Time       `json:"timestamp"`
}

// NewAlert derives the alert for a flagged transaction.
func NewAlert(tx *Transaction, th Thresholds, now time.Time) *Alert {
	sev := SeverityHigh
	if tx.RiskScore >= th.Critical {
		sev = SeverityCritical
	}
	return &Alert{
		ID:            "ALERT" + tx.ID,
		Severity:      sev,
		Message:       fmt.Sprintf("High Risk Transaction: $%s at %s", tx.Amount.StringFixed(2), tx.Merchant),
		TransactionID: tx.ID,
		RiskScore:     tx.RiskScore,
		Amount:        tx.Amount,
		Merchant:      tx.Merchant,
		Customer:      tx.Customer,
		Reasons:       slices.Clone(tx.RiskReasons),
		CreatedAt:     now,
	}
}
