// Package transactions holds the scored payment event model, its storage
// backends, and the HTTP query and command surface over stored events.
//
// A Transaction is scored exactly once, before it is stored or published.
// After that the only mutation is a one-time admin review.
package transactions

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts are JSON numbers on the wire.
	decimal.MarshalJSONWithoutQuotes = true
}

// PaymentMethod is the instrument used to pay.
type PaymentMethod string

const (
	PaymentCreditCard   PaymentMethod = "credit_card"
	PaymentDebitCard    PaymentMethod = "debit_card"
	PaymentPayPal       PaymentMethod = "paypal"
	PaymentCrypto       PaymentMethod = "crypto"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

// PaymentMethods lists every known payment method.
var PaymentMethods = []PaymentMethod{
	PaymentCreditCard, PaymentDebitCard, PaymentPayPal, PaymentCrypto, PaymentBankTransfer,
}

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return slices.Contains(PaymentMethods, m)
}

// Status is the processing state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusFlagged   Status = "flagged"
)

// DefaultCurrency is the only currency the generator produces.
const DefaultCurrency = "USD"

// Risk score cut-offs.
const (
	// HighRiskThreshold: scores strictly above it are flagged.
	HighRiskThreshold = 70
	// CriticalThreshold: alerts at or above it are critical.
	CriticalThreshold = 85
	MaxRiskScore      = 100
)

// Thresholds carries the configurable risk cut-offs.
type Thresholds struct {
	HighRisk int
	Critical int
}

// DefaultThresholds returns the standard cut-offs (70 / 85).
func DefaultThresholds() Thresholds {
	return Thresholds{HighRisk: HighRiskThreshold, Critical: CriticalThreshold}
}

// Flagged reports whether score crosses the high-risk line.
func (t Thresholds) Flagged(score int) bool {
	return score > t.HighRisk
}

// Customer identifies the payer.
type Customer struct {
	ID       string `json:"id" bson:"id"`
	Name     string `json:"name" bson:"name"`
	Email    string `json:"email,omitempty" bson:"email,omitempty"`
	Location string `json:"location" bson:"location"`
	IsNew    bool   `json:"isNew" bson:"isNew"`
}

// Metadata describes the client the payment came from.
type Metadata struct {
	Device  string `json:"device" bson:"device"`
	Browser string `json:"browser" bson:"browser"`
	IP      string `json:"ip" bson:"ip"`
}

// Transaction is a scored payment event.
type Transaction struct {
	ID            string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Customer      Customer        `json:"customer"`
	Merchant      string          `json:"merchant"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Status        Status          `json:"status"`
	RiskScore     int             `json:"riskScore"`
	IsFlagged     bool            `json:"isFlagged"`
	RiskReasons   []string        `json:"riskReasons"`
	IsReviewed    bool            `json:"isReviewed"`
	ReviewedBy    string          `json:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewedAt,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Score is the outcome of risk scoring.
type Score struct {
	RiskScore int
	Flagged   bool
	Reasons   []string
}

// ApplyScore stamps a score onto an unscored transaction and derives its
// status.
func (t *Transaction) ApplyScore(s Score) {
	t.RiskScore = s.RiskScore
	t.IsFlagged = s.Flagged
	t.RiskReasons = slices.Clone(s.Reasons)
	if s.Flagged {
		t.Status = StatusFlagged
	} else {
		t.Status = StatusCompleted
	}
}

// Clone returns a deep copy so callers never share mutable state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.RiskReasons = slices.Clone(t.RiskReasons)
	if t.ReviewedAt != nil {
		at := *t.ReviewedAt
		c.ReviewedAt = &at
	}
	return &c
}
