package scoring

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// seqSource replays fixed Float64 draws. Values must be in [0,1).
type seqSource struct {
	vals []float64
	i    int
}

func (s *seqSource) Uint64() uint64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return uint64(v * (1 << 53))
}

// pinned returns a rand whose draws are base/30 then cosmetic.
func pinned(base float64, cosmetic bool) *rand.Rand {
	c := 0.99
	if cosmetic {
		c = 0.0
	}
	return rand.New(&seqSource{vals: []float64{base / maxBaseScore, c}})
}

var midday = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func txWith(amount string, isNew bool, at time.Time, pm transactions.PaymentMethod) *transactions.Transaction {
	return &transactions.Transaction{
		ID:            "TXN1717243200000000001",
		Timestamp:     at,
		Amount:        decimal.RequireFromString(amount),
		Currency:      transactions.DefaultCurrency,
		Customer:      transactions.Customer{ID: "abc12345", Name: "Jane Doe", Location: "London, UK", IsNew: isNew},
		Merchant:      "Amazon",
		PaymentMethod: pm,
	}
}

func TestHeuristic_Rules(t *testing.T) {
	night := time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		tx      *transactions.Transaction
		base    float64
		want    int
		flagged bool
		reasons []string
	}{
		{
			name:    "normal pattern",
			tx:      txWith("42.50", false, midday, transactions.PaymentCreditCard),
			base:    12,
			want:    12,
			reasons: []string{ReasonNormal},
		},
		{
			name:    "amount at 1000 is not high",
			tx:      txWith("1000.00", false, midday, transactions.PaymentCreditCard),
			base:    0,
			want:    0,
			reasons: []string{ReasonNormal},
		},
		{
			name:    "high amount",
			tx:      txWith("1000.01", false, midday, transactions.PaymentDebitCard),
			base:    10,
			want:    40,
			reasons: []string{ReasonHighAmount},
		},
		{
			name:    "very high amount is cumulative",
			tx:      txWith("5000.01", false, midday, transactions.PaymentPayPal),
			base:    5,
			want:    65,
			reasons: []string{ReasonHighAmount, ReasonVeryHighAmount},
		},
		{
			name:    "new customer",
			tx:      txWith("10", true, midday, transactions.PaymentCreditCard),
			base:    1,
			want:    21,
			reasons: []string{ReasonNewCustomer},
		},
		{
			name:    "late night",
			tx:      txWith("10", false, night, transactions.PaymentCreditCard),
			base:    0,
			want:    25,
			reasons: []string{ReasonLateNight},
		},
		{
			name:    "hour five is still late night",
			tx:      txWith("10", false, time.Date(2024, 6, 1, 5, 59, 0, 0, time.UTC), transactions.PaymentCreditCard),
			base:    0,
			want:    25,
			reasons: []string{ReasonLateNight},
		},
		{
			name:    "hour six is not",
			tx:      txWith("10", false, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC), transactions.PaymentCreditCard),
			base:    0,
			want:    0,
			reasons: []string{ReasonNormal},
		},
		{
			name:    "crypto",
			tx:      txWith("10", false, midday, transactions.PaymentCrypto),
			base:    20,
			want:    55,
			reasons: []string{ReasonCrypto},
		},
		{
			name:    "exactly seventy is not flagged",
			tx:      txWith("10", true, night, transactions.PaymentBankTransfer),
			base:    25,
			want:    70,
			reasons: []string{ReasonNewCustomer, ReasonLateNight},
		},
		{
			name:    "seventy one is flagged",
			tx:      txWith("10", true, night, transactions.PaymentBankTransfer),
			base:    26,
			want:    71,
			flagged: true,
			reasons: []string{ReasonNewCustomer, ReasonLateNight},
		},
		{
			name:    "everything clamps to 100",
			tx:      txWith("9000", true, night, transactions.PaymentCrypto),
			base:    29,
			want:    100,
			flagged: true,
			reasons: []string{ReasonHighAmount, ReasonVeryHighAmount, ReasonNewCustomer, ReasonLateNight, ReasonCrypto},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeuristic(pinned(tt.base, false), transactions.DefaultThresholds())
			got := h.Score(tt.tx)
			assert.Equal(t, tt.want, got.RiskScore)
			assert.Equal(t, tt.flagged, got.Flagged)
			assert.Equal(t, tt.reasons, got.Reasons)
		})
	}
}

func TestHeuristic_CosmeticReasonHasNoScoreEffect(t *testing.T) {
	tx := txWith("42.50", false, midday, transactions.PaymentCreditCard)

	without := NewHeuristic(pinned(12, false), transactions.DefaultThresholds()).Score(tx)
	with := NewHeuristic(pinned(12, true), transactions.DefaultThresholds()).Score(tx)

	assert.Equal(t, without.RiskScore, with.RiskScore)
	assert.Equal(t, []string{ReasonUnusualPattern}, with.Reasons, "cosmetic reason replaces the default")
	assert.Equal(t, []string{ReasonNormal}, without.Reasons)
}

func TestHeuristic_RoundsBase(t *testing.T) {
	tx := txWith("10", false, midday, transactions.PaymentCreditCard)
	got := NewHeuristic(pinned(12.6, false), transactions.DefaultThresholds()).Score(tx)
	assert.Equal(t, 13, got.RiskScore)
}

func TestHeuristic_FixedDeltasAreExact(t *testing.T) {
	tx := txWith("6000", false, midday, transactions.PaymentCreditCard)
	for _, base := range []float64{0, 7, 14, 29} {
		got := NewHeuristic(pinned(base, false), transactions.DefaultThresholds()).Score(tx)
		assert.Equal(t, 60, got.RiskScore-int(base))
	}
}

func TestHeuristic_AlwaysWellFormed(t *testing.T) {
	h := NewHeuristic(rand.New(rand.NewPCG(1, 2)), transactions.DefaultThresholds())
	methods := transactions.PaymentMethods

	for i := 0; i < 2000; i++ {
		tx := txWith(decimal.NewFromInt(int64(i*7)).Add(decimal.NewFromInt(1)).String(), i%3 == 0,
			midday.Add(time.Duration(i)*time.Hour), methods[i%len(methods)])
		got := h.Score(tx)
		require.GreaterOrEqual(t, got.RiskScore, 0)
		require.LessOrEqual(t, got.RiskScore, 100)
		require.Equal(t, got.RiskScore > 70, got.Flagged)
		require.NotEmpty(t, got.Reasons)
	}
}

func TestHeuristic_CustomThreshold(t *testing.T) {
	tx := txWith("10", true, midday, transactions.PaymentCreditCard)
	got := NewHeuristic(pinned(10, false), transactions.Thresholds{HighRisk: 25, Critical: 50}).Score(tx)
	assert.Equal(t, 30, got.RiskScore)
	assert.True(t, got.Flagged)
}
