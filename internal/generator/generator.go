// Package generator produces the synthetic payment stream.
package generator

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

const (
	reuseProbability     = 0.5
	repeatNewProbability = 0.2

	amountAnomalyProbability   = 0.1
	amountAnomalyFactor        = 10
	locationAnomalyProbability = 0.05
)

// amountTier is a uniform cents range picked with the given weight.
type amountTier struct {
	upTo     float64 // cumulative probability
	min, max int64   // cents, inclusive
}

var amountTiers = []amountTier{
	{upTo: 0.6, min: 100, max: 10000},
	{upTo: 0.9, min: 10000, max: 50000},
	{upTo: 1.0, min: 50000, max: 500000},
}

// Generator produces unscored transactions. It is safe for concurrent use.
type Generator struct {
	catalog Catalog
	now     func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	history *history
}

// New creates a generator drawing from catalog. A nil rng uses a randomly
// seeded PCG source.
func New(catalog Catalog, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), uint64(time.Now().UnixNano())))
	}
	return &Generator{
		catalog: catalog,
		now:     time.Now,
		rng:     rng,
		history: newHistory(),
	}
}

// WithClock overrides the time source used to stamp transactions.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Next returns a new unscored transaction stamped with the current time.
func (g *Generator) Next() *transactions.Transaction {
	return g.NextAt(g.now())
}

// NextAt returns a new unscored transaction stamped with ts. Used when
// backfilling sample data.
func (g *Generator) NextAt(ts time.Time) *transactions.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, isNew := g.resolveCustomer(ts)
	amount := g.drawAmount()

	location := pick(g.rng, g.catalog.Locations)
	if g.rng.Float64() < amountAnomalyProbability {
		amount = amount.Mul(decimal.NewFromInt(amountAnomalyFactor))
	}
	if g.rng.Float64() < locationAnomalyProbability {
		location = g.catalog.HighRiskLocation
	}

	rec.TransactionCount++
	rec.TotalSpent = rec.TotalSpent.Add(amount)
	metrics.CustomerHistorySize.Set(float64(g.history.len()))

	return &transactions.Transaction{
		ID:        idgen.TransactionID(ts, g.rng),
		Timestamp: ts,
		Amount:    amount,
		Currency:  transactions.DefaultCurrency,
		Customer: transactions.Customer{
			ID:       rec.ID,
			Name:     rec.Name,
			Email:    rec.Email,
			Location: location,
			IsNew:    isNew,
		},
		Merchant:      pick(g.rng, g.catalog.Merchants),
		PaymentMethod: pick(g.rng, g.catalog.PaymentMethods),
		Status:        transactions.StatusPending,
		RiskReasons:   []string{},
		Metadata: transactions.Metadata{
			Device:  pick(g.rng, g.catalog.Devices),
			Browser: pick(g.rng, g.catalog.Browsers),
			IP:      g.randomIP(),
		},
	}
}

// resolveCustomer reuses a known customer half the time, otherwise mints
// one. Unseen customers are always new; known ones are new 20% of the time.
// caller holds g.mu
func (g *Generator) resolveCustomer(ts time.Time) (*CustomerRecord, bool) {
	var id string
	if n := g.history.len(); n > 0 && g.rng.Float64() < reuseProbability {
		id = g.history.at(g.rng.IntN(n))
	} else {
		id = fmt.Sprintf("%08x", g.rng.Uint32())
	}

	if rec, ok := g.history.get(id); ok {
		return rec, g.rng.Float64() < repeatNewProbability
	}

	first := pick(g.rng, g.catalog.FirstNames)
	last := pick(g.rng, g.catalog.LastNames)
	rec := &CustomerRecord{
		ID:        id,
		Name:      first + " " + last,
		Email:     g.email(first, last),
		FirstSeen: ts,
	}
	g.history.add(rec)
	return rec, true
}

// caller holds g.mu
func (g *Generator) drawAmount() decimal.Decimal {
	r := g.rng.Float64()
	tier := amountTiers[len(amountTiers)-1]
	for _, t := range amountTiers {
		if r < t.upTo {
			tier = t
			break
		}
	}
	cents := tier.min + g.rng.Int64N(tier.max-tier.min+1)
	return decimal.New(cents, -2)
}

// caller holds g.mu
func (g *Generator) email(first, last string) string {
	local := strings.ToLower(first + "." + last)
	local = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r == '.' {
			return r
		}
		return -1
	}, local)
	return fmt.Sprintf("%s%d@%s", local, g.rng.IntN(100), pick(g.rng, g.catalog.EmailDomains))
}

// caller holds g.mu
func (g *Generator) randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", 1+g.rng.IntN(223), g.rng.IntN(256), g.rng.IntN(256), 1+g.rng.IntN(254))
}

// SweepHistory drops customers first seen longer than horizon ago and
// returns how many were removed.
func (g *Generator) SweepHistory(horizon time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.history.sweep(g.now().Add(-horizon))
	metrics.CustomerHistorySize.Set(float64(g.history.len()))
	return n
}

// HistorySize returns the number of remembered customers.
func (g *Generator) HistorySize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history.len()
}

// Customer returns a copy of the remembered record for id.
func (g *Generator) Customer(id string) (CustomerRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.history.get(id)
	if !ok {
		return CustomerRecord{}, false
	}
	return *rec, true
}

func pick[T any](rng *rand.Rand, pool []T) T {
	return pool[rng.IntN(len(pool))]
}
