package transactions

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	seq     uint64
	now     func() time.Time
}

type memRecord struct {
	tx  *Transaction
	seq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		now:     time.Now,
	}
}

// WithClock overrides the clock used to stamp CreatedAt.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Insert(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[tx.ID]; ok {
		return ErrDuplicate
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	s.seq++
	s.records[tx.ID] = &memRecord{tx: tx.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]*Transaction, int, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	matched := make([]*Transaction, 0, len(s.records))
	for _, r := range s.records {
		if q.Filter.Matches(r.tx) {
			matched = append(matched, r.tx)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *Transaction) int {
		c := compareBy(q.Sort.Field, a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if q.Sort.Desc {
			return -c
		}
		return c
	})

	total := len(matched)
	page := pagination.Slice(matched, q.Page, q.PageSize)
	out := make([]*Transaction, len(page))
	for i, tx := range page {
		out[i] = tx.Clone()
	}
	return out, total, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.tx.Clone(), nil
}

func (s *MemoryStore) MarkReviewed(_ context.Context, id, reviewer string, at time.Time) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.tx.IsReviewed {
		return nil, ErrAlreadyReviewed
	}

	updated := r.tx.Clone()
	updated.IsReviewed = true
	updated.ReviewedBy = reviewer
	reviewedAt := at
	updated.ReviewedAt = &reviewedAt
	r.tx = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) EvictOldest(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.records) - keep
	if excess <= 0 {
		return 0, nil
	}

	oldest := make([]*memRecord, 0, len(s.records))
	for _, r := range s.records {
		oldest = append(oldest, r)
	}
	slices.SortFunc(oldest, func(a, b *memRecord) int {
		if c := a.tx.CreatedAt.Compare(b.tx.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	for _, r := range oldest[:excess] {
		delete(s.records, r.tx.ID)
	}
	return excess, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if f.Matches(r.tx) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// compareBy orders two transactions by a whitelisted field, ascending.
func compareBy(field SortField, a, b *Transaction) int {
	switch field {
	case SortByID:
		return strings.Compare(a.ID, b.ID)
	case SortByAmount:
		return a.Amount.Cmp(b.Amount)
	case SortByCurrency:
		return strings.Compare(a.Currency, b.Currency)
	case SortByMerchant:
		return strings.Compare(a.Merchant, b.Merchant)
	case SortByPaymentMethod:
		return strings.Compare(string(a.PaymentMethod), string(b.PaymentMethod))
	case SortByStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case SortByRiskScore:
		return cmp.Compare(a.RiskScore, b.RiskScore)
	case SortByFlagged:
		return compareBool(a.IsFlagged, b.IsFlagged)
	case SortByReviewed:
		return compareBool(a.IsReviewed, b.IsReviewed)
	case SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case SortByCustomerName:
		return strings.Compare(a.Customer.Name, b.Customer.Name)
	case SortByCustomerLocation:
		return strings.Compare(a.Customer.Location, b.Customer.Location)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
