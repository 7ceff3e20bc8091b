package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrAlreadyReviewed    = errors.New("transaction already reviewed")
	ErrDuplicate          = errors.New("transaction id already exists")
	ErrStorageUnavailable = errors.New("transaction storage unavailable")
	ErrInvalidQuery       = errors.New("invalid transaction query")
)

// unavailable tags a backend failure so callers can match ErrStorageUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Store persists scored transactions. Implementations are safe for
// concurrent use and never hand out references to their internal records.
type Store interface {
	// Insert stores a scored transaction, stamping CreatedAt when zero.
	Insert(ctx context.Context, tx *Transaction) error
	// List returns one page of matches and the total match count.
	List(ctx context.Context, q Query) ([]*Transaction, int, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	// MarkReviewed records a one-time review and returns the updated record.
	MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) (*Transaction, error)
	// EvictOldest deletes the oldest records by creation order until at most
	// keep remain, returning how many were removed.
	EvictOldest(ctx context.Context, keep int) (int, error)
	Count(ctx context.Context, f Filter) (int, error)
	Ping(ctx context.Context) error
}

// Filter narrows a query. Nil pointers and false mean "no constraint".
type Filter struct {
	From         *time.Time
	To           *time.Time
	MinRiskScore *int
	FlaggedOnly  bool
}

// Matches reports whether tx passes the filter. Bounds are inclusive.
func (f Filter) Matches(tx *Transaction) bool {
	if f.From != nil && tx.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.Timestamp.After(*f.To) {
		return false
	}
	if f.MinRiskScore != nil && tx.RiskScore < *f.MinRiskScore {
		return false
	}
	if f.FlaggedOnly && !tx.IsFlagged {
		return false
	}
	return true
}

// Validate rejects impossible filters.
func (f Filter) Validate() error {
	if f.MinRiskScore != nil && (*f.MinRiskScore < 0 || *f.MinRiskScore > MaxRiskScore) {
		return fmt.Errorf("%w: minRiskScore must be within 0-100", ErrInvalidQuery)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return fmt.Errorf("%w: dateFrom is after dateTo", ErrInvalidQuery)
	}
	return nil
}

// SortField names a sortable attribute using its JSON path.
type SortField string

const (
	SortByID               SortField = "transactionId"
	SortByTimestamp        SortField = "timestamp"
	SortByAmount           SortField = "amount"
	SortByCurrency         SortField = "currency"
	SortByMerchant         SortField = "merchant"
	SortByPaymentMethod    SortField = "paymentMethod"
	SortByStatus           SortField = "status"
	SortByRiskScore        SortField = "riskScore"
	SortByFlagged          SortField = "isFlagged"
	SortByReviewed         SortField = "isReviewed"
	SortByCreatedAt        SortField = "createdAt"
	SortByCustomerName     SortField = "customer.name"
	SortByCustomerLocation SortField = "customer.location"
)

var sortFields = map[SortField]bool{
	SortByID: true, SortByTimestamp: true, SortByAmount: true, SortByCurrency: true,
	SortByMerchant: true, SortByPaymentMethod: true, SortByStatus: true,
	SortByRiskScore: true, SortByFlagged: true, SortByReviewed: true,
	SortByCreatedAt: true, SortByCustomerName: true, SortByCustomerLocation: true,
}

// Sort orders a query. Ties are broken by transaction id in the same
// direction, which keeps pages stable.
type Sort struct {
	Field SortField
	Desc  bool
}

// DefaultSort is newest first.
func DefaultSort() Sort {
	return Sort{Field: SortByTimestamp, Desc: true}
}

// ParseSort validates a sort field and order ("asc" or "desc"). Empty
// values take the defaults.
func ParseSort(field, order string) (Sort, error) {
	s := DefaultSort()
	if field != "" {
		if !sortFields[SortField(field)] {
			return Sort{}, fmt.Errorf("%w: cannot sort by %q", ErrInvalidQuery, field)
		}
		s.Field = SortField(field)
	}
	switch order {
	case "", "desc":
		s.Desc = true
	case "asc":
		s.Desc = false
	default:
		return Sort{}, fmt.Errorf("%w: sortOrder must be asc or desc", ErrInvalidQuery)
	}
	return s, nil
}

// Query is a filtered, sorted, paginated read. Page is 1-indexed;
// PageSize 0 returns every match.
type Query struct {
	Filter   Filter
	Sort     Sort
	Page     int
	PageSize int
}

func (q Query) normalized() (Query, error) {
	if err := q.Filter.Validate(); err != nil {
		return q, err
	}
	if q.Sort.Field == "" {
		q.Sort = DefaultSort()
	} else if !sortFields[q.Sort.Field] {
		return q, fmt.Errorf("%w: cannot sort by %q", ErrInvalidQuery, q.Sort.Field)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 0 {
		return q, fmt.Errorf("%w: negative page size", ErrInvalidQuery)
	}
	return q, nil
}

func (q Query) offset() int {
	if q.PageSize == 0 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}
