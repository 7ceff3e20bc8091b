package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table if it doesn't exist. The same
// schema ships as a goose migration for managed deployments.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			seq                BIGSERIAL,
			id                 VARCHAR(64) PRIMARY KEY,
			ts                 TIMESTAMPTZ NOT NULL,
			amount             NUMERIC(14,2) NOT NULL CHECK (amount > 0),
			currency           VARCHAR(3) NOT NULL DEFAULT 'USD',
			customer_id        VARCHAR(64) NOT NULL,
			customer_name      VARCHAR(255) NOT NULL,
			customer_email     VARCHAR(255) NOT NULL DEFAULT '',
			customer_location  VARCHAR(255) NOT NULL,
			customer_is_new    BOOLEAN NOT NULL DEFAULT FALSE,
			merchant           VARCHAR(255) NOT NULL,
			payment_method     VARCHAR(20) NOT NULL,
			status             VARCHAR(12) NOT NULL,
			risk_score         SMALLINT NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
			is_flagged         BOOLEAN NOT NULL DEFAULT FALSE,
			risk_reasons       TEXT[] NOT NULL DEFAULT '{}',
			is_reviewed        BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed_by        VARCHAR(255),
			reviewed_at        TIMESTAMPTZ,
			metadata           JSONB NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_ts_risk
			ON transactions (ts DESC, risk_score DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_flagged_ts
			ON transactions (is_flagged, ts DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_created
			ON transactions (created_at, seq);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate transactions: %w", err)
	}
	return nil
}

const selectColumns = `id, ts, amount, currency, customer_id, customer_name, customer_email,
	customer_location, customer_is_new, merchant, payment_method, status, risk_score,
	is_flagged, risk_reasons, is_reviewed, reviewed_by, reviewed_at, metadata, created_at`

var sortColumns = map[SortField]string{
	SortByID:               "id",
	SortByTimestamp:        "ts",
	SortByAmount:           "amount",
	SortByCurrency:         "currency",
	SortByMerchant:         "merchant",
	SortByPaymentMethod:    "payment_method",
	SortByStatus:           "status",
	SortByRiskScore:        "risk_score",
	SortByFlagged:          "is_flagged",
	SortByReviewed:         "is_reviewed",
	SortByCreatedAt:        "created_at",
	SortByCustomerName:     "customer_name",
	SortByCustomerLocation: "customer_location",
}

func (s *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	metaJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	reasons := tx.RiskReasons
	if reasons == nil {
		reasons = []string{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, ts, amount, currency, customer_id, customer_name, customer_email,
			customer_location, customer_is_new, merchant, payment_method, status,
			risk_score, is_flagged, risk_reasons, is_reviewed, reviewed_by, reviewed_at,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		tx.ID, tx.Timestamp, tx.Amount, tx.Currency,
		tx.Customer.ID, tx.Customer.Name, tx.Customer.Email, tx.Customer.Location, tx.Customer.IsNew,
		tx.Merchant, string(tx.PaymentMethod), string(tx.Status),
		tx.RiskScore, tx.IsFlagged, pq.Array(reasons), tx.IsReviewed,
		nullString(tx.ReviewedBy), tx.ReviewedAt,
		metaJSON, tx.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return unavailable("insert transaction", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Transaction, int, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, 0, err
	}

	where, args := whereClause(q.Filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions"+where, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count transactions", err)
	}

	dir := "ASC"
	if q.Sort.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM transactions%s ORDER BY %s %s, id %s",
		selectColumns, where, sortColumns[q.Sort.Field], dir, dir)
	if q.PageSize > 0 {
		args = append(args, q.PageSize, q.offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, unavailable("list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, unavailable("scan transaction", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list transactions", err)
	}
	return result, total, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM transactions WHERE id = $1", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get transaction", err)
	}
	return tx, nil
}

func (s *PostgresStore) MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET is_reviewed = TRUE, reviewed_by = $2, reviewed_at = $3
		WHERE id = $1 AND NOT is_reviewed
		RETURNING `+selectColumns, id, reviewer, at)

	tx, err := scanTransaction(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("review transaction", err)
	}

	// Nothing updated: either missing or reviewed already.
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, unavailable("review transaction", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyReviewed
}

func (s *PostgresStore) EvictOldest(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE id IN (
			SELECT id FROM transactions
			ORDER BY created_at ASC, seq ASC
			LIMIT GREATEST((SELECT COUNT(*) FROM transactions) - $1, 0)
		)
	`, keep)
	if err != nil {
		return 0, unavailable("evict transactions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("evict transactions", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	where, args := whereClause(f)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions"+where, args...).Scan(&n); err != nil {
		return 0, unavailable("count transactions", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts <= $%d", *f.To)
	}
	if f.MinRiskScore != nil {
		add("risk_score >= $%d", *f.MinRiskScore)
	}
	if f.FlaggedOnly {
		conds = append(conds, "is_flagged")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	var (
		tx         Transaction
		method     string
		status     string
		reasons    []string
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
		metaJSON   []byte
	)
	err := sc.Scan(
		&tx.ID, &tx.Timestamp, &tx.Amount, &tx.Currency,
		&tx.Customer.ID, &tx.Customer.Name, &tx.Customer.Email, &tx.Customer.Location, &tx.Customer.IsNew,
		&tx.Merchant, &method, &status, &tx.RiskScore, &tx.IsFlagged,
		pq.Array(&reasons), &tx.IsReviewed, &reviewedBy, &reviewedAt, &metaJSON, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.PaymentMethod = PaymentMethod(method)
	tx.Status = Status(status)
	tx.RiskReasons = reasons
	tx.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		at := reviewedAt.Time
		tx.ReviewedAt = &at
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &tx.Metadata)
	}
	return &tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
