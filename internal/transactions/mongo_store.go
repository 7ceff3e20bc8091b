package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCollection is the collection transactions are stored in.
const MongoCollection = "transactions"

// MongoStore persists transactions in MongoDB.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoStore connects, pings, and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(MongoCollection),
		timeout:    timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transactionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "riskScore", Value: -1}}},
		{Keys: bson.D{{Key: "isFlagged", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// document is the stored shape. Amounts are Decimal128 so sorting and
// totals stay exact.
type document struct {
	TransactionID string               `bson:"transactionId"`
	Timestamp     time.Time            `bson:"timestamp"`
	Amount        primitive.Decimal128 `bson:"amount"`
	Currency      string               `bson:"currency"`
	Customer      Customer             `bson:"customer"`
	Merchant      string               `bson:"merchant"`
	PaymentMethod string               `bson:"paymentMethod"`
	Status        string               `bson:"status"`
	RiskScore     int                  `bson:"riskScore"`
	IsFlagged     bool                 `bson:"isFlagged"`
	RiskReasons   []string             `bson:"riskReasons"`
	IsReviewed    bool                 `bson:"isReviewed"`
	ReviewedBy    string               `bson:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time           `bson:"reviewedAt,omitempty"`
	Metadata      Metadata             `bson:"metadata"`
	CreatedAt     time.Time            `bson:"createdAt"`
}

func toDocument(tx *Transaction) (document, error) {
	amount, err := primitive.ParseDecimal128(tx.Amount.StringFixed(2))
	if err != nil {
		return document{}, fmt.Errorf("invalid amount %s: %w", tx.Amount, err)
	}
	return document{
		TransactionID: tx.ID,
		Timestamp:     tx.Timestamp.UTC(),
		Amount:        amount,
		Currency:      tx.Currency,
		Customer:      tx.Customer,
		Merchant:      tx.Merchant,
		PaymentMethod: string(tx.PaymentMethod),
		Status:        string(tx.Status),
		RiskScore:     tx.RiskScore,
		IsFlagged:     tx.IsFlagged,
		RiskReasons:   tx.RiskReasons,
		IsReviewed:    tx.IsReviewed,
		ReviewedBy:    tx.ReviewedBy,
		ReviewedAt:    tx.ReviewedAt,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.UTC(),
	}, nil
}

func (d document) toTransaction() (*Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", d.Amount.String(), err)
	}
	return &Transaction{
		ID:            d.TransactionID,
		Timestamp:     d.Timestamp,
		Amount:        amount,
		Currency:      d.Currency,
		Customer:      d.Customer,
		Merchant:      d.Merchant,
		PaymentMethod: PaymentMethod(d.PaymentMethod),
		Status:        Status(d.Status),
		RiskScore:     d.RiskScore,
		IsFlagged:     d.IsFlagged,
		RiskReasons:   d.RiskReasons,
		IsReviewed:    d.IsReviewed,
		ReviewedBy:    d.ReviewedBy,
		ReviewedAt:    d.ReviewedAt,
		Metadata:      d.Metadata,
		CreatedAt:     d.CreatedAt,
	}, nil
}

func (s *MongoStore) Insert(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		// Mongo keeps millisecond precision.
		tx.CreatedAt = time.Now().Truncate(time.Millisecond)
	}
	doc, err := toDocument(tx)
	if err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return unavailable("insert transaction", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, q Query) ([]*Transaction, int, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, 0, err
	}
	filter := mongoFilter(q.Filter)

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, unavailable("count transactions", err)
	}

	opts := options.Find().SetSort(mongoSort(q.Sort))
	if q.PageSize > 0 {
		opts.SetSkip(int64(q.offset())).SetLimit(int64(q.PageSize))
	}

	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, unavailable("list transactions", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var result []*Transaction
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, 0, unavailable("decode transaction", err)
		}
		tx, err := d.toTransaction()
		if err != nil {
			return nil, 0, err
		}
		result = append(result, tx)
	}
	if err := cur.Err(); err != nil {
		return nil, 0, unavailable("list transactions", err)
	}
	return result, int(total), nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Transaction, error) {
	var d document
	err := s.collection.FindOne(ctx, bson.M{"transactionId": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get transaction", err)
	}
	return d.toTransaction()
}

func (s *MongoStore) MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) (*Transaction, error) {
	var d document
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"transactionId": id, "isReviewed": false},
		bson.M{"$set": bson.M{
			"isReviewed": true,
			"reviewedBy": reviewer,
			"reviewedAt": at.UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		return d.toTransaction()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, unavailable("review transaction", err)
	}

	n, err := s.collection.CountDocuments(ctx, bson.M{"transactionId": id}, options.Count().SetLimit(1))
	if err != nil {
		return nil, unavailable("review transaction", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyReviewed
}

func (s *MongoStore) EvictOldest(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, unavailable("evict transactions", err)
	}
	excess := int(total) - keep
	if excess <= 0 {
		return 0, nil
	}

	cur, err := s.collection.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(excess)).
		SetProjection(bson.M{"transactionId": 1}))
	if err != nil {
		return 0, unavailable("evict transactions", err)
	}
	var oldest []struct {
		TransactionID string `bson:"transactionId"`
	}
	if err := cur.All(ctx, &oldest); err != nil {
		return 0, unavailable("evict transactions", err)
	}

	ids := make([]string, len(oldest))
	for i, o := range oldest {
		ids[i] = o.TransactionID
	}
	res, err := s.collection.DeleteMany(ctx, bson.M{"transactionId": bson.M{"$in": ids}})
	if err != nil {
		return 0, unavailable("evict transactions", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	n, err := s.collection.CountDocuments(ctx, mongoFilter(f))
	if err != nil {
		return 0, unavailable("count transactions", err)
	}
	return int(n), nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// mongoSort orders by the requested field, then by id for stable pages.
func mongoSort(srt Sort) bson.D {
	dir := 1
	if srt.Desc {
		dir = -1
	}
	doc := bson.D{{Key: string(srt.Field), Value: dir}}
	if srt.Field != SortByID {
		doc = append(doc, bson.E{Key: string(SortByID), Value: dir})
	}
	return doc
}

func mongoFilter(f Filter) bson.M {
	filter := bson.M{}
	if f.From != nil || f.To != nil {
		ts := bson.M{}
		if f.From != nil {
			ts["$gte"] = f.From.UTC()
		}
		if f.To != nil {
			ts["$lte"] = f.To.UTC()
		}
		filter["timestamp"] = ts
	}
	if f.MinRiskScore != nil {
		filter["riskScore"] = bson.M{"$gte": *f.MinRiskScore}
	}
	if f.FlaggedOnly {
		filter["isFlagged"] = true
	}
	return filter
}
