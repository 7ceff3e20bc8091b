package transactions

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbd888/fraudwatch/internal/idgen"
)

func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping integration test")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewMongoStore(ctx, uri, "fraudwatch_test_"+idgen.Hex(6), 5*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.collection.Database().Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestMongoSort(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "riskScore", Value: -1}, {Key: "transactionId", Value: -1}},
		mongoSort(Sort{Field: SortByRiskScore, Desc: true}))
	assert.Equal(t, bson.D{{Key: "transactionId", Value: 1}},
		mongoSort(Sort{Field: SortByID}))
}
