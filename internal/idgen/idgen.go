// Package idgen generates identifiers for transactions, customers and
// connections.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// TransactionPrefix starts every transaction id.
const TransactionPrefix = "TXN"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// TransactionID returns "TXN" + unix milliseconds + six random digits.
// rng may be nil, in which case the global source is used.
func TransactionID(now time.Time, rng *mrand.Rand) string {
	var n int
	if rng != nil {
		n = rng.IntN(1_000_000)
	} else {
		n = mrand.IntN(1_000_000)
	}
	return fmt.Sprintf("%s%d%06d", TransactionPrefix, now.UnixMilli(), n)
}
