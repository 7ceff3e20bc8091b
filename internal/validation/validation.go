// Package validation provides input validation middleware for the fraud monitor API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). No endpoint
// accepts more than a small JSON document.
const MaxRequestSize = 64 << 10

// MaxIDLength bounds identifiers accepted in URLs.
const MaxIDLength = 64

// transaction ids are "TXN" + unix millis + 6 digits
var transactionIDRegex = regexp.MustCompile(`^TXN[0-9]{13,19}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTransactionID checks the shape of a transaction id.
func IsValidTransactionID(id string) bool {
	return len(id) <= MaxIDLength && transactionIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops control characters and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// TransactionIDParam rejects malformed ids in the named URL parameter with
// 404, so lookups of impossible ids look the same as lookups of evicted ones.
func TransactionIDParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsValidTransactionID(c.Param(name)) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.Next()
	}
}
