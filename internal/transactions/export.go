package transactions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// ExportRequest is the body of POST /export.
type ExportRequest struct {
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
	Format   string `json:"format" binding:"omitempty,oneof=json csv"`
}

var csvHeader = []string{
	"ID", "Timestamp", "Amount", "Currency", "Customer", "Location", "Merchant",
	"Payment Method", "Risk Score", "Flagged", "Status", "Reviewed",
}

// Export streams every transaction in the date range as a JSON or CSV
// attachment, newest first.
func (h *Handler) Export(c *gin.Context) {
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	if req.Format == "" {
		req.Format = "json"
	}

	var f Filter
	var err error
	if f.From, err = ParseTimeParam(req.DateFrom, false); err != nil {
		badRequest(c, err)
		return
	}
	if f.To, err = ParseTimeParam(req.DateTo, true); err != nil {
		badRequest(c, err)
		return
	}

	txs, _, err := h.store.List(c.Request.Context(), Query{Filter: f, Sort: DefaultSort()})
	if err != nil {
		h.storeError(c, err)
		return
	}

	stamp := h.now().UTC().Format("20060102-150405")
	switch req.Format {
	case "csv":
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="transactions-%s.csv"`, stamp))
		c.Header("Content-Type", "text/csv")
		c.Status(http.StatusOK)
		if err := WriteCSV(c.Writer, txs); err != nil {
			h.logger.Error("csv export failed", "error", err)
		}
	default:
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="transactions-%s.json"`, stamp))
		c.Header("Content-Type", "application/json")
		c.Status(http.StatusOK)
		if txs == nil {
			txs = []*Transaction{}
		}
		if err := json.NewEncoder(c.Writer).Encode(txs); err != nil {
			h.logger.Error("json export failed", "error", err)
		}
	}
}

// WriteCSV writes txs with a header row. Every field is quoted.
func WriteCSV(w io.Writer, txs []*Transaction) error {
	if err := writeQuoted(w, csvHeader); err != nil {
		return err
	}
	for _, tx := range txs {
		row := []string{
			tx.ID,
			tx.Timestamp.UTC().Format(time.RFC3339),
			tx.Amount.StringFixed(2),
			tx.Currency,
			tx.Customer.Name,
			tx.Customer.Location,
			tx.Merchant,
			string(tx.PaymentMethod),
			strconv.Itoa(tx.RiskScore),
			yesNo(tx.IsFlagged),
			string(tx.Status),
			yesNo(tx.IsReviewed),
		}
		if err := writeQuoted(w, row); err != nil {
			return err
		}
	}
	return nil
}

// writeQuoted writes one CSV record with every field quoted.
func writeQuoted(w io.Writer, fields []string) error {
	buf := make([]byte, 0, 256)
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		for j := 0; j < len(f); j++ {
			if f[j] == '"' {
				buf = append(buf, '"')
			}
			buf = append(buf, f[j])
		}
		buf = append(buf, '"')
	}
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
