package generator

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerRecord is what the generator remembers about a customer.
type CustomerRecord struct {
	ID               string
	Name             string
	Email            string
	TransactionCount int
	TotalSpent       decimal.Decimal
	FirstSeen        time.Time
}

// history is the per-process customer memory. The Generator owns it and
// serialises access.
type history struct {
	byID  map[string]*CustomerRecord
	ids   []string
	index map[string]int
}

func newHistory() *history {
	return &history{
		byID:  make(map[string]*CustomerRecord),
		index: make(map[string]int),
	}
}

func (h *history) len() int { return len(h.ids) }

func (h *history) get(id string) (*CustomerRecord, bool) {
	rec, ok := h.byID[id]
	return rec, ok
}

// at returns the i-th known customer id, for uniform reuse draws.
func (h *history) at(i int) string { return h.ids[i] }

func (h *history) add(rec *CustomerRecord) {
	h.byID[rec.ID] = rec
	h.index[rec.ID] = len(h.ids)
	h.ids = append(h.ids, rec.ID)
}

func (h *history) remove(id string) {
	i, ok := h.index[id]
	if !ok {
		return
	}
	last := len(h.ids) - 1
	h.ids[i] = h.ids[last]
	h.index[h.ids[i]] = i
	h.ids = h.ids[:last]
	delete(h.index, id)
	delete(h.byID, id)
}

// sweep drops customers first seen before cutoff.
func (h *history) sweep(cutoff time.Time) int {
	var stale []string
	for id, rec := range h.byID {
		if rec.FirstSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		h.remove(id)
	}
	return len(stale)
}
