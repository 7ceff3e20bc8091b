// Package pagination provides 1-indexed offset pagination utilities.
package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Params is a validated page request.
type Params struct {
	Page     int
	PageSize int
}

// Page describes a page of results in API responses.
type Page struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Parse validates raw page and pageSize query values. Empty values take
// the defaults (page 1, DefaultPageSize).
func Parse(rawPage, rawSize string) (Params, error) {
	p := Params{Page: 1, PageSize: DefaultPageSize}

	if rawPage != "" {
		n, err := strconv.Atoi(rawPage)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("page must be a positive integer")
		}
		p.Page = n
	}

	if rawSize != "" {
		n, err := strconv.Atoi(rawSize)
		if err != nil || n < 1 || n > MaxPageSize {
			return Params{}, fmt.Errorf("pageSize must be between 1 and %d", MaxPageSize)
		}
		p.PageSize = n
	}

	return p, nil
}

// Offset returns the number of items to skip.
func (p Params) Offset() int {
	if p.Page < 1 || p.PageSize < 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Describe builds the response page metadata for a total item count.
func (p Params) Describe(total int) Page {
	return Page{
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: TotalPages(total, p.PageSize),
	}
}

// TotalPages returns ceil(total/pageSize), 0 for an empty set.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Slice returns the window of items for a 1-indexed page. pageSize 0
// returns everything.
func Slice[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return items[:0]
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
