// Package dto provides the request and response bodies of the ledger API.
package dto

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
)

// dateLayout is the wire format of expiry dates.
const dateLayout = "2006-01-02"

// --- Pagination ---

// PaginationRequest contains limit/offset paging parameters.
type PaginationRequest struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=1000"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// Defaults sets the default page size.
func (p *PaginationRequest) Defaults() {
	if p.Limit == 0 {
		p.Limit = 100
	}
}

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// NewListResponse never returns a null items array.
func NewListResponse[T any](items []T, limit, offset int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items), Limit: limit, Offset: offset}
}

// --- ID Response ---

// IDResponse for create operations.
type IDResponse struct {
	ID string `json:"id"`
}

// NewIDResponse creates ID response.
func NewIDResponse(i id.ID) IDResponse {
	return IDResponse{ID: i.String()}
}

// --- Parsing ---

// ParseID parses a uuid from a path or body field.
func ParseID(field, raw string) (id.ID, error) {
	v, err := id.Parse(raw)
	if err != nil || id.IsNil(v) {
		return id.Nil(), apperror.NewValidation("invalid id").
			WithDetail("field", field).
			WithDetail("value", raw)
	}
	return v, nil
}

func parseOptionalID(field string, raw *string) (*id.ID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	v, err := ParseID(field, *raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseDate(field string, raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *raw)
	if err != nil {
		return nil, apperror.NewValidation("invalid date, expected YYYY-MM-DD").
			WithDetail("field", field).
			WithDetail("value", *raw)
	}
	return &t, nil
}
