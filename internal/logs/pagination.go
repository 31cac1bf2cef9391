package logs

import (
	"math"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// PageRequest selects one page of a listing.
type PageRequest struct {
	Page   int
	Limit  int
	Status string
}

// Offset is the number of rows skipped before the page.
func (r PageRequest) Offset() int {
	return (r.Page - 1) * r.Limit
}

// Validate checks the bounds before any query runs.
func (r PageRequest) Validate(operation string) error {
	if r.Page < 1 {
		return apperr.InvalidArgument(operation, "invalid_page", "page must be greater than 0")
	}
	if r.Limit < 1 || r.Limit > MaxPageLimit {
		return apperr.InvalidArgument(operation, "invalid_limit", "limit must be between 1 and 100")
	}
	if r.Page > math.MaxInt32/r.Limit {
		return apperr.InvalidArgument(operation, "invalid_page", "page is out of range")
	}
	return nil
}

// Pagination is the metadata returned with every listing.
type Pagination struct {
	CurrentPage  int   `json:"current_page"`
	TotalPages   int   `json:"total_pages"`
	TotalRecords int64 `json:"total_records"`
	Limit        int   `json:"limit"`
}

// NewPagination computes page metadata; an empty listing has zero pages.
func NewPagination(request PageRequest, total int64) Pagination {
	pages := 0
	if total > 0 {
		pages = int((total + int64(request.Limit) - 1) / int64(request.Limit))
	}
	return Pagination{
		CurrentPage:  request.Page,
		TotalPages:   pages,
		TotalRecords: total,
		Limit:        request.Limit,
	}
}
