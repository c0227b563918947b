package main

import (
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// Pagination bounds for list endpoints. A zero limit falls back to the
// default; anything above the cap is clamped.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

func clampLimit(limit uint32) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return int(limit)
	}
}

// applyListOptions orders the query by sortBy and applies the caller's
// pagination. A nil options only sets the default ordering.
func applyListOptions(db *gorm.DB, sortBy string, defaultSort rpc.SortType, options *rpc.ListOptions) *gorm.DB {
	sort := defaultSort
	if options != nil && options.Sort != nil {
		sort = *options.Sort
	}
	db = db.Order(sortBy + " " + sort.ToString())

	if options == nil {
		return db
	}

	return db.Offset(int(options.Offset)).Limit(clampLimit(options.Limit))
}
