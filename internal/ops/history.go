package ops

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/errors"
)

// HistoryInput contains parameters for the History operation.
type HistoryInput struct {
	// Kind filters by outcome: "ok", "error", or an error kind such as
	// TRANSIENT_NETWORK. Empty matches everything.
	Kind   string
	Limit  int // default: 20, max: 100
	Offset int // default: 0
}

// HistoryOutput contains the result of the History operation.
type HistoryOutput struct {
	Items      []db.QueryRecord `json:"items"`
	Pagination Pagination       `json:"pagination"`
	Sort       string           `json:"sort"`
}

var knownKinds = []errors.Kind{
	errors.KindPermanent,
	errors.KindTransient,
	errors.KindSessionInvalid,
	errors.KindMalformed,
	errors.KindCanceled,
	errors.KindInternal,
}

// History lists journaled queries, newest first.
func History(database *sql.DB, input HistoryInput) (*HistoryOutput, error) {
	filters, err := historyFilters(input.Kind)
	if err != nil {
		return nil, err
	}

	// Apply limit defaults and bounds
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	// Ensure offset is non-negative
	offset := max(input.Offset, 0)

	items, total, err := db.ListQueries(database, filters, limit, offset)
	if err != nil {
		return nil, err
	}

	// Ensure we return an empty array rather than nil
	if items == nil {
		items = []db.QueryRecord{}
	}

	return &HistoryOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "created_at_desc",
	}, nil
}

func historyFilters(kind string) (db.QueryFilters, error) {
	kind = strings.TrimSpace(kind)
	switch strings.ToLower(kind) {
	case "":
		return db.QueryFilters{}, nil
	case db.StatusOK:
		return db.QueryFilters{Status: db.StatusOK}, nil
	case db.StatusError:
		return db.QueryFilters{Status: db.StatusError}, nil
	}

	upper := strings.ToUpper(kind)
	for _, k := range knownKinds {
		if string(k) == upper {
			return db.QueryFilters{ErrorKind: upper}, nil
		}
	}
	return db.QueryFilters{}, errors.NewValidation(fmt.Sprintf("unknown kind %q", kind))
}
