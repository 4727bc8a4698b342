package ops

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/errors"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	OlderThan time.Duration // required, records created before now - OlderThan
	Now       func() time.Time
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	Purged    int    `json:"purged"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message"`
}

// Purge permanently deletes journal records older than input.OlderThan.
func Purge(ctx context.Context, database *sql.DB, input PurgeInput) (*PurgeOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCanceled(err)
	}
	if input.OlderThan <= 0 {
		return nil, errors.NewBadRequest("older_than must be positive")
	}
	now := time.Now
	if input.Now != nil {
		now = input.Now
	}

	count, err := db.PurgeQueries(database, now().Add(-input.OlderThan))
	if err != nil {
		return nil, err
	}
	remaining, err := db.CountQueries(database, db.QueryFilters{})
	if err != nil {
		return nil, err
	}

	return &PurgeOutput{
		Purged:    count,
		Remaining: remaining,
		Message:   formatPurgeMessage(count, input.OlderThan),
	}, nil
}

// formatPurgeMessage creates a human-readable message for the purge result.
func formatPurgeMessage(count int, olderThan time.Duration) string {
	if count == 0 {
		return "No journal records to purge"
	}

	word := "record"
	if count > 1 {
		word = "records"
	}

	return fmt.Sprintf("Permanently deleted %d %s older than %s", count, word, formatAge(olderThan))
}

func formatAge(d time.Duration) string {
	day := 24 * time.Hour
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}
