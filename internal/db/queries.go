package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/borges-library/borges/internal/errors"
)

// Query statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// QueryRecord is one journaled query outcome.
type QueryRecord struct {
	ID         string   `json:"id"`
	CacheKey   string   `json:"cache_key"`
	QueryText  string   `json:"query_text"`
	ScopeIDs   []string `json:"scope_ids"`
	FromCache  bool     `json:"from_cache"`
	Status     string   `json:"status"`
	ErrorKind  string   `json:"error_kind,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	CreatedAt  int64    `json:"created_at"`
}

// QueryFilters narrows ListQueries and CountQueries. Empty fields match
// everything.
type QueryFilters struct {
	Status    string
	ErrorKind string
}

// Journal records query outcomes into db.
type Journal struct {
	DB *sql.DB
}

// Record inserts rec, assigning an ID and timestamp when missing.
func (j Journal) Record(rec *QueryRecord) error {
	return InsertQuery(j.DB, rec)
}

// InsertQuery stores a query record. A missing ID is generated, a zero
// CreatedAt is set to now.
func InsertQuery(db *sql.DB, r *QueryRecord) error {
	if r.ID == "" {
		id, err := generateULID()
		if err != nil {
			return errors.NewInternal(err)
		}
		r.ID = id
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	if r.Status == "" {
		r.Status = StatusOK
	}

	var scopesJSON sql.NullString
	if len(r.ScopeIDs) > 0 {
		data, err := json.Marshal(r.ScopeIDs)
		if err != nil {
			return errors.NewInternal(err)
		}
		scopesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO queries (
			id, cache_key, query_text, scope_ids_json, from_cache,
			status, error_kind, error_code, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		r.ID, r.CacheKey, r.QueryText, scopesJSON, r.FromCache,
		r.Status, nullString(r.ErrorKind), nullString(r.ErrorCode), r.DurationMS, r.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewValidation("duplicate query id " + r.ID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// ListQueries returns journaled queries newest first, with the total count
// matching filters.
func ListQueries(db *sql.DB, filters QueryFilters, limit, offset int) ([]QueryRecord, int, error) {
	where, args := filters.clause()

	total, err := countWhere(db, where, args)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, cache_key, query_text, scope_ids_json, from_cache,
			status, error_kind, error_code, duration_ms, created_at
		FROM queries` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		r, err := scanQuery(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return out, total, nil
}

// CountQueries returns the number of journaled queries matching filters.
func CountQueries(db *sql.DB, filters QueryFilters) (int, error) {
	where, args := filters.clause()
	return countWhere(db, where, args)
}

// PurgeQueries permanently deletes records created before cutoff and
// returns how many were removed.
func PurgeQueries(db *sql.DB, cutoff time.Time) (int, error) {
	result, err := db.Exec(`DELETE FROM queries WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

func countWhere(db *sql.DB, where string, args []any) (int, error) {
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM queries`+where, args...).Scan(&total); err != nil {
		return 0, errors.NewInternal(err)
	}
	return total, nil
}

// clause builds the WHERE clause for f.
func (f QueryFilters) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.ErrorKind != "" {
		conds = append(conds, "error_kind = ?")
		args = append(args, f.ErrorKind)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanQuery scans a single row into a QueryRecord.
func scanQuery(rows *sql.Rows) (*QueryRecord, error) {
	var (
		r          QueryRecord
		scopesJSON sql.NullString
		errorKind  sql.NullString
		errorCode  sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.CacheKey, &r.QueryText, &scopesJSON, &r.FromCache,
		&r.Status, &errorKind, &errorCode, &r.DurationMS, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ErrorKind = errorKind.String
	r.ErrorCode = errorCode.String

	if scopesJSON.Valid && scopesJSON.String != "" {
		if err := json.Unmarshal([]byte(scopesJSON.String), &r.ScopeIDs); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// nullString stores empty strings as NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
