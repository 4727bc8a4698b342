// Package ops implements the journal operations shared by the CLI, the HTTP
// API and the MCP server.
package ops

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/borges-library/borges/internal/errors"
)

// Pagination limits
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// ParseAge parses a retention age. It accepts Go durations ("36h") and a
// day suffix ("7d").
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.NewBadRequest("age must not be empty")
	}

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, errors.NewBadRequest(fmt.Sprintf("invalid age %q", s))
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.NewBadRequest(fmt.Sprintf("invalid age %q", s))
	}
	return d, nil
}
