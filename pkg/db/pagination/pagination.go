package pagination

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"carbon-ledger/pkg/errutil"

	"gorm.io/gorm"
)

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Page is a keyset page request; Cursor is opaque to callers.
type Page struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"`
}

type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

var ErrInvalidCursor = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_CURSOR", "invalid page cursor")

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	default:
		return p.Limit
	}
}

func EncodeCursor(c Cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidCursor.Wrap(err)
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, ErrInvalidCursor.Wrap(err)
	}
	return &cursor, nil
}

// Apply orders q newest first by (created_at, id), resumes after the page
// cursor and fetches one row past the limit so Build can tell whether more
// rows exist.
func (p Page) Apply(q *gorm.DB) (*gorm.DB, error) {
	q = q.Order("created_at DESC").Order("id DESC").Limit(p.limit() + 1)
	if p.Cursor == "" {
		return q, nil
	}

	c, err := DecodeCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	return q.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID), nil
}

// Build trims the extra row fetched by Apply and derives the next cursor.
func Build[T any](p Page, rows []T, cursorOf func(T) Cursor) ([]T, PageInfo) {
	limit := p.limit()
	if len(rows) <= limit {
		return rows, PageInfo{}
	}

	rows = rows[:limit]
	return rows, PageInfo{
		HasMore:    true,
		NextCursor: EncodeCursor(cursorOf(rows[len(rows)-1])),
	}
}
