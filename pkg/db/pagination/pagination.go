package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=50"`
}

// Size returns the page size clamped to [1, 250].
func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return 10
	case p.Limit > 250:
		return 250
	}
	return p.Limit
}

type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// Page trims a result fetched with limit+1 rows and reports whether more rows
// follow, along with the cursor for the next page.
func Page[T any](data []*T, p Pagination, extractID func(*T) string) ([]*T, *PageInfo) {
	limit := p.Size()
	if len(data) <= limit {
		return data, &PageInfo{HasMore: false}
	}

	data = data[:limit]
	next, _ := EncodeCursor(Cursor{ID: extractID(data[len(data)-1])})
	return data, &PageInfo{HasMore: true, NextCursor: next}
}
