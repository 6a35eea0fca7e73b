// Package pagination reads limit/offset query parameters and wraps list
// results in a common envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// Parse clamps raw limit and offset values. Anything unparsable falls back
// to the first page of DefaultLimit items.
func Parse(rawLimit, rawOffset string) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(rawLimit); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(rawOffset); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// FromContext reads ?limit= and ?offset=.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("limit"), c.QueryParam("offset"))
}

// Response is the list envelope. NextOffset is set only when another page
// exists.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	HasMore    bool        `json:"has_more"`
	NextOffset *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	r := &Response{Data: data, Total: total, Limit: limit, Offset: offset}
	if next := offset + limit; next < total {
		r.HasMore = true
		r.NextOffset = &next
	}
	return r
}
