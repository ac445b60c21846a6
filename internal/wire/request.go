// Package wire implements the HTTP/1.1 wire codec: strict-enough request
// parsing framed by Content-Length, and response serialization with
// Casket's injected headers.
package wire

import "strings"

// Header is a case-insensitive multi-map that preserves the original
// case of the first occurrence of each name on iteration, and
// concatenates duplicate values with "," per RFC 7230 §3.2.2.
type Header struct {
	// keys maps the lowercased header name to the index into order/values.
	keys   map[string]int
	order  []string // original-case names, in first-seen order
	values []string // comma-joined values, parallel to order
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{keys: make(map[string]int)}
}

// Add appends value to name, joining with a comma if name was already
// present (duplicate header folding per RFC 7230).
func (h *Header) Add(name, value string) {
	lower := strings.ToLower(name)
	if idx, ok := h.keys[lower]; ok {
		h.values[idx] = h.values[idx] + "," + value
		return
	}
	h.keys[lower] = len(h.order)
	h.order = append(h.order, name)
	h.values = append(h.values, value)
}

// Get returns the (possibly comma-joined) value for name and whether it
// was present at all.
func (h *Header) Get(name string) (string, bool) {
	idx, ok := h.keys[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return h.values[idx], true
}

// Each calls fn once per header in original-case, first-seen order.
func (h *Header) Each(fn func(name, value string)) {
	for i, name := range h.order {
		fn(name, h.values[i])
	}
}

// Len reports the number of distinct header names.
func (h *Header) Len() int { return len(h.order) }

// Request is a fully-buffered, fully-parsed HTTP/1.1 request. It is
// only constructed once its body is fully buffered: Body is always
// exactly ContentLength bytes.
type Request struct {
	Method        string // uppercase ASCII token
	Target        string // raw path, byte-preserved
	Query         string // portion after the first '?', "" if none present
	HasQuery      bool   // true if '?' appeared at all, even with an empty query
	Header        *Header
	ContentLength int64
	Body          []byte
	PeerAddr      string
}
