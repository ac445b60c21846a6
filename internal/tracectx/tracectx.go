// Package tracectx implements W3C Trace Context propagation and minting
// for Casket. A Context is an immutable tagged record, never a mutable
// map, created once per request before any log line for that request is
// emitted.
package tracectx

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Context carries the trace_id/span_id/parent_id triple for one request.
// It is read-only once constructed and lives exactly as long as the
// request that created it.
type Context struct {
	TraceID  string // 32 lowercase hex chars
	SpanID   string // 16 lowercase hex chars
	ParentID string // 16 lowercase hex chars, or "" if none
}

var traceparentRE = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-[0-9a-f]{2}$`)

// FromHeader parses a traceparent header value per W3C Trace Context v1.
// A well-formed header's trace_id is adopted and its span_id recorded as
// ParentID; a fresh SpanID is always minted. A missing or malformed
// header (present == false) yields a wholly fresh Context with no ParentID.
// Malformed input is silently ignored, never surfaced to the client.
func FromHeader(traceparent string, present bool) Context {
	if present {
		if m := traceparentRE.FindStringSubmatch(strings.ToLower(strings.TrimSpace(traceparent))); m != nil {
			return Context{
				TraceID:  m[1],
				SpanID:   newSpanID(),
				ParentID: m[2],
			}
		}
	}
	return Context{
		TraceID: newTraceID(),
		SpanID:  newSpanID(),
	}
}

func newTraceID() string {
	id := uuid.New()
	return hexNoDashes(id[:])
}

func newSpanID() string {
	id := uuid.New()
	return hexNoDashes(id[:8])
}

const hexDigits = "0123456789abcdef"

func hexNoDashes(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// ParentIDOrNil returns a pointer to ParentID, or nil when there is no
// parent, for callers that need to distinguish "no parent" from an
// empty string.
func (c Context) ParentIDOrNil() *string {
	if c.ParentID == "" {
		return nil
	}
	return &c.ParentID
}
