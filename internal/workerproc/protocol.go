// Package workerproc implements the gateway side of the length-prefixed
// IPC protocol Casket speaks to each external worker process over its
// stdin/stdout pipes. The protocol shape is grounded directly on the
// baremetalphp/go-appserver worker transport: a 4-byte big-endian length
// header followed by a JSON body, one frame per message.
package workerproc

// FrameType discriminates the messages exchanged over a worker's pipes.
type FrameType string

const (
	// FrameRequest is sent gateway -> worker: a fully-parsed request to
	// execute the user callable against.
	FrameRequest FrameType = "request"

	// FrameResponseStart is sent worker -> gateway: the result of the
	// callable's single start_response call (status + headers).
	FrameResponseStart FrameType = "response_start"

	// FrameResponseChunk is sent worker -> gateway: one chunk of the
	// body iterable.
	FrameResponseChunk FrameType = "response_chunk"

	// FrameResponseDone is sent worker -> gateway: the body iterable is
	// exhausted: the request is complete.
	FrameResponseDone FrameType = "response_done"

	// FrameApplicationError is sent worker -> gateway: the callable
	// raised before or during iteration.
	FrameApplicationError FrameType = "application_error"

	// FrameLog is sent worker -> gateway: a wsgi.errors.write/writelines
	// call, to be logged at error level with the message under "error".
	FrameLog FrameType = "log"

	// FrameDrain is sent gateway -> worker: stop accepting new
	// FrameRequest envelopes; the worker exits once its outstanding
	// count reaches zero.
	FrameDrain FrameType = "drain"
)

// HeaderPair mirrors wire.HeaderPair for the wire protocol, kept
// independent so this package has no dependency on internal/wire.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Frame is the envelope exchanged in both directions. Not every field is
// meaningful for every Type; see the FrameType docs above.
type Frame struct {
	Type FrameType `json:"type"`
	ID   uint64    `json:"id"`

	// FrameRequest fields.
	Method        string       `json:"method,omitempty"`
	Path          string       `json:"path,omitempty"`
	Query         string       `json:"query,omitempty"`
	HasQuery      bool         `json:"has_query,omitempty"`
	Headers       []HeaderPair `json:"headers,omitempty"`
	ContentLength int64        `json:"content_length,omitempty"`
	Body          []byte       `json:"body,omitempty"`
	ServerName    string       `json:"server_name,omitempty"`
	ServerPort    int          `json:"server_port,omitempty"`
	TraceID       string       `json:"trace_id,omitempty"`
	SpanID        string       `json:"span_id,omitempty"`
	ParentID      string       `json:"parent_id,omitempty"`

	// FrameResponseStart fields.
	Status int `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// FrameResponseChunk fields.
	Chunk []byte `json:"chunk,omitempty"`

	// FrameApplicationError fields.
	ExceptionType string `json:"exception_type,omitempty"`
	Traceback     string `json:"traceback,omitempty"`

	// FrameLog fields.
	Message string `json:"message,omitempty"`
}
