package wire

import (
	"bytes"
	"io"
	"strconv"

	sbufio "github.com/sagernet/sing/common/bufio"
)

// InjectedHeaders are the headers Casket always adds to a response it
// emits.
type InjectedHeaders struct {
	TraceID   string
	KeepAlive bool
	XError    string // if non-empty, emitted as X-Error
}

// Write serializes resp to w as an HTTP/1.1 response: status line,
// application headers in their original order, Casket's injected
// headers appended last, a blank line, then the body. When w exposes a
// vectorised writer (e.g. a *net.TCPConn), the header block and body are
// sent as a single writev(2)-backed call instead of a copy-then-write.
func Write(w io.Writer, resp *Response, injected InjectedHeaders) error {
	var head bytes.Buffer
	head.WriteString("HTTP/1.1 ")
	head.WriteString(strconv.Itoa(resp.StatusCode))
	head.WriteByte(' ')
	head.WriteString(resp.Reason)
	head.WriteString("\r\n")

	for _, h := range resp.Headers {
		head.WriteString(h.Name)
		head.WriteString(": ")
		head.WriteString(h.Value)
		head.WriteString("\r\n")
	}

	if _, ok := resp.Get("Content-Length"); !ok {
		head.WriteString("Content-Length: ")
		head.WriteString(strconv.Itoa(len(resp.Body)))
		head.WriteString("\r\n")
	}

	head.WriteString("Server: Casket\r\n")
	head.WriteString("X-TraceId: ")
	head.WriteString(injected.TraceID)
	head.WriteString("\r\n")
	if injected.XError != "" {
		head.WriteString("X-Error: ")
		head.WriteString(injected.XError)
		head.WriteString("\r\n")
	}
	if injected.KeepAlive {
		head.WriteString("Connection: Keep-Alive\r\n")
	} else {
		head.WriteString("Connection: Close\r\n")
	}
	head.WriteString("\r\n")

	headBytes := head.Bytes()

	if bw, ok := sbufio.CreateVectorisedWriter(w); ok && len(resp.Body) > 0 {
		vec := [][]byte{headBytes, resp.Body}
		_, err := sbufio.WriteVectorised(bw, vec)
		return err
	}

	if len(resp.Body) == 0 {
		_, err := w.Write(headBytes)
		return err
	}

	full := make([]byte, 0, len(headBytes)+len(resp.Body))
	full = append(full, headBytes...)
	full = append(full, resp.Body...)
	_, err := w.Write(full)
	return err
}

// WriteRaw writes a pre-built raw response block verbatim, with no body
// framing and no injected headers.
func WriteRaw(w io.Writer, raw string) error {
	_, err := io.WriteString(w, raw)
	return err
}
