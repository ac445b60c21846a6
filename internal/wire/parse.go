package wire

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// isTChar reports whether b is an RFC 7230 "tchar": the character class
// legal in a method token or header field name.
func isTChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// isFieldValueByte reports whether b is legal in a header field value:
// VCHAR, SP, or HTAB.
func isFieldValueByte(b byte) bool {
	return b == ' ' || b == '\t' || (b >= 0x21 && b <= 0x7e)
}

// Parse reads one HTTP/1.1 request from br: the request line, the
// header block, and the body framed by Content-Length. peerAddr is
// recorded on the returned Request verbatim.
//
// Returns ErrConnectionClosed if EOF occurs before any byte of the
// request line arrives (caller: close silently), ErrHeaderEOF if EOF
// occurs after the request line but before the header block completes
// (caller: log "stream eof before complete header" and close), or a
// *ParseError for any other malformed input.
func Parse(br *bufio.Reader, peerAddr string) (*Request, error) {
	headBytes := 0

	line, err := readCRLFLine(br, &headBytes)
	if err != nil {
		if errors.Is(err, io.EOF) && headBytes == 0 {
			return nil, ErrConnectionClosed
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrHeaderEOF
		}
		return nil, err
	}

	method, target, query, hasQuery, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	header := NewHeader()
	for {
		line, err := readCRLFLine(br, &headBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrHeaderEOF
			}
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		header.Add(name, value)
	}

	if te, ok := header.Get("Transfer-Encoding"); ok && !strings.EqualFold(strings.TrimSpace(te), "identity") {
		return nil, &ParseError{Message: "unsupported Transfer-Encoding"}
	}

	contentLength := int64(0)
	if cl, ok := header.Get("Content-Length"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return nil, &ParseError{Message: "Content-Length not uint"}
		}
		if n > MaxBodyBytes {
			return nil, &ParseError{Message: "Content-Length too large"}
		}
		contentLength = int64(n)
	}

	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
	}

	return &Request{
		Method:        method,
		Target:        target,
		Query:         query,
		HasQuery:      hasQuery,
		Header:        header,
		ContentLength: contentLength,
		Body:          body,
		PeerAddr:      peerAddr,
	}, nil
}

// readCRLFLine reads a single CRLF-terminated line (without the
// trailing CRLF), enforcing MaxHeaderBytes across the whole head
// (request line + headers) via *budget.
func readCRLFLine(br *bufio.Reader, budget *int) (string, error) {
	line, err := br.ReadString('\n')
	*budget += len(line)
	if *budget > MaxHeaderBytes {
		return "", &ParseError{Message: "request head too large"}
	}
	if err != nil {
		if line == "" || !errors.Is(err, io.EOF) {
			return "", err
		}
		// Partial line followed by EOF: treat as header-block EOF unless
		// it's plausibly the start of a request line (handled by caller
		// via io.EOF propagation).
		return "", io.EOF
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func parseRequestLine(line string) (method, target, query string, hasQuery bool, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", false, &ParseError{Message: "malformed request line"}
	}
	methodRaw, targetRaw, versionRaw := parts[0], parts[1], parts[2]

	if methodRaw == "" {
		return "", "", "", false, &ParseError{Message: "empty method"}
	}
	for i := 0; i < len(methodRaw); i++ {
		if !isTChar(methodRaw[i]) {
			return "", "", "", false, &ParseError{Message: "invalid method token"}
		}
	}
	method = strings.ToUpper(methodRaw)

	if versionRaw != "HTTP/1.1" && versionRaw != "HTTP/1.0" {
		return "", "", "", false, &ParseError{Message: "unsupported HTTP version"}
	}

	if targetRaw == "" {
		return "", "", "", false, &ParseError{Message: "empty target"}
	}
	if idx := strings.IndexByte(targetRaw, '?'); idx >= 0 {
		target = targetRaw[:idx]
		query = targetRaw[idx+1:]
		hasQuery = true
	} else {
		target = targetRaw
	}

	return method, target, query, hasQuery, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", &ParseError{Message: "malformed header line"}
	}
	name = line[:idx]
	for i := 0; i < len(name); i++ {
		if !isTChar(name[i]) {
			return "", "", &ParseError{Message: "invalid header field name"}
		}
	}
	value = strings.Trim(line[idx+1:], " \t")
	for i := 0; i < len(value); i++ {
		if !isFieldValueByte(value[i]) {
			return "", "", &ParseError{Message: "invalid header field value"}
		}
	}
	return name, value, nil
}
