package http

import (
	"bytes"
	"errors"
	"strconv"
	"unsafe"

	"golang.org/x/net/http/httpguts"
)

// unsafeString converts byte slice to string without allocation
// WARNING: The returned string shares memory with the byte slice
func unsafeString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

var (
	ErrRequestTooShort      = errors.New("http: request too short")
	ErrInvalidRequestLine   = errors.New("http: malformed request line")
	ErrInvalidHeader        = errors.New("http: malformed header")
	ErrInvalidContentLength = errors.New("http: invalid Content-Length")
)

// minRequestSize: anything shorter cannot hold "GET / HTTP/1.1".
const minRequestSize = 14

var (
	headerDelimiter = []byte("\r\n\r\n")
	versionPrefix   = []byte("HTTP/")
)

// Character classes. tchar is RFC 9110 token; path adds the pchar
// separators we accept; field is field-content (HTAB, VCHAR, SP, obs-text).
var (
	tokenTable [256]bool
	pathTable  [256]bool
	fieldTable [256]bool
)

func init() {
	for c := 0; c < 256; c++ {
		tokenTable[c] = httpguts.IsTokenRune(rune(c))
		pathTable[c] = tokenTable[c]
		fieldTable[c] = c == '\t' || (c >= 0x20 && c <= 0x7e) || c >= 0x80
	}
	for _, c := range []byte("/:@?=,") {
		pathTable[c] = true
	}
}

// HeaderEnd returns the length of the header block in buf including the
// terminating blank line, or -1 when the terminator has not arrived yet.
func HeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerDelimiter)
	if i < 0 {
		return -1
	}
	return i + len(headerDelimiter)
}

// ParseRequest parses the request line and header block in raw into req.
// raw must hold exactly the header block (see HeaderEnd); the body is not
// inspected. It returns the number of bytes consumed.
//
// Parsing is strict and allocation free: every token in req is a sub-slice of
// raw. Once req.MaxHeaders headers are stored, the remaining header lines are
// skipped up to the blank line rather than rejected.
func ParseRequest(req *Request, raw []byte) (int, error) {
	req.Release()

	if len(raw) < minRequestSize {
		return 0, ErrRequestTooShort
	}

	off, err := parseRequestLine(req, raw)
	if err != nil {
		req.Release()
		return 0, err
	}

	off, err = parseHeaders(req, raw, off)
	if err != nil {
		req.Release()
		return 0, err
	}

	// Body length comes only from Content-Length; no chunked support
	if v := req.Header(HeaderContentLength); v != nil {
		n, err := parseContentLength(v)
		if err != nil {
			req.Release()
			return 0, err
		}
		req.ContentLength = n
	}

	return off, nil
}

func parseRequestLine(req *Request, raw []byte) (int, error) {
	off := 0

	// METHOD
	for off < len(raw) && raw[off] != ' ' {
		if !tokenTable[raw[off]] {
			return 0, ErrInvalidRequestLine
		}
		off++
	}
	if off == 0 || off >= len(raw) {
		return 0, ErrInvalidRequestLine
	}
	req.RawMethod = raw[:off]
	req.Method = ParseMethod(req.RawMethod)
	off++

	// PATH
	start := off
	for off < len(raw) && raw[off] != ' ' {
		if !pathTable[raw[off]] {
			return 0, ErrInvalidRequestLine
		}
		off++
	}
	if off == start || off >= len(raw) {
		return 0, ErrInvalidRequestLine
	}
	target := raw[start:off]
	if q := bytes.IndexByte(target, '?'); q >= 0 {
		req.Path = target[:q]
		req.Query = target[q+1:]
	} else {
		req.Path = target
	}
	off++

	// HTTP/D.D CRLF
	if len(raw)-off < len(versionPrefix)+3+2 {
		return 0, ErrInvalidRequestLine
	}
	if !bytes.HasPrefix(raw[off:], versionPrefix) {
		return 0, ErrInvalidRequestLine
	}
	off += len(versionPrefix)
	if !isDigit(raw[off]) || raw[off+1] != '.' || !isDigit(raw[off+2]) {
		return 0, ErrInvalidRequestLine
	}
	req.Version = [2]byte{raw[off], raw[off+2]}
	off += 3

	if raw[off] != '\r' || raw[off+1] != '\n' {
		return 0, ErrInvalidRequestLine
	}
	return off + 2, nil
}

func parseHeaders(req *Request, raw []byte, off int) (int, error) {
	for off+1 < len(raw) {
		if raw[off] == '\r' && raw[off+1] == '\n' {
			return off + 2, nil
		}

		// NAME ":"
		start := off
		for off < len(raw) && raw[off] != ':' {
			if !tokenTable[raw[off]] {
				return 0, ErrInvalidHeader
			}
			off++
		}
		if off >= len(raw) || off == start {
			return 0, ErrInvalidHeader
		}
		key := raw[start:off]
		off++

		// OWS VALUE OWS CRLF
		for off < len(raw) && (raw[off] == ' ' || raw[off] == '\t') {
			off++
		}
		vstart := off
		for off < len(raw) && raw[off] != '\r' {
			if !fieldTable[raw[off]] {
				return 0, ErrInvalidHeader
			}
			off++
		}
		if off+1 >= len(raw) || raw[off+1] != '\n' {
			return 0, ErrInvalidHeader
		}
		vend := off
		for vend > vstart && (raw[vend-1] == ' ' || raw[vend-1] == '\t') {
			vend--
		}
		off += 2

		n := len(req.Headers)
		req.Headers = req.headerBuf[:n+1]
		req.Headers[n] = Header{Key: key, Value: raw[vstart:vend]}

		if len(req.Headers) == len(req.headerBuf) {
			// Cap reached: the rest of the block is dropped up to the blank line.
			// off-2 is the CRLF that closed the last stored header.
			end := bytes.Index(raw[off-2:], headerDelimiter)
			if end < 0 {
				return 0, ErrInvalidHeader
			}
			return off - 2 + end + len(headerDelimiter), nil
		}
	}
	return 0, ErrInvalidHeader
}

// parseContentLength accepts only ASCII digits and rejects overflow
func parseContentLength(v []byte) (int, error) {
	if len(v) == 0 {
		return 0, ErrInvalidContentLength
	}
	for _, c := range v {
		if !isDigit(c) {
			return 0, ErrInvalidContentLength
		}
	}
	n, err := strconv.ParseUint(unsafeString(v), 10, strconv.IntSize-1)
	if err != nil {
		return 0, ErrInvalidContentLength
	}
	return int(n), nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
