package http

import (
	"errors"
	"strconv"

	"github.com/searchktools/loom/core/ring"
)

// HTTP header constants
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
	HeaderAccept        = "Accept"
	HeaderHost          = "Host"
)

// Status codes with a reason phrase in the table
const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101

	StatusOK        = 200
	StatusCreated   = 201
	StatusAccepted  = 202
	StatusNoContent = 204

	StatusMovedPermanently = 301
	StatusFound            = 302
	StatusNotModified      = 304

	StatusBadRequest           = 400
	StatusUnauthorized         = 401
	StatusForbidden            = 403
	StatusNotFound             = 404
	StatusMethodNotAllowed     = 405
	StatusConflict             = 409
	StatusGone                 = 410
	StatusPayloadTooLarge      = 413
	StatusUnsupportedMediaType = 415

	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

const maxStatusCode = 599

var statusText = [maxStatusCode + 1]string{
	StatusContinue:           "Continue",
	StatusSwitchingProtocols: "Switching Protocols",

	StatusOK:        "OK",
	StatusCreated:   "Created",
	StatusAccepted:  "Accepted",
	StatusNoContent: "No Content",

	StatusMovedPermanently: "Moved Permanently",
	StatusFound:            "Found",
	StatusNotModified:      "Not Modified",

	StatusBadRequest:           "Bad Request",
	StatusUnauthorized:         "Unauthorized",
	StatusForbidden:            "Forbidden",
	StatusNotFound:             "Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed",
	StatusConflict:             "Conflict",
	StatusGone:                 "Gone",
	StatusPayloadTooLarge:      "Payload Too Large",
	StatusUnsupportedMediaType: "Unsupported Media Type",

	StatusInternalServerError: "Internal Server Error",
	StatusNotImplemented:      "Not Implemented",
	StatusBadGateway:          "Bad Gateway",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusGatewayTimeout:      "Gateway Timeout",
}

const unknownStatus = "Unknown Status"

// StatusText returns the reason phrase for code, or "Unknown Status".
func StatusText(code int) string {
	if code < 100 || code > maxStatusCode || statusText[code] == "" {
		return unknownStatus
	}
	return statusText[code]
}

// ContentType selects the Content-Type line of a response
type ContentType uint8

const (
	ContentNone ContentType = iota // no Content-Type line
	ContentTextPlain
	ContentTextHTML
	ContentJSON
	ContentProtobuf
)

var contentTypes = [...]string{
	ContentNone:      "",
	ContentTextPlain: "text/plain",
	ContentTextHTML:  "text/html",
	ContentJSON:      "application/json",
	ContentProtobuf:  "application/x-protobuf",
}

// Value returns the header value; "" for ContentNone, octet-stream for unknown values.
func (c ContentType) Value() string {
	if int(c) >= len(contentTypes) {
		return "application/octet-stream"
	}
	return contentTypes[c]
}

// Ownership tells Release whether a slice goes back to the buffer pool.
type Ownership uint8

const (
	Static Ownership = iota // borrowed; never handed back
	Owned                   // taken from the pool by the handler
)

// ResponseHeader is one extra response header line, written verbatim.
type ResponseHeader struct {
	Key            []byte
	Value          []byte
	KeyOwnership   Ownership
	ValueOwnership Ownership
}

// HandlerFunc produces a response for a request. A non-nil error is answered
// with 500 and the connection is closed.
type HandlerFunc func(req *Request, resp *Response) error

// ErrResponseTooLarge is returned when a rendered response does not fit the destination.
var ErrResponseTooLarge = errors.New("http: response exceeds buffer capacity")

// Response is a structured response. It does not own what its slices point
// to; Release hands back only the slices tagged Owned.
type Response struct {
	StatusCode      int
	ContentType     ContentType
	Headers         []ResponseHeader
	Body            []byte
	BodyOwnership   Ownership
	ConnectionClose bool
}

// Reset clears r for reuse, keeping the header slice capacity.
func (r *Response) Reset() {
	for i := range r.Headers {
		r.Headers[i] = ResponseHeader{}
	}
	r.Headers = r.Headers[:0]
	r.StatusCode = 0
	r.ContentType = ContentNone
	r.Body = nil
	r.BodyOwnership = Static
	r.ConnectionClose = false
}

// SetHeader appends a static header line.
func (r *Response) SetHeader(key, value string) {
	r.Headers = append(r.Headers, ResponseHeader{Key: []byte(key), Value: []byte(value)})
}

// String sets a static text/plain body.
func (r *Response) String(code int, body string) {
	r.StatusCode = code
	r.ContentType = ContentTextPlain
	r.Body = []byte(body)
	r.BodyOwnership = Static
}

// HTML sets a static text/html body.
func (r *Response) HTML(code int, body string) {
	r.String(code, body)
	r.ContentType = ContentTextHTML
}

// MakeError turns r into a close-after-send error response whose body is the reason phrase.
func (r *Response) MakeError(code int) {
	r.Reset()
	r.StatusCode = code
	r.ContentType = ContentTextPlain
	r.Body = []byte(StatusText(code))
	r.ConnectionClose = true
}

// Release hands every Owned slice to put exactly once and clears it.
func (r *Response) Release(put func([]byte)) {
	if r.BodyOwnership == Owned && r.Body != nil {
		put(r.Body)
	}
	r.Body = nil
	r.BodyOwnership = Static

	for i := range r.Headers {
		h := &r.Headers[i]
		if h.KeyOwnership == Owned && h.Key != nil {
			put(h.Key)
		}
		if h.ValueOwnership == Owned && h.Value != nil {
			put(h.Value)
		}
		*h = ResponseHeader{}
	}
	r.Headers = r.Headers[:0]
}

func (r *Response) connectionValue() string {
	if r.ConnectionClose {
		return "close"
	}
	return "keep-alive"
}

// Size returns the exact number of bytes Render will produce.
func (r *Response) Size() int {
	n := len("HTTP/1.1 ") + digits(r.StatusCode) + 1 + len(StatusText(r.StatusCode)) + 2
	n += len("Connection: ") + len(r.connectionValue()) + 2
	for i := range r.Headers {
		n += len(r.Headers[i].Key) + 2 + len(r.Headers[i].Value) + 2
	}
	if ct := r.ContentType.Value(); ct != "" {
		n += len("Content-Type: ") + len(ct) + 2
	}
	n += len("Content-Length: ") + digits(len(r.Body)) + 2
	n += 2 + len(r.Body)
	return n
}

// Render writes the response into dst and returns the bytes used. When the
// response does not fit, dst is left untouched and ErrResponseTooLarge is returned.
func (r *Response) Render(dst []byte) (int, error) {
	size := r.Size()
	if size > len(dst) {
		return 0, ErrResponseTooLarge
	}
	w := flatWriter{buf: dst[:size]}
	if err := r.write(&w); err != nil {
		return 0, err
	}
	return w.n, nil
}

// RenderRing writes the response into rb, all or nothing.
func (r *Response) RenderRing(rb *ring.Ring) (int, error) {
	size := r.Size()
	if size > rb.Free() {
		return 0, ErrResponseTooLarge
	}
	if err := r.write(rb); err != nil {
		return 0, err
	}
	return size, nil
}

type writer interface {
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
}

func (r *Response) write(w writer) error {
	// Space was checked by the caller, so the individual writes cannot fail.
	var num [20]byte

	w.WriteString("HTTP/1.1 ")
	w.Write(strconv.AppendInt(num[:0], int64(r.StatusCode), 10))
	w.WriteString(" ")
	w.WriteString(StatusText(r.StatusCode))
	w.WriteString("\r\nConnection: ")
	w.WriteString(r.connectionValue())
	w.WriteString("\r\n")

	for i := range r.Headers {
		w.Write(r.Headers[i].Key)
		w.WriteString(": ")
		w.Write(r.Headers[i].Value)
		w.WriteString("\r\n")
	}

	if ct := r.ContentType.Value(); ct != "" {
		w.WriteString("Content-Type: ")
		w.WriteString(ct)
		w.WriteString("\r\n")
	}

	w.WriteString("Content-Length: ")
	w.Write(strconv.AppendInt(num[:0], int64(len(r.Body)), 10))
	w.WriteString("\r\n\r\n")

	_, err := w.Write(r.Body)
	return err
}

// flatWriter copies into a slice already sized by Size
type flatWriter struct {
	buf []byte
	n   int
}

func (f *flatWriter) Write(p []byte) (int, error) {
	n := copy(f.buf[f.n:], p)
	f.n += n
	return n, nil
}

func (f *flatWriter) WriteString(s string) (int, error) {
	n := copy(f.buf[f.n:], s)
	f.n += n
	return n, nil
}

func digits(n int) int {
	d := 1
	if n < 0 {
		d++
		n = -n
	}
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}
