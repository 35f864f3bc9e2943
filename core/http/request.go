package http

import (
	"bytes"

	"golang.org/x/net/http/httpguts"
)

// Method is the parsed request method
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodDelete
	MethodHead
	MethodOptions
	MethodPatch
)

var methodNames = [...]string{
	MethodUnknown: "UNKNOWN",
	MethodGet:     "GET",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodHead:    "HEAD",
	MethodOptions: "OPTIONS",
	MethodPatch:   "PATCH",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return methodNames[MethodUnknown]
}

// ParseMethod maps a method token to its enum. Methods are matched case-insensitively.
func ParseMethod(token []byte) Method {
	for m := MethodGet; m <= MethodPatch; m++ {
		if len(token) == len(methodNames[m]) && bytes.EqualFold(token, []byte(methodNames[m])) {
			return m
		}
	}
	return MethodUnknown
}

// Header is a request header. Key and Value alias the connection read buffer.
type Header struct {
	Key   []byte
	Value []byte
}

// Param is a route parameter captured by the router (:name or *name)
type Param struct {
	Key   string
	Value string
}

// maxParams bounds route parameters per request
const maxParams = 8

// Request is a zero-copy view of one parsed request.
//
// Every byte slice (and every Param value) points into the connection's read
// buffer. A Request is only valid while its handler runs: the connection calls
// Release before the buffer is compacted for the next pipelined request, and
// from then on all views are empty. Handlers that need data afterwards must
// copy it.
type Request struct {
	Method    Method
	RawMethod []byte
	Path      []byte // without query
	Query     []byte // raw query after '?', nil if none
	Version   [2]byte
	Headers   []Header
	Body      []byte

	ContentLength int

	headerBuf  []Header
	params     [maxParams]Param
	paramCount int
}

// NewRequest allocates a request view that retains at most maxHeaders headers.
func NewRequest(maxHeaders int) *Request {
	if maxHeaders <= 0 {
		maxHeaders = 1
	}
	r := &Request{headerBuf: make([]Header, maxHeaders)}
	r.Headers = r.headerBuf[:0]
	return r
}

// MaxHeaders returns how many headers this view can retain.
func (r *Request) MaxHeaders() int {
	return len(r.headerBuf)
}

// Header returns the first value for key (case-insensitive), or nil.
func (r *Request) Header(key string) []byte {
	for i := range r.Headers {
		h := &r.Headers[i]
		if len(h.Key) == len(key) && bytes.EqualFold(h.Key, []byte(key)) {
			return h.Value
		}
	}
	return nil
}

// Proto returns "HTTP/x.y" (allocates; intended for logging).
func (r *Request) Proto() string {
	return "HTTP/" + string(r.Version[0]) + "." + string(r.Version[1])
}

// WantsClose reports whether the client asked for the connection to end
// after this exchange: "Connection: close" on any Connection line, or
// HTTP/1.0 without keep-alive.
func (r *Request) WantsClose() bool {
	var buf [4]string
	conn := buf[:0]
	for i := range r.Headers {
		h := &r.Headers[i]
		if len(h.Key) == len(HeaderConnection) && bytes.EqualFold(h.Key, []byte(HeaderConnection)) {
			conn = append(conn, unsafeString(h.Value))
		}
	}
	if len(conn) > 0 {
		if httpguts.HeaderValuesContainsToken(conn, "close") {
			return true
		}
		if httpguts.HeaderValuesContainsToken(conn, "keep-alive") {
			return false
		}
	}
	return r.Version[0] == '1' && r.Version[1] == '0'
}

// SetParam records a route parameter. Extra parameters beyond the fixed
// capacity are dropped.
func (r *Request) SetParam(key, value string) {
	if r.paramCount < maxParams {
		r.params[r.paramCount] = Param{Key: key, Value: value}
		r.paramCount++
	}
}

// Param returns a route parameter or "".
func (r *Request) Param(key string) string {
	for i := 0; i < r.paramCount; i++ {
		if r.params[i].Key == key {
			return r.params[i].Value
		}
	}
	return ""
}

// Params returns the captured route parameters.
func (r *Request) Params() []Param {
	return r.params[:r.paramCount]
}

// Release ends the lifetime of the view. The connection calls it before the
// underlying buffer is reused.
func (r *Request) Release() {
	for i := range r.Headers {
		r.Headers[i] = Header{}
	}
	for i := 0; i < r.paramCount; i++ {
		r.params[i] = Param{}
	}
	r.Method = MethodUnknown
	r.RawMethod = nil
	r.Path = nil
	r.Query = nil
	r.Version = [2]byte{}
	r.Headers = r.headerBuf[:0]
	r.Body = nil
	r.ContentLength = 0
	r.paramCount = 0
}
