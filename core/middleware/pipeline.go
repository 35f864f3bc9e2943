package middleware

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/searchktools/loom/core/http"
)

// Middleware wraps a handler. Middlewares run on the reactor goroutine, so
// they must not block and need no locking between themselves.
type Middleware func(next http.HandlerFunc) http.HandlerFunc

// Pipeline is an ordered middleware chain applied to handlers at
// registration time; nothing is composed per request.
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]Middleware, 0, 8),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(mw ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, mw...)
	return p
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Then wraps h so that the first middleware added runs first.
func (p *Pipeline) Then(h http.HandlerFunc) http.HandlerFunc {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// Common middleware implementations

// Recovery turns a handler panic into an error, which the connection answers
// with 500 instead of taking the event loop down.
func Recovery() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic recovered: %v", r)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(req, resp)
		}
	}
}

// CORS adds permissive CORS headers and answers preflight requests itself.
func CORS() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) error {
			if req.Method == http.MethodOptions {
				resp.StatusCode = http.StatusNoContent
			} else if err := next(req, resp); err != nil {
				return err
			}
			resp.SetHeader("Access-Control-Allow-Origin", "*")
			resp.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			resp.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")
			return nil
		}
	}
}

// RateLimiter allows requestsPerSecond requests per one-second window and
// answers the rest with 503.
func RateLimiter(requestsPerSecond int) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		tokens := requestsPerSecond
		lastRefill := time.Now()

		return func(req *http.Request, resp *http.Response) error {
			now := time.Now()
			if now.Sub(lastRefill) >= time.Second {
				tokens = requestsPerSecond
				lastRefill = now
			}

			if tokens > 0 {
				tokens--
				return next(req, resp)
			}

			resp.String(http.StatusServiceUnavailable, "rate limit exceeded")
			resp.ConnectionClose = true
			return nil
		}
	}
}

// RequestID numbers responses with an X-Request-ID header.
func RequestID() Middleware {
	var counter uint64

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) error {
			counter++
			err := next(req, resp)
			resp.SetHeader("X-Request-ID", strconv.FormatUint(counter, 10))
			return err
		}
	}
}
