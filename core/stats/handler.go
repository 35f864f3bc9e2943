package stats

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/pools"
)

var protobufMedia = []byte("application/x-protobuf")

var classNames = [...]string{"other", "1xx", "2xx", "3xx", "4xx", "5xx"}

// Fields flattens the snapshot into a structpb-compatible map.
func (s Snapshot) Fields() map[string]any {
	responses := make(map[string]any, len(s.Responses))
	for i, n := range s.Responses {
		responses[classNames[i]] = n
	}

	latency := make(map[string]any, len(s.Latency))
	for i, n := range s.Latency {
		key := "inf"
		if i < len(latencyBounds) {
			key = "le_" + latencyBounds[i].String()
		}
		latency[key] = n
	}

	return map[string]any{
		"uptime_seconds": s.Uptime.Seconds(),
		"connections": map[string]any{
			"accepted":      s.Accepted,
			"active":        s.Active,
			"closed":        s.Closed,
			"timed_out":     s.TimedOut,
			"rejected":      s.Rejected,
			"accept_errors": s.AcceptErrors,
			"io_errors":     s.IOErrors,
		},
		"requests": map[string]any{
			"total":          s.Requests,
			"handler_errors": s.HandlerErrors,
			"responses":      responses,
			"avg_latency_us": s.AvgLatency.Microseconds(),
			"latency":        latency,
		},
	}
}

// Struct converts the snapshot plus any extra fields into a protobuf Struct.
func (s Snapshot) Struct(extra map[string]any) (*structpb.Struct, error) {
	fields := s.Fields()
	for k, v := range extra {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

// Handler serves the monitor's snapshot. The body is JSON unless the Accept
// header names application/x-protobuf, in which case it is the binary
// encoding of a google.protobuf.Struct. extra, if not nil, adds fields owned
// by the caller (it runs on the reactor goroutine). The body buffer comes
// from pool and is handed back through Response.Release.
func Handler(m *Monitor, pool *pools.BytePool, extra func() map[string]any) http.HandlerFunc {
	return func(req *http.Request, resp *http.Response) error {
		var more map[string]any
		if extra != nil {
			more = extra()
		}
		msg, err := m.Snapshot().Struct(more)
		if err != nil {
			return fmt.Errorf("stats: build struct: %w", err)
		}

		buf := pool.Get(2048)[:0]
		var out []byte
		if bytes.Contains(req.Header(http.HeaderAccept), protobufMedia) {
			out, err = proto.MarshalOptions{Deterministic: true}.MarshalAppend(buf, msg)
			resp.ContentType = http.ContentProtobuf
		} else {
			out, err = protojson.MarshalOptions{}.MarshalAppend(buf, msg)
			resp.ContentType = http.ContentJSON
		}
		if err != nil {
			pool.Put(buf)
			return fmt.Errorf("stats: encode: %w", err)
		}
		if cap(out) != cap(buf) {
			// outgrew the pooled buffer; out is GC-owned now
			pool.Put(buf)
		}

		resp.StatusCode = http.StatusOK
		resp.Body = out
		resp.BodyOwnership = http.Owned
		resp.SetHeader("Cache-Control", "no-store")
		return nil
	}
}
