package observability

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/paypal-express/internal/platform/requestctx"
)

// CloudTraceHeader is the propagation header set by Google front ends.
const CloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/hanko-field/paypal-express/internal/platform/observability")

// Trace continues any incoming Cloud Trace context, opens a server span and
// records the trace ids on the request context.
func Trace(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := ParseCloudTrace(r.Header.Get(CloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{ProjectID: projectID, Sampled: sc.IsSampled()}
			if sc.HasTraceID() {
				info.TraceID = sc.TraceID().String()
			}
			if sc.HasSpanID() {
				info.SpanID = sc.SpanID().String()
			}
			if info.TraceID != "" && info.SpanID != "" {
				w.Header().Set(CloudTraceHeader, formatCloudTrace(info))
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

// ParseCloudTrace decodes "TRACE_ID/SPAN_ID;o=OPTIONS". The span id is a
// decimal uint64 as documented by Google; 16 hex digits are accepted too.
func ParseCloudTrace(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, found := strings.Cut(header, "/")
	if !found {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.TrimSpace(traceHex))
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanRaw, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanRaw))
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(raw string) (trace.SpanID, bool) {
	if raw == "" {
		return trace.SpanID{}, false
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], n)
		return id, id.IsValid()
	}
	if len(raw) == 16 {
		id, err := trace.SpanIDFromHex(raw)
		return id, err == nil
	}
	return trace.SpanID{}, false
}

func formatCloudTrace(info requestctx.TraceInfo) string {
	option := 0
	if info.Sampled {
		option = 1
	}
	return fmt.Sprintf("%s/%s;o=%d", info.TraceID, info.SpanID, option)
}
