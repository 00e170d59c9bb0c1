package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and spans for every
// request passing through an okapi group.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := RouteLabel(r.URL.Path)

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			}

			return err
		}
	}
}

// RouteLabel collapses identifiers in a request path so metric label
// cardinality stays bounded: /v1/sandboxes/abc becomes /v1/sandboxes/:id.
func RouteLabel(path string) string {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if parts[i-1] == "sandboxes" && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	if out := strings.Join(parts, "/"); out != "" {
		return out
	}
	return "/"
}
