package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
)

type contextKey struct{}

func withPrincipal(ctx context.Context, ref models.PrincipalRef) context.Context {
	return context.WithValue(ctx, contextKey{}, ref)
}

// PrincipalFrom returns the principal authenticated by requireAccess.
func PrincipalFrom(ctx context.Context) (models.PrincipalRef, bool) {
	ref, ok := ctx.Value(contextKey{}).(models.PrincipalRef)
	return ref, ok
}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || bearer == "" {
			writeError(w, s.logger, autherr.ErrMalformedToken)
			return
		}

		_, principal, err := s.tokens.ParseAccess(bearer)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// logRequests records method, route pattern, status and latency. Bodies and headers are
// never logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		telemetry.HTTPRequestDurationSeconds.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(duration.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func deviceFrom(r *http.Request, deviceID string) models.Device {
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	return models.Device{ID: deviceID, UserAgent: r.UserAgent()}
}
