// Package middleware carries the cross-cutting HTTP concerns: request id
// propagation, panic recovery into the standard error envelope, and the
// per-owner submission rate limit.
package middleware

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestID attaches a request id to the context and response. An inbound
// X-Request-ID is trusted and propagated; otherwise one is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.ContextWithRequestID(r.Context(), id)))
	})
}

// Recovery converts panics into an INTERNAL_ERROR envelope instead of a
// dropped connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec))
					apperrors.RespondWithCode(w, r, apperrors.CodeInternal,
						fmt.Sprintf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// OwnerLimiter rate-limits expensive operations per owner identity.
type OwnerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewOwnerLimiter(perSecond float64, burst int) *OwnerLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &OwnerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the owner may proceed right now.
func (l *OwnerLimiter) Allow(owner string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[owner]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[owner] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Limit guards a handler with the per-owner limiter, keyed on the trusted
// owner header.
func (l *OwnerLimiter) Limit(ownerHeader string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(ownerHeader)
		if owner != "" && !l.Allow(owner) {
			apperrors.RespondWithCode(w, r, apperrors.CodeResourceUnavailable,
				"submission rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
