package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"lanrelay/internal/constants"
)

// RateLimiter configures a per-client-IP request budget; RateLimitMiddleware turns it
// into the actual chi/httprate wrapper.
type RateLimiter struct {
	limit  int
	window time.Duration
}

// NewRateLimiter builds a RateLimiter allowing limit requests per window,
// per resolved client IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

// RateLimitMiddleware wraps a handler with limiter's per-IP request budget,
// replying 429 with a Retry-After header once it's exceeded. A nil
// ipResolver falls back to one that trusts no proxy.
func RateLimitMiddleware(limiter *RateLimiter, ipResolver *ClientIPResolver) func(http.Handler) http.Handler {
	if ipResolver == nil {
		ipResolver, _ = NewClientIPResolver(nil)
	}
	retryAfter := strconv.Itoa(retryAfterSeconds(limiter.window))

	return httprate.Limit(
		limiter.limit,
		limiter.window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return ipResolver.Resolve(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, constants.ErrCodeRateLimited, "")
		}),
	)
}

// retryAfterSeconds rounds a window up to a whole-second Retry-After value,
// never advertising less than one second.
func retryAfterSeconds(window time.Duration) int {
	if seconds := int(math.Ceil(window.Seconds())); seconds >= 1 {
		return seconds
	}
	return 1
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}
