package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/cardrewards/ledger/internal/services"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewIngressLimiter builds a per-client limiter from a formatted rate such as "100-S".
func NewIngressLimiter(formatted string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	return limiter.New(memory.NewStore(), rate), nil
}

// RateLimit throttles requests per client IP before they reach the ledger.
func RateLimit(lim *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			ctx, err := lim.Get(r.Context(), ip)
			if err != nil {
				log.Printf("[HTTP] rate limit lookup failed for %s: %v", ip, err)
				services.SendErrorResponse(w, services.KindInfrastructure, "Rate limit check failed", http.StatusServiceUnavailable, nil)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(ctx.Reset, 10))

			if ctx.Reached {
				log.Printf("[HTTP] rate limit exceeded for %s (limit %d)", ip, ctx.Limit)
				services.SendErrorResponse(w, services.KindRateExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
