package defense

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/studentenathome/sahguard/internal/httpx"
)

// blockedMessage is the error text returned to blocked clients.
const blockedMessage = "Access denied. Your IP address has been blocked."

// Gate rejects requests from blocked IPs before any other handling.
type Gate struct {
	guard  *Guard
	logger *slog.Logger
	// rejectLog samples rejection logs; a blocked client may retry in a loop.
	rejectLog rate.Sometimes
}

// NewGate creates the blocking middleware for guard.
func NewGate(guard *Guard, logger *slog.Logger) *Gate {
	return &Gate{
		guard:     guard,
		logger:    logger,
		rejectLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Middleware returns 403 IP_BLOCKED for blocked clients and passes
// everyone else through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpx.ClientIP(r)
		rec, blocked := g.guard.Lookup(ip)
		if !blocked {
			next.ServeHTTP(w, r)
			return
		}

		g.rejectLog.Do(func() {
			g.logger.Info("Rejected request from blocked IP",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
				"reason", rec.Reason,
			)
		})

		var expiresAt any
		if rec.ExpiresAt != nil {
			expiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
		}
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeIPBlocked, blockedMessage, map[string]any{
			"reason":    rec.Reason,
			"expiresAt": expiresAt,
			"permanent": rec.Permanent,
		})
	})
}
