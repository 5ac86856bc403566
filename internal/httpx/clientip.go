package httpx

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const clientIPKey contextKey = "client_ip"

// TrustedProxies decides whether forwarded headers can be believed.
// It is immutable after construction and safe for concurrent use.
type TrustedProxies struct {
	nets []*net.IPNet
	ips  []net.IP
}

// NewTrustedProxies parses a list of IPs and CIDR ranges. Invalid entries are
// skipped; config validation rejects them earlier.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				tp.nets = append(tp.nets, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			tp.ips = append(tp.ips, ip)
		}
	}
	return tp
}

// IsTrusted reports whether addr (an IP or host:port) is a trusted proxy.
func (tp *TrustedProxies) IsTrusted(addr string) bool {
	if tp == nil || (len(tp.nets) == 0 && len(tp.ips) == 0) {
		return false
	}
	ip := ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, trusted := range tp.ips {
		if trusted.Equal(ip) {
			return true
		}
	}
	for _, network := range tp.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client IP for r. Forwarded headers are used only when
// the direct peer is trusted; the result is always a bare, normalized IP
// when one can be parsed.
func (tp *TrustedProxies) Resolve(r *http.Request) string {
	direct := r.RemoteAddr
	if !tp.IsTrusted(direct) {
		return NormalizeIP(direct)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return NormalizeIP(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return NormalizeIP(xri)
	}
	return NormalizeIP(direct)
}

// Middleware resolves the client IP once and stores it in the request context.
func (tp *TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, tp.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the IP stored by Middleware, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return NormalizeIP(r.RemoteAddr)
}

// ParseIP accepts an IP or host:port.
func ParseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(strings.TrimSpace(addr))
}

// NormalizeIP strips any port and returns the canonical text form of the IP.
// Unparsable input is returned trimmed, so it still works as a map key.
func NormalizeIP(addr string) string {
	if ip := ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return strings.TrimSpace(addr)
}
