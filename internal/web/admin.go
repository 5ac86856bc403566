package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/studentenathome/sahguard/internal/auth"
	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/httpx"
	"github.com/studentenathome/sahguard/internal/logging"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Blocks     int    `json:"blocks"`
	Violations int    `json:"violations"`
	CSRFTokens int    `json:"csrfTokens"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Blocks:     s.guard.Registry().Len(),
		Violations: s.guard.Tracker().Len(),
		CSRFTokens: s.csrfStore.Len(),
	})
}

// BlockView is a block as returned by the admin API.
type BlockView struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blockedAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Permanent bool       `json:"permanent"`
	// RemainingSeconds is omitted for permanent blocks.
	RemainingSeconds *int64 `json:"remainingSeconds,omitempty"`
}

func newBlockView(rec defense.BlockRecord) BlockView {
	v := BlockView{
		IP:        rec.IP,
		Reason:    rec.Reason,
		BlockedAt: rec.BlockedAt,
		ExpiresAt: rec.ExpiresAt,
		Permanent: rec.Permanent,
	}
	if rec.RemainingTime != nil {
		secs := int64(rec.RemainingTime.Round(time.Second) / time.Second)
		v.RemainingSeconds = &secs
	}
	return v
}

// BlockRequest is the body of POST /api/admin/blocks.
type BlockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	// Duration is a Go duration string; empty or "0" blocks permanently.
	Duration string `json:"duration"`
}

// WhitelistRequest is the body of POST /api/admin/whitelist.
type WhitelistRequest struct {
	IP string `json:"ip"`
}

// adminEmail names the acting administrator in logs.
func adminEmail(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Email
	}
	return ""
}

// ipParam reads and normalizes the {ip} URL parameter. It writes a 400
// and returns "" when the parameter is not an IP address.
func ipParam(w http.ResponseWriter, r *http.Request) string {
	raw := chi.URLParam(r, "ip")
	if httpx.ParseIP(raw) == nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "Invalid IP address", nil)
		return ""
	}
	return httpx.NormalizeIP(raw)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	records := s.guard.List()
	views := make([]BlockView, 0, len(records))
	for _, rec := range records {
		views = append(views, newBlockView(rec))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"blocks": views})
}

// minBlockDuration is the shortest temporary block an administrator can set.
const minBlockDuration = time.Second

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	if httpx.ParseIP(req.IP) == nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "Invalid IP address", nil)
		return
	}
	ip := httpx.NormalizeIP(req.IP)

	var duration time.Duration
	if d := strings.TrimSpace(req.Duration); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed < 0 {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "Invalid duration", nil)
			return
		}
		if parsed > 0 && parsed < minBlockDuration {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "Duration must be at least 1s", nil)
			return
		}
		duration = parsed
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Blocked by administrator"
	}

	if err := s.guard.Block(ip, reason, duration); err != nil {
		if errors.Is(err, defense.ErrWhitelisted) {
			httpx.WriteError(w, http.StatusConflict, httpx.CodeBadRequest, "IP address is whitelisted", nil)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "Failed to block IP", nil)
		return
	}
	logging.Security().Info("Manual block applied", "ip", ip, "admin", adminEmail(r))

	rec, ok := s.guard.Lookup(ip)
	if !ok {
		// Already lapsed; report what was applied.
		rec = defense.BlockRecord{IP: ip, Reason: reason, Permanent: duration == 0}
	}
	if !rec.Permanent {
		rec.RemainingTime = &duration
	}
	httpx.WriteJSON(w, http.StatusCreated, newBlockView(rec))
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	ip := ipParam(w, r)
	if ip == "" {
		return
	}
	if !s.guard.Unblock(ip) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "IP address is not blocked", nil)
		return
	}
	logging.Security().Info("Manual unblock", "ip", ip, "admin", adminEmail(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	ip := ipParam(w, r)
	if ip == "" {
		return
	}
	rec := s.guard.Violations(ip)
	if rec.Violations == nil {
		rec.Violations = []defense.Violation{}
	}
	rec.IP = ip
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"whitelist": s.guard.Registry().Whitelist()})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	if httpx.ParseIP(req.IP) == nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "Invalid IP address", nil)
		return
	}
	ip := httpx.NormalizeIP(req.IP)
	s.guard.Whitelist(ip)
	logging.Security().Info("IP whitelisted by administrator", "ip", ip, "admin", adminEmail(r))
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"ip": ip})
}

func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	ip := ipParam(w, r)
	if ip == "" {
		return
	}
	if !s.guard.RemoveFromWhitelist(ip) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "IP address is not whitelisted", nil)
		return
	}
	logging.Security().Info("IP removed from whitelist", "ip", ip, "admin", adminEmail(r))
	w.WriteHeader(http.StatusNoContent)
}
