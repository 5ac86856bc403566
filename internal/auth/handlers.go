package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/studentenathome/sahguard/internal/httpx"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse describes an issued or current session.
type SessionResponse struct {
	Token     string    `json:"token,omitempty"`
	UserID    int64     `json:"userId"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"isAdmin"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newSessionResponse(p *Principal, withToken bool) SessionResponse {
	resp := SessionResponse{
		UserID:    p.UserID,
		Email:     p.Email,
		IsAdmin:   p.IsAdmin,
		IssuedAt:  p.IssuedAt,
		ExpiresAt: p.ExpiresAt,
	}
	if withToken {
		resp.Token = p.Token
	}
	return resp
}

func setSessionCookie(w http.ResponseWriter, p *Principal) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    p.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  p.ExpiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// HandleLogin handles POST /api/auth/login.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest,
			"Email and password are required", nil)
		return
	}

	p, err := s.Login(r.Context(), httpx.ClientIP(r), req.Email, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidCredentials,
			"Invalid email or password", nil)
		return
	case err != nil:
		s.logger.Error("Login failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal,
			"Login failed", nil)
		return
	}

	setSessionCookie(w, p)
	httpx.WriteJSON(w, http.StatusOK, newSessionResponse(p, true))
}

// HandleLogout handles POST /api/auth/logout. It always clears the cookie
// and succeeds; a missing or unusable token is not an error here.
func (s *Service) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if raw := TokenFromRequest(r); raw != "" {
		if err := s.Revoke(r.Context(), raw); err != nil {
			s.logger.Debug("Logout with unusable token", "error", err)
		}
	}
	clearSessionCookie(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleRenew handles POST /api/auth/renew. It requires an authenticated
// request.
func (s *Service) HandleRenew(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeAuthRequired,
			"Authentication required", nil)
		return
	}
	fresh, err := s.Renew(r.Context(), p)
	if err != nil {
		s.logger.Error("Session renewal failed", "user_id", p.UserID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal,
			"Session renewal failed", nil)
		return
	}
	setSessionCookie(w, fresh)
	httpx.WriteJSON(w, http.StatusOK, newSessionResponse(fresh, true))
}

// HandleSession handles GET /api/auth/session.
func (s *Service) HandleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeAuthRequired,
			"Authentication required", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newSessionResponse(p, false))
}
