package csrf

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studentenathome/sahguard/internal/defense"
)

type recordedViolation struct {
	ip string
	vt defense.ViolationType
}

type fakeRecorder struct {
	calls []recordedViolation
}

func (f *fakeRecorder) RecordViolation(ip string, vt defense.ViolationType, details string) defense.Decision {
	f.calls = append(f.calls, recordedViolation{ip: ip, vt: vt})
	return defense.Decision{}
}

func newTestProtector() (*Protector, *Store, *fakeRecorder) {
	store, _ := newTestStore(0)
	rec := &fakeRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProtector(store, rec, []string{"/api/auth/login"}, logger), store, rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if token != "" {
		req.Header.Set(HeaderName, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestMiddleware_SafeMethodsPass(t *testing.T) {
	p, _, _ := newTestProtector()
	h := p.Middleware(okHandler())
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		if rec := serve(h, m, "/api/posts", ""); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", m, rec.Code)
		}
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	p, _, recorder := newTestProtector()
	rec := serve(p.Middleware(okHandler()), http.MethodPost, "/api/posts", "")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "CSRF_MISSING" {
		t.Errorf("code = %q, want CSRF_MISSING", code)
	}
	if len(recorder.calls) != 0 {
		t.Error("missing token should not be recorded as a violation")
	}
}

func TestMiddleware_InvalidTokenRecordsViolation(t *testing.T) {
	p, _, recorder := newTestProtector()
	rec := serve(p.Middleware(okHandler()), http.MethodDelete, "/api/posts/1", "forged")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "CSRF_INVALID" {
		t.Errorf("code = %q, want CSRF_INVALID", code)
	}
	if len(recorder.calls) != 1 || recorder.calls[0].ip != "10.0.0.5" || recorder.calls[0].vt != defense.ViolationCSRF {
		t.Errorf("recorded violations = %+v", recorder.calls)
	}
}

func TestMiddleware_ValidTokenRotates(t *testing.T) {
	p, store, _ := newTestProtector()
	h := p.Middleware(okHandler())
	token, _ := store.Issue()

	rec := serve(h, http.MethodPost, "/api/posts", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	fresh := rec.Header().Get(HeaderName)
	if fresh == "" || fresh == token {
		t.Fatalf("rotated token = %q", fresh)
	}

	if replay := serve(h, http.MethodPost, "/api/posts", token); replay.Code != http.StatusForbidden {
		t.Errorf("replayed token status = %d, want 403", replay.Code)
	}
	if next := serve(h, http.MethodPost, "/api/posts", fresh); next.Code != http.StatusOK {
		t.Errorf("rotated token status = %d, want 200", next.Code)
	}
}

func TestMiddleware_ExemptPath(t *testing.T) {
	p, _, _ := newTestProtector()
	if rec := serve(p.Middleware(okHandler()), http.MethodPost, "/api/auth/login", ""); rec.Code != http.StatusOK {
		t.Errorf("exempt path status = %d, want 200", rec.Code)
	}
}

func TestHandleToken(t *testing.T) {
	p, store, _ := newTestProtector()
	rec := httptest.NewRecorder()
	p.HandleToken(rec, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Token == "" || rec.Header().Get(HeaderName) != body.Token {
		t.Errorf("token body = %q, header = %q", body.Token, rec.Header().Get(HeaderName))
	}
	if want := int(store.TTL() / time.Second); body.ExpiresIn != want {
		t.Errorf("expiresIn = %d, want %d", body.ExpiresIn, want)
	}
	if !store.Verify(body.Token) {
		t.Error("served token does not verify")
	}
}

func TestRequireXHR(t *testing.T) {
	h := RequireXHR(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status without header = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/contact", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with header = %d, want 200", rec.Code)
	}
}
