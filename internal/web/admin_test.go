package web

import (
	"net/http"
	"testing"
	"time"

	"github.com/studentenathome/sahguard/internal/httpx"
)

func TestAdminRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, nil, Options{})

	rec := ts.do(t, request{method: http.MethodGet, path: "/api/admin/blocks"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d", rec.Code)
	}

	token := ts.login(t, studentEmailAddr, "")
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/admin/blocks", token: token})
	if rec.Code != http.StatusForbidden || decodeBody(t, rec)["code"] != httpx.CodeForbidden {
		t.Errorf("student: status = %d", rec.Code)
	}
}

func TestAdminBlockLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	token := ts.login(t, adminEmailAddr, "")

	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/admin/blocks",
		body:   `{"ip":"198.51.100.4","reason":"spam","duration":"30m"}`,
		token:  token,
		csrf:   ts.csrfToken(t, ""),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create block: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["permanent"] != false || body["remainingSeconds"] != float64(30*60) {
		t.Errorf("created = %v", body)
	}

	ts.clock.Advance(10 * time.Minute)
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/admin/blocks", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	blocks, _ := decodeBody(t, rec)["blocks"].([]any)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %v", blocks)
	}
	first := blocks[0].(map[string]any)
	if first["ip"] != "198.51.100.4" || first["remainingSeconds"] != float64(20*60) {
		t.Errorf("block = %v", first)
	}

	if rec := ts.do(t, request{method: http.MethodGet, path: "/api/health", ip: "198.51.100.4"}); rec.Code != http.StatusForbidden {
		t.Errorf("blocked IP: status = %d", rec.Code)
	}

	rec = ts.do(t, request{method: http.MethodDelete, path: "/api/admin/blocks/198.51.100.4", token: token, csrf: ts.csrfToken(t, "")})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = ts.do(t, request{method: http.MethodDelete, path: "/api/admin/blocks/198.51.100.4", token: token, csrf: ts.csrfToken(t, "")})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", rec.Code)
	}
	if rec := ts.do(t, request{method: http.MethodGet, path: "/api/health", ip: "198.51.100.4"}); rec.Code != http.StatusOK {
		t.Errorf("unblocked IP: status = %d", rec.Code)
	}
}

func TestAdminBlockValidation(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	token := ts.login(t, adminEmailAddr, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad ip", `{"ip":"not-an-ip"}`, http.StatusBadRequest},
		{"bad duration", `{"ip":"198.51.100.4","duration":"soon"}`, http.StatusBadRequest},
		{"negative duration", `{"ip":"198.51.100.4","duration":"-1h"}`, http.StatusBadRequest},
		{"sub-second duration", `{"ip":"198.51.100.4","duration":"1ns"}`, http.StatusBadRequest},
		{"unknown field", `{"ip":"198.51.100.4","forever":true}`, http.StatusBadRequest},
		{"permanent", `{"ip":"198.51.100.5"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, request{
				method: http.MethodPost,
				path:   "/api/admin/blocks",
				body:   tt.body,
				token:  token,
				csrf:   ts.csrfToken(t, ""),
			})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec, ok := ts.Guard().Lookup("198.51.100.5"); !ok || !rec.Permanent {
		t.Errorf("permanent block = %+v, %v", rec, ok)
	}
	if ts.Guard().IsBlocked("198.51.100.4") {
		t.Error("rejected requests must not block")
	}

	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/admin/blocks",
		body:   `{"ip":"198.51.100.6","duration":"1s","reason":"short"}`,
		token:  token,
		csrf:   ts.csrfToken(t, ""),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("1s block: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ip"] != "198.51.100.6" || body["reason"] != "short" || body["remainingSeconds"] != float64(1) {
		t.Errorf("1s block view = %v", body)
	}
}

func TestAdminWhitelist(t *testing.T) {
	cfg := testConfig()
	cfg.Security.Whitelist = []string{"10.1.0.0/16"}
	ts := newTestServer(t, cfg, Options{})
	token := ts.login(t, adminEmailAddr, "")

	ts.Guard().Block("198.51.100.8", "spam", time.Hour)

	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/admin/whitelist",
		body:   `{"ip":"198.51.100.8"}`,
		token:  token,
		csrf:   ts.csrfToken(t, ""),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("whitelist: status = %d", rec.Code)
	}
	if ts.Guard().IsBlocked("198.51.100.8") {
		t.Error("whitelisting should lift the block")
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/api/admin/whitelist", token: token})
	list, _ := decodeBody(t, rec)["whitelist"].([]any)
	if len(list) != 2 || list[0] != "198.51.100.8" || list[1] != "10.1.0.0/16" {
		t.Errorf("whitelist = %v", list)
	}

	rec = ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/admin/blocks",
		body:   `{"ip":"198.51.100.8"}`,
		token:  token,
		csrf:   ts.csrfToken(t, ""),
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("block whitelisted: status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, request{method: http.MethodDelete, path: "/api/admin/whitelist/198.51.100.8", token: token, csrf: ts.csrfToken(t, "")})
	if rec.Code != http.StatusNoContent {
		t.Errorf("remove: status = %d", rec.Code)
	}
	rec = ts.do(t, request{method: http.MethodDelete, path: "/api/admin/whitelist/198.51.100.8", token: token, csrf: ts.csrfToken(t, "")})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second remove: status = %d", rec.Code)
	}
}

func TestAdminViolations(t *testing.T) {
	ts := newTestServer(t, nil, Options{})
	token := ts.login(t, adminEmailAddr, "")

	ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   `{"email":"student@example.com","password":"nope"}`,
		ip:     "198.51.100.20",
	})

	rec := ts.do(t, request{method: http.MethodGet, path: "/api/admin/violations/198.51.100.20", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	violations, _ := decodeBody(t, rec)["violations"].([]any)
	if len(violations) != 1 || violations[0].(map[string]any)["type"] != "failedLogin" {
		t.Errorf("violations = %v", violations)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/api/admin/violations/nope", token: token})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad ip: status = %d", rec.Code)
	}
}
