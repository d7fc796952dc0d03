package diagnostics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/miradorstack/mirador-sre/internal/utils"
)

const testSecret = "diagnostics-test-secret"

func newRouter(enabled bool, auth Authorizer) *mux.Router {
	router := mux.NewRouter()
	NewHandler(enabled, auth, utils.DiscardLogger()).Register(router)
	return router
}

func get(t *testing.T, router http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func mustToken(t *testing.T, secret, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := IssueToken(secret, "operator", role, ttl)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestDiagnosticsGate(t *testing.T) {
	admin := mustToken(t, testSecret, "admin", time.Minute)
	viewer := mustToken(t, testSecret, "viewer", time.Minute)
	forged := mustToken(t, "other-secret", "admin", time.Minute)
	expired := mustToken(t, testSecret, "admin", -time.Minute)

	cases := []struct {
		name    string
		enabled bool
		auth    Authorizer
		bearer  string
		want    int
	}{
		{"disabled", false, NewJWTAuthorizer(testSecret), admin, http.StatusForbidden},
		{"no credentials", true, NewJWTAuthorizer(testSecret), "", http.StatusUnauthorized},
		{"garbage token", true, NewJWTAuthorizer(testSecret), "not-a-jwt", http.StatusUnauthorized},
		{"wrong signature", true, NewJWTAuthorizer(testSecret), forged, http.StatusUnauthorized},
		{"expired", true, NewJWTAuthorizer(testSecret), expired, http.StatusUnauthorized},
		{"wrong role", true, NewJWTAuthorizer(testSecret), viewer, http.StatusForbidden},
		{"nil authorizer", true, nil, admin, http.StatusForbidden},
		{"empty secret", true, NewJWTAuthorizer(""), admin, http.StatusForbidden},
		{"authorizer error", true, AuthorizerFunc(func(*http.Request) (Decision, error) {
			return Allow, errors.New("backend unavailable")
		}), admin, http.StatusForbidden},
		{"admin", true, NewJWTAuthorizer(testSecret), admin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, newRouter(tc.enabled, tc.auth), PathPrefix+"/goroutines", tc.bearer)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGoroutineEndpointReturnsDump(t *testing.T) {
	router := newRouter(true, NewJWTAuthorizer(testSecret))
	rec := get(t, router, PathPrefix+"/goroutines", mustToken(t, testSecret, "admin", time.Minute))
	if !strings.Contains(rec.Body.String(), "goroutine ") {
		t.Fatalf("expected goroutine dump, got %q", rec.Body.String())
	}
}

func TestHeapAndTraceEndpoints(t *testing.T) {
	router := newRouter(true, NewJWTAuthorizer(testSecret))
	token := mustToken(t, testSecret, "admin", time.Minute)

	if rec := get(t, router, PathPrefix+"/heap", token); rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("heap: status %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if rec := get(t, router, PathPrefix+"/trace?seconds=0.05", token); rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("trace: status %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if rec := get(t, router, PathPrefix+"/trace?seconds=-1", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", rec.Code)
	}
}
