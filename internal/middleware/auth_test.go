package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/boleia/backend/internal/auth"
	"github.com/boleia/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	principal *auth.Principal
	err       error
	gotToken  string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Principal, error) {
	s.gotToken = token
	return s.principal, s.err
}

// okHandler writes 200 and the caller's user id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if p := PrincipalFromCtx(r.Context()); p != nil {
		w.Write([]byte(p.UserID.String()))
	}
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBearerAuth_ValidToken(t *testing.T) {
	p := &auth.Principal{UserID: uuid.New(), Roles: []models.Role{models.RolePassenger}}
	v := &stubValidator{principal: p}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	BearerAuth(v)(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != p.UserID.String() {
		t.Fatalf("principal not propagated, body %q", rec.Body.String())
	}
	if v.gotToken != "abc.def.ghi" {
		t.Fatalf("token = %q", v.gotToken)
	}
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	BearerAuth(&stubValidator{})(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	BearerAuth(&stubValidator{err: errors.New("bad")})(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuth_WebsocketQueryToken(t *testing.T) {
	v := &stubValidator{principal: &auth.Principal{UserID: uuid.New()}}
	req := httptest.NewRequest(http.MethodGet, "/realtime?access_token=qs-token", nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	BearerAuth(v)(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || v.gotToken != "qs-token" {
		t.Fatalf("expected query token to be used, code %d token %q", rec.Code, v.gotToken)
	}
}

func TestBearerAuth_QueryTokenIgnoredForPlainRequests(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/wallet?access_token=qs-token", nil)
	rec := httptest.NewRecorder()
	BearerAuth(&stubValidator{principal: &auth.Principal{}})(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestResolveRole(t *testing.T) {
	p := &auth.Principal{UserID: uuid.New(), Roles: []models.Role{models.RoleDriver, models.RolePassenger}}
	if r, err := ResolveRole(p, ""); err != nil || r != models.RoleDriver {
		t.Fatalf("default role = %s, %v", r, err)
	}
	if r, err := ResolveRole(p, "passenger"); err != nil || r != models.RolePassenger {
		t.Fatalf("explicit role = %s, %v", r, err)
	}
	passengerOnly := &auth.Principal{UserID: uuid.New(), Roles: []models.Role{models.RolePassenger}}
	if _, err := ResolveRole(passengerOnly, "driver"); !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}
}
