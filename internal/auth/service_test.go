package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/boleia/backend/internal/models"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret")
	user := uuid.New()

	tok, err := svc.IssueToken(user, []models.Role{models.RoleDriver, models.RolePassenger}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	p, err := svc.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if p.UserID != user {
		t.Fatalf("user = %s, want %s", p.UserID, user)
	}
	if p.DefaultRole() != models.RoleDriver || !p.HasRole(models.RolePassenger) {
		t.Fatalf("unexpected roles %v", p.Roles)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	tok, err := NewService("a").IssueToken(uuid.New(), []models.Role{models.RolePassenger}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("b").ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	s := &service{secret: []byte("k"), now: func() time.Time { return time.Now().Add(-48 * time.Hour) }}
	tok, err := s.IssueToken(uuid.New(), nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("k").ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	c := claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, c).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("k").ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected HS512 token to be rejected, got %v", err)
	}
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	if _, err := NewService("k").IssueToken(uuid.New(), []models.Role{"admin"}, 0); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestPrincipal_DefaultRoleWithoutClaims(t *testing.T) {
	p := &Principal{UserID: uuid.New()}
	if p.DefaultRole() != models.RolePassenger {
		t.Fatalf("default role = %s", p.DefaultRole())
	}
}
