// Package auth validates the bearer tokens issued by the identity service.
// Sign-up and login live there; this backend only checks tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/boleia/backend/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

const DefaultTokenTTL = 24 * time.Hour

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Roles  []models.Role
}

// HasRole reports whether the caller may act with role.
func (p *Principal) HasRole(role models.Role) bool {
	return slices.Contains(p.Roles, role)
}

// DefaultRole is the role used when a request does not name one.
func (p *Principal) DefaultRole() models.Role {
	if len(p.Roles) == 0 {
		return models.RolePassenger
	}
	return p.Roles[0]
}

type Service interface {
	IssueToken(userID uuid.UUID, roles []models.Role, ttl time.Duration) (string, error)
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

type service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) Service {
	return &service{secret: []byte(secret), now: time.Now}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Roles []models.Role `json:"roles"`
}

func (s *service) IssueToken(userID uuid.UUID, roles []models.Role, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	for _, r := range roles {
		if !r.Valid() {
			return "", fmt.Errorf("invalid role %q", r)
		}
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	roles := make([]models.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		if r.Valid() {
			roles = append(roles, r)
		}
	}
	return &Principal{UserID: id, Roles: roles}, nil
}
