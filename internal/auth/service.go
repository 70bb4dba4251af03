package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	tokens *Tokens
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *Tokens) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, *User, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if _, err := rbac.ParseRole(user.Role); err != nil {
		return "", time.Time{}, nil, shared.ErrInvalidCredentials
	}
	token, expires, err := s.tokens.Issue(*user)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, expires, user, nil
}

// ResolveActor verifies a bearer token and returns the acting principal.
func (s *Service) ResolveActor(raw string) (rbac.Actor, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return rbac.Actor{}, err
	}
	role, err := rbac.ParseRole(claims.Role)
	if err != nil {
		return rbac.Actor{}, ErrInvalidToken
	}
	if claims.UserID == 0 {
		return rbac.Actor{}, ErrInvalidToken
	}
	return rbac.NewActor(claims.UserID, claims.Username, role), nil
}
