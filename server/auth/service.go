package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/store"
)

// UserStore is the persistence slice the auth service needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	RecordFailedLogin(ctx context.Context, userID string) error
	ResetLockout(ctx context.Context, userID string) error
	InsertRefreshToken(ctx context.Context, t *store.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*store.RefreshToken, error)
	RevokeToken(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) error
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service authenticates users and manages refresh-token rotation.
type Service struct {
	secret []byte
	users  UserStore
	now    func() time.Time
}

// NewService creates the auth service.
func NewService(jwtSecret string, users UserStore) *Service {
	return &Service{secret: []byte(jwtSecret), users: users, now: time.Now}
}

// Login verifies credentials and opens a new refresh-token family. Five
// consecutive failures lock the account for fifteen minutes.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: user lookup", err)
	}
	if user == nil {
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}
	if user.LockedUntil != nil && s.now().Before(*user.LockedUntil) {
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "account temporarily locked")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		if err := s.users.RecordFailedLogin(ctx, user.ID); err != nil {
			return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: record failure", err)
		}
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	if err := s.users.ResetLockout(ctx, user.ID); err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: reset lockout", err)
	}
	return s.issue(ctx, user, uuid.NewString())
}

// Refresh rotates a refresh token within its family. Presenting a token
// that was already rotated revokes the whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	stored, err := s.users.GetRefreshToken(ctx, HashToken(refreshToken))
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: token lookup", err)
	}
	if stored == nil {
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "unknown refresh token")
	}
	if stored.Revoked {
		// Reuse of a rotated token: someone is replaying. Burn the family.
		if err := s.users.RevokeFamily(ctx, stored.FamilyID); err != nil {
			return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: revoke family", err)
		}
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "refresh token reuse detected")
	}
	if s.now().After(stored.ExpiresAt) {
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "refresh token expired")
	}

	user, err := s.users.GetUserByID(ctx, stored.UserID)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: user lookup", err)
	}
	if user == nil {
		return TokenPair{}, apperr.New(apperr.KindUnauthorized, "user no longer exists")
	}

	if err := s.users.RevokeToken(ctx, stored.ID); err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: rotate token", err)
	}
	return s.issue(ctx, user, stored.FamilyID)
}

// Logout revokes the presented refresh token's whole family.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	stored, err := s.users.GetRefreshToken(ctx, HashToken(refreshToken))
	if err != nil || stored == nil {
		return nil // logging out an unknown token is not an error
	}
	return s.users.RevokeFamily(ctx, stored.FamilyID)
}

// Verify validates an access token and returns its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	return VerifyAccess(s.secret, tokenString)
}

// HashPassword is the write-side companion of Login, used by account
// provisioning.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func (s *Service) issue(ctx context.Context, user *store.User, familyID string) (TokenPair, error) {
	now := s.now()
	access, err := signAccess(s.secret, user.ID, user.Email, user.Role, now)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: sign access token", err)
	}

	refresh := uuid.NewString()
	if err := s.users.InsertRefreshToken(ctx, &store.RefreshToken{
		TokenHash: HashToken(refresh),
		UserID:    user.ID,
		FamilyID:  familyID,
		ExpiresAt: now.Add(RefreshTTL),
	}); err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindInternal, "auth: store refresh token", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(AccessTTL),
	}, nil
}
