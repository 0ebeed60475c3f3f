package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"librarydesk/internal/models"
	"librarydesk/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("invalid authentication credentials")
)

// Authenticator verifies passwords and bearer tokens against the user table.
// It never writes: tokens are stateless.
type Authenticator struct {
	db     *gorm.DB
	users  repositories.UserRepository
	hasher *PasswordHasher
	tokens *TokenIssuer
}

func NewAuthenticator(db *gorm.DB, users repositories.UserRepository, hasher *PasswordHasher, tokens *TokenIssuer) *Authenticator {
	return &Authenticator{db: db, users: users, hasher: hasher, tokens: tokens}
}

// Hasher exposes the password hasher so registration uses the same cost.
func (a *Authenticator) Hasher() *PasswordHasher { return a.hasher }

// IssueToken signs a bearer token for username.
func (a *Authenticator) IssueToken(username string, ttl time.Duration) (string, error) {
	return a.tokens.Issue(username, ttl)
}

// ValidateCredentials returns the user whose password matches, or
// ErrInvalidCredentials.
func (a *Authenticator) ValidateCredentials(ctx context.Context, username, password string) (*models.User, error) {
	user, err := a.users.GetByUsername(a.db.WithContext(ctx), username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.hasher.burn(password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !a.hasher.Verify(user.Password, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ResolveCaller maps a bearer token to the user it was issued for.
func (a *Authenticator) ResolveCaller(ctx context.Context, token string) (*models.User, error) {
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, err := a.users.GetByUsername(a.db.WithContext(ctx), claims.Subject)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[WARN] ResolveCaller: token subject %q no longer exists", claims.Subject)
			return nil, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return nil, err
	}
	return user, nil
}
