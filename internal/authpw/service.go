// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"caseguard/api/internal/store"
	"caseguard/api/internal/util"
)

const (
	MinPasswordLength = 8
	VerificationTTL   = 24 * time.Hour
	ResetTTL          = time.Hour
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Service provides email/password authentication.
type Service struct {
	store UserStore
	now   func() time.Time
}

// UserStore is the account storage the auth flows need.
type UserStore interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error
	UpdateVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyAccountEmail(ctx context.Context, token string) error
	UpdateAccountPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store, now: time.Now}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

type SignUpResponse struct {
	Account           store.Account
	VerificationToken string
}

// SignUp creates an unverified account. The caller sends the verification
// email with the returned token.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	displayName := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || displayName == "" {
		return nil, fmt.Errorf("%w: email, password, and display name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}
	if len(req.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	account := store.Account{
		ID:                util.NewID("usr"),
		Email:             email,
		DisplayName:       displayName,
		PasswordHash:      string(hash),
		VerificationToken: token,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	expiresAt := s.now().Add(VerificationTTL)
	if err := s.store.UpdateVerificationToken(ctx, account.ID, token, expiresAt); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}
	account.VerificationExpiresAt = &expiresAt

	return &SignUpResponse{Account: account, VerificationToken: token}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	Account        store.Account
	RequiresVerify bool
}

// SignIn checks credentials. An unverified account with the right password
// comes back with RequiresVerify set and must not be given a session.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	account, err := s.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &SignInResponse{Account: account, RequiresVerify: !account.IsEmailVerified}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: verification token required", ErrInvalidInput)
	}
	if err := s.store.VerifyAccountEmail(ctx, token); err != nil {
		if store.IsNotFound(err) {
			return ErrInvalidToken
		}
		return fmt.Errorf("verify email: %w", err)
	}
	return nil
}

// RequestPasswordReset creates a reset token. Unknown addresses yield an
// empty token and no error.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, store.Account, error) {
	account, err := s.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if store.IsNotFound(err) {
			return "", store.Account{}, nil
		}
		return "", store.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return "", store.Account{}, fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.store.CreatePasswordReset(ctx, account.ID, token, s.now().Add(ResetTTL)); err != nil {
		return "", store.Account{}, err
	}
	return token, account, nil
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return fmt.Errorf("%w: token and new password are required", ErrInvalidInput)
	}
	if len(req.NewPassword) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	userID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrInvalidToken
		}
		return fmt.Errorf("lookup reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateAccountPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, req.Token); err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
