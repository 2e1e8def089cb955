package app

import (
	"context"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"caseguard/api/internal/authpw"
	"caseguard/api/internal/email"
)

type SignUpResult struct {
	UserID            string
	VerificationToken string
	EmailSent         bool
}

// SignUp creates the account and mails the verification link. A mail
// failure is logged; the account stays and the link can be re-sent.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (SignUpResult, error) {
	resp, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return SignUpResult{}, err
	}

	result := SignUpResult{UserID: resp.Account.ID, VerificationToken: resp.VerificationToken}
	if s.SMTPConfigured() {
		link := s.appLink("/verify-email", resp.VerificationToken)
		if err := s.mailer.SendVerificationEmail(resp.Account.Email, resp.Account.DisplayName, link); err != nil {
			s.logger.Warn("send verification email", zap.String("user_id", resp.Account.ID), zap.Error(err))
		} else {
			result.EmailSent = true
		}
	}
	return result, nil
}

// SignIn checks credentials and issues a session for verified accounts.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	resp, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.Account)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.authpw.VerifyEmail(ctx, token)
}

// RequestPasswordReset never reveals whether the address exists. The token
// is returned only when no mailer is configured, for local development.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddress string) (string, error) {
	token, account, err := s.authpw.RequestPasswordReset(ctx, emailAddress)
	if err != nil {
		s.logger.Warn("password reset request failed", zap.Error(err))
		return "", nil
	}
	if token == "" {
		return "", nil
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	if err := s.mailer.SendPasswordResetEmail(account.Email, account.DisplayName, s.appLink("/reset-password", token)); err != nil {
		s.logger.Warn("send password reset email", zap.String("user_id", account.ID), zap.Error(err))
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	return s.authpw.ResetPassword(ctx, req)
}

// SendVerificationLink mails a caller-supplied verification link. It backs
// the internal email endpoint.
func (s *Service) SendVerificationLink(ctx context.Context, to, link string) error {
	to = strings.TrimSpace(to)
	link = strings.TrimSpace(link)
	if _, err := mail.ParseAddress(to); err != nil {
		return validationError("email is malformed")
	}
	parsed, err := url.Parse(link)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return validationError("verificationLink must be an http(s) URL")
	}
	if !s.SMTPConfigured() {
		return email.ErrNotConfigured
	}

	name := ""
	if account, err := s.store.GetAccountByEmail(ctx, strings.ToLower(to)); err == nil {
		name = account.DisplayName
	}
	if err := s.mailer.SendVerificationEmail(to, name, link); err != nil {
		return upstream("email", err)
	}
	return nil
}

func (s *Service) appLink(path, token string) string {
	return s.cfg.PublicAppURL + path + "?token=" + url.QueryEscape(token)
}
