package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"caseguard/api/internal/auth"
	"caseguard/api/internal/authpw"
	"caseguard/api/internal/email"
	"caseguard/api/internal/export"
	"caseguard/api/internal/llm"
	"caseguard/api/internal/relay"
	"caseguard/api/internal/storage"
	"caseguard/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func notFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// upstreamError marks a failure of an external collaborator. The cause is
// kept for logs and never shown to the client.
type upstreamError struct {
	service string
	err     error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.service, e.err)
}

func (e *upstreamError) Unwrap() error {
	return e.err
}

func upstream(service string, err error) error {
	return &upstreamError{service: service, err: err}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	switch {
	case errors.Is(err, relay.ErrAuthRequired):
		return http.StatusUnauthorized, "AUTH_REQUIRED", "Sign in to continue", nil
	case errors.Is(err, relay.ErrMessagingBlocked):
		return http.StatusForbidden, "ACCOUNT_BLOCKED", "Your account is blocked from sending messages", nil
	case errors.Is(err, relay.ErrCaseCreationBlocked):
		return http.StatusForbidden, "CASE_CREATION_BLOCKED", "Your account is blocked from creating new cases", nil
	case errors.Is(err, relay.ErrDenied), errors.Is(err, store.ErrOwnerMismatch):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Token is invalid or expired", nil
	case errors.Is(err, authpw.ErrInvalidInput),
		errors.Is(err, llm.ErrEmptyPrompt),
		errors.Is(err, storage.ErrEmptyFile),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds upload limit", nil
	case errors.Is(err, email.ErrNotConfigured), errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Service not configured", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}

	var invalidRow *store.InvalidRowError
	if errors.As(err, &invalidRow) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", invalidRow.Error(), nil
	}
	var upstreamErr *upstreamError
	if errors.As(err, &upstreamErr) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "The " + upstreamErr.service + " service failed, try again", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
