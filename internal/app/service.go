package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"caseguard/api/internal/auth"
	"caseguard/api/internal/authpw"
	"caseguard/api/internal/config"
	"caseguard/api/internal/export"
	"caseguard/api/internal/llm"
	"caseguard/api/internal/rbac"
	"caseguard/api/internal/realtime"
	"caseguard/api/internal/relay"
	"caseguard/api/internal/search"
	"caseguard/api/internal/session"
	"caseguard/api/internal/storage"
	"caseguard/api/internal/store"
	"caseguard/api/internal/util"
)

// Session is an issued access/refresh token pair.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is the persistence the service reads from. Every insert goes
// through the relay instead.
type DataStore interface {
	authpw.UserStore
	relay.Inserter
	GetUserStatus(context.Context, string) (store.UserStatus, error)
	UpdateUserStatus(context.Context, string, store.UserStatusPatch) (store.UserStatus, error)
	IncrementCaseCount(context.Context, string) error
	ListAccounts(context.Context, string, int, int) ([]store.AccountWithStatus, int, error)
	GetChatSession(context.Context, string) (store.ChatSession, error)
	ListChatSessions(context.Context, string) ([]store.ChatSession, error)
	ListAllChatSessions(context.Context, int, int) ([]store.ChatSession, error)
	ListChatMessages(context.Context, string) ([]store.ChatMessage, error)
	ListLeads(context.Context, int, int) ([]store.Lead, error)
	ListSupportMessages(context.Context, string, int, int) ([]store.SupportMessage, error)
	UpdateSupportStatus(context.Context, string, string) (bool, error)
	Ping(context.Context) error
}

// TokenStore keeps refresh sessions and revoked access tokens. Both the
// Redis store and the Postgres store satisfy it.
type TokenStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Uploader interface {
	Upload(ctx context.Context, obj storage.Object) (storage.Stored, error)
	MaxBytes() int64
}

// Publisher receives admitted inserts and status changes for realtime fan-out.
type Publisher interface {
	PublishMessage(chatID string, record store.Row)
	PublishStatus(status store.UserStatus)
}

// Deps are the collaborators New wires together. Store and Tokens are
// required; the rest may be nil and the matching features degrade.
type Deps struct {
	Store     DataStore
	Tokens    TokenStore
	Mailer    Mailer
	Completer llm.Completer
	Uploader  Uploader
	Search    *search.Service
	Exporter  *export.Service
	Publisher Publisher
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     DataStore
	tokens    TokenStore
	writer    relay.Inserter
	sessions  *session.Resolver
	authpw    *authpw.Service
	mailer    Mailer
	completer llm.Completer
	uploader  Uploader
	search    *search.Service
	exporter  *export.Service
	publisher Publisher
	hub       *realtime.Hub
	logger    *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	completer := deps.Completer
	if completer == nil {
		completer = llm.NewMockClient()
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewService(deps.Store, nil)
	}

	resolver := session.NewResolver([]byte(cfg.JWTSecret), deps.Tokens)
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		tokens:    deps.Tokens,
		writer:    relay.NewGate(deps.Store, resolver, deps.Store),
		sessions:  resolver,
		authpw:    authpw.NewService(deps.Store),
		mailer:    deps.Mailer,
		completer: completer,
		uploader:  deps.Uploader,
		search:    deps.Search,
		exporter:  exporter,
		logger:    logger,
	}
	s.hub = realtime.NewHub(caseAccess{service: s}, logger.Named("realtime"), cfg.CORSOrigin)
	s.publisher = deps.Publisher
	if s.publisher == nil {
		s.publisher = s.hub
	}
	return s
}

// Realtime is the websocket endpoint for chat and status events.
func (s *Service) Realtime() http.Handler {
	return s.hub
}

// Close disconnects realtime clients and waits for background indexing.
func (s *Service) Close() {
	s.hub.Close()
	if s.search != nil {
		s.search.Flush()
	}
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) InternalToken() string {
	return s.cfg.InternalToken
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// Identity resolves the caller of the request carried by ctx.
func (s *Service) Identity(ctx context.Context) (session.Identity, bool, error) {
	return s.sessions.Current(ctx)
}

// MyStatus returns the caller's status flags so the client can disable
// blocked actions up front.
func (s *Service) MyStatus(ctx context.Context) (store.UserStatus, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return store.UserStatus{}, err
	}
	return s.userStatus(ctx, identity.UserID)
}

func (s *Service) requireIdentity(ctx context.Context) (session.Identity, error) {
	identity, ok, err := s.sessions.Current(ctx)
	if err != nil {
		return session.Identity{}, err
	}
	if !ok {
		return session.Identity{}, relay.ErrAuthRequired
	}
	return identity, nil
}

// userStatus returns the stored status, or the default one when the account
// has no status row yet.
func (s *Service) userStatus(ctx context.Context, userID string) (store.UserStatus, error) {
	status, err := s.store.GetUserStatus(ctx, userID)
	if store.IsNotFound(err) {
		return store.DefaultUserStatus(userID), nil
	}
	if err != nil {
		return store.UserStatus{}, fmt.Errorf("load user status: %w", err)
	}
	return status, nil
}

// authorize checks the caller's stored role, not the role claim in the
// token, so a demotion applies to the next request.
func (s *Service) authorize(ctx context.Context, action rbac.Action) (session.Identity, store.UserStatus, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return session.Identity{}, store.UserStatus{}, err
	}
	status, err := s.userStatus(ctx, identity.UserID)
	if err != nil {
		return session.Identity{}, store.UserStatus{}, err
	}
	if !rbac.Can(rbac.Normalize(status.Role), action) {
		return session.Identity{}, store.UserStatus{}, forbidden()
	}
	return identity, status, nil
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	status, err := s.userStatus(ctx, account.ID)
	if err != nil {
		return Session{}, err
	}
	role := string(rbac.Normalize(status.Role))

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   account.ID,
		Email: account.Email,
		Name:  account.DisplayName,
		Role:  role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.tokens.SaveRefreshSession(ctx, auth.HashToken(refresh), account.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       account.ID,
		UserName:     account.DisplayName,
		Email:        account.Email,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked before the new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.tokens.LookupRefreshSession(ctx, tokenHash)
	if store.IsNotFound(err) || errors.Is(err, session.ErrRefreshNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.tokens.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	account, err := s.store.GetAccountByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) Logout(ctx context.Context, identity session.Identity, refreshToken string) error {
	if identity.TokenID != "" {
		if err := s.tokens.RevokeAccessToken(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.tokens.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

// BootstrapAdmin grants the admin role to the configured account. A missing
// account is not an error: it is promoted on a later start once it exists.
func (s *Service) BootstrapAdmin(ctx context.Context, emailAddress string) error {
	emailAddress = strings.ToLower(strings.TrimSpace(emailAddress))
	if emailAddress == "" {
		return nil
	}
	account, err := s.store.GetAccountByEmail(ctx, emailAddress)
	if store.IsNotFound(err) {
		s.logger.Warn("bootstrap admin account not found", zap.String("email", emailAddress))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup bootstrap admin: %w", err)
	}
	role := string(rbac.RoleAdmin)
	if _, err := s.store.UpdateUserStatus(ctx, account.ID, store.UserStatusPatch{Role: &role}); err != nil {
		return err
	}
	s.logger.Info("bootstrap admin granted", zap.String("user_id", account.ID))
	return nil
}

// caseAccess lets the realtime hub authenticate sockets and decide who may
// follow a case: its owner, or anyone allowed to read every case.
type caseAccess struct {
	service *Service
}

func (a caseAccess) Verify(ctx context.Context, token string) (session.Identity, bool, error) {
	return a.service.sessions.Verify(ctx, token)
}

func (a caseAccess) CanSubscribe(ctx context.Context, identity session.Identity, chatID string) (bool, error) {
	chat, err := a.service.store.GetChatSession(ctx, chatID)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if chat.UserID == identity.UserID {
		return true, nil
	}
	status, err := a.service.userStatus(ctx, identity.UserID)
	if err != nil {
		return false, err
	}
	return rbac.Can(rbac.Normalize(status.Role), rbac.ActionReadAnyCase), nil
}
