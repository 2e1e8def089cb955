package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"caseguard/api/internal/auth"
	"caseguard/api/internal/config"
	"caseguard/api/internal/llm"
	"caseguard/api/internal/storage"
	"caseguard/api/internal/store"
)

type insertCall struct {
	kind  store.Kind
	actor string
	row   store.Row
}

// fakeStore answers from in-memory maps; the fn fields override single calls.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]store.Account
	statuses map[string]store.UserStatus
	chats    map[string]store.ChatSession
	messages map[string][]store.ChatMessage
	inserts  []insertCall
	seq      int

	getUserStatusFn      func(context.Context, string) (store.UserStatus, error)
	updateUserStatusFn   func(context.Context, string, store.UserStatusPatch) (store.UserStatus, error)
	insertFn             func(context.Context, store.Kind, store.Row) (store.Row, error)
	createAccountFn      func(context.Context, store.Account) error
	incrementCaseCountFn func(context.Context, string) error
	updateSupportFn      func(context.Context, string, string) (bool, error)
	pingFn               func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[string]store.Account{},
		statuses: map[string]store.UserStatus{},
		chats:    map[string]store.ChatSession{},
		messages: map[string][]store.ChatMessage{},
	}
}

func (f *fakeStore) GetAccountByEmail(_ context.Context, email string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, account := range f.accounts {
		if account.Email == email {
			return account, nil
		}
	}
	return store.Account{}, sql.ErrNoRows
}

func (f *fakeStore) GetAccountByID(_ context.Context, id string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeStore) CreateAccount(ctx context.Context, account store.Account) error {
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, account)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
	return nil
}

func (f *fakeStore) UpdateVerificationToken(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeStore) VerifyAccountEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, account := range f.accounts {
		if account.VerificationToken == token && token != "" {
			account.IsEmailVerified = true
			account.VerificationToken = ""
			f.accounts[id] = account
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateAccountPassword(context.Context, string, string) error { return nil }
func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

func (f *fakeStore) Insert(ctx context.Context, kind store.Kind, row store.Row) (store.Row, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, kind, row)
	}
	return f.insertRow(ctx, kind, row)
}

func (f *fakeStore) insertRow(ctx context.Context, kind store.Kind, row store.Row) (store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actor := store.ActorFromContext(ctx)
	f.inserts = append(f.inserts, insertCall{kind: kind, actor: actor, row: row})

	f.seq++
	out := store.Row{}
	for key, value := range row {
		out[key] = value
	}
	out["id"] = fmt.Sprintf("%s-%d", kind, f.seq)
	out["created_at"] = time.Now()
	if actor != "" && out.String("user_id") == "" && kind != store.KindLeads {
		out["user_id"] = actor
	}

	switch kind {
	case store.KindChatSessions:
		out["updated_at"] = out["created_at"]
		chat := store.ChatSessionFromRow(out)
		f.chats[chat.ID] = chat
	case store.KindChatMessages:
		message := store.ChatMessageFromRow(out)
		f.messages[message.ChatID] = append(f.messages[message.ChatID], message)
	case store.KindSupportMessages:
		out["status"] = "open"
	}
	return out, nil
}

func (f *fakeStore) insertedKinds() []store.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]store.Kind, 0, len(f.inserts))
	for _, call := range f.inserts {
		kinds = append(kinds, call.kind)
	}
	return kinds
}

func (f *fakeStore) GetUserStatus(ctx context.Context, userID string) (store.UserStatus, error) {
	if f.getUserStatusFn != nil {
		return f.getUserStatusFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[userID]
	if !ok {
		return store.UserStatus{}, sql.ErrNoRows
	}
	return status, nil
}

func (f *fakeStore) UpdateUserStatus(ctx context.Context, userID string, patch store.UserStatusPatch) (store.UserStatus, error) {
	if f.updateUserStatusFn != nil {
		return f.updateUserStatusFn(ctx, userID, patch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[userID]
	if !ok {
		status = store.DefaultUserStatus(userID)
	}
	if patch.MessagingBlocked != nil {
		status.MessagingBlocked = *patch.MessagingBlocked
	}
	if patch.CaseCreationBlocked != nil {
		status.CaseCreationBlocked = *patch.CaseCreationBlocked
	}
	if patch.Tier != nil {
		status.Tier = *patch.Tier
	}
	if patch.Role != nil {
		status.Role = *patch.Role
	}
	f.statuses[userID] = status
	return status, nil
}

func (f *fakeStore) IncrementCaseCount(ctx context.Context, userID string) error {
	if f.incrementCaseCountFn != nil {
		return f.incrementCaseCountFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[userID]
	if !ok {
		status = store.DefaultUserStatus(userID)
	}
	status.CaseCount++
	f.statuses[userID] = status
	return nil
}

func (f *fakeStore) ListAccounts(context.Context, string, int, int) ([]store.AccountWithStatus, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AccountWithStatus, 0, len(f.accounts))
	for id, account := range f.accounts {
		status, ok := f.statuses[id]
		if !ok {
			status = store.DefaultUserStatus(id)
		}
		out = append(out, store.AccountWithStatus{Account: account, Status: status})
	}
	return out, len(out), nil
}

func (f *fakeStore) GetChatSession(_ context.Context, id string) (store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return store.ChatSession{}, sql.ErrNoRows
	}
	return chat, nil
}

func (f *fakeStore) ListChatSessions(_ context.Context, userID string) ([]store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatSession{}
	for _, chat := range f.chats {
		if chat.UserID == userID {
			out = append(out, chat)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllChatSessions(context.Context, int, int) ([]store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatSession{}
	for _, chat := range f.chats {
		out = append(out, chat)
	}
	return out, nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, chatID string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ChatMessage(nil), f.messages[chatID]...), nil
}

func (f *fakeStore) ListLeads(context.Context, int, int) ([]store.Lead, error) { return nil, nil }
func (f *fakeStore) ListSupportMessages(context.Context, string, int, int) ([]store.SupportMessage, error) {
	return nil, nil
}

func (f *fakeStore) UpdateSupportStatus(ctx context.Context, id, status string) (bool, error) {
	if f.updateSupportFn != nil {
		return f.updateSupportFn(ctx, id, status)
	}
	return true, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeTokens struct {
	mu       sync.Mutex
	refresh  map[string]string
	revoked  map[string]bool
	lookupFn func(context.Context, string) (bool, error)
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{refresh: map[string]string{}, revoked: map[string]bool{}}
}

func (f *fakeTokens) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeTokens) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeTokens) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeTokens) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeTokens) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, jti)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeUploader struct {
	mu       sync.Mutex
	maxBytes int64
	objects  []storage.Object
	bodies   []string
}

func (f *fakeUploader) Upload(_ context.Context, obj storage.Object) (storage.Stored, error) {
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return storage.Stored{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, obj)
	f.bodies = append(f.bodies, string(body))
	path := fmt.Sprintf("%s/%s", obj.UserID, obj.FileName)
	return storage.Stored{Path: path, PublicURL: "https://files.test/" + path, Size: int64(len(body))}, nil
}

func (f *fakeUploader) MaxBytes() int64 { return f.maxBytes }

type fakeMailer struct {
	configured bool
	sendErr    error
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendVerificationEmail(to, _ string, verificationURL string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, to+" "+verificationURL)
	return nil
}

func (f *fakeMailer) SendPasswordResetEmail(to, _ string, resetURL string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, to+" "+resetURL)
	return nil
}

type fakeCompleter struct {
	text    string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.text}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
	statuses []store.UserStatus
}

func (f *fakePublisher) PublishMessage(chatID string, _ store.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, chatID)
}

func (f *fakePublisher) PublishStatus(status store.UserStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

type testEnv struct {
	store     *fakeStore
	tokens    *fakeTokens
	completer *fakeCompleter
	publisher *fakePublisher
	mailer    *fakeMailer
	service   *Service
	server    *HTTPServer
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:           "test-secret",
		InternalToken:       "internal-secret",
		AccessTTL:           time.Hour,
		RefreshTTL:          24 * time.Hour,
		CORSOrigin:          "*",
		PublicAppURL:        "http://app.test",
		FreeCaseLimit:       3,
		ProCaseLimit:        100,
		EnterpriseCaseLimit: -1,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		tokens:    newFakeTokens(),
		completer: &fakeCompleter{text: "Document the consent conversation."},
		publisher: &fakePublisher{},
		mailer:    &fakeMailer{},
	}
	env.service = New(testConfig(), Deps{
		Store:     env.store,
		Tokens:    env.tokens,
		Mailer:    env.mailer,
		Completer: env.completer,
		Publisher: env.publisher,
	})
	env.server = NewHTTPServer(env.service, "*", nil)
	t.Cleanup(env.service.Close)
	return env
}

// addUser stores a verified account, with a status row when status is given.
func (e *testEnv) addUser(id string, status *store.UserStatus) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.accounts[id] = store.Account{
		ID:              id,
		Email:           id + "@example.com",
		DisplayName:     strings.ToUpper(id[:1]) + id[1:],
		IsEmailVerified: true,
	}
	if status != nil {
		status.UserID = id
		e.store.statuses[id] = *status
	}
}

func (e *testEnv) tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testConfig().JWTSecret), auth.Claims{
		Sub:   userID,
		Email: userID + "@example.com",
		Name:  userID,
		Role:  role,
		JTI:   "jti-" + userID,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

var errFake = errors.New("fake failure")
