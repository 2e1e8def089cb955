package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"caseguard/api/internal/export"
	"caseguard/api/internal/llm"
	"caseguard/api/internal/rbac"
	"caseguard/api/internal/relay"
	"caseguard/api/internal/search"
	"caseguard/api/internal/session"
	"caseguard/api/internal/storage"
	"caseguard/api/internal/store"
)

const (
	maxCaseTitleLength = 200
	maxMessageLength   = 20000
	maxAttachments     = 10
	promptHistoryLimit = 20
)

type CreateCaseInput struct {
	CaseTitle   string   `json:"caseTitle"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

type CreateCaseResult struct {
	Case    store.ChatSession
	Message store.ChatMessage
}

type SendMessageInput struct {
	Content     string   `json:"content"`
	Image       string   `json:"image"`
	Attachments []string `json:"attachments"`
}

// SendMessageResult carries the assistant reply even when it could not be
// stored; Persisted tells the client whether Assistant is a real row.
type SendMessageResult struct {
	UserMessage store.ChatMessage
	Assistant   store.ChatMessage
	Persisted   bool
}

type CaseDetail struct {
	Case     store.ChatSession
	Messages []store.ChatMessage
}

type LeadInput struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Message string `json:"message"`
}

type SupportInput struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type UploadInput struct {
	ChatID      string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func cleanAttachments(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > maxAttachments {
		return nil, validationError(fmt.Sprintf("at most %d attachments are allowed", maxAttachments))
	}
	return out, nil
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", validationError("content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return "", validationError(fmt.Sprintf("content must be at most %d characters", maxMessageLength))
	}
	return content, nil
}

// CreateCase opens a case with its first message. The status read here
// enforces the tier limit and fails fast on blocked accounts; the relay
// checks the flags again on each insert. Nothing is rolled back if a later
// step fails.
func (s *Service) CreateCase(ctx context.Context, input CreateCaseInput) (CreateCaseResult, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return CreateCaseResult{}, err
	}

	title := strings.TrimSpace(input.CaseTitle)
	if title == "" {
		return CreateCaseResult{}, validationError("caseTitle is required")
	}
	if utf8.RuneCountInString(title) > maxCaseTitleLength {
		return CreateCaseResult{}, validationError(fmt.Sprintf("caseTitle must be at most %d characters", maxCaseTitleLength))
	}
	content, err := validateContent(input.Content)
	if err != nil {
		return CreateCaseResult{}, err
	}
	attachments, err := cleanAttachments(input.Attachments)
	if err != nil {
		return CreateCaseResult{}, err
	}

	status, err := s.userStatus(ctx, identity.UserID)
	if err != nil {
		return CreateCaseResult{}, err
	}
	switch {
	case status.CaseCreationBlocked:
		return CreateCaseResult{}, relay.ErrCaseCreationBlocked
	case status.MessagingBlocked:
		return CreateCaseResult{}, relay.ErrMessagingBlocked
	}
	if limit, limited := s.cfg.CaseLimit(status.Tier); limited && status.CaseCount >= limit {
		return CreateCaseResult{}, domainError(http.StatusForbidden, "CASE_LIMIT_REACHED",
			fmt.Sprintf("The %s plan allows %d cases", status.Tier, limit),
			map[string]any{"tier": status.Tier, "limit": limit, "caseCount": status.CaseCount})
	}

	sessionRow, err := s.writer.Insert(ctx, store.KindChatSessions, store.Row{"case_title": title})
	if err != nil {
		return CreateCaseResult{}, err
	}
	chat := store.ChatSessionFromRow(sessionRow)

	if err := s.store.IncrementCaseCount(ctx, identity.UserID); err != nil {
		s.logger.Warn("case count not incremented", zap.String("user_id", identity.UserID), zap.String("case_id", chat.ID), zap.Error(err))
	}

	messageRow, err := s.writer.Insert(ctx, store.KindChatMessages, store.Row{
		"chat_id":     chat.ID,
		"role":        "user",
		"content":     content,
		"attachments": attachments,
	})
	if err != nil {
		return CreateCaseResult{}, err
	}
	message := store.ChatMessageFromRow(messageRow)

	s.indexCase(chat)
	s.messageAdmitted(messageRow, message)
	return CreateCaseResult{Case: chat, Message: message}, nil
}

// SendMessage stores the caller's message, asks the completion endpoint for
// a reply and stores the reply. A completion failure leaves the caller's
// message in place. A failed assistant insert still returns the reply with
// Persisted false.
func (s *Service) SendMessage(ctx context.Context, caseID string, input SendMessageInput) (SendMessageResult, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return SendMessageResult{}, err
	}
	chat, err := s.ownedCase(ctx, identity, caseID)
	if err != nil {
		return SendMessageResult{}, err
	}
	content, err := validateContent(input.Content)
	if err != nil {
		return SendMessageResult{}, err
	}
	attachments, err := cleanAttachments(input.Attachments)
	if err != nil {
		return SendMessageResult{}, err
	}

	history, err := s.store.ListChatMessages(ctx, chat.ID)
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("load case history: %w", err)
	}

	userRow, err := s.writer.Insert(ctx, store.KindChatMessages, store.Row{
		"chat_id":     chat.ID,
		"role":        "user",
		"content":     content,
		"attachments": attachments,
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	result := SendMessageResult{UserMessage: store.ChatMessageFromRow(userRow)}
	s.messageAdmitted(userRow, result.UserMessage)

	reply, err := s.completer.Complete(ctx, llm.Request{
		Prompt:      buildCasePrompt(chat.CaseTitle, history, content),
		ImageBase64: strings.TrimSpace(input.Image),
	})
	if err != nil {
		return SendMessageResult{}, upstream("completion", err)
	}

	assistantRow, err := s.writer.Insert(ctx, store.KindChatMessages, store.Row{
		"chat_id": chat.ID,
		"role":    "assistant",
		"content": reply.Text,
	})
	if err != nil {
		s.logger.Warn("assistant reply not persisted",
			zap.String("case_id", chat.ID),
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
		result.Assistant = store.ChatMessage{ChatID: chat.ID, UserID: identity.UserID, Role: "assistant", Content: reply.Text, Attachments: []string{}}
		return result, nil
	}
	result.Assistant = store.ChatMessageFromRow(assistantRow)
	result.Persisted = true
	s.messageAdmitted(assistantRow, result.Assistant)
	return result, nil
}

// buildCasePrompt renders the case title, the most recent history and the
// new message as one prompt.
func buildCasePrompt(title string, history []store.ChatMessage, content string) string {
	if len(history) > promptHistoryLimit {
		history = history[len(history)-promptHistoryLimit:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s\n", title)
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range history {
			speaker := "Clinician"
			if m.Role == "assistant" {
				speaker = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
		}
	}
	fmt.Fprintf(&b, "\nClinician: %s", content)
	return b.String()
}

func (s *Service) ListCases(ctx context.Context) ([]store.ChatSession, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListChatSessions(ctx, identity.UserID)
}

// GetCase returns a case with its messages in creation order. Owners and
// roles allowed to read any case may view it.
func (s *Service) GetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return CaseDetail{}, err
	}
	chat, err := s.readableCase(ctx, identity, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	messages, err := s.store.ListChatMessages(ctx, chat.ID)
	if err != nil {
		return CaseDetail{}, err
	}
	return CaseDetail{Case: chat, Messages: messages}, nil
}

func (s *Service) ExportCase(ctx context.Context, caseID string, format export.Format) (*export.Result, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	chat, err := s.readableCase(ctx, identity, caseID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{CaseID: chat.ID, Format: format, ExportedBy: identity.Email})
}

// SearchCases searches the caller's own cases and messages.
func (s *Service) SearchCases(ctx context.Context, text string, filter search.ResultType, limit, offset int) (search.Response, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return search.Response{}, err
	}
	return s.runSearch(ctx, search.Query{Text: text, FilterType: filter, UserID: identity.UserID, Limit: limit, Offset: offset})
}

func (s *Service) runSearch(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validationError("q is required")
	}
	if q.FilterType != "" && q.FilterType != search.ResultCase && q.FilterType != search.ResultMessage {
		return search.Response{}, validationError("type must be case or message")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// Complete is the bare completion endpoint: prompt plus optional image in,
// text out. It is not gated and stores nothing.
func (s *Service) Complete(ctx context.Context, prompt, image string) (string, error) {
	if _, err := s.requireIdentity(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(prompt) == "" {
		return "", llm.ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt) > maxMessageLength {
		return "", validationError(fmt.Sprintf("prompt must be at most %d characters", maxMessageLength))
	}
	resp, err := s.completer.Complete(ctx, llm.Request{Prompt: prompt, ImageBase64: strings.TrimSpace(image)})
	if err != nil {
		return "", upstream("completion", err)
	}
	return resp.Text, nil
}

func (s *Service) UploadsEnabled() bool {
	return s.uploader != nil
}

func (s *Service) MaxUploadBytes() int64 {
	if s.uploader == nil {
		return 0
	}
	return s.uploader.MaxBytes()
}

// Upload stores a file for one of the caller's cases and records it.
func (s *Service) Upload(ctx context.Context, input UploadInput) (storage.Stored, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return storage.Stored{}, err
	}
	if s.uploader == nil {
		return storage.Stored{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File uploads are not configured", nil)
	}
	chatID := strings.TrimSpace(input.ChatID)
	if chatID != "" {
		if _, err := s.ownedCase(ctx, identity, chatID); err != nil {
			return storage.Stored{}, err
		}
	}

	stored, err := s.uploader.Upload(ctx, storage.Object{
		UserID:      identity.UserID,
		ChatID:      chatID,
		FileName:    input.FileName,
		ContentType: input.ContentType,
		Size:        input.Size,
		Body:        input.Body,
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmptyFile) || errors.Is(err, storage.ErrTooLarge) || errors.Is(err, storage.ErrUnsupportedType) {
			return storage.Stored{}, err
		}
		return storage.Stored{}, upstream("storage", err)
	}

	if _, err := s.writer.Insert(store.WithActor(ctx, identity.UserID), store.KindUploadedFiles, store.Row{
		"user_id":      identity.UserID,
		"chat_id":      chatID,
		"path":         stored.Path,
		"public_url":   stored.PublicURL,
		"content_type": input.ContentType,
		"size":         stored.Size,
	}); err != nil {
		s.logger.Warn("uploaded file not recorded", zap.String("path", stored.Path), zap.Error(err))
	}
	return stored, nil
}

// CreateLead stores a marketing contact form submission. No session needed.
func (s *Service) CreateLead(ctx context.Context, input LeadInput) (store.Lead, error) {
	name := strings.TrimSpace(input.Name)
	addr := strings.TrimSpace(input.Email)
	if name == "" || addr == "" {
		return store.Lead{}, validationError("name and email are required")
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return store.Lead{}, validationError("email is malformed")
	}
	if utf8.RuneCountInString(input.Message) > maxMessageLength {
		return store.Lead{}, validationError("message is too long")
	}

	row, err := s.writer.Insert(ctx, store.KindLeads, store.Row{
		"name":    name,
		"email":   addr,
		"company": strings.TrimSpace(input.Company),
		"message": strings.TrimSpace(input.Message),
	})
	if err != nil {
		return store.Lead{}, err
	}
	return store.Lead{
		ID:        row.String("id"),
		Name:      row.String("name"),
		Email:     row.String("email"),
		Company:   row.String("company"),
		Message:   row.String("message"),
		CreatedAt: row.Time("created_at"),
	}, nil
}

func (s *Service) CreateSupport(ctx context.Context, input SupportInput) (store.SupportMessage, error) {
	identity, err := s.requireIdentity(ctx)
	if err != nil {
		return store.SupportMessage{}, err
	}
	subject := strings.TrimSpace(input.Subject)
	body := strings.TrimSpace(input.Body)
	if subject == "" || body == "" {
		return store.SupportMessage{}, validationError("subject and body are required")
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return store.SupportMessage{}, validationError("body is too long")
	}

	row, err := s.writer.Insert(store.WithActor(ctx, identity.UserID), store.KindSupportMessages, store.Row{
		"user_id": identity.UserID,
		"email":   identity.Email,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return store.SupportMessage{}, err
	}
	return store.SupportMessage{
		ID:        row.String("id"),
		UserID:    row.String("user_id"),
		Email:     row.String("email"),
		Subject:   row.String("subject"),
		Body:      row.String("body"),
		Status:    row.String("status"),
		CreatedAt: row.Time("created_at"),
	}, nil
}

// ownedCase loads a case the caller owns and may write to. Other people's
// cases read as forbidden, missing ones as not found.
func (s *Service) ownedCase(ctx context.Context, identity session.Identity, caseID string) (store.ChatSession, error) {
	chat, err := s.loadCase(ctx, caseID)
	if err != nil {
		return store.ChatSession{}, err
	}
	if !ownerCan(identity, chat, rbac.ActionWriteOwnCase) {
		return store.ChatSession{}, forbidden()
	}
	return chat, nil
}

// ownerCan applies an own-case action. Own-case actions need no stored
// status, so the session role is enough.
func ownerCan(identity session.Identity, chat store.ChatSession, action rbac.Action) bool {
	return chat.UserID == identity.UserID && rbac.Can(rbac.Normalize(identity.Role), action)
}

// readableCase also admits roles allowed to read any case.
func (s *Service) readableCase(ctx context.Context, identity session.Identity, caseID string) (store.ChatSession, error) {
	chat, err := s.loadCase(ctx, caseID)
	if err != nil {
		return store.ChatSession{}, err
	}
	if ownerCan(identity, chat, rbac.ActionReadOwnCase) {
		return chat, nil
	}
	status, err := s.userStatus(ctx, identity.UserID)
	if err != nil {
		return store.ChatSession{}, err
	}
	if !rbac.Can(rbac.Normalize(status.Role), rbac.ActionReadAnyCase) {
		return store.ChatSession{}, forbidden()
	}
	return chat, nil
}

func (s *Service) loadCase(ctx context.Context, caseID string) (store.ChatSession, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return store.ChatSession{}, validationError("case id is required")
	}
	chat, err := s.store.GetChatSession(ctx, caseID)
	if store.IsNotFound(err) {
		return store.ChatSession{}, notFound()
	}
	if err != nil {
		return store.ChatSession{}, err
	}
	return chat, nil
}

func (s *Service) indexCase(chat store.ChatSession) {
	if s.search != nil {
		s.search.IndexCase(chat)
	}
}

// messageAdmitted fans a stored message out to realtime subscribers and the
// search index.
func (s *Service) messageAdmitted(row store.Row, message store.ChatMessage) {
	s.publisher.PublishMessage(message.ChatID, row)
	if s.search != nil {
		s.search.IndexMessage(message)
	}
}
