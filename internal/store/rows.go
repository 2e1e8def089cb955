package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names a record collection that accepts generic inserts.
type Kind string

const (
	KindChatSessions    Kind = "chat_sessions"
	KindChatMessages    Kind = "chat_messages"
	KindLeads           Kind = "leads"
	KindSupportMessages Kind = "support_messages"
	KindUploadedFiles   Kind = "uploaded_files"
)

// Row is an insert payload or an inserted record, keyed by column name.
type Row map[string]any

var (
	// ErrOwnerMismatch is returned when a payload names an owner other than
	// the acting identity.
	ErrOwnerMismatch = errors.New("row owner does not match acting identity")
	ErrUnknownKind   = errors.New("unknown record kind")
)

// InvalidRowError reports a payload that fails column validation.
type InvalidRowError struct {
	Kind   Kind
	Column string
	Reason string
}

func (e *InvalidRowError) Error() string {
	return fmt.Sprintf("invalid %s row: %s %s", e.Kind, e.Column, e.Reason)
}

type actorKey struct{}

// WithActor records the identity on whose behalf store writes are made.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// resolveOwner returns the owner for an owned row: the payload's user_id
// when it matches the actor, the actor when the payload omits it.
func resolveOwner(ctx context.Context, kind Kind, row Row) (string, error) {
	actor := ActorFromContext(ctx)
	owner := row.String("user_id")
	switch {
	case owner == "" && actor == "":
		return "", &InvalidRowError{Kind: kind, Column: "user_id", Reason: "is required"}
	case owner == "":
		return actor, nil
	case actor != "" && owner != actor:
		return "", ErrOwnerMismatch
	default:
		return owner, nil
	}
}

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		parsed, _ := strconv.ParseInt(v, 10, 64)
		return parsed
	default:
		return 0
	}
}

func (r Row) Time(key string) time.Time {
	if v, ok := r[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func requireColumn(kind Kind, row Row, column string) (string, error) {
	value := strings.TrimSpace(row.String(column))
	if value == "" {
		return "", &InvalidRowError{Kind: kind, Column: column, Reason: "is required"}
	}
	return value, nil
}

func ChatSessionRow(item ChatSession) Row {
	return Row{
		"id":         item.ID,
		"user_id":    item.UserID,
		"case_title": item.CaseTitle,
		"created_at": item.CreatedAt,
		"updated_at": item.UpdatedAt,
	}
}

func ChatSessionFromRow(row Row) ChatSession {
	return ChatSession{
		ID:        row.String("id"),
		UserID:    row.String("user_id"),
		CaseTitle: row.String("case_title"),
		CreatedAt: row.Time("created_at"),
		UpdatedAt: row.Time("updated_at"),
	}
}

func ChatMessageRow(item ChatMessage) Row {
	attachments := item.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return Row{
		"id":          item.ID,
		"chat_id":     item.ChatID,
		"user_id":     item.UserID,
		"role":        item.Role,
		"content":     item.Content,
		"attachments": attachments,
		"created_at":  item.CreatedAt,
	}
}

func ChatMessageFromRow(row Row) ChatMessage {
	return ChatMessage{
		ID:          row.String("id"),
		ChatID:      row.String("chat_id"),
		UserID:      row.String("user_id"),
		Role:        row.String("role"),
		Content:     row.String("content"),
		Attachments: row.Strings("attachments"),
		CreatedAt:   row.Time("created_at"),
	}
}

func LeadRow(item Lead) Row {
	return Row{
		"id":         item.ID,
		"name":       item.Name,
		"email":      item.Email,
		"company":    item.Company,
		"message":    item.Message,
		"created_at": item.CreatedAt,
	}
}

func SupportMessageRow(item SupportMessage) Row {
	return Row{
		"id":         item.ID,
		"user_id":    item.UserID,
		"email":      item.Email,
		"subject":    item.Subject,
		"body":       item.Body,
		"status":     item.Status,
		"created_at": item.CreatedAt,
	}
}

func UploadedFileRow(item UploadedFile) Row {
	return Row{
		"id":           item.ID,
		"user_id":      item.UserID,
		"chat_id":      item.ChatID,
		"path":         item.Path,
		"public_url":   item.PublicURL,
		"content_type": item.ContentType,
		"size":         item.Size,
		"created_at":   item.CreatedAt,
	}
}

func encodeAttachments(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func decodeAttachments(raw []byte) []string {
	var values []string
	if len(raw) == 0 || json.Unmarshal(raw, &values) != nil || values == nil {
		return []string{}
	}
	return values
}
