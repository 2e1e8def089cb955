package app

import (
	"time"

	"caseguard/api/internal/store"
)

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func sessionView(item Session) map[string]any {
	return map[string]any{
		"token":        item.Token,
		"refreshToken": item.RefreshToken,
		"expiresAt":    formatTime(item.ExpiresAt),
		"user": map[string]any{
			"id":    item.UserID,
			"name":  item.UserName,
			"email": item.Email,
			"role":  item.Role,
		},
	}
}

func statusView(item store.UserStatus) map[string]any {
	return map[string]any{
		"userId":              item.UserID,
		"role":                item.Role,
		"tier":                item.Tier,
		"caseCount":           item.CaseCount,
		"messagingBlocked":    item.MessagingBlocked,
		"caseCreationBlocked": item.CaseCreationBlocked,
		"updatedAt":           formatTime(item.UpdatedAt),
	}
}

func caseView(item store.ChatSession) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"userId":    item.UserID,
		"caseTitle": item.CaseTitle,
		"createdAt": formatTime(item.CreatedAt),
		"updatedAt": formatTime(item.UpdatedAt),
	}
}

func casesView(items []store.ChatSession) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, caseView(item))
	}
	return out
}

func messageView(item store.ChatMessage) map[string]any {
	attachments := item.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return map[string]any{
		"id":          item.ID,
		"chatId":      item.ChatID,
		"userId":      item.UserID,
		"role":        item.Role,
		"content":     item.Content,
		"attachments": attachments,
		"createdAt":   formatTime(item.CreatedAt),
	}
}

func messagesView(items []store.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, messageView(item))
	}
	return out
}

func userView(item store.AccountWithStatus) map[string]any {
	return map[string]any{
		"id":              item.ID,
		"email":           item.Email,
		"name":            item.DisplayName,
		"isEmailVerified": item.IsEmailVerified,
		"createdAt":       formatTime(item.CreatedAt),
		"status":          statusView(item.Status),
	}
}

func leadView(item store.Lead) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"name":      item.Name,
		"email":     item.Email,
		"company":   item.Company,
		"message":   item.Message,
		"createdAt": formatTime(item.CreatedAt),
	}
}

func supportView(item store.SupportMessage) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"userId":    item.UserID,
		"email":     item.Email,
		"subject":   item.Subject,
		"body":      item.Body,
		"status":    item.Status,
		"createdAt": formatTime(item.CreatedAt),
	}
}
