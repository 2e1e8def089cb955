package export

import (
	"context"
	"fmt"
	"time"

	"caseguard/api/internal/store"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	GetChatSession(ctx context.Context, chatID string) (store.ChatSession, error)
	ListChatMessages(ctx context.Context, chatID string) ([]store.ChatMessage, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
}

// Service provides case transcript export.
type Service struct {
	store     DataStore
	renderPDF PDFRenderer
	now       func() time.Time
}

// NewService creates an exporter. A nil renderer uses headless Chrome.
func NewService(store DataStore, renderPDF PDFRenderer) *Service {
	if renderPDF == nil {
		renderPDF = ChromePDF
	}
	return &Service{store: store, renderPDF: renderPDF, now: time.Now}
}

// Export generates an export in the requested format. Callers authorize
// access to the case before calling.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	chat, err := s.store.GetChatSession(ctx, req.CaseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	messages, err := s.store.ListChatMessages(ctx, req.CaseID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	data := Transcript{
		CaseID:     chat.ID,
		Title:      chat.CaseTitle,
		CreatedAt:  chat.CreatedAt,
		ExportedAt: s.now(),
		ExportedBy: req.ExportedBy,
		Messages:   make([]TranscriptMessage, 0, len(messages)),
	}
	// Owner email is decoration; a missing account does not fail the export.
	if owner, err := s.store.GetAccountByID(ctx, chat.UserID); err == nil {
		data.OwnerEmail = owner.Email
	}
	for _, m := range messages {
		data.Messages = append(data.Messages, TranscriptMessage{
			Role:        m.Role,
			Content:     m.Content,
			Attachments: m.Attachments,
			CreatedAt:   m.CreatedAt,
		})
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := exportBaseName(chat.CaseTitle, chat.CreatedAt)
	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}

	pdf, err := s.renderPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
}
