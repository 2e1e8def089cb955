package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"caseguard/api/internal/export"
	"caseguard/api/internal/search"
)

// multipartOverhead is the slack allowed on top of the file size for form
// boundaries and other fields.
const multipartOverhead = 1 << 20

func (s *HTTPServer) handleCases(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		s.handleListCases(w, r)
	case len(parts) == 0 && r.Method == http.MethodPost:
		s.handleCreateCase(w, r)
	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearchCases(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetCase(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		s.handleSendMessage(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		s.handleExportCase(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.service.ListCases(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": casesView(cases)})
}

func (s *HTTPServer) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var body CreateCaseInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	result, err := s.service.CreateCase(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"caseId":  result.Case.ID,
		"case":    caseView(result.Case),
		"message": messageView(result.Message),
	})
}

func (s *HTTPServer) handleGetCase(w http.ResponseWriter, r *http.Request, caseID string) {
	detail, err := s.service.GetCase(r.Context(), caseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case":     caseView(detail.Case),
		"messages": messagesView(detail.Messages),
	})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, caseID string) {
	var body SendMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	result, err := s.service.SendMessage(r.Context(), caseID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userMessage": messageView(result.UserMessage),
		"assistant":   messageView(result.Assistant),
		"persisted":   result.Persisted,
	})
}

func (s *HTTPServer) handleExportCase(w http.ResponseWriter, r *http.Request, caseID string) {
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html or pdf", nil)
		return
	}

	result, err := s.service.ExportCase(r.Context(), caseID, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeExport(w, result)
}

func writeExport(w http.ResponseWriter, result *export.Result) {
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearchCases(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	response, err := s.service.SearchCases(
		r.Context(),
		query.Get("q"),
		search.ResultType(strings.TrimSpace(query.Get("type"))),
		queryInt(r, "limit", 0),
		queryInt(r, "offset", 0),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleMyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.MyStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		Image  string `json:"image"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	text, err := s.service.Complete(r.Context(), body.Prompt, body.Image)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.service.UploadsEnabled() {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File uploads are not configured", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds upload limit", nil)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "expected a multipart/form-data body", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stored, err := s.service.Upload(r.Context(), UploadInput{
		ChatID:      r.FormValue("chatId"),
		FileName:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"path":      stored.Path,
		"publicUrl": stored.PublicURL,
		"size":      stored.Size,
	})
}

func (s *HTTPServer) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var body LeadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	lead, err := s.service.CreateLead(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lead": leadView(lead)})
}

func (s *HTTPServer) handleCreateSupport(w http.ResponseWriter, r *http.Request) {
	var body SupportInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	message, err := s.service.CreateSupport(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"support": supportView(message)})
}
