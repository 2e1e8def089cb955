package app

import (
	"net/http"
	"strings"

	"caseguard/api/internal/export"
	"caseguard/api/internal/search"
)

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "users":
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleAdminListUsers(w, r)
		case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodPatch:
			s.handleAdminUpdateStatus(w, r, parts[1])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	case "cases":
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleAdminListCases(w, r)
		case len(parts) == 2 && r.Method == http.MethodGet:
			s.handleAdminGetCase(w, r, parts[1])
		case len(parts) == 3 && parts[2] == "export" && r.Method == http.MethodGet:
			s.handleAdminExportCase(w, r, parts[1])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	case "search":
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleAdminSearch(w, r)
		case len(parts) == 2 && parts[1] == "reindex" && r.Method == http.MethodPost:
			s.handleAdminReindex(w, r)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	case "leads":
		if len(parts) == 1 && r.Method == http.MethodGet {
			s.handleAdminListLeads(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "support":
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleAdminListSupport(w, r)
		case len(parts) == 2 && r.Method == http.MethodPatch:
			s.handleAdminSetSupportStatus(w, r, parts[1])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.ListUsers(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	users := make([]map[string]any, 0, len(page.Users))
	for _, item := range page.Users {
		users = append(users, userView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": page.Total})
}

func (s *HTTPServer) handleAdminUpdateStatus(w http.ResponseWriter, r *http.Request, userID string) {
	var body StatusUpdateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	status, err := s.service.UpdateUserStatus(r.Context(), userID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statusView(status)})
}

func (s *HTTPServer) handleAdminListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.service.ListAllCases(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": casesView(cases)})
}

func (s *HTTPServer) handleAdminGetCase(w http.ResponseWriter, r *http.Request, caseID string) {
	detail, err := s.service.AdminGetCase(r.Context(), caseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case":     caseView(detail.Case),
		"messages": messagesView(detail.Messages),
	})
}

func (s *HTTPServer) handleAdminExportCase(w http.ResponseWriter, r *http.Request, caseID string) {
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html or pdf", nil)
		return
	}
	result, err := s.service.AdminExportCase(r.Context(), caseID, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeExport(w, result)
}

func (s *HTTPServer) handleAdminSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	response, err := s.service.SearchAllCases(
		r.Context(),
		query.Get("q"),
		search.ResultType(strings.TrimSpace(query.Get("type"))),
		query.Get("userId"),
		queryInt(r, "limit", 0),
		queryInt(r, "offset", 0),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAdminReindex(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ReindexSearch(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAdminListLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := s.service.ListLeads(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(leads))
	for _, item := range leads {
		out = append(out, leadView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": out})
}

func (s *HTTPServer) handleAdminListSupport(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.ListSupport(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(messages))
	for _, item := range messages {
		out = append(out, supportView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"support": out})
}

func (s *HTTPServer) handleAdminSetSupportStatus(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := s.service.SetSupportStatus(r.Context(), id, body.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
