package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"caseguard/api/internal/export"
	"caseguard/api/internal/rbac"
	"caseguard/api/internal/search"
	"caseguard/api/internal/store"
)

var allowedTiers = map[string]struct{}{
	"free":       {},
	"pro":        {},
	"enterprise": {},
}

var allowedSupportStatus = map[string]struct{}{
	"open":   {},
	"closed": {},
}

// StatusUpdateInput is an admin patch; nil fields are left unchanged.
type StatusUpdateInput struct {
	MessagingBlocked    *bool   `json:"messagingBlocked"`
	CaseCreationBlocked *bool   `json:"caseCreationBlocked"`
	Tier                *string `json:"tier"`
	Role                *string `json:"role"`
}

type UserPage struct {
	Users []store.AccountWithStatus
	Total int
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) ListUsers(ctx context.Context, query string, limit, offset int) (UserPage, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionManageUsers); err != nil {
		return UserPage{}, err
	}
	limit, offset = clampPage(limit, offset)
	users, total, err := s.store.ListAccounts(ctx, strings.TrimSpace(query), limit, offset)
	if err != nil {
		return UserPage{}, err
	}
	return UserPage{Users: users, Total: total}, nil
}

// UpdateUserStatus applies an admin patch to a user's flags, tier or role
// and pushes the new status to that user's realtime connections.
func (s *Service) UpdateUserStatus(ctx context.Context, userID string, input StatusUpdateInput) (store.UserStatus, error) {
	identity, _, err := s.authorize(ctx, rbac.ActionManageUsers)
	if err != nil {
		return store.UserStatus{}, err
	}

	patch := store.UserStatusPatch{
		MessagingBlocked:    input.MessagingBlocked,
		CaseCreationBlocked: input.CaseCreationBlocked,
	}
	if input.Tier != nil {
		tier := strings.ToLower(strings.TrimSpace(*input.Tier))
		if _, ok := allowedTiers[tier]; !ok {
			return store.UserStatus{}, validationError("tier must be free, pro, or enterprise")
		}
		patch.Tier = &tier
	}
	if input.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*input.Role))
		if role != string(rbac.RoleUser) && role != string(rbac.RoleAdmin) {
			return store.UserStatus{}, validationError("role must be user or admin")
		}
		if userID == identity.UserID && role != string(rbac.RoleAdmin) {
			return store.UserStatus{}, validationError("admins cannot revoke their own admin role")
		}
		patch.Role = &role
	}
	if patch == (store.UserStatusPatch{}) {
		return store.UserStatus{}, validationError("no changes supplied")
	}

	if _, err := s.store.GetAccountByID(ctx, userID); err != nil {
		if store.IsNotFound(err) {
			return store.UserStatus{}, notFound()
		}
		return store.UserStatus{}, err
	}

	status, err := s.store.UpdateUserStatus(ctx, userID, patch)
	if err != nil {
		return store.UserStatus{}, err
	}
	s.logger.Info("user status updated",
		zap.String("admin_id", identity.UserID),
		zap.String("user_id", userID),
		zap.Bool("messaging_blocked", status.MessagingBlocked),
		zap.Bool("case_creation_blocked", status.CaseCreationBlocked),
		zap.String("tier", status.Tier),
		zap.String("role", status.Role),
	)
	s.publisher.PublishStatus(status)
	return status, nil
}

func (s *Service) ListAllCases(ctx context.Context, limit, offset int) ([]store.ChatSession, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionReadAnyCase); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	return s.store.ListAllChatSessions(ctx, limit, offset)
}

// AdminGetCase loads any owner's case for the back-office views.
func (s *Service) AdminGetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionReadAnyCase); err != nil {
		return CaseDetail{}, err
	}
	return s.GetCase(ctx, caseID)
}

func (s *Service) AdminExportCase(ctx context.Context, caseID string, format export.Format) (*export.Result, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionReadAnyCase); err != nil {
		return nil, err
	}
	return s.ExportCase(ctx, caseID, format)
}

// SearchAllCases searches every owner's cases and messages.
func (s *Service) SearchAllCases(ctx context.Context, text string, filter search.ResultType, userID string, limit, offset int) (search.Response, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionReadAnyCase); err != nil {
		return search.Response{}, err
	}
	return s.runSearch(ctx, search.Query{Text: text, FilterType: filter, UserID: strings.TrimSpace(userID), Limit: limit, Offset: offset})
}

// ReindexSearch rebuilds the search index from the database.
func (s *Service) ReindexSearch(ctx context.Context) error {
	if _, _, err := s.authorize(ctx, rbac.ActionReadAnyCase); err != nil {
		return err
	}
	if s.search != nil {
		s.search.StartReindex(context.WithoutCancel(ctx))
	}
	return nil
}

func (s *Service) ListLeads(ctx context.Context, limit, offset int) ([]store.Lead, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionReadLeads); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	return s.store.ListLeads(ctx, limit, offset)
}

func (s *Service) ListSupport(ctx context.Context, status string, limit, offset int) ([]store.SupportMessage, error) {
	if _, _, err := s.authorize(ctx, rbac.ActionManageSupport); err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" {
		if _, ok := allowedSupportStatus[status]; !ok {
			return nil, validationError("status must be open or closed")
		}
	}
	limit, offset = clampPage(limit, offset)
	return s.store.ListSupportMessages(ctx, status, limit, offset)
}

func (s *Service) SetSupportStatus(ctx context.Context, id, status string) error {
	if _, _, err := s.authorize(ctx, rbac.ActionManageSupport); err != nil {
		return err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if _, ok := allowedSupportStatus[status]; !ok {
		return validationError("status must be open or closed")
	}
	updated, err := s.store.UpdateSupportStatus(ctx, id, status)
	if err != nil {
		return err
	}
	if !updated {
		return notFound()
	}
	return nil
}
