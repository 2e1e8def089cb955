package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"caseguard/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const accountColumns = `id, email, display_name, password_hash, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var item Account
	err := row.Scan(
		&item.ID,
		&item.Email,
		&item.DisplayName,
		&item.PasswordHash,
		&item.IsEmailVerified,
		&item.VerificationToken,
		&item.VerificationExpiresAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, normalizeEmail(email)))
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

// CreateAccount inserts the account and its default status row together.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, account.ID, normalizeEmail(account.Email), account.DisplayName, account.PasswordHash, account.IsEmailVerified, account.VerificationToken); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_status (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, account.ID); err != nil {
		return fmt.Errorf("insert user status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyAccountEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateAccountPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) GetUserStatus(ctx context.Context, userID string) (UserStatus, error) {
	var item UserStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, role, tier, case_count, messaging_blocked, case_creation_blocked, updated_at
		FROM user_status WHERE user_id=$1
	`, userID).Scan(&item.UserID, &item.Role, &item.Tier, &item.CaseCount, &item.MessagingBlocked, &item.CaseCreationBlocked, &item.UpdatedAt)
	if err != nil {
		return UserStatus{}, err
	}
	return item, nil
}

// UpdateUserStatus applies the non-nil fields of patch, creating the status
// row when it does not exist yet.
func (s *PostgresStore) UpdateUserStatus(ctx context.Context, userID string, patch UserStatusPatch) (UserStatus, error) {
	var item UserStatus
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_status (user_id, messaging_blocked, case_creation_blocked, tier, role)
		VALUES ($1, COALESCE($2, FALSE), COALESCE($3, FALSE), COALESCE($4, 'free'), COALESCE($5, 'user'))
		ON CONFLICT (user_id) DO UPDATE SET
			messaging_blocked = COALESCE($2, user_status.messaging_blocked),
			case_creation_blocked = COALESCE($3, user_status.case_creation_blocked),
			tier = COALESCE($4, user_status.tier),
			role = COALESCE($5, user_status.role),
			updated_at = NOW()
		RETURNING user_id, role, tier, case_count, messaging_blocked, case_creation_blocked, updated_at
	`, userID, patch.MessagingBlocked, patch.CaseCreationBlocked, patch.Tier, patch.Role).Scan(
		&item.UserID, &item.Role, &item.Tier, &item.CaseCount, &item.MessagingBlocked, &item.CaseCreationBlocked, &item.UpdatedAt,
	)
	if err != nil {
		return UserStatus{}, fmt.Errorf("update user status: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) IncrementCaseCount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_status (user_id, case_count) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET case_count = user_status.case_count + 1, updated_at = NOW()
	`, userID)
	if err != nil {
		return fmt.Errorf("increment case count: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, search string, limit, offset int) ([]AccountWithStatus, int, error) {
	pattern := "%" + strings.TrimSpace(search) + "%"
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE email ILIKE $1 OR display_name ILIKE $1
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count accounts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.email, a.display_name, a.is_email_verified, a.created_at, a.updated_at,
			COALESCE(us.role, 'user'), COALESCE(us.tier, 'free'), COALESCE(us.case_count, 0),
			COALESCE(us.messaging_blocked, FALSE), COALESCE(us.case_creation_blocked, FALSE)
		FROM accounts a
		LEFT JOIN user_status us ON us.user_id = a.id
		WHERE a.email ILIKE $1 OR a.display_name ILIKE $1
		ORDER BY a.created_at DESC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	items := make([]AccountWithStatus, 0)
	for rows.Next() {
		var item AccountWithStatus
		if err := rows.Scan(
			&item.ID, &item.Email, &item.DisplayName, &item.IsEmailVerified, &item.CreatedAt, &item.UpdatedAt,
			&item.Status.Role, &item.Status.Tier, &item.Status.CaseCount,
			&item.Status.MessagingBlocked, &item.Status.CaseCreationBlocked,
		); err != nil {
			return nil, 0, fmt.Errorf("scan account: %w", err)
		}
		item.Status.UserID = item.ID
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate accounts: %w", err)
	}
	return items, total, nil
}

// Insert writes one row of the given kind and returns the stored record.
func (s *PostgresStore) Insert(ctx context.Context, kind Kind, row Row) (Row, error) {
	switch kind {
	case KindChatSessions:
		return s.insertChatSession(ctx, row)
	case KindChatMessages:
		return s.insertChatMessage(ctx, row)
	case KindLeads:
		return s.insertLead(ctx, row)
	case KindSupportMessages:
		return s.insertSupportMessage(ctx, row)
	case KindUploadedFiles:
		return s.insertUploadedFile(ctx, row)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func idFor(row Row, prefix string) string {
	if id := strings.TrimSpace(row.String("id")); id != "" {
		return id
	}
	return util.NewID(prefix)
}

func (s *PostgresStore) insertChatSession(ctx context.Context, row Row) (Row, error) {
	owner, err := resolveOwner(ctx, KindChatSessions, row)
	if err != nil {
		return nil, err
	}
	title, err := requireColumn(KindChatSessions, row, "case_title")
	if err != nil {
		return nil, err
	}

	var item ChatSession
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, case_title)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, case_title, created_at, updated_at
	`, idFor(row, "case"), owner, title).Scan(&item.ID, &item.UserID, &item.CaseTitle, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat session: %w", err)
	}
	return ChatSessionRow(item), nil
}

func (s *PostgresStore) insertChatMessage(ctx context.Context, row Row) (Row, error) {
	owner, err := resolveOwner(ctx, KindChatMessages, row)
	if err != nil {
		return nil, err
	}
	chatID, err := requireColumn(KindChatMessages, row, "chat_id")
	if err != nil {
		return nil, err
	}
	role := row.String("role")
	if role != "user" && role != "assistant" {
		return nil, &InvalidRowError{Kind: KindChatMessages, Column: "role", Reason: "must be user or assistant"}
	}
	content, err := requireColumn(KindChatMessages, row, "content")
	if err != nil {
		return nil, err
	}
	attachments, err := encodeAttachments(row.Strings("attachments"))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	var item ChatMessage
	var rawAttachments []byte
	err = s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO chat_messages (id, chat_id, user_id, role, content, attachments)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			RETURNING id, chat_id, user_id, role, content, attachments, created_at
		), touched AS (
			UPDATE chat_sessions SET updated_at = NOW() WHERE id = $2
		)
		SELECT id, chat_id, user_id, role, content, attachments, created_at FROM inserted
	`, idFor(row, "msg"), chatID, owner, role, content, string(attachments)).Scan(
		&item.ID, &item.ChatID, &item.UserID, &item.Role, &item.Content, &rawAttachments, &item.CreatedAt,
	)
	if isInsufficientPrivilege(err) {
		return nil, fmt.Errorf("%w: %w", ErrOwnerMismatch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	item.Attachments = decodeAttachments(rawAttachments)
	return ChatMessageRow(item), nil
}

func (s *PostgresStore) insertLead(ctx context.Context, row Row) (Row, error) {
	name, err := requireColumn(KindLeads, row, "name")
	if err != nil {
		return nil, err
	}
	email, err := requireColumn(KindLeads, row, "email")
	if err != nil {
		return nil, err
	}

	item := Lead{Name: name, Email: normalizeEmail(email), Company: row.String("company"), Message: row.String("message")}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO leads (id, name, email, company, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, idFor(row, "lead"), item.Name, item.Email, item.Company, item.Message).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return LeadRow(item), nil
}

func (s *PostgresStore) insertSupportMessage(ctx context.Context, row Row) (Row, error) {
	owner, err := resolveOwner(ctx, KindSupportMessages, row)
	if err != nil {
		return nil, err
	}
	subject, err := requireColumn(KindSupportMessages, row, "subject")
	if err != nil {
		return nil, err
	}
	body, err := requireColumn(KindSupportMessages, row, "body")
	if err != nil {
		return nil, err
	}

	item := SupportMessage{UserID: owner, Email: normalizeEmail(row.String("email")), Subject: subject, Body: body, Status: "open"}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO support_messages (id, user_id, email, subject, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, created_at
	`, idFor(row, "sup"), item.UserID, item.Email, item.Subject, item.Body).Scan(&item.ID, &item.Status, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert support message: %w", err)
	}
	return SupportMessageRow(item), nil
}

func (s *PostgresStore) insertUploadedFile(ctx context.Context, row Row) (Row, error) {
	owner, err := resolveOwner(ctx, KindUploadedFiles, row)
	if err != nil {
		return nil, err
	}
	path, err := requireColumn(KindUploadedFiles, row, "path")
	if err != nil {
		return nil, err
	}

	item := UploadedFile{
		UserID:      owner,
		ChatID:      row.String("chat_id"),
		Path:        path,
		PublicURL:   row.String("public_url"),
		ContentType: row.String("content_type"),
		Size:        row.Int64("size"),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO uploaded_files (id, user_id, chat_id, path, public_url, content_type, size_bytes)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING id, created_at
	`, idFor(row, "file"), item.UserID, item.ChatID, item.Path, item.PublicURL, item.ContentType, item.Size).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert uploaded file: %w", err)
	}
	return UploadedFileRow(item), nil
}

func (s *PostgresStore) GetChatSession(ctx context.Context, chatID string) (ChatSession, error) {
	var item ChatSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, case_title, created_at, updated_at FROM chat_sessions WHERE id=$1
	`, chatID).Scan(&item.ID, &item.UserID, &item.CaseTitle, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ChatSession{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListChatSessions(ctx context.Context, userID string) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, case_title, created_at, updated_at
		FROM chat_sessions
		WHERE user_id=$1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	return scanChatSessions(rows)
}

func (s *PostgresStore) ListAllChatSessions(ctx context.Context, limit, offset int) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, case_title, created_at, updated_at
		FROM chat_sessions
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list all chat sessions: %w", err)
	}
	return scanChatSessions(rows)
}

func scanChatSessions(rows *sql.Rows) ([]ChatSession, error) {
	defer rows.Close()
	items := make([]ChatSession, 0)
	for rows.Next() {
		var item ChatSession
		if err := rows.Scan(&item.ID, &item.UserID, &item.CaseTitle, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, chatID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, role, content, attachments, created_at
		FROM chat_messages
		WHERE chat_id=$1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		var rawAttachments []byte
		if err := rows.Scan(&item.ID, &item.ChatID, &item.UserID, &item.Role, &item.Content, &rawAttachments, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		item.Attachments = decodeAttachments(rawAttachments)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, limit, offset int) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, company, message, created_at
		FROM leads
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	items := make([]Lead, 0)
	for rows.Next() {
		var item Lead
		if err := rows.Scan(&item.ID, &item.Name, &item.Email, &item.Company, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSupportMessages(ctx context.Context, status string, limit, offset int) ([]SupportMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, email, subject, body, status, created_at
		FROM support_messages
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list support messages: %w", err)
	}
	defer rows.Close()

	items := make([]SupportMessage, 0)
	for rows.Next() {
		var item SupportMessage
		if err := rows.Scan(&item.ID, &item.UserID, &item.Email, &item.Subject, &item.Body, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan support message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate support messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSupportStatus(ctx context.Context, id, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE support_messages SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return false, fmt.Errorf("update support status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("support status rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isInsufficientPrivilege matches the SQLSTATE raised by the chat_messages
// owner trigger.
func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "42501"
}
