package store

import "time"

// Account is a login identity.
type Account struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UserStatus holds the per-account flags read before every gated write.
type UserStatus struct {
	UserID              string
	Role                string
	Tier                string
	CaseCount           int
	MessagingBlocked    bool
	CaseCreationBlocked bool
	UpdatedAt           time.Time
}

// DefaultUserStatus is the status of an account that has no status row yet.
func DefaultUserStatus(userID string) UserStatus {
	return UserStatus{UserID: userID, Role: "user", Tier: "free"}
}

// UserStatusPatch carries optional admin changes to a status row.
type UserStatusPatch struct {
	MessagingBlocked    *bool
	CaseCreationBlocked *bool
	Tier                *string
	Role                *string
}

// AccountWithStatus is the admin listing row.
type AccountWithStatus struct {
	Account
	Status UserStatus
}

// ChatSession is one patient case.
type ChatSession struct {
	ID        string
	UserID    string
	CaseTitle string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID          string
	ChatID      string
	UserID      string
	Role        string
	Content     string
	Attachments []string
	CreatedAt   time.Time
}

type Lead struct {
	ID        string
	Name      string
	Email     string
	Company   string
	Message   string
	CreatedAt time.Time
}

type SupportMessage struct {
	ID        string
	UserID    string
	Email     string
	Subject   string
	Body      string
	Status    string
	CreatedAt time.Time
}

type UploadedFile struct {
	ID          string
	UserID      string
	ChatID      string
	Path        string
	PublicURL   string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}
