package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionReadOwnCase   Action = "case:read_own"
	ActionWriteOwnCase  Action = "case:write_own"
	ActionReadAnyCase   Action = "case:read_any"
	ActionManageUsers   Action = "users:manage"
	ActionReadLeads     Action = "leads:read"
	ActionManageSupport Action = "support:manage"
)

// Can is the single authorization predicate for role-based actions.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionReadOwnCase || action == ActionWriteOwnCase
	default:
		return false
	}
}

// IsAdmin reports whether role grants back-office access.
func IsAdmin(role string) bool {
	return Normalize(role) == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
