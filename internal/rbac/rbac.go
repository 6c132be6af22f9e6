package rbac

type Role string
type Action string

const (
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionUpload  Action = "upload"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

// Can implements the portfolio role matrix. Agents read and upload,
// managers additionally edit records, admins alone approve or reject
// ingested properties.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionUpload
	case RoleAgent:
		return action == ActionRead || action == ActionUpload
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAgent, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleAgent
	}
}
