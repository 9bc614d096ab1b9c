package rbac

import "reqorder/api/internal/ordering"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionReorder Action = "reorder"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionReorder
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ItemPermissions answers write checks for one iteration participant. Editors
// write items, and key sources, owned by their domain of expertise. Model
// owners write everything.
type ItemPermissions struct {
	Role   Role
	Domain string
}

func (p ItemPermissions) CanWrite(_ ordering.Kind, item *ordering.Item) bool {
	if item == nil || !Can(p.Role, ActionReorder) {
		return false
	}
	if p.Role == RoleOwner {
		return true
	}
	if p.Domain == "" || item.Owner != p.Domain {
		return false
	}
	if src := item.KeySource; src != nil && src.Owner != "" && src.Owner != p.Domain {
		return false
	}
	return true
}
