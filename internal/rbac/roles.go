package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleAdmin may do everything on the control surface.
	RoleAdmin = "admin"
	// RoleOperator may inspect state and invalidate reservations.
	RoleOperator = "operator"
	// RoleViewer may only inspect state.
	RoleViewer = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}
