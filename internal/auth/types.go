package auth

import "errors"

// Role represents an authorisation tier carried in an access token.
type Role string

const (
	// RoleViewer may read devices, state and history.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally send commands to devices.
	RoleOperator Role = "operator"

	// RoleAdmin may additionally force rediscovery and read bridge internals.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrInvalidRole  = errors.New("invalid role")
)
