package domain

// Role distinguishes the two sides of a match
type Role string

const (
	RoleSeeker    Role = "seeker"
	RoleResponder Role = "responder"
)

// Valid reports whether the role is one of the two known values
func (r Role) Valid() bool {
	return r == RoleSeeker || r == RoleResponder
}

// Identity binds a user id to a role for the life of one connection.
// The same id may reconnect later with a fresh Identity.
type Identity struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}
