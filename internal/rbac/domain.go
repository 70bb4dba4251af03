package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole is returned when a stored or presented role is outside the closed set.
var ErrUnknownRole = errors.New("rbac: unknown role")

// Role is the closed set of roles a user can hold.
type Role string

const (
	RoleUser    Role = "user"
	RoleQC      Role = "qc"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// ParseRole converts a persisted role name. Parsing happens once at authentication.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleUser, RoleQC, RoleManager, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Capabilities lists what a role may do.
type Capabilities struct {
	ViewTransfers  bool
	CreateTransfer bool
	QCDecide       bool
	EditAnyDraft   bool
	DeleteAnyDraft bool
	ManageUsers    bool
}

// Capabilities returns the grants for r. Unknown roles get nothing.
func (r Role) Capabilities() Capabilities {
	switch r {
	case RoleAdmin:
		return Capabilities{
			ViewTransfers:  true,
			CreateTransfer: true,
			QCDecide:       true,
			EditAnyDraft:   true,
			DeleteAnyDraft: true,
			ManageUsers:    true,
		}
	case RoleManager:
		return Capabilities{
			ViewTransfers:  true,
			CreateTransfer: true,
			EditAnyDraft:   true,
			DeleteAnyDraft: true,
			ManageUsers:    true,
		}
	case RoleQC:
		return Capabilities{ViewTransfers: true, QCDecide: true}
	case RoleUser:
		return Capabilities{ViewTransfers: true, CreateTransfer: true}
	default:
		return Capabilities{}
	}
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	UserID   int64
	Username string
	Role     Role
	Caps     Capabilities
}

// NewActor builds an actor whose capabilities derive from its role.
func NewActor(userID int64, username string, role Role) Actor {
	return Actor{UserID: userID, Username: username, Role: role, Caps: role.Capabilities()}
}

// IsZero reports whether no principal is set.
func (a Actor) IsZero() bool {
	return a.UserID == 0
}

// Capability selects a single grant from Capabilities.
type Capability func(Capabilities) bool

// Predefined capability selectors for route guards.
var (
	CanView        Capability = func(c Capabilities) bool { return c.ViewTransfers }
	CanCreate      Capability = func(c Capabilities) bool { return c.CreateTransfer }
	CanDecideQC    Capability = func(c Capabilities) bool { return c.QCDecide }
	CanManageUsers Capability = func(c Capabilities) bool { return c.ManageUsers }
)
