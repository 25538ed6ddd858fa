package access

import (
	"errors"

	"github.com/google/uuid"
)

// Role is a closed capability enum. Every privileged engine operation is
// tagged with exactly one role; unrestricted operations carry none.
type Role uint8

const (
	RoleAdmin Role = iota
	RoleEmergency
	RoleLiquidator
	RoleYieldManager
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEmergency:
		return "emergency"
	case RoleLiquidator:
		return "liquidator"
	case RoleYieldManager:
		return "yield_manager"
	default:
		return "unknown"
	}
}

// ParseRole converts a config string into a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "admin":
		return RoleAdmin, true
	case "emergency":
		return RoleEmergency, true
	case "liquidator":
		return RoleLiquidator, true
	case "yield_manager":
		return RoleYieldManager, true
	default:
		return 0, false
	}
}

// ErrUnauthorized is returned when a caller lacks the required capability.
// Authorization failures perform no state change.
var ErrUnauthorized = errors.New("caller lacks required capability")

// RoleSet is a bitmask of granted roles.
type RoleSet uint8

func (rs RoleSet) Has(r Role) bool {
	return rs&(1<<r) != 0
}

func (rs RoleSet) With(r Role) RoleSet {
	return rs | (1 << r)
}

// Registry maps caller identities to their granted capability sets.
// Mutated only at startup and through admin grants; read on every
// privileged operation.
type Registry struct {
	grants map[uuid.UUID]RoleSet
}

func NewRegistry() *Registry {
	return &Registry{grants: make(map[uuid.UUID]RoleSet)}
}

// Grant adds a role to an actor's capability set.
func (reg *Registry) Grant(actor uuid.UUID, role Role) {
	reg.grants[actor] = reg.grants[actor].With(role)
}

// Require returns ErrUnauthorized unless the actor holds the role.
func (reg *Registry) Require(actor uuid.UUID, role Role) error {
	if !reg.grants[actor].Has(role) {
		return ErrUnauthorized
	}
	return nil
}

// Roles returns the actor's capability set.
func (reg *Registry) Roles(actor uuid.UUID) RoleSet {
	return reg.grants[actor]
}
