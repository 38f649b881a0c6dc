package lifecycle

import (
	"github.com/ethereum/go-ethereum/common"
)

// Role names a principal a component recognises as authorized.
type Role int

const (
	RoleOwner Role = iota
	RoleExecutor
	RoleBridge
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleExecutor:
		return "executor"
	case RoleBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// ACL binds roles to principals. Bindings are fixed at construction.
type ACL struct {
	bindings map[Role]common.Address
}

func NewACL(bindings map[Role]common.Address) ACL {
	copied := make(map[Role]common.Address, len(bindings))
	for role, addr := range bindings {
		copied[role] = addr
	}
	return ACL{bindings: copied}
}

// Principal returns the address bound to role, or the null principal.
func (a ACL) Principal(role Role) common.Address {
	return a.bindings[role]
}

// Require succeeds when caller is bound to at least one of roles.
// The null principal never satisfies a role, even an unbound one.
func (a ACL) Require(caller common.Address, roles ...Role) error {
	if IsNull(caller) {
		return ErrUnauthorized
	}
	for _, role := range roles {
		bound, ok := a.bindings[role]
		if ok && !IsNull(bound) && bound == caller {
			return nil
		}
	}
	return ErrUnauthorized
}

// IsNull reports whether addr is the null principal.
func IsNull(addr common.Address) bool {
	return addr == (common.Address{})
}
