package auth

import (
	"sort"

	"github.com/sakif/authcore/internal/model"
)

// Operation is a protected action a role may be allowed to perform.
type Operation string

const (
	OpViewProfile    Operation = "profile:view"
	OpListUsers      Operation = "users:list"
	OpDeleteAllUsers Operation = "users:delete-all"
)

// permissions is the single source of truth for "who may do what".
// Adding an operation means adding it here; routes ask RolesFor/Can.
var permissions = map[model.Role]map[Operation]bool{
	model.RoleAdmin: {
		OpViewProfile:    true,
		OpListUsers:      true,
		OpDeleteAllUsers: true,
	},
	model.RoleUser: {
		OpViewProfile: true,
	},
	model.RoleGuest: {
		OpViewProfile: true,
	},
}

// Can reports whether role may perform op.
func Can(role model.Role, op Operation) bool {
	return permissions[role][op]
}

// RolesFor returns every role allowed to perform op, sorted for stable output.
func RolesFor(op Operation) []model.Role {
	var roles []model.Role
	for role, ops := range permissions {
		if ops[op] {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
