// SPDX-License-Identifier: MIT

// Package auth implements the gateway's authentication and authorization
// model: strict HS256 bearer tokens, static API keys and a hierarchical
// role lattice mapped onto a fixed permission catalog.
package auth

// Role is the access tier of an authenticated caller. Higher tiers include
// every grant of the tiers below them.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleGuest    Role = "guest"
)

// rank orders the lattice. Unknown roles rank below guest.
var rank = map[Role]int{
	RoleGuest:    1,
	RoleViewer:   2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return rank[r] >= rank[min]
}

// Permission is one entry of the fixed grant catalog.
type Permission string

const (
	PermSystemAdmin   Permission = "system:admin"
	PermSystemConfig  Permission = "system:config"
	PermSystemMonitor Permission = "system:monitor"

	PermRobotControl Permission = "robot:control"
	PermRobotMotion  Permission = "robot:motion"
	PermRobotAudio   Permission = "robot:audio"
	PermRobotVideo   Permission = "robot:video"
	PermRobotLEDs    Permission = "robot:leds"

	PermDataRead   Permission = "data:read"
	PermDataWrite  Permission = "data:write"
	PermDataDelete Permission = "data:delete"

	PermAPIRead  Permission = "api:read"
	PermAPIWrite Permission = "api:write"
	PermAPIAdmin Permission = "api:admin"
)

// grants lists the direct permissions of each tier. Effective permissions
// are the union over the tier and everything below it.
var grants = map[Role][]Permission{
	RoleGuest: {PermAPIRead},
	RoleViewer: {
		PermSystemMonitor, PermDataRead,
	},
	RoleOperator: {
		PermRobotControl, PermRobotMotion, PermRobotAudio, PermRobotVideo, PermRobotLEDs,
		PermDataWrite, PermAPIWrite,
	},
	RoleAdmin: {
		PermSystemAdmin, PermSystemConfig, PermDataDelete, PermAPIAdmin,
	},
}

// Permissions returns the effective permission set of r, lattice-inclusive.
func (r Role) Permissions() []Permission {
	var out []Permission
	for role, n := range rank {
		if n <= rank[r] {
			out = append(out, grants[role]...)
		}
	}
	return out
}

// Has reports whether r's effective set contains p.
func (r Role) Has(p Permission) bool {
	for role, n := range rank {
		if n > rank[r] {
			continue
		}
		for _, g := range grants[role] {
			if g == p {
				return true
			}
		}
	}
	return false
}
