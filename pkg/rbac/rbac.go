// Package rbac decides which socket events a connection may send, based on
// its resolved role.
package rbac

import "fmt"

// Role is derived from the session: anonymous until login succeeds, then
// player or admin by the resolved admin flag.
type Role int

const (
	RoleAnonymous Role = iota
	RolePlayer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAnonymous:
		return "anonymous"
	case RolePlayer:
		return "player"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// RoleOf maps an authenticated session's admin flag to a role.
func RoleOf(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RolePlayer
}

type Permission int

const (
	PermLogin Permission = iota
	PermLogout
	PermChat
	PermRequestGameData
	PermPing
	PermKickUser
	PermBanUser
	PermSetBalance
)

var playerPerms = map[Permission]bool{
	PermLogout:          true,
	PermChat:            true,
	PermRequestGameData: true,
	PermPing:            true,
}

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[Role]map[Permission]bool{
	RoleAnonymous: {
		PermLogin: true,
	},
	RolePlayer: playerPerms,
	RoleAdmin: merge(playerPerms, map[Permission]bool{
		PermKickUser:   true,
		PermBanUser:    true,
		PermSetBalance: true,
	}),
}

func merge(a, b map[Permission]bool) map[Permission]bool {
	out := make(map[Permission]bool, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + perm.String() + " not allowed for " + role.String()
}

func (p Permission) String() string {
	switch p {
	case PermLogin:
		return "login"
	case PermLogout:
		return "logout"
	case PermChat:
		return "chat"
	case PermRequestGameData:
		return "request_game_data"
	case PermPing:
		return "ping"
	case PermKickUser:
		return "kick_user"
	case PermBanUser:
		return "ban_user"
	case PermSetBalance:
		return "set_balance"
	default:
		return "unknown"
	}
}
