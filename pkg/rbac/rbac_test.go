package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	all := []Permission{PermLogin, PermLogout, PermChat, PermRequestGameData, PermPing, PermKickUser, PermBanUser, PermSetBalance}

	allowed := map[Role]map[Permission]bool{
		RoleAnonymous: {PermLogin: true},
		RolePlayer:    {PermLogout: true, PermChat: true, PermRequestGameData: true, PermPing: true},
		RoleAdmin: {
			PermLogout: true, PermChat: true, PermRequestGameData: true, PermPing: true,
			PermKickUser: true, PermBanUser: true, PermSetBalance: true,
		},
	}

	for role, want := range allowed {
		for _, perm := range all {
			if got := HasPermission(role, perm); got != want[perm] {
				t.Errorf("HasPermission(%v, %v) = %t, want %t", role, perm, got, want[perm])
			}
		}
	}

	if HasPermission(Role(42), PermChat) {
		t.Errorf("unknown role must have no permissions")
	}
}

func TestRequirePermission(t *testing.T) {
	if msg := RequirePermission(RoleAdmin, PermBanUser); msg != "" {
		t.Fatalf("admin ban: %q", msg)
	}
	want := "permission denied: ban_user not allowed for player"
	if msg := RequirePermission(RolePlayer, PermBanUser); msg != want {
		t.Fatalf("RequirePermission = %q, want %q", msg, want)
	}
}

func TestRoleOf(t *testing.T) {
	if RoleOf(true) != RoleAdmin || RoleOf(false) != RolePlayer {
		t.Fatalf("RoleOf mismatch")
	}
	if Role(9).String() != "role(9)" {
		t.Fatalf("Role(9).String() = %q", Role(9).String())
	}
}
