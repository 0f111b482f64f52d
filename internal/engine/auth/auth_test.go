package auth

import (
	"testing"

	"breaklock/internal/config"
)

func TestIsAdmin(t *testing.T) {
	a, err := NewAuthorizer([]config.RoleGrant{
		{Role: "admin", Tenant: "*"},
		{Role: "Supervisor", Tenant: "acme"},
	})
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	cases := []struct {
		tenant string
		roles  []string
		want   bool
	}{
		{"acme", []string{"admin"}, true},
		{"globex", []string{"admin"}, true},
		{"acme", []string{"employee", "supervisor"}, true},
		{"globex", []string{"supervisor"}, false},
		{"acme", []string{"employee"}, false},
		{"acme", nil, false},
	}
	for _, tc := range cases {
		got, err := a.IsAdmin(tc.tenant, tc.roles)
		if err != nil {
			t.Fatalf("is admin: %v", err)
		}
		if got != tc.want {
			t.Fatalf("IsAdmin(%s, %v) = %v, want %v", tc.tenant, tc.roles, got, tc.want)
		}
	}
}

func TestNoGrantsMeansNoAdmins(t *testing.T) {
	a, err := NewAuthorizer(nil)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	if ok, _ := a.IsAdmin("acme", []string{"admin"}); ok {
		t.Fatalf("expected no admin without grants")
	}
}
