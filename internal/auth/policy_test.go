package auth

import (
	"reflect"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name       string
		handler    Policy
		resource   Policy
		wantPublic bool
		wantRoles  []Role
	}{
		{name: "nothing declared"},
		{name: "public resource", resource: Public(), wantPublic: true},
		{name: "public handler", handler: Public(), wantPublic: true},
		{name: "handler protects inside public resource", handler: Protected(), resource: Public()},
		{name: "handler opens protected resource", handler: Public(), resource: Protected(), wantPublic: true},
		{name: "resource roles inherited", resource: Roles(RoleAdmin), wantRoles: []Role{RoleAdmin}},
		{
			name:      "handler roles override resource roles",
			handler:   Roles(RoleUser, RoleAdmin),
			resource:  Roles(RoleAdmin),
			wantRoles: []Role{RoleUser, RoleAdmin},
		},
		{name: "explicit empty handler roles clear resource roles", handler: Roles(), resource: Roles(RoleAdmin)},
		{
			name:       "public marker does not drop resource roles",
			handler:    Public(),
			resource:   Roles(RoleAdmin),
			wantPublic: true,
			wantRoles:  []Role{RoleAdmin},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Resolve(tt.handler, tt.resource)
			if rule.IsPublic() != tt.wantPublic {
				t.Fatalf("IsPublic() = %v, want %v", rule.IsPublic(), tt.wantPublic)
			}
			if !reflect.DeepEqual(rule.RequiredRoles(), tt.wantRoles) {
				t.Fatalf("RequiredRoles() = %v, want %v", rule.RequiredRoles(), tt.wantRoles)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	user := &Principal{ID: "u1", Role: RoleUser}
	admin := &Principal{ID: "a1", Role: RoleAdmin}

	open := Resolve(Policy{}, Policy{})
	adminOnly := Resolve(Roles(RoleAdmin), Policy{})
	either := Resolve(Roles(RoleUser, RoleAdmin), Policy{})

	cases := []struct {
		name string
		rule Rule
		p    *Principal
		want bool
	}{
		{"no roles, user", open, user, true},
		{"no roles, admin", open, admin, true},
		{"no roles, no identity", open, nil, true},
		{"admin only, user", adminOnly, user, false},
		{"admin only, admin", adminOnly, admin, true},
		{"admin only, no identity", adminOnly, nil, false},
		{"either, user", either, user, true},
		{"either, unknown role", either, &Principal{ID: "x", Role: "GUEST"}, false},
	}
	for _, c := range cases {
		if got := Authorize(c.rule, c.p); got != c.want {
			t.Fatalf("%s: Authorize() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRequiredRolesReturnsCopy(t *testing.T) {
	rule := Resolve(Roles(RoleAdmin), Policy{})
	roles := rule.RequiredRoles()
	roles[0] = RoleUser
	if rule.RequiredRoles()[0] != RoleAdmin {
		t.Fatalf("rule mutated through returned slice")
	}
}
