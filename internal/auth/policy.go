package auth

// Policy is the access metadata declared at one level of a route: either on
// the handler itself or on the resource (group of handlers) it belongs to.
// Unset fields defer to the enclosing level.
type Policy struct {
	public *bool
	roles  []Role
	// rolesSet distinguishes "no roles declared" from an explicit empty set.
	rolesSet bool
}

// Public marks a route as reachable without credentials.
func Public() Policy {
	v := true
	return Policy{public: &v}
}

// Protected marks a route as requiring authentication, overriding a public
// resource.
func Protected() Policy {
	v := false
	return Policy{public: &v}
}

// Roles restricts a route to identities holding any of the given roles.
func Roles(roles ...Role) Policy {
	return Policy{roles: append([]Role(nil), roles...), rolesSet: true}
}

// Rule is the resolved access metadata of a single route.
type Rule struct {
	public bool
	roles  []Role
}

// Resolve computes the effective rule for a handler inside a resource. A
// marker on the handler wins over the same marker on the resource.
func Resolve(handler, resource Policy) Rule {
	var r Rule
	switch {
	case handler.public != nil:
		r.public = *handler.public
	case resource.public != nil:
		r.public = *resource.public
	}
	switch {
	case handler.rolesSet:
		r.roles = handler.roles
	case resource.rolesSet:
		r.roles = resource.roles
	}
	return r
}

func (r Rule) IsPublic() bool { return r.public }

// RequiredRoles returns the OR-combined role set, or nil when the route is
// not gated by role.
func (r Rule) RequiredRoles() []Role {
	if len(r.roles) == 0 {
		return nil
	}
	return append([]Role(nil), r.roles...)
}

// Authorize decides whether an identity satisfies the rule's role
// requirement. It must run after authentication; a missing principal is
// denied whenever roles are declared.
func Authorize(rule Rule, p *Principal) bool {
	if len(rule.roles) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, r := range rule.roles {
		if r == p.Role {
			return true
		}
	}
	return false
}
