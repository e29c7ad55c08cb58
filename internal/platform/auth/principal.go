package auth

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RolePhysician    Role = "physician"
	RoleNurse        Role = "nurse"
	RoleReceptionist Role = "receptionist"
	RolePatient      Role = "patient"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RolePhysician, RoleNurse, RoleReceptionist, RolePatient:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// IsStaff reports whether the role works the intake desk or clinical floor.
func (r Role) IsStaff() bool {
	return r != RolePatient && r != ""
}

// Principal is the verified caller of a request.
type Principal struct {
	SubjectID int64  `json:"subject_id"`
	Role      Role   `json:"role"`
	Facility  string `json:"facility,omitempty"`
}

// Has reports whether the principal may act as one of roles. Admin passes
// every check.
func (p Principal) Has(roles ...Role) bool {
	if p.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
