package model

import (
	"fmt"
	"strings"
)

// Role is the admission-granted capability tag of a connection.
// It is set once by the first client message and immutable afterwards.
type Role string

const (
	RolePatient  Role = "patient"
	RoleOperator Role = "operator"
	RoleAI       Role = "ai"
)

// ParseRole canonicalizes a client-supplied user_type. Comparison is
// case-insensitive; the stored form is lower-case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleOperator, RoleAI:
		return r, nil
	default:
		return "", fmt.Errorf("unknown user_type %q", s)
	}
}

func (r Role) String() string { return string(r) }
