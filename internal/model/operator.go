package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OperatorRole is the RBAC role ladder. Overrides require supervisor or
// above; operator management requires admin.
type OperatorRole string

const (
	RoleViewer     OperatorRole = "viewer"
	RoleOperator   OperatorRole = "operator"
	RoleSupervisor OperatorRole = "supervisor"
	RoleAdmin      OperatorRole = "admin"
)

// RoleRank returns the numeric rank of a role for comparisons.
// Unknown roles rank below viewer.
func RoleRank(r OperatorRole) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleSupervisor:
		return 3
	case RoleAdmin:
		return 4
	}
	return 0
}

// RoleAtLeast reports whether r meets or exceeds the minimum role.
func RoleAtLeast(r, minimum OperatorRole) bool {
	return RoleRank(r) >= RoleRank(minimum)
}

// Operator is a human (or service) identity permitted to call the API.
type Operator struct {
	ID         uuid.UUID    `json:"id"`
	OperatorID string       `json:"operator_id"` // stable human-chosen identifier
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKeyHash string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
}

var operatorIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{1,63}$`)

// ValidateOperatorID enforces the operator_id format: lowercase
// alphanumerics plus _.-, 2–64 characters, starting alphanumeric.
func ValidateOperatorID(id string) error {
	if !operatorIDPattern.MatchString(id) {
		return fmt.Errorf("operator_id must match %s", operatorIDPattern.String())
	}
	return nil
}
