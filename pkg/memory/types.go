package memory

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole accepts only the two conversation roles.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

func (r Role) String() string { return string(r) }

// Turn is one persisted message. Turns are append-only; ID and CreatedAt
// are assigned by the store and never decrease together.
type Turn struct {
	ID        int64
	Role      Role
	Content   string
	CreatedAt time.Time
}
