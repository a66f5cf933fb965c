package conversation

import "fmt"

// ErrInvalidRole is returned when a turn carries an unknown role.
type ErrInvalidRole struct {
	Role Role
}

func (e *ErrInvalidRole) Error() string {
	return fmt.Sprintf("invalid turn role %q", e.Role)
}

// ErrUnknownToolCall is returned when a tool turn answers an invocation
// that is not pending: never requested, or already answered.
type ErrUnknownToolCall struct {
	ToolCallID string
}

func (e *ErrUnknownToolCall) Error() string {
	return fmt.Sprintf("tool result references unknown or already answered call %q", e.ToolCallID)
}
