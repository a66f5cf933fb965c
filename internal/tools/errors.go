// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered. This indicates a capability mismatch on the
// model's side, not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArguments is returned when a tool call's arguments do not
// validate against the tool's input schema.
type ErrInvalidArguments struct {
	ToolName string
	Problems []string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid arguments for %s", e.ToolName)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Problems, "; "))
}
