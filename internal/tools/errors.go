// Package tools provides the action registry and dispatch framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when the model requests a tool that is
// not present in the agent's registry. This indicates a mismatch between
// the advertised schema and the registered handlers, not a runtime
// failure. Callers should abort the turn rather than feed a result back.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrDuplicateTool is returned by Register when a name is taken.
type ErrDuplicateTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrDuplicateTool) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}
