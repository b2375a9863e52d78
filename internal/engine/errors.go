package engine

import "fmt"

// ValidationError indicates malformed input, such as progress out of range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StructuralError indicates a hierarchy invariant violation: a cycle, a
// cross-tenant or cross-project parent, or a rollup-blocked completion.
type StructuralError struct {
	Reason string
}

func (e StructuralError) Error() string {
	return e.Reason
}

// TransitionError indicates an operation not legal from the current status.
type TransitionError struct {
	Op   string
	From string
	To   string
}

func (e TransitionError) Error() string {
	if e.Op != "" && e.To == "" {
		return fmt.Sprintf("%s not allowed while task is %s", e.Op, e.From)
	}
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// AuthorizationError indicates a role or capability gate failure, including
// the agent-cannot-self-approve rule.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string {
	return e.Reason
}

// ConflictError indicates a lost update on concurrent mutation of the same
// task. Callers may re-read and retry; all other errors are terminal for the
// request.
type ConflictError struct {
	TaskID int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %d was modified concurrently; re-read and retry", e.TaskID)
}
