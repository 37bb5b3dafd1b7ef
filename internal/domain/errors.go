package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist, or an
// outcome write targets a task no longer in the expected state.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// UnknownTaskTypeError is returned when a creation request carries a task
// type outside the recognized set.
type UnknownTaskTypeError struct {
	TaskType string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unrecognized task type %q", e.TaskType)
}

// UnknownReferenceTypeError is returned when a creation request carries a
// reference type outside the recognized set.
type UnknownReferenceTypeError struct {
	ReferenceType string
}

func (e *UnknownReferenceTypeError) Error() string {
	return fmt.Sprintf("unrecognized reference type %q", e.ReferenceType)
}

// NoEndpointError is returned when no active webhook endpoint is
// registered for a task's participant in the project's workspace.
type NoEndpointError struct {
	ProjectID     string
	ParticipantID string
}

func (e *NoEndpointError) Error() string {
	return fmt.Sprintf("no active webhook endpoint for participant %s in project %s", e.ParticipantID, e.ProjectID)
}

// DeliveryFailedError is returned when an endpoint answers with a
// non-2xx status. Body is truncated by the delivery client.
type DeliveryFailedError struct {
	Status int
	Body   string
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.Status, e.Body)
}

// RateLimitExceededError is returned when a project exceeds its task
// creation rate limit.
type RateLimitExceededError struct {
	ProjectID string
	Limit     int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for project %q: limit is %d", e.ProjectID, e.Limit)
}
