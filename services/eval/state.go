package eval

import (
	"fmt"
	"time"
)

// transitions is the allow-list of status changes.
var transitions = map[TaskStatus][]TaskStatus{
	StatusConfigParams:      {StatusConfigPrompts, StatusFailed, StatusCancelled},
	StatusConfigPrompts:     {StatusGeneratingAnswers, StatusFailed, StatusCancelled},
	StatusGeneratingAnswers: {StatusEvaluatingAnswers, StatusFailed, StatusCancelled},
	StatusEvaluatingAnswers: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusConfigParams, StatusConfigPrompts, StatusGeneratingAnswers,
		StatusEvaluatingAnswers, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no transition leaves s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning returns true for the two pipeline stages.
func (s TaskStatus) IsRunning() bool {
	return s == StatusGeneratingAnswers || s == StatusEvaluatingAnswers
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move task from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition validates moving t to status to and returns the conditional
// update that applies it. Entering GENERATING_ANSWERS stamps StartedAt and
// entering a terminal status stamps CompletedAt, each only when unset.
func Transition(t *Task, to TaskStatus, now time.Time) (TaskUpdate, error) {
	if !CanTransition(t.Status, to) {
		return TaskUpdate{}, &InvalidTransitionError{From: t.Status, To: to}
	}

	from := t.Status
	u := TaskUpdate{IfStatus: &from, Status: &to}
	if to == StatusGeneratingAnswers && t.StartedAt == nil {
		u.StartedAt = &now
	}
	if to.IsTerminal() && t.CompletedAt == nil {
		u.CompletedAt = &now
	}
	return u, nil
}
