package workflow

import (
	"errors"
	"fmt"

	"github.com/jogardn/allergy-notices/pkg/models"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrTerminal          = errors.New("order is already closed")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrActorNotAllowed   = errors.New("actor may not perform this transition")
	ErrChefRequired      = errors.New("an assigned chef is required")
	ErrNoPendingQuestion = errors.New("no pending kitchen question")
	ErrInvalidAnswer     = errors.New("answer must be yes or no")
	// ErrStale means someone else changed the order first; the local change
	// was replaced by theirs.
	ErrStale = errors.New("order was changed by someone else")
)

// ValidationError reports bad input from the submitting actor. Nothing is
// mutated when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransitionError carries the attempted transition and the status it was
// attempted from. It unwraps to one of the precondition sentinels.
type TransitionError struct {
	Kind   Kind
	From   models.Status
	Reason error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %v", e.Kind, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return e.Reason
}

// IsPrecondition reports whether err is a transition-precondition failure
// (missing order, closed order, wrong status or actor, lost race).
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrStale) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrActorNotAllowed) ||
		errors.Is(err, ErrNoPendingQuestion)
}
