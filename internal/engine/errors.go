package engine

import (
	"fmt"
	"strings"
)

// ConflictError reports a purchase-state precondition violation, e.g.
// proposing a second buyer while a purchase is in progress.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// ValidationError reports an unmet required-field or required-document
// precondition. Missing names the kinds still outstanding, if any.
type ValidationError struct {
	Reason  string
	Missing []string
}

func (e ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing %s", e.Reason, strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// InvalidTransitionError reports a status change not permitted from the
// current state.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}
