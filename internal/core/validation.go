package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrTooFewParticipants = errors.New("too few participants")
	ErrZeroTotal          = errors.New("zero total")
	ErrMissingName        = errors.New("missing participant name")
	ErrNegativePrice      = errors.New("invalid item price")
	ErrDuplicateName      = errors.New("duplicate participant name")
)

// ValidationError is the failed branch of Group.Validate. Kind is one of the
// Err* sentinels above; Message is meant for the end user.
type ValidationError struct {
	Kind    error
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Kind }

// Code returns a stable machine-readable name for the failure kind.
func (e *ValidationError) Code() string {
	switch e.Kind {
	case ErrTooFewParticipants:
		return "too_few_participants"
	case ErrZeroTotal:
		return "zero_total"
	case ErrMissingName:
		return "missing_name"
	case ErrNegativePrice:
		return "invalid_price"
	case ErrDuplicateName:
		return "duplicate_name"
	default:
		return "invalid"
	}
}

func invalid(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the preconditions of the settlement engine. It returns nil
// or a *ValidationError. Callers usually run Normalize first so that blank
// form rows do not count as participants.
func (g Group) Validate() error {
	if len(g.Participants) < 2 {
		return invalid(ErrTooFewParticipants, "Should be more than 1 participants")
	}

	for _, p := range g.Participants {
		for _, it := range p.Items {
			if math.IsNaN(it.Price) || math.IsInf(it.Price, 0) || it.Price < 0 {
				return invalid(ErrNegativePrice, "Price of %q must be a non-negative amount", it.Name)
			}
		}
	}

	if g.Total() <= 0 {
		return invalid(ErrZeroTotal, "Total amount is 0")
	}

	for _, p := range g.Participants {
		if len(p.Items) > 0 && strings.TrimSpace(p.Name) == "" {
			return invalid(ErrMissingName, "Name of every participants is required.")
		}
	}

	seen := make(map[string]struct{}, len(g.Participants))
	for _, p := range g.Participants {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return invalid(ErrDuplicateName, "Participant names must be unique: %q appears more than once", name)
		}
		seen[name] = struct{}{}
	}

	return nil
}
