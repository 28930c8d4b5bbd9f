package settle

import (
	"fmt"
	"strings"

	"cheersplit/internal/core"
)

// Mode selects the arithmetic used to settle a group.
type Mode string

const (
	// ModeFloat rounds each emitted amount independently while carrying
	// unrounded balances. Amounts may not add up to the cent on large groups.
	ModeFloat Mode = "float"
	// ModeExact settles in integer cents; see ComputeExact.
	ModeExact Mode = "exact"
)

// ParseMode parses a mode name; the empty string means ModeFloat.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFloat:
		return ModeFloat, nil
	case ModeExact:
		return ModeExact, nil
	default:
		return "", fmt.Errorf("unknown settlement mode %q: must be %q or %q", s, ModeFloat, ModeExact)
	}
}

// Compute settles the participants with the mode's arithmetic.
func (m Mode) Compute(participants []core.Participant) []core.Transaction {
	if m == ModeExact {
		return ComputeExact(participants)
	}
	return Compute(participants)
}
