package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation indicates malformed input (empty texts, blank identifiers).
// Out-of-range priorities are not validation failures; they are clamped.
var ErrValidation = errors.New("validation failed")

// ValidateTurn checks a turn before it enters short-term memory.
// Agent text may be empty (the agent can decline to answer); user text and
// session ID may not.
func ValidateTurn(t *Turn) error {
	if t == nil {
		return fmt.Errorf("%w: turn is nil", ErrValidation)
	}
	if strings.TrimSpace(t.SessionID) == "" {
		return fmt.Errorf("%w: session ID is required", ErrValidation)
	}
	if strings.TrimSpace(t.UserText) == "" {
		return fmt.Errorf("%w: user text is required", ErrValidation)
	}
	return nil
}

// ValidateFact checks an importance fact and normalizes it in place:
// priority is clamped and tags fall back to "general" when empty.
func ValidateFact(f *Fact) error {
	if f == nil {
		return fmt.Errorf("%w: fact is nil", ErrValidation)
	}
	if strings.TrimSpace(f.UserID) == "" {
		return fmt.Errorf("%w: user ID is required", ErrValidation)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: fact content is required", ErrValidation)
	}
	f.Priority = ClampPriority(f.Priority)
	if len(f.Tags) == 0 {
		f.Tags = []string{"general"}
	}
	return nil
}

// ValidateSemanticFact checks a semantic key/value fact.
func ValidateSemanticFact(f *SemanticFact) error {
	if f == nil {
		return fmt.Errorf("%w: semantic fact is nil", ErrValidation)
	}
	if strings.TrimSpace(f.UserID) == "" {
		return fmt.Errorf("%w: user ID is required", ErrValidation)
	}
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrValidation)
	}
	return nil
}
