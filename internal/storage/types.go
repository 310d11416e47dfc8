package storage

import "errors"

var (
	// ErrNotFound indicates that the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates an I/O failure reaching the persistent store.
	ErrUnavailable = errors.New("store unavailable")
)

// Retrieval caps applied when assembling a prompt. The builder passes these
// to the per-kind queries; backends never return more rows than asked for.
const (
	// MaxFactsPerPrompt caps importance facts included in a prompt.
	MaxFactsPerPrompt = 20

	// MaxSemanticPerPrompt caps semantic facts included in a prompt.
	MaxSemanticPerPrompt = 50

	// MaxEpisodesPerPrompt caps episode summaries included in a prompt.
	MaxEpisodesPerPrompt = 5
)

// QueryLimit normalizes a caller-supplied limit against a default and cap.
// Zero or negative limits fall back to def; limits above max are reduced.
func QueryLimit(limit, def, max int) int {
	if limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
