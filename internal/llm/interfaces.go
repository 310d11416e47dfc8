// Package llm holds the external service boundaries the memory core talks
// to: chat completion and speech synthesis. The core only supplies a system
// prompt and consumes opaque text/audio; provider internals stay out of scope.
package llm

import (
	"context"

	"github.com/mseverin/voicemem/pkg/types"
)

// Completer is the chat completion boundary. The memory subsystem supplies
// systemPrompt and does not inspect completion internals.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string, history []*types.Turn) (string, error)
}

// Synthesizer is the speech synthesis boundary.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
