package ai

import "context"

// Summarizer condenses a conversation. It knows nothing about sessions
// or storage.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []Message) (string, error)
}

// Message is one line of a transcript in model terms.
type Message struct {
	Role string // "user" | "assistant" | "system"
	Text string
}
