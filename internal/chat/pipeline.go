// Package chat runs metered question/answer turns against an external
// retrieval pipeline.
package chat

import (
	"context"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

// Question is the input of one turn.
type Question struct {
	UserID   ledger.UserID
	ThreadID ledger.ThreadID
	Text     string
}

// TokenUsage counts tokens consumed by the pipeline.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total sums input and output tokens.
func (usage TokenUsage) Total() int64 {
	return usage.InputTokens + usage.OutputTokens
}

// Citation is a source the answer relied on.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Pipeline produces answers.
type Pipeline interface {
	Open(ctx context.Context, question Question) (Stream, error)
}

// Stream yields an answer incrementally. Usage reports the tokens produced
// so far and stays valid after Close.
type Stream interface {
	Next(ctx context.Context) (chunk string, ok bool, err error)
	Usage() TokenUsage
	Citations() []Citation
	Close() error
}
