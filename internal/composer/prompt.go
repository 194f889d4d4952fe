// Package composer turns a question and its retrieved context into the
// prompt sent to the generation backend. Output is a pure function of input.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/retrieval"
)

// SystemInstruction is the system message sent with every completion.
const SystemInstruction = "You are an analyst. Answer concisely with clear bullets when appropriate. If unsure, ask for clarification succinctly."

const (
	rolePreamble = "You are an expert marketing analyst."
	contextLabel = "Context (may be incomplete):"
	taskLine     = "Task: Answer the user's question using only the provided context. If the context is insufficient, say what is missing and ask up to 1 clarifying question. Be concise."
	noSubject    = "(no subject)"
)

// Compose renders the user prompt: role preamble, the context blocks in the
// given order, the grounding task, then the question.
func Compose(question string, blocks []retrieval.ContextBlock) string {
	var sb strings.Builder
	sb.WriteString(rolePreamble)
	sb.WriteString("\n\n")
	sb.WriteString(contextLabel)
	sb.WriteString("\n")
	sb.WriteString(RenderContext(blocks))
	sb.WriteString("\n\n")
	sb.WriteString(taskLine)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// RenderContext formats blocks as "[#i sim=0.000] subject: ...\n<excerpt>"
// separated by blank lines. No blocks render as the empty string.
func RenderContext(blocks []retrieval.ContextBlock) string {
	entries := make([]string, len(blocks))
	for i, b := range blocks {
		entries[i] = formatBlock(i+1, b)
	}
	return strings.Join(entries, "\n\n")
}

func formatBlock(n int, b retrieval.ContextBlock) string {
	subject := b.Subject
	if subject == "" {
		subject = noSubject
	}
	return fmt.Sprintf("[#%d sim=%.3f] subject: %s\n%s", n, b.Similarity, subject, b.Excerpt)
}

// Messages wraps Compose in the system and user messages for a completion.
func Messages(question string, blocks []retrieval.ContextBlock) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: SystemInstruction},
		{Role: "user", Content: Compose(question, blocks)},
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
