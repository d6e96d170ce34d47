package app

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeQA        Mode = "qa"
	ModeChat      Mode = "chat"
	ModeSummarize Mode = "summarize"
)

var systemPrompts = map[Mode]string{
	ModeQA: "You are a helpful assistant that answers questions using the provided sources. " +
		"Cite sources as [Source N]. If the sources do not contain the answer, say so. Do not make up facts.",
	ModeChat: "You are a concise and helpful AI assistant. Use the provided sources when they are relevant.",
	ModeSummarize: "You summarize documents. Produce a faithful, well structured summary of the provided sources " +
		"that addresses the user's request. Do not add information that is not in the sources.",
}

// ParseMode maps raw input to a Mode; empty input is ModeQA.
func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	if m == "" {
		return ModeQA, nil
	}
	if _, ok := systemPrompts[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
	return m, nil
}

// BuildPrompt lays out system prompt, sources and question in that order.
// The context section is left out when there are no sources.
func BuildPrompt(mode Mode, sources []ContextEntry, question string) string {
	var b strings.Builder
	b.WriteString(systemPrompts[mode])
	b.WriteString("\n\n")

	if len(sources) > 0 {
		b.WriteString("Available context:\n")
		for i, src := range sources {
			name := src.Filename
			if name == "" {
				name = "unknown"
			}
			fmt.Fprintf(&b, "[Source %d] (%s)\n%s\n\n", i+1, name, strings.TrimSpace(src.Text))
		}
	}

	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nAnswer:")
	return b.String()
}
