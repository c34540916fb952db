// Package recap turns a finished voice session's event log into a short
// work-log entry.
//
// Generation runs after teardown, off the audio path, and is best-effort:
// the session manager logs and swallows recap failures so a flaky completion
// backend never affects session shutdown.
package recap

import (
	"context"
	"fmt"
	"strings"

	"github.com/strandworks/sitevox/internal/transcript"
	"github.com/strandworks/sitevox/pkg/provider/llm"
)

// recapPrompt is the system prompt sent to the model when summarising a
// session event log.
const recapPrompt = `Summarise the following voice copilot session from a window and door
installation site into a short work-log entry.
Preserve: every measurement recorded (field name and value), pages the
technician navigated to, any tool failures, and how the session ended.
Write two to four sentences of plain prose. No markdown, no headings.`

// Summariser produces a work-log entry from a session's event log.
type Summariser interface {
	// Summarise condenses the events of one session into a short entry.
	// An empty event log yields an empty entry and no backend call.
	Summarise(ctx context.Context, meta transcript.SessionMeta, events []transcript.Event) (string, error)
}

// LLMSummariser uses a completion provider to generate recap entries.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the event log into a readable transcript, sends it to
// the model with the recap prompt, and returns the generated entry.
func (s *LLMSummariser) Summarise(ctx context.Context, meta transcript.SessionMeta, events []transcript.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: recapPrompt,
		Messages: []llm.Message{
			{
				Role:    "user",
				Content: formatEvents(meta, events),
			},
		},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("recap: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}

// formatEvents renders the session header and one line per event.
func formatEvents(meta transcript.SessionMeta, events []transcript.Event) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Session on project %q, panel %q, model %q.\n", meta.Project, meta.Panel, meta.Model)
	for _, ev := range events {
		fmt.Fprintf(&sb, "[%s] %s", ev.At.Format("15:04:05"), ev.Kind)
		if ev.Name != "" {
			fmt.Fprintf(&sb, " %s", ev.Name)
		}
		if ev.Payload != "" {
			fmt.Fprintf(&sb, " %s", ev.Payload)
		}
		sb.WriteByte('\n')
	}

	return sb.String()
}
