package recap_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/strandworks/sitevox/internal/recap"
	"github.com/strandworks/sitevox/internal/transcript"
	"github.com/strandworks/sitevox/pkg/provider/llm"
	llmmock "github.com/strandworks/sitevox/pkg/provider/llm/mock"
)

func sampleMeta() transcript.SessionMeta {
	return transcript.SessionMeta{
		Project: "north-ridge",
		Panel:   "panel-7",
		Model:   "gemini-2.0-flash-live-001",
	}
}

func sampleEvents() []transcript.Event {
	at := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	return []transcript.Event{
		{Kind: transcript.KindSeed, Payload: "project north-ridge, measurements page", At: at},
		{Kind: transcript.KindToolCall, Name: "set_measurement", Payload: `{"field":"top width","value":52.25}`, At: at.Add(5 * time.Second)},
		{Kind: transcript.KindToolResult, Name: "set_measurement", Payload: `{"success":true,"nextMeasurement":"widthMiddle"}`, At: at.Add(6 * time.Second)},
		{Kind: transcript.KindState, Payload: "idle", At: at.Add(40 * time.Second)},
	}
}

func TestSummarise_SendsTranscriptAndReturnsEntry(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Recorded the top width of 52.25 inches on panel 7."},
	}
	s := recap.NewLLMSummariser(provider)

	entry, err := s.Summarise(context.Background(), sampleMeta(), sampleEvents())
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if entry != "Recorded the top width of 52.25 inches on panel 7." {
		t.Errorf("unexpected entry: %q", entry)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt == "" {
		t.Error("expected a system prompt")
	}
	if req.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("expected a single user message, got %+v", req.Messages)
	}

	body := req.Messages[0].Content
	for _, want := range []string{"north-ridge", "panel-7", "set_measurement", "52.25", "09:26:58"} {
		if !strings.Contains(body, want) {
			t.Errorf("transcript missing %q:\n%s", want, body)
		}
	}
}

func TestSummarise_EmptyEvents(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{}
	s := recap.NewLLMSummariser(provider)

	entry, err := s.Summarise(context.Background(), sampleMeta(), nil)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if entry != "" {
		t.Errorf("entry = %q, want empty", entry)
	}
	if len(provider.Calls()) != 0 {
		t.Error("expected no backend call for an empty event log")
	}
}

func TestSummarise_ProviderError(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	s := recap.NewLLMSummariser(provider)

	_, err := s.Summarise(context.Background(), sampleMeta(), sampleEvents())
	if err == nil {
		t.Fatal("expected error from failing provider")
	}
	if !strings.Contains(err.Error(), "recap") {
		t.Errorf("error = %q, want recap prefix", err)
	}
}

func TestSummarise_TrimsWhitespace(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "\n  Measured two fields.  \n"},
	}
	s := recap.NewLLMSummariser(provider)

	entry, err := s.Summarise(context.Background(), sampleMeta(), sampleEvents())
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if entry != "Measured two fields." {
		t.Errorf("entry = %q, want trimmed", entry)
	}
}
