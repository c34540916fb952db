package transcript_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandworks/sitevox/internal/transcript"
)

func beginSession(t *testing.T, store transcript.Store) string {
	t.Helper()
	id, err := store.BeginSession(context.Background(), transcript.SessionMeta{
		Project: "north-ridge",
		Panel:   "panel-7",
		Model:   "gemini-2.0-flash-live-001",
	})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	return id
}

func TestMemStore_BeginAppendEvents(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	evs := []transcript.Event{
		{Kind: transcript.KindSeed, Payload: "project north-ridge, panel 7"},
		{Kind: transcript.KindToolCall, Name: "set_measurement", Payload: `{"field":"top width","value":52.25}`},
		{Kind: transcript.KindToolResult, Name: "set_measurement", Payload: `{"success":true}`},
	}
	for _, ev := range evs {
		if err := store.Append(ctx, id, ev); err != nil {
			t.Fatalf("Append(%s): %v", ev.Kind, err)
		}
	}

	got, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != len(evs) {
		t.Fatalf("Events: want %d, got %d", len(evs), len(got))
	}
	for i, ev := range got {
		if ev.Kind != evs[i].Kind || ev.Name != evs[i].Name || ev.Payload != evs[i].Payload {
			t.Errorf("event %d: want %+v, got %+v", i, evs[i], ev)
		}
		if ev.At.IsZero() {
			t.Errorf("event %d: timestamp not filled in", i)
		}
	}
}

func TestMemStore_SessionIDsUnique(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()

	seen := make(map[string]bool)
	for range 50 {
		id := beginSession(t, store)
		if !strings.HasPrefix(id, "s-") {
			t.Fatalf("session ID %q missing s- prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		seen[id] = true
	}
}

func TestMemStore_AppendUnknownSession(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()

	err := store.Append(context.Background(), "s-nope", transcript.Event{Kind: transcript.KindState, Payload: "listening"})
	if err == nil {
		t.Fatal("Append to unknown session succeeded, want error")
	}
	if !strings.Contains(err.Error(), "unknown session") {
		t.Errorf("error = %q, want mention of unknown session", err)
	}
}

func TestMemStore_AppendAfterEnd(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	if err := store.EndSession(ctx, id, "user stop"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	err := store.Append(ctx, id, transcript.Event{Kind: transcript.KindState, Payload: "idle"})
	if err == nil {
		t.Fatal("Append after EndSession succeeded, want error")
	}
	if !strings.Contains(err.Error(), "ended") {
		t.Errorf("error = %q, want mention of ended session", err)
	}
}

func TestMemStore_RecapAllowedAfterEnd(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	if err := store.EndSession(ctx, id, "user stop"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := store.Append(ctx, id, transcript.Event{Kind: transcript.KindRecap, Payload: "Measured two fields."}); err != nil {
		t.Fatalf("Append recap after end: %v", err)
	}

	got, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 || got[0].Kind != transcript.KindRecap {
		t.Errorf("expected a single recap event, got %+v", got)
	}
}

func TestMemStore_EndSessionIdempotent(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	if err := store.EndSession(ctx, id, "transport error"); err != nil {
		t.Fatalf("first EndSession: %v", err)
	}
	if err := store.EndSession(ctx, id, "user stop"); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	// The first reason sticks.
	if reason := store.EndReason(id); reason != "transport error" {
		t.Errorf("EndReason = %q, want %q", reason, "transport error")
	}
}

func TestMemStore_EndUnknownSession(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()

	if err := store.EndSession(context.Background(), "s-nope", "whatever"); err == nil {
		t.Fatal("EndSession on unknown session succeeded, want error")
	}
}

func TestMemStore_EventsUnknownSession(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()

	if _, err := store.Events(context.Background(), "s-nope"); err == nil {
		t.Fatal("Events on unknown session succeeded, want error")
	}
}

func TestMemStore_EventsReturnsCopy(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	if err := store.Append(ctx, id, transcript.Event{Kind: transcript.KindState, Payload: "listening"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	first[0].Payload = "mutated"

	second, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if second[0].Payload != "listening" {
		t.Error("mutation of returned slice leaked into the store")
	}
}

func TestMemStore_PreservesExplicitTimestamp(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	at := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	if err := store.Append(ctx, id, transcript.Event{Kind: transcript.KindRecap, Payload: "summary", At: at}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if !got[0].At.Equal(at) {
		t.Errorf("At = %v, want %v", got[0].At, at)
	}
}

func TestMemStore_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemStore()
	ctx := context.Background()
	id := beginSession(t, store)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 25 {
				ev := transcript.Event{
					Kind:    transcript.KindToolCall,
					Name:    "set_measurement",
					Payload: fmt.Sprintf("g%d-%d", i, j),
				}
				if err := store.Append(ctx, id, ev); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		})
	}
	wg.Wait()

	got, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 8*25 {
		t.Errorf("Events: want %d, got %d", 8*25, len(got))
	}
}
