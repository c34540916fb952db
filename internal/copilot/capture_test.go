package copilot

import (
	"context"
	"testing"

	"github.com/strandworks/sitevox/internal/observe"
)

func drain(q *sendQueue) [][]byte {
	var out [][]byte
	for {
		select {
		case chunk := <-q.ch:
			out = append(out, chunk)
		default:
			return out
		}
	}
}

func TestSendQueue_BuffersInOrder(t *testing.T) {
	t.Parallel()
	q := newSendQueue(4, observe.DefaultMetrics())
	ctx := context.Background()

	q.push(ctx, []byte{1})
	q.push(ctx, []byte{2})
	q.push(ctx, []byte{3})

	got := drain(q)
	if len(got) != 3 {
		t.Fatalf("buffered %d chunks, want 3", len(got))
	}
	for i, want := range []byte{1, 2, 3} {
		if got[i][0] != want {
			t.Errorf("chunk %d = %d, want %d", i, got[i][0], want)
		}
	}
}

func TestSendQueue_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()
	q := newSendQueue(2, observe.DefaultMetrics())
	ctx := context.Background()

	q.push(ctx, []byte{1})
	q.push(ctx, []byte{2})
	q.push(ctx, []byte{3}) // evicts 1

	got := drain(q)
	if len(got) != 2 {
		t.Fatalf("buffered %d chunks, want 2", len(got))
	}
	if got[0][0] != 2 || got[1][0] != 3 {
		t.Errorf("kept chunks %d,%d, want the freshest 2,3", got[0][0], got[1][0])
	}
}

func TestSendQueue_DiscardsAfterClose(t *testing.T) {
	t.Parallel()
	q := newSendQueue(2, observe.DefaultMetrics())
	ctx := context.Background()

	q.push(ctx, []byte{1})
	q.close()
	q.close() // idempotent
	q.push(ctx, []byte{2})

	got := drain(q)
	if len(got) != 1 || got[0][0] != 1 {
		t.Errorf("after close got %v, want only the pre-close chunk", got)
	}
}
