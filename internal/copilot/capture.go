package copilot

import (
	"context"
	"sync"

	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/pkg/audio"
	"github.com/strandworks/sitevox/pkg/live"
)

// sendQueue is the bounded buffer between the capture pump and the uplink
// sender. It absorbs short model-side stalls; under sustained backpressure
// it evicts the oldest chunk, because on a realtime uplink fresh speech is
// worth more than stale speech.
type sendQueue struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	metrics *observe.Metrics
}

func newSendQueue(size int, metrics *observe.Metrics) *sendQueue {
	return &sendQueue{
		ch:      make(chan []byte, size),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// push enqueues one chunk, evicting the oldest buffered chunk when full.
// Chunks pushed after close are discarded.
func (q *sendQueue) push(ctx context.Context, chunk []byte) {
	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.ch <- chunk:
		return
	default:
	}

	// Full. Evict one and retry; the sender may have drained a slot in
	// between, then the eviction was unnecessary but the retry still lands.
	select {
	case <-q.ch:
		q.metrics.RecordFrameDrop(ctx, "uplink", 1)
	default:
	}
	select {
	case q.ch <- chunk:
	default:
		q.metrics.RecordFrameDrop(ctx, "uplink", 1)
	}
}

// close releases the sender. Idempotent. The data channel stays open so a
// concurrent push cannot panic; leftover chunks are garbage collected with
// the queue.
func (q *sendQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// capturePump reads microphone frames, converts them to 16 kHz mono PCM16
// and pushes fixed-size chunks onto the send queue. Exits when the source's
// frame channel closes; a close the manager did not initiate (the device
// went away mid-session) triggers teardown.
func (m *Manager) capturePump(sess live.Session, source audio.Source, queue *sendQueue) {
	ctx := context.Background()
	chunkBytes := m.cfg.ChunkSamples * 2
	var pending []byte

	for frame := range source.Frames() {
		mono := audio.ToMonoFloat32(frame)
		pcm := audio.Float32ToPCM16(audio.Resample(mono, frame.SampleRate, uplinkRate))
		pending = append(pending, pcm...)

		for len(pending) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, pending)
			pending = pending[chunkBytes:]
			queue.push(ctx, chunk)
		}
	}
	// A trailing partial chunk is dropped with the session; the model gains
	// nothing from a final sliver of microphone audio.
	go m.teardown(sess, "capture source closed", nil)
}

// sendPump drains the send queue into the session. The done check comes
// first in its own select so a closed queue wins over buffered chunks.
func (m *Manager) sendPump(ctx context.Context, sess live.Session, queue *sendQueue) {
	for {
		select {
		case <-queue.done:
			return
		default:
		}

		select {
		case <-queue.done:
			return
		case chunk := <-queue.ch:
			if err := sess.SendAudio(ctx, chunk); err != nil {
				m.log.Warn("uplink send failed", "error", err)
				go m.teardown(sess, "send failed", err)
				return
			}
			m.metrics.FramesSent.Add(ctx, 1)
		}
	}
}
