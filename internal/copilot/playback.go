package copilot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/pkg/audio"
	"github.com/strandworks/sitevox/pkg/live"
)

// playbackQueue plays synthesised speech strictly in arrival order through
// an [audio.Scheduler]. One buffer plays at a time; its completion callback
// chains the next, so chunks enqueued while speech is underway come out
// gapless. onActive reports edges only: true when the queue goes from quiet
// to playing, false when it drains.
type playbackQueue struct {
	sched    audio.Scheduler
	rate     int
	log      *slog.Logger
	metrics  *observe.Metrics
	onActive func(bool)

	mu      sync.Mutex
	queue   []audio.Frame
	playing bool
	closed  bool
}

func newPlaybackQueue(sched audio.Scheduler, rate int, log *slog.Logger, metrics *observe.Metrics, onActive func(bool)) *playbackQueue {
	return &playbackQueue{
		sched:    sched,
		rate:     rate,
		log:      log,
		metrics:  metrics,
		onActive: onActive,
	}
}

// Enqueue converts one model payload to the device rate and appends it.
// When nothing is playing, playback starts immediately. Payloads that
// cannot be played are dropped and the stream continues; one bad chunk
// must not silence the rest of the answer.
func (p *playbackQueue) Enqueue(payload live.AudioPayload) {
	if payload.SampleRate <= 0 || len(payload.Data) < 2 {
		p.log.Warn("dropping unplayable audio chunk",
			"rate", payload.SampleRate, "bytes", len(payload.Data))
		p.metrics.RecordFrameDrop(context.Background(), "downlink", 1)
		return
	}

	pcm := payload.Data
	if payload.SampleRate != p.rate {
		pcm = audio.ResamplePCM16(pcm, payload.SampleRate, p.rate)
		if len(pcm) == 0 {
			p.log.Warn("dropping audio chunk that resampled to nothing",
				"rate", payload.SampleRate, "bytes", len(payload.Data))
			p.metrics.RecordFrameDrop(context.Background(), "downlink", 1)
			return
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, audio.Frame{Data: pcm, SampleRate: p.rate, Channels: 1})
	p.metrics.PlaybackQueueDepth.Add(context.Background(), 1)
	becameActive := false
	if !p.playing {
		becameActive = p.startNextLocked()
	}
	p.mu.Unlock()

	if becameActive && p.onActive != nil {
		p.onActive(true)
	}
}

// startNextLocked schedules the head of the queue, skipping buffers the
// device refuses. Returns whether playback just moved from quiet to
// playing. Caller holds mu.
func (p *playbackQueue) startNextLocked() bool {
	for len(p.queue) > 0 {
		f := p.queue[0]
		p.queue = p.queue[1:]
		p.metrics.PlaybackQueueDepth.Add(context.Background(), -1)

		if err := p.sched.Start(f, p.completed); err != nil {
			p.log.Warn("playback start failed, dropping buffer", "error", err)
			p.metrics.RecordFrameDrop(context.Background(), "downlink", 1)
			continue
		}
		wasQuiet := !p.playing
		p.playing = true
		return wasQuiet
	}
	p.playing = false
	return false
}

// completed is the scheduler's completion callback: it chains the next
// buffer, or reports the drain when the queue is empty.
func (p *playbackQueue) completed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wasPlaying := p.playing
	p.startNextLocked()
	drained := wasPlaying && !p.playing
	p.mu.Unlock()

	if drained && p.onActive != nil {
		p.onActive(false)
	}
}

// Flush discards all queued audio and cuts off the device. The queue is
// unusable afterwards; teardown builds a fresh one per session. No drain
// edge is reported, the manager owns the state during teardown.
func (p *playbackQueue) Flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := len(p.queue)
	p.queue = nil
	p.playing = false
	p.mu.Unlock()

	if dropped > 0 {
		p.metrics.PlaybackQueueDepth.Add(context.Background(), int64(-dropped))
	}
	p.sched.Flush()
}

// depth reports how many chunks wait behind the one playing.
func (p *playbackQueue) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// isPlaying reports whether a buffer is at the device right now.
func (p *playbackQueue) isPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
