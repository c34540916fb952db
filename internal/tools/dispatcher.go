package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/pkg/live"
)

// defaultHandlerTimeout bounds a single tool handler execution. Handlers are
// expected to be near-instant (they mutate in-memory project state); the
// timeout exists so a stuck handler cannot stall the dispatch loop while the
// technician keeps talking.
const defaultHandlerTimeout = 30 * time.Second

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithTimeout overrides the per-handler execution timeout.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithJournal sets a callback invoked after every dispatch with the call and
// the result that was sent back. The session manager uses it to append
// tool_call/tool_result pairs to the job log. The callback runs on the
// dispatch goroutine and must not block.
func WithJournal(fn func(req live.ToolCallRequest, res live.ToolResult)) DispatcherOption {
	return func(d *Dispatcher) { d.journal = fn }
}

// Dispatcher consumes tool calls from a live session and executes them
// serially through a [Registry].
//
// Serial execution is deliberate: tool calls mutate shared project state and
// the model issues them in a meaningful order (set the width, then advance
// to the next field). Running them concurrently would let later calls
// observe earlier ones half-applied.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
	metrics  *observe.Metrics
	timeout  time.Duration
	journal  func(req live.ToolCallRequest, res live.ToolResult)
}

// NewDispatcher creates a Dispatcher backed by reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		log:      slog.Default(),
		timeout:  defaultHandlerTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Run consumes sess.ToolCalls() until the channel closes or ctx is
// cancelled, dispatching each call in arrival order. It never returns an
// error: individual failures become structured responses to the model, and
// a closed session simply ends the loop.
func (d *Dispatcher) Run(ctx context.Context, sess live.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-sess.ToolCalls():
			if !ok {
				return
			}
			d.dispatch(ctx, sess, req)
		}
	}
}

// dispatch executes one tool call and sends its result back. Results that
// cannot be delivered because the session closed underneath us are logged
// and discarded; teardown is the session manager's job, not ours.
func (d *Dispatcher) dispatch(ctx context.Context, sess live.Session, req live.ToolCallRequest) {
	start := time.Now()

	response, status := d.execute(ctx, req)

	d.metrics.RecordToolDispatch(ctx, req.Name, status, time.Since(start).Seconds())

	result := live.ToolResult{
		ID:       req.ID,
		Name:     req.Name,
		Response: response,
	}
	if err := sess.SendToolResult(ctx, result); err != nil {
		d.log.Debug("tool result discarded, session gone",
			"tool", req.Name, "id", req.ID, "error", err)
	}

	if d.journal != nil {
		d.journal(req, result)
	}
}

// execute runs the handler for req and returns the response payload plus a
// metric status label.
func (d *Dispatcher) execute(ctx context.Context, req live.ToolCallRequest) (map[string]any, string) {
	reg, ok := d.registry.Lookup(req.Name)
	if !ok {
		d.log.Warn("model called an unregistered tool", "tool", req.Name)
		return failure(fmt.Sprintf("unknown tool %q", req.Name)), "unknown"
	}

	ctx, span := observe.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(observe.Attr("tool", req.Name)),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	response, err := runHandler(execCtx, reg.Handler, req.Args)
	if err != nil {
		d.log.Warn("tool handler failed", "tool", req.Name, "error", err)
		return failure(err.Error()), "error"
	}
	return response, "ok"
}

// runHandler invokes h, converting a panic into an error so one bad handler
// cannot take down the dispatch loop.
func runHandler(ctx context.Context, h Handler, args map[string]any) (response map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

// failure builds the structured error payload returned to the model when a
// tool cannot be executed. The model reads the error text aloud or adjusts
// its plan; the session itself is unaffected.
func failure(msg string) map[string]any {
	return map[string]any{
		"success": false,
		"error":   msg,
	}
}
