package tools_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/strandworks/sitevox/internal/observe"
	"github.com/strandworks/sitevox/internal/tools"
	"github.com/strandworks/sitevox/pkg/live"
	livemock "github.com/strandworks/sitevox/pkg/live/mock"
)

// newDispatcherMetrics builds a Metrics instance with a manual reader so
// tests can assert recorded dispatches.
func newDispatcherMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// runDispatcher starts d.Run against sess and returns a channel closed when
// the loop exits.
func runDispatcher(d *tools.Dispatcher, sess live.Session) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(context.Background(), sess)
	}()
	return stopped
}

func TestDispatcher_UnknownTool_StructuredFailure(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "bogus", Args: map[string]any{}})

	waitFor(t, "tool result", func() bool { return len(sess.ToolResults()) == 1 })

	res := sess.ToolResults()[0]
	if res.ID != "fc-1" || res.Name != "bogus" {
		t.Errorf("result identity = %q/%q; want fc-1/bogus", res.ID, res.Name)
	}
	if res.Response["success"] != false {
		t.Errorf("success = %v; want false", res.Response["success"])
	}
	if res.Response["error"] != `unknown tool "bogus"` {
		t.Errorf("error = %v; want %q", res.Response["error"], `unknown tool "bogus"`)
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_SerialArrivalOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	var inFlight, maxInFlight int

	reg := tools.NewRegistry()
	reg.Register(declaration("mark"), func(_ context.Context, args map[string]any) (map[string]any, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		order = append(order, args["id"].(string))
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return map[string]any{"success": true}, nil
	})

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	for _, id := range []string{"a", "b", "c"} {
		sess.EmitToolCall(live.ToolCallRequest{ID: id, Name: "mark", Args: map[string]any{"id": id}})
	}

	waitFor(t, "three results", func() bool { return len(sess.ToolResults()) == 3 })

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("handlers overlapped: max in flight = %d; want 1", maxInFlight)
	}
	for i, want := range []string{"a", "b", "c"} {
		if order[i] != want {
			t.Errorf("execution order[%d] = %q; want %q", i, order[i], want)
		}
	}

	results := sess.ToolResults()
	for i, want := range []string{"a", "b", "c"} {
		if results[i].ID != want {
			t.Errorf("result order[%d] = %q; want %q", i, results[i].ID, want)
		}
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_HandlerError_BecomesFailureResponse(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("flaky"), func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("field name did not match")
	})

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "flaky"})

	waitFor(t, "tool result", func() bool { return len(sess.ToolResults()) == 1 })

	res := sess.ToolResults()[0]
	if res.Response["success"] != false {
		t.Errorf("success = %v; want false", res.Response["success"])
	}
	if res.Response["error"] != "field name did not match" {
		t.Errorf("error = %v; want handler message", res.Response["error"])
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_HandlerPanic_RecoveredAndLoopSurvives(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("explosive"), func(context.Context, map[string]any) (map[string]any, error) {
		panic("nil map write")
	})
	reg.Register(declaration("calm"), noopHandler)

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "explosive"})
	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-2", Name: "calm"})

	waitFor(t, "both results", func() bool { return len(sess.ToolResults()) == 2 })

	results := sess.ToolResults()
	if results[0].Response["success"] != false {
		t.Errorf("panicking tool result = %+v; want failure", results[0].Response)
	}
	if results[1].Response["success"] != true {
		t.Errorf("follow-up tool result = %+v; want success", results[1].Response)
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("slow"), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m), tools.WithTimeout(50*time.Millisecond))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "slow"})

	waitFor(t, "tool result", func() bool { return len(sess.ToolResults()) == 1 })

	res := sess.ToolResults()[0]
	if res.Response["success"] != false {
		t.Errorf("success = %v; want false after timeout", res.Response["success"])
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_SessionClosedMidDispatch_NoPanic(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()

	reg := tools.NewRegistry()
	reg.Register(declaration("closer"), func(context.Context, map[string]any) (map[string]any, error) {
		// The transport drops while the handler runs; the result send must
		// fail gracefully.
		sess.Fail(errors.New("socket gone"))
		return map[string]any{"success": true}, nil
	})

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(context.Background(), sess)
	}()

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "closer"})

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher did not stop after session failure")
	}
	if len(sess.ToolResults()) != 0 {
		t.Errorf("results delivered on a dead session: %d", len(sess.ToolResults()))
	}
}

func TestDispatcher_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(ctx, sess)
	}()

	cancel()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}

func TestDispatcher_JournalRecordsCallAndResult(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("set_measurement"), func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"success": true, "nextMeasurement": "widthMiddle"}, nil
	})

	type pair struct {
		req live.ToolCallRequest
		res live.ToolResult
	}
	var mu sync.Mutex
	var seen []pair

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m),
		tools.WithJournal(func(req live.ToolCallRequest, res live.ToolResult) {
			mu.Lock()
			seen = append(seen, pair{req: req, res: res})
			mu.Unlock()
		}))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{
		ID: "fc-1", Name: "set_measurement",
		Args: map[string]any{"field": "top width", "value": 52.25},
	})
	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-2", Name: "ghost"})

	waitFor(t, "two journal entries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0].req.ID != "fc-1" || seen[0].res.ID != "fc-1" {
		t.Errorf("first entry IDs = %q/%q; want fc-1/fc-1", seen[0].req.ID, seen[0].res.ID)
	}
	if seen[0].req.Args["field"] != "top width" {
		t.Errorf("journalled args = %v; want original call args", seen[0].req.Args)
	}
	if seen[0].res.Response["nextMeasurement"] != "widthMiddle" {
		t.Errorf("journalled response = %v; want handler response", seen[0].res.Response)
	}
	// Unknown tools are journalled too, with the structured failure.
	if seen[1].req.Name != "ghost" || seen[1].res.Response["success"] != false {
		t.Errorf("second entry = %q/%v; want ghost failure", seen[1].req.Name, seen[1].res.Response)
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_JournalFiresWhenResultSendFails(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("noted"), noopHandler)

	var mu sync.Mutex
	journalled := 0

	m, _ := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m),
		tools.WithJournal(func(live.ToolCallRequest, live.ToolResult) {
			mu.Lock()
			journalled++
			mu.Unlock()
		}))

	sess := livemock.NewSession()
	sess.SendToolResultError = errors.New("socket gone")
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "noted"})

	// The result never reaches the model, but the job log still gets the
	// executed call.
	waitFor(t, "journal entry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return journalled == 1
	})
	if len(sess.ToolResults()) != 0 {
		t.Errorf("results delivered despite send error: %d", len(sess.ToolResults()))
	}

	sess.Close()
	<-stopped
}

func TestDispatcher_RecordsDispatchMetrics(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	reg.Register(declaration("ok_tool"), noopHandler)

	m, reader := newDispatcherMetrics(t)
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	sess := livemock.NewSession()
	stopped := runDispatcher(d, sess)

	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-1", Name: "ok_tool"})
	sess.EmitToolCall(live.ToolCallRequest{ID: "fc-2", Name: "ghost"})

	waitFor(t, "both results", func() bool { return len(sess.ToolResults()) == 2 })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var dispatches *metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == "sitevox.tool.dispatches" {
				dispatches = &sm.Metrics[i]
			}
		}
	}
	if dispatches == nil {
		t.Fatal("sitevox.tool.dispatches not recorded")
	}
	sum, ok := dispatches.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("dispatches metric is not a sum")
	}

	statuses := map[string]int64{}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" {
				statuses[kv.Value.AsString()] += dp.Value
			}
		}
	}
	if statuses["ok"] != 1 {
		t.Errorf("ok dispatches = %d; want 1", statuses["ok"])
	}
	if statuses["unknown"] != 1 {
		t.Errorf("unknown dispatches = %d; want 1", statuses["unknown"])
	}

	sess.Close()
	<-stopped
}
