package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/strandworks/sitevox/internal/tools"
	"github.com/strandworks/sitevox/pkg/live"
)

// measurementFields lists the canonical form fields in the order a
// technician works an opening: three widths top to bottom, then three
// heights left to right.
var measurementFields = []string{
	"widthTop",
	"widthMiddle",
	"widthBottom",
	"heightLeft",
	"heightCenter",
	"heightRight",
}

// fieldAliases maps normalised spoken field names to canonical fields. The
// model relays whatever the technician said, so the same field arrives as
// "top width", "width top" or just "top".
var fieldAliases = map[string]string{
	"widthtop":      "widthTop",
	"width top":     "widthTop",
	"top width":     "widthTop",
	"top":           "widthTop",
	"widthmiddle":   "widthMiddle",
	"width middle":  "widthMiddle",
	"middle width":  "widthMiddle",
	"center width":  "widthMiddle",
	"middle":        "widthMiddle",
	"widthbottom":   "widthBottom",
	"width bottom":  "widthBottom",
	"bottom width":  "widthBottom",
	"bottom":        "widthBottom",
	"heightleft":    "heightLeft",
	"height left":   "heightLeft",
	"left height":   "heightLeft",
	"left":          "heightLeft",
	"heightcenter":  "heightCenter",
	"height center": "heightCenter",
	"center height": "heightCenter",
	"middle height": "heightCenter",
	"center":        "heightCenter",
	"heightright":   "heightRight",
	"height right":  "heightRight",
	"right height":  "heightRight",
	"right":         "heightRight",
}

// maxFieldDistance is the Levenshtein tolerance for fuzzy field resolution.
// Two edits absorb the usual transcription slips ("widht top", "midle")
// without letting "top" resolve to "bottom".
const maxFieldDistance = 2

// Measurement is the shade measurement form workspace. All mutation funnels
// through one mutex; tool executors reach it through a self ref that Mount
// publishes and Unmount clears.
type Measurement struct {
	log *slog.Logger
	ref *tools.Ref[*Measurement]

	mu     sync.Mutex
	values map[string]string
}

// NewMeasurement returns an empty measurement form workspace.
func NewMeasurement(log *slog.Logger) *Measurement {
	if log == nil {
		log = slog.Default()
	}
	return &Measurement{
		log:    log,
		ref:    tools.NewRef[*Measurement](),
		values: make(map[string]string),
	}
}

// Mount publishes the form and registers set_measurement and
// get_measurements.
func (m *Measurement) Mount(reg *tools.Registry) {
	m.ref.Store(m)

	reg.Register(live.ToolDeclaration{
		Name: "set_measurement",
		Description: "Records one measurement of the current opening. " +
			"Field is the spoken field name such as 'top width' or 'left height'; " +
			"value is the measurement in the project's unit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field": map[string]any{"type": "string"},
				"value": map[string]any{"type": "number"},
			},
			"required": []any{"field", "value"},
		},
	}, setMeasurement(m.ref))

	reg.Register(live.ToolDeclaration{
		Name:        "get_measurements",
		Description: "Returns all measurements recorded for the current opening so far.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, getMeasurements(m.ref))
}

// Unmount clears the ref and removes the tools. In-flight dispatches fail
// soft from here on.
func (m *Measurement) Unmount(reg *tools.Registry) {
	m.ref.Clear()
	reg.Unregister("set_measurement")
	reg.Unregister("get_measurements")
}

// Set stores a formatted value under a canonical field and returns the next
// empty field, or "" when the form is complete.
func (m *Measurement) Set(field, value string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[field] = value
	return m.nextLocked()
}

// Next returns the first empty field in working order, or "" when all
// fields are filled.
func (m *Measurement) Next() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked()
}

func (m *Measurement) nextLocked() string {
	for _, f := range measurementFields {
		if m.values[f] == "" {
			return f
		}
	}
	return ""
}

// Complete reports whether every field holds a value.
func (m *Measurement) Complete() bool {
	return m.Next() == ""
}

// Snapshot returns a copy of the recorded values keyed by canonical field.
func (m *Measurement) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Reset clears the form for the next opening.
func (m *Measurement) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.values)
}

// setMeasurement builds the set_measurement executor bound to ref.
func setMeasurement(ref *tools.Ref[*Measurement]) tools.Handler {
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		m, ok := ref.Load()
		if !ok || m == nil {
			return nil, errors.New("handler not available")
		}

		spoken, ok := args["field"].(string)
		if !ok || spoken == "" {
			return nil, errors.New("field must be a non-empty string")
		}
		value, err := numericArg(args["value"])
		if err != nil {
			return nil, err
		}

		field, ok := resolveField(spoken)
		if !ok {
			return nil, fmt.Errorf("unknown field %q", spoken)
		}

		formatted := strconv.FormatFloat(value, 'f', -1, 64)
		next := m.Set(field, formatted)

		m.log.Info("measurement recorded",
			"field", field, "value", formatted, "next", next)

		return map[string]any{
			"success":         true,
			"field":           field,
			"value":           formatted,
			"nextMeasurement": next,
		}, nil
	}
}

// getMeasurements builds the get_measurements executor bound to ref.
func getMeasurements(ref *tools.Ref[*Measurement]) tools.Handler {
	return func(_ context.Context, _ map[string]any) (map[string]any, error) {
		m, ok := ref.Load()
		if !ok || m == nil {
			return nil, errors.New("handler not available")
		}
		snapshot := m.Snapshot()
		values := make(map[string]any, len(snapshot))
		for k, v := range snapshot {
			values[k] = v
		}
		return map[string]any{
			"success":         true,
			"measurements":    values,
			"nextMeasurement": m.Next(),
			"complete":        m.Complete(),
		}, nil
	}
}

// numericArg accepts the value argument as a JSON number or a numeric
// string. Models occasionally quote numbers; rejecting those outright would
// force the technician to repeat themselves.
func numericArg(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		return f, nil
	default:
		return 0, errors.New("value must be a number")
	}
}

// normalizeField lowercases the spoken name and collapses separators so the
// alias table matches regardless of "top_width" vs "Top Width".
func normalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}

// resolveField maps a spoken field name to its canonical form field. Exact
// alias hits win; otherwise the closest alias within [maxFieldDistance]
// edits is accepted.
func resolveField(spoken string) (string, bool) {
	norm := normalizeField(spoken)
	if canon, ok := fieldAliases[norm]; ok {
		return canon, true
	}

	best := ""
	bestDist := maxFieldDistance + 1
	for alias, canon := range fieldAliases {
		if d := matchr.Levenshtein(norm, alias); d < bestDist {
			best, bestDist = canon, d
		}
	}
	return best, best != ""
}
