// Package tools manages the catalogue of voice-invocable tools and routes
// model tool calls to their handlers.
//
// A [Registry] maps tool names to declarations and handler functions. The
// model receives the declarations during session setup; when it decides to
// call a tool, a [Dispatcher] looks the name up, executes the handler, and
// returns the structured result over the live session.
//
// Registration is intentionally permissive: declarations are forwarded to
// the model verbatim with no schema validation, and registering a name twice
// silently replaces the earlier entry. The model is the only consumer of the
// schemas, and it treats them as hints rather than contracts.
package tools

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/strandworks/sitevox/pkg/live"
)

// Handler executes one tool invocation. args is the decoded argument object
// from the model. The returned map becomes the tool_response payload; a
// non-nil error is converted by the dispatcher into a structured failure
// response instead of tearing anything down.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registration pairs a tool declaration with its handler.
type Registration struct {
	Declaration live.ToolDeclaration
	Handler     Handler
}

// Registry is a concurrent-safe catalogue of registered tools.
//
// The zero value is not usable; create instances with [NewRegistry].
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a tool under decl.Name. Registering a name that already
// exists replaces the previous entry; the last registration wins.
func (r *Registry) Register(decl live.ToolDeclaration, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[decl.Name] = Registration{Declaration: decl, Handler: h}
}

// Unregister removes the named tool. Removing an unknown name is a no-op.
// A name that was registered twice and then unregistered is gone entirely;
// earlier registrations are not restored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Declarations returns a snapshot of all registered declarations, sorted by
// name so session setup frames are deterministic.
func (r *Registry) Declarations() []live.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]live.ToolDeclaration, 0, len(r.entries))
	for _, reg := range r.entries {
		decls = append(decls, reg.Declaration)
	}
	slices.SortFunc(decls, func(a, b live.ToolDeclaration) int {
		return strings.Compare(a.Name, b.Name)
	})
	return decls
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
