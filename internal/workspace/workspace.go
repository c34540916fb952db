// Package workspace models the application surfaces the voice copilot acts
// on: the measurement form of the opening being measured and the page
// navigation of the field panel.
//
// A workspace owns some mutable state and the tools that manipulate it. It
// registers those tools on Mount and removes them on Unmount, mirroring the
// screen appearing and disappearing on the panel. Tool executors never hold
// the workspace directly; they resolve it through a [tools.Ref] per call, so
// a dispatch that races an Unmount gets a structured "handler not available"
// failure instead of touching freed state.
package workspace

import "github.com/strandworks/sitevox/internal/tools"

// Workspace is an application surface that contributes tools while mounted.
type Workspace interface {
	// Mount publishes the workspace's state refs and registers its tools.
	Mount(reg *tools.Registry)

	// Unmount clears the state refs and removes the tools. A tool call
	// already in flight observes the cleared ref and fails soft.
	Unmount(reg *tools.Registry)
}
