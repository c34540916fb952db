package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/strandworks/sitevox/internal/tools"
	"github.com/strandworks/sitevox/pkg/live"
)

// pages lists the panel screens the model may navigate to.
var pages = []string{
	"project",
	"measurements",
	"wire_drops",
	"equipment",
	"purchase_orders",
}

// defaultPage is where the panel starts.
const defaultPage = "project"

// Navigation is the page navigation workspace. Unlike the measurement form
// it stays mounted for the whole app lifetime.
type Navigation struct {
	log *slog.Logger
	ref *tools.Ref[*Navigation]

	mu   sync.Mutex
	page string
}

// NewNavigation returns a navigation workspace on the default page.
func NewNavigation(log *slog.Logger) *Navigation {
	if log == nil {
		log = slog.Default()
	}
	return &Navigation{
		log:  log,
		ref:  tools.NewRef[*Navigation](),
		page: defaultPage,
	}
}

// Mount publishes the workspace and registers navigate and current_page.
func (n *Navigation) Mount(reg *tools.Registry) {
	n.ref.Store(n)

	pageList := make([]any, len(pages))
	for i, p := range pages {
		pageList[i] = p
	}

	reg.Register(live.ToolDeclaration{
		Name:        "navigate",
		Description: "Switches the panel to another page.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"page": map[string]any{"type": "string", "enum": pageList},
			},
			"required": []any{"page"},
		},
	}, navigate(n.ref))

	reg.Register(live.ToolDeclaration{
		Name:        "current_page",
		Description: "Reports which page the panel is currently showing.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, currentPage(n.ref))
}

// Unmount clears the ref and removes the tools.
func (n *Navigation) Unmount(reg *tools.Registry) {
	n.ref.Clear()
	reg.Unregister("navigate")
	reg.Unregister("current_page")
}

// Go switches to the named page. Unknown pages are rejected.
func (n *Navigation) Go(page string) error {
	page = strings.ToLower(strings.TrimSpace(page))
	if !validPage(page) {
		return fmt.Errorf("unknown page %q, valid pages: %s", page, strings.Join(pages, ", "))
	}
	n.mu.Lock()
	n.page = page
	n.mu.Unlock()
	return nil
}

// Page returns the current page.
func (n *Navigation) Page() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page
}

func validPage(page string) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}

// navigate builds the navigate executor bound to ref.
func navigate(ref *tools.Ref[*Navigation]) tools.Handler {
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		n, ok := ref.Load()
		if !ok || n == nil {
			return nil, errors.New("handler not available")
		}
		page, ok := args["page"].(string)
		if !ok || page == "" {
			return nil, errors.New("page must be a non-empty string")
		}
		if err := n.Go(page); err != nil {
			return nil, err
		}
		n.log.Info("page changed", "page", n.Page())
		return map[string]any{
			"success": true,
			"page":    n.Page(),
		}, nil
	}
}

// currentPage builds the current_page executor bound to ref.
func currentPage(ref *tools.Ref[*Navigation]) tools.Handler {
	return func(_ context.Context, _ map[string]any) (map[string]any, error) {
		n, ok := ref.Load()
		if !ok || n == nil {
			return nil, errors.New("handler not available")
		}
		return map[string]any{
			"success": true,
			"page":    n.Page(),
		}, nil
	}
}
