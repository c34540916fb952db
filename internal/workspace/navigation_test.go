package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/strandworks/sitevox/internal/tools"
)

func TestNavigation_StartsOnProjectPage(t *testing.T) {
	t.Parallel()

	n := NewNavigation(nil)
	if got := n.Page(); got != "project" {
		t.Errorf("Page() = %q; want project", got)
	}
}

func TestNavigation_NavigateTool(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	n := NewNavigation(nil)
	n.Mount(reg)

	res, err := invoke(t, reg, "navigate", map[string]any{"page": "wire_drops"})
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if res["success"] != true || res["page"] != "wire_drops" {
		t.Errorf("response = %+v", res)
	}
	if n.Page() != "wire_drops" {
		t.Errorf("Page() = %q; want wire_drops", n.Page())
	}
}

func TestNavigation_NavigateNormalisesCase(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	n := NewNavigation(nil)
	n.Mount(reg)

	if _, err := invoke(t, reg, "navigate", map[string]any{"page": " Purchase_Orders "}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if n.Page() != "purchase_orders" {
		t.Errorf("Page() = %q; want purchase_orders", n.Page())
	}
}

func TestNavigation_UnknownPage(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	n := NewNavigation(nil)
	n.Mount(reg)

	_, err := invoke(t, reg, "navigate", map[string]any{"page": "settings"})
	if err == nil {
		t.Fatal("navigate to unknown page should fail")
	}
	if !strings.Contains(err.Error(), "unknown page") {
		t.Errorf("error = %q; want it to name the unknown page", err)
	}
	if !strings.Contains(err.Error(), "wire_drops") {
		t.Errorf("error = %q; want it to list the valid pages", err)
	}
	if n.Page() != "project" {
		t.Errorf("failed navigation changed the page to %q", n.Page())
	}
}

func TestNavigation_CurrentPageTool(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	n := NewNavigation(nil)
	n.Mount(reg)

	if err := n.Go("equipment"); err != nil {
		t.Fatalf("Go: %v", err)
	}

	res, err := invoke(t, reg, "current_page", map[string]any{})
	if err != nil {
		t.Fatalf("current_page: %v", err)
	}
	if res["page"] != "equipment" {
		t.Errorf("page = %v; want equipment", res["page"])
	}
}

func TestNavigation_UnmountDisablesHandlers(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	n := NewNavigation(nil)
	n.Mount(reg)

	registration, ok := reg.Lookup("navigate")
	if !ok {
		t.Fatal("navigate not registered after Mount")
	}

	n.Unmount(reg)

	if _, ok := reg.Lookup("navigate"); ok {
		t.Error("navigate still registered after Unmount")
	}
	if _, ok := reg.Lookup("current_page"); ok {
		t.Error("current_page still registered after Unmount")
	}

	_, err := registration.Handler(context.Background(), map[string]any{"page": "project"})
	if err == nil || err.Error() != "handler not available" {
		t.Errorf("stale dispatch error = %v; want \"handler not available\"", err)
	}
}
