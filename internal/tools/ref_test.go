package tools_test

import (
	"sync"
	"testing"

	"github.com/strandworks/sitevox/internal/tools"
)

func TestRef_EmptyUntilStored(t *testing.T) {
	t.Parallel()
	ref := tools.NewRef[string]()

	if v, ok := ref.Load(); ok {
		t.Errorf("Load() on empty ref = (%q, true); want not bound", v)
	}
}

func TestRef_StoreThenLoad(t *testing.T) {
	t.Parallel()
	ref := tools.NewRef[string]()

	ref.Store("panel-7")

	v, ok := ref.Load()
	if !ok || v != "panel-7" {
		t.Errorf("Load() = (%q, %v); want (panel-7, true)", v, ok)
	}
}

func TestRef_StoreReplaces(t *testing.T) {
	t.Parallel()
	ref := tools.NewRef[int]()

	ref.Store(1)
	ref.Store(2)

	if v, _ := ref.Load(); v != 2 {
		t.Errorf("Load() = %d; want the later Store", v)
	}
}

func TestRef_Clear(t *testing.T) {
	t.Parallel()
	ref := tools.NewRef[string]()

	ref.Store("bound")
	ref.Clear()

	if _, ok := ref.Load(); ok {
		t.Error("Load() after Clear should report not bound")
	}
}

func TestRef_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	ref := tools.NewRef[int]()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for range 100 {
				ref.Store(i)
				ref.Load()
				ref.Clear()
			}
		})
	}
	wg.Wait()
}
