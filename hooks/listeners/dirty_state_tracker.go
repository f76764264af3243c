package listeners

import (
	"context"
	"sort"
	"sync"

	"github.com/microsoft/psi-sub007/hooks"
)

// DirtyStateTracker maintains the set of stores holding uncommitted
// edits. Consumers poll DirtyStores to decide whether a save prompt or
// an autosave is warranted.
type DirtyStateTracker struct {
	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewDirtyStateTracker creates a tracker. Register it for both the
// OnStoreDirty and OnStoreClean events.
func NewDirtyStateTracker() *DirtyStateTracker {
	return &DirtyStateTracker{dirty: make(map[string]struct{})}
}

// OnEvent handles OnStoreDirty and OnStoreClean events.
func (l *DirtyStateTracker) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.StoreStatePayload)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch event.Type() {
	case hooks.EventOnStoreDirty:
		l.dirty[payload.Store] = struct{}{}
	case hooks.EventOnStoreClean:
		delete(l.dirty, payload.Store)
	}
	return nil
}

// DirtyStores returns the stores with uncommitted edits, sorted by name.
func (l *DirtyStateTracker) DirtyStores() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.dirty))
	for name := range l.dirty {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Priority defines the execution order.
func (l *DirtyStateTracker) Priority() int { return 10 }

// IsAsync indicates this listener must observe state changes in order.
func (l *DirtyStateTracker) IsAsync() bool { return false }
