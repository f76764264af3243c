package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/store"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Commit Lifecycle Events
	EventPreCommitStore  EventType = "PreCommitStore"
	EventPostCommitStore EventType = "PostCommitStore"

	// Store State Events
	EventOnStoreDirty EventType = "OnStoreDirty"
	EventOnStoreClean EventType = "OnStoreClean"

	// Cache Events
	EventOnStreamReadError EventType = "OnStreamReadError"
	EventOnCacheEviction   EventType = "OnCacheEviction"

	// Scheduler Events
	EventOnPassComplete EventType = "OnPassComplete"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreCommitStorePayload carries the staged updates about to be written.
// Updates is a pointer so listeners can amend the batch before it lands.
type PreCommitStorePayload struct {
	Store   string
	Updates *map[string][]store.StagedUpdate
}

// NewPreCommitStoreEvent creates an event for before staged edits are
// written to the store. A listener error cancels the commit.
func NewPreCommitStoreEvent(payload PreCommitStorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCommitStore, payload: payload}
}

// PostCommitStorePayload contains the outcome of a commit attempt.
type PostCommitStorePayload struct {
	Store   string
	Streams []string
	Error   error
}

// NewPostCommitStoreEvent creates an event for after a commit attempt.
func NewPostCommitStoreEvent(payload PostCommitStorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCommitStore, payload: payload}
}

// StoreStatePayload identifies a store whose dirty state changed.
type StoreStatePayload struct {
	Store   string
	Streams []string
}

// NewOnStoreDirtyEvent creates an event for when a store first acquires
// uncommitted edits.
func NewOnStoreDirtyEvent(payload StoreStatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnStoreDirty, payload: payload}
}

// NewOnStoreCleanEvent creates an event for when a store's staged edits
// have all been committed.
func NewOnStoreCleanEvent(payload StoreStatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnStoreClean, payload: payload}
}

// StreamReadErrorPayload describes a stream whose backing reads failed.
type StreamReadErrorPayload struct {
	Store  string
	Stream string
	Err    error
}

// NewOnStreamReadErrorEvent creates an event for when a stream's cache is
// quarantined by a read or decode failure.
func NewOnStreamReadErrorEvent(payload StreamReadErrorPayload) HookEvent {
	return &BaseEvent{eventType: EventOnStreamReadError, payload: payload}
}

// CacheEvictionPayload describes messages dropped by capacity eviction.
type CacheEvictionPayload struct {
	Store   string
	Stream  string
	Evicted int
}

// NewOnCacheEvictionEvent creates an event for a cache eviction.
func NewOnCacheEvictionEvent(payload CacheEvictionPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// PassCompletePayload describes one finished background read pass.
type PassCompletePayload struct {
	Store    string
	Interval core.TimeInterval
	Streams  int
	Duration time.Duration
	Canceled bool
}

// NewOnPassCompleteEvent creates an event for after a background read
// pass finishes, whether it completed or was canceled.
func NewOnPassCompleteEvent(payload PassCompletePayload) HookEvent {
	return &BaseEvent{eventType: EventOnPassComplete, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the operation; errors from
	// "Post" and "On" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for
	// non-Pre events.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listener slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
// Pre-hooks always run synchronously so an error can cancel the operation.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
