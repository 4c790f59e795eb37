// Package hooks runs prioritized callbacks on daemon events such as user
// registration, link changes and line updates.
package hooks

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/state"
)

// Hook handles one event. A returned error is logged and collected.
type Hook[T any] func(event T) error

// HookInfo is a registered hook and its priority.
type HookInfo[T any] struct {
	Name     string
	Hook     Hook[T]
	Priority int64 // lower runs first
}

// Registry holds the hooks for one event type.
type Registry[T any] struct {
	mu    sync.RWMutex
	name  string
	hooks []HookInfo[T]
	log   *zap.SugaredLogger
}

// NewRegistry creates an empty registry. name labels log lines.
func NewRegistry[T any](name string, log *zap.SugaredLogger) *Registry[T] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry[T]{name: name, log: log}
}

// Register adds hook with priority 0.
func (r *Registry[T]) Register(hook Hook[T]) {
	r.RegisterWithPriority(hook, 0)
}

// RegisterWithPriority adds hook. Hooks with equal priority run in
// registration order.
func (r *Registry[T]) RegisterWithPriority(hook Hook[T], priority int64) {
	name := runtime.FuncForPC(reflect.ValueOf(hook).Pointer()).Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, HookInfo[T]{Name: name, Hook: hook, Priority: priority})
	sort.SliceStable(r.hooks, func(i, j int) bool { return r.hooks[i].Priority < r.hooks[j].Priority })
}

// Run calls every hook with event. Panics are recovered and reported as
// errors. The result maps hook names to their errors, or is nil.
func (r *Registry[T]) Run(event T) map[string]error {
	r.mu.RLock()
	hooks := make([]HookInfo[T], len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var errs map[string]error
	for _, h := range hooks {
		if err := r.call(h, event); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[h.Name] = err
		}
	}
	return errs
}

func (r *Registry[T]) call(h HookInfo[T], event T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in hook %s: %v", h.Name, p)
			r.log.Errorw("hook panicked", "event", r.name, "hook", h.Name, "panic", p)
		}
	}()
	if err = h.Hook(event); err != nil {
		r.log.Warnw("hook failed", "event", r.name, "hook", h.Name, "error", err)
	}
	return err
}

// Clear removes every hook.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = nil
}

// Count returns the number of registered hooks.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// UserEvent is fired when a user registers or leaves the network.
type UserEvent struct {
	User   state.User
	Local  bool
	Reason string
}

// LinkEvent is fired when a directly linked server completes its handshake
// or is lost.
type LinkEvent struct {
	Server state.Server
	Reason string
	// Cascade is set on link loss.
	Cascade *state.Cascade
}

// LineEvent is fired when a line is added, replaced or removed at runtime.
type LineEvent struct {
	Line    access.Line
	Removed bool
	Source  string
}

// Bus groups the registries for every daemon event.
type Bus struct {
	UserRegistered *Registry[UserEvent]
	UserQuit       *Registry[UserEvent]
	LinkUp         *Registry[LinkEvent]
	LinkDown       *Registry[LinkEvent]
	LineChanged    *Registry[LineEvent]
}

// NewBus creates a bus with empty registries.
func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{
		UserRegistered: NewRegistry[UserEvent]("user_registered", log),
		UserQuit:       NewRegistry[UserEvent]("user_quit", log),
		LinkUp:         NewRegistry[LinkEvent]("link_up", log),
		LinkDown:       NewRegistry[LinkEvent]("link_down", log),
		LineChanged:    NewRegistry[LineEvent]("line_changed", log),
	}
}
