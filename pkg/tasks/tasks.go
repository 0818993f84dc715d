// Package tasks runs named background tasks through the broker and
// mirrors their lifecycle in TaskRecord rows.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"trionyx/pkg/registry"
)

var (
	// ErrUnknownTask is returned for names no task registered.
	ErrUnknownTask = errors.New("tasks: unknown task")
	// ErrDuplicate is returned when two tasks share a name.
	ErrDuplicate = errors.New("tasks: duplicate task name")
)

// Task is a unit of background work.
type Task interface {
	Name() string
	Run(ctx *Context, args Args) (string, error)
}

// Queuer routes a task to a named queue.
type Queuer interface {
	Queue() string
}

// Modeler declares the entity type a task works on.
type Modeler interface {
	Model() any
}

// Locker controls the per object lock. Tasks without it lock.
type Locker interface {
	Lock() bool
}

// Countdowner overrides DefaultCountdown.
type Countdowner interface {
	Countdown() time.Duration
}

// Describer provides the default record description.
type Describer interface {
	Description() string
}

// Args are the JSON encoded task arguments.
type Args map[string]any

// String returns the string form of key, or "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Map returns the object stored under key, or nil.
func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

// Registry holds every task by name.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds t. Names are unique.
func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tasks: %T has no name", t)
	}
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.tasks[name] = t
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the task called name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t, nil
}

// Names lists the registered task names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Queues lists every queue a registered task routes to, including the
// default queue.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{DefaultQueue: true}
	out := []string{DefaultQueue}
	for _, t := range r.tasks {
		q := queueOf(t)
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out
}

func queueOf(t Task) string {
	if q, ok := t.(Queuer); ok && q.Queue() != "" {
		return q.Queue()
	}
	return DefaultQueue
}

func locks(t Task) bool {
	if l, ok := t.(Locker); ok {
		return l.Lock()
	}
	return true
}

func countdownOf(t Task) time.Duration {
	if c, ok := t.(Countdowner); ok {
		return c.Countdown()
	}
	return DefaultCountdown
}

func describe(t Task) string {
	if d, ok := t.(Describer); ok && d.Description() != "" {
		return d.Description()
	}
	return registry.Humanize(t.Name())
}
