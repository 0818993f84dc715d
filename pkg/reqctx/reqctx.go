// Package reqctx carries the acting user and transient per-request state
// through a context.Context. A State is created at request or task
// ingress and cleared at egress so nothing survives into the next unit
// of work.
package reqctx

import (
	"context"
	"net/http"
	"sync"

	"trionyx/pkg/models"
)

type ctxKey struct{}

// State is the ambient state of one request or task execution.
type State struct {
	mu     sync.RWMutex
	user   *models.User
	values map[string]any
}

// New returns a State for user, which may be nil for system work.
func New(user *models.User) *State {
	return &State{user: user, values: make(map[string]any)}
}

// User returns the acting user or nil.
func (s *State) User() *models.User {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser replaces the acting user.
func (s *State) SetUser(user *models.User) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Set stores a transient value.
func (s *State) Set(key string, v any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = v
	s.mu.Unlock()
}

// Get returns a transient value.
func (s *State) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Clear drops the user and every transient value.
func (s *State) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.user = nil
	s.values = make(map[string]any)
	s.mu.Unlock()
}

// With attaches s to ctx.
func With(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From returns the State attached to ctx or nil.
func From(ctx context.Context) *State {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*State)
	return s
}

// User returns the acting user stored in ctx or nil.
func User(ctx context.Context) *models.User {
	return From(ctx).User()
}

// UserID returns the acting user's id, or nil for system work.
func UserID(ctx context.Context) *uint64 {
	u := User(ctx)
	if u == nil || u.ID == 0 {
		return nil
	}
	id := u.ID
	return &id
}

// WithUser is shorthand for With(ctx, New(user)).
func WithUser(ctx context.Context, user *models.User) context.Context {
	return With(ctx, New(user))
}

// Middleware establishes a State for every request, resolving the user
// with resolve, and clears it when the handler returns.
func Middleware(resolve func(*http.Request) *models.User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var user *models.User
			if resolve != nil {
				user = resolve(r)
			}
			state := New(user)
			defer state.Clear()
			next.ServeHTTP(w, r.WithContext(With(r.Context(), state)))
		})
	}
}
