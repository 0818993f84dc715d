package reqctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"trionyx/pkg/models"
)

func TestMiddlewareSetsAndClearsState(t *testing.T) {
	user := &models.User{Email: "info@ex.com"}
	user.ID = 7

	var captured *State
	handler := Middleware(func(*http.Request) *models.User { return user })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = From(r.Context())
		if got := User(r.Context()); got != user {
			t.Fatalf("User() = %v, want %v", got, user)
		}
		if id := UserID(r.Context()); id == nil || *id != 7 {
			t.Fatalf("UserID() = %v", id)
		}
		captured.Set("ajax", 12)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == nil {
		t.Fatal("state was not attached")
	}
	if captured.User() != nil {
		t.Fatal("user leaked after request")
	}
	if _, ok := captured.Get("ajax"); ok {
		t.Fatal("transient value leaked after request")
	}
}

func TestNilSafety(t *testing.T) {
	ctx := context.Background()
	if User(ctx) != nil {
		t.Fatal("expected nil user on bare context")
	}
	if UserID(ctx) != nil {
		t.Fatal("expected nil user id on bare context")
	}
	var s *State
	s.Set("k", 1)
	s.Clear()
	if _, ok := s.Get("k"); ok {
		t.Fatal("nil state returned a value")
	}
}
