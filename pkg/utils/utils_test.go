package utils

import (
	"strings"
	"testing"
	"time"
	"unicode"
)

func TestRandomString(t *testing.T) {
	for _, n := range []int{0, 1, 6, 32, 100} {
		got := RandomString(n)
		if len(got) != n {
			t.Fatalf("RandomString(%d) length = %d", n, len(got))
		}
		for _, r := range got {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				t.Fatalf("RandomString(%d) = %q contains %q", n, got, r)
			}
		}
	}
	if RandomString(16) == RandomString(16) {
		t.Fatal("RandomString returned the same value twice")
	}
}

func TestHashKey(t *testing.T) {
	a := HashKey("task", "trionyx.user", 1)
	b := HashKey("task", "trionyx.user", 1)
	c := HashKey("task", "trionyx.user", 2)
	if a != b {
		t.Fatalf("HashKey not stable: %s != %s", a, b)
	}
	if a == c {
		t.Fatal("HashKey collided for different parts")
	}
	if len(a) != 32 {
		t.Fatalf("HashKey length = %d, want 32", len(a))
	}
}

func TestLocaleFormatting(t *testing.T) {
	loc, err := NewLocale("en", "Europe/Amsterdam", "USD")
	if err != nil {
		t.Fatalf("NewLocale() error = %v", err)
	}

	ts := time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC)
	if got := loc.FormatDateTime(ts); got != "03/05/2024 13:30" {
		t.Fatalf("FormatDateTime() = %q", got)
	}
	if got := loc.FormatDate(ts); got != "03/05/2024" {
		t.Fatalf("FormatDate() = %q", got)
	}
	if got := loc.FormatNumber(1234567, 0); got != "1,234,567" {
		t.Fatalf("FormatNumber() = %q", got)
	}
	if got := loc.FormatPrice(12.5); !strings.HasPrefix(got, "USD ") || !strings.Contains(got, "12.50") {
		t.Fatalf("FormatPrice() = %q", got)
	}
	if got := loc.FormatDateTime(time.Time{}); got != "" {
		t.Fatalf("FormatDateTime(zero) = %q", got)
	}

	if _, err := NewLocale("en", "Nowhere/City", ""); err == nil {
		t.Fatal("NewLocale() expected timezone error")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"a longer sentence", 10, "a longe..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
