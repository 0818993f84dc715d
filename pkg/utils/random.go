package utils

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// RandomString returns n alphanumeric characters drawn from crypto/rand.
func RandomString(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	for sb.Len() < n {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("utils: read random bytes: %v", err))
		}
		sb.WriteString(base58.Encode(buf))
	}
	return sb.String()[:n]
}

// HashKey joins parts with "-" and returns the hex MD5 digest, used for
// cache and lock keys.
func HashKey(parts ...any) string {
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		items = append(items, fmt.Sprint(p))
	}
	sum := md5.Sum([]byte(strings.Join(items, "-")))
	return hex.EncodeToString(sum[:])
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
