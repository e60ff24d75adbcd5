package chat

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DirectKey is the canonical key of an unordered user pair. The store enforces uniqueness
// on it so concurrent find-or-create calls for {a, b} and {b, a} converge on one row.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := blake2b.Sum256([]byte(a + "\x00" + b))
	return hex.EncodeToString(sum[:])
}
