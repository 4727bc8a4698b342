package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"
)

// Key returns the canonical cache key of a query: the SHA-256 of the query
// text followed by the sorted scope ids, each field preceded by its length.
// Scope order does not matter, and no byte of one field can pass for another.
func Key(text string, scopeIDs []string) string {
	sorted := slices.Clone(scopeIDs)
	slices.Sort(sorted)

	h := sha256.New()
	writeField(h, text)
	for _, id := range sorted {
		writeField(h, id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
