package idempotency

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashPayload fingerprints the fields of a request that must match on replay.
// Each field is length-prefixed so separators inside values cannot collide.
func HashPayload(fields ...string) string {
	h, _ := blake2b.New256(nil)
	var size [binary.MaxVarintLen64]byte
	for _, f := range fields {
		n := binary.PutUvarint(size[:], uint64(len(f)))
		h.Write(size[:n])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
