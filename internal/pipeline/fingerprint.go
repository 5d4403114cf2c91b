package pipeline

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Fingerprint derives the deterministic cache key for a derived artifact
// from the source content hash, the canonical pipeline and the output
// format. Any difference in operation order, parameter value or output
// format yields a different key. The hash is cryptographic strength so
// collisions are implausible; the artifact cache relies on this for
// correctness, not just performance.
func Fingerprint(sourceContentHash string, p Pipeline, outputFormat string) string {
	h := blake3.New()
	io.WriteString(h, sourceContentHash)
	h.Write([]byte{0})
	h.Write(p.CanonicalBytes())
	h.Write([]byte{0})
	io.WriteString(h, outputFormat)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the hash used as the content identity of raw
// image bytes. Sources and fingerprints share the same hash function.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
