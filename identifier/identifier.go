// Package identifier derives stable, filesystem-safe fingerprints from
// URLs (spec.md §4.2), using BLAKE3 the same way the teacher's content
// package derives CIDs from chunk bytes, just applied to URL text instead
// of chunk payloads.
package identifier

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Fast is the 128-bit-class variant: cheap to compute, good enough
// avalanche behavior for de-duplicating a working set of URLs.
type Fast struct{}

func NewFast() Fast { return Fast{} }

func (Fast) Identify(url string) string {
	h := blake3.New(16, nil)
	_, _ = h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// Strong is the 256-bit-class variant: the same hash family the teacher
// uses for content identifiers, at full width, for callers that want a
// stronger collision bound across many millions of URLs.
type Strong struct{}

func NewStrong() Strong { return Strong{} }

func (Strong) Identify(url string) string {
	sum := blake3.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
