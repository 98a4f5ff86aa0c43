package cache

import (
	"fmt"
	"sort"
)

// Key identifies one cached frame payload within a pool.
type Key struct {
	// Group names the source clip or sequence.
	Group string `json:"group"`
	Frame int64  `json:"frame"`
	// Variant distinguishes color space or resolution variants of a frame.
	Variant string `json:"variant,omitempty"`
}

func (k Key) String() string {
	if k.Variant == "" {
		return fmt.Sprintf("%s:%d", k.Group, k.Frame)
	}
	return fmt.Sprintf("%s:%d:%s", k.Group, k.Frame, k.Variant)
}

// Entry is a resident payload. Size never changes after admission.
type Entry struct {
	Key     Key
	Payload interface{}
	Size    uint64

	// LastAccess is the access sequence value of the latest put or hit.
	LastAccess uint64
	// inserted orders entries that share a LastAccess value.
	inserted uint64
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Frame != keys[j].Frame {
			return keys[i].Frame < keys[j].Frame
		}
		return keys[i].Variant < keys[j].Variant
	})
}
