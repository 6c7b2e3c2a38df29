// Package fileup reassembles a chunked binary upload into a single blob.
//
// A Reassembler is owned by exactly one Connection and keyed by filename;
// it is discarded once complete.
package fileup

import (
	"fmt"

	"pastepoint/internal/apperr"
)

// Reassembler accumulates chunks for a single in-flight upload.
type Reassembler struct {
	total  int
	chunks map[int][]byte
}

// New creates an empty reassembler expecting total chunks, indexed [0, total).
func New(total int) *Reassembler {
	return &Reassembler{
		total:  total,
		chunks: make(map[int][]byte, total),
	}
}

// Add stores data at index, overwriting any previous chunk at that index.
// It fails with apperr.ErrIndexOutOfBounds when index is outside [0, total).
func (r *Reassembler) Add(index int, data []byte) error {
	if index < 0 || index >= r.total {
		return fmt.Errorf("chunk %d: %w", index, apperr.ErrIndexOutOfBounds)
	}
	r.chunks[index] = data
	return nil
}

// Complete reports whether every chunk in [0, total) has been received.
func (r *Reassembler) Complete() bool {
	return len(r.chunks) == r.total
}

// Reassemble concatenates chunks 0..total in order. It fails with
// apperr.ErrChunkMissing if any index in range was never added.
func (r *Reassembler) Reassemble() ([]byte, error) {
	var out []byte
	for i := 0; i < r.total; i++ {
		chunk, ok := r.chunks[i]
		if !ok {
			return nil, fmt.Errorf("chunk %d: %w", i, apperr.ErrChunkMissing)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
