// Package writer commits contiguously received blocks to an output
// file in strict order, regardless of the order their bytes actually
// arrived in.
package writer

import (
	"fmt"
	"io"
)

// List is the sparse, fixed-length array of block bodies described in
// spec.md's data model: each slot is set exactly once, by whichever
// connection's response completes that block, and cleared when its
// bytes are flushed to the output file.
type List struct {
	slots      [][]byte
	writeIndex int64
	batches    []int // number of blocks flushed per Drain call, for diagnostics
}

// NewList allocates a List for the given number of blocks.
func NewList(totalBlocks int64) *List {
	return &List{slots: make([][]byte, totalBlocks)}
}

// Set records body as the content of block k. It must be called at
// most once per k.
func (l *List) Set(k int64, body []byte) error {
	if k < 0 || int(k) >= len(l.slots) {
		return fmt.Errorf("writer: block index %d out of range [0, %d)", k, len(l.slots))
	}
	if k < l.writeIndex || l.slots[k] != nil {
		return fmt.Errorf("writer: block index %d already set", k)
	}
	l.slots[k] = body
	return nil
}

// WriteIndex returns the number of blocks already committed to disk.
// It is monotone non-decreasing.
func (l *List) WriteIndex() int64 {
	return l.writeIndex
}

// Done reports whether every block has been committed.
func (l *List) Done() bool {
	return int(l.writeIndex) == len(l.slots)
}

// Drain appends every contiguously available block starting at
// WriteIndex to w, clearing each slot as it is flushed and advancing
// WriteIndex. It returns the number of blocks flushed in this call,
// which is recorded for the run's write-batch diagnostics.
func (l *List) Drain(w io.Writer) (int, error) {
	count := 0
	for int(l.writeIndex) < len(l.slots) {
		body := l.slots[l.writeIndex]
		if body == nil {
			break
		}
		if _, err := w.Write(body); err != nil {
			return count, fmt.Errorf("writer: writing block %d: %w", l.writeIndex, err)
		}
		l.slots[l.writeIndex] = nil
		l.writeIndex++
		count++
	}
	if count != 0 {
		l.batches = append(l.batches, count)
	}
	return count, nil
}

// Batches returns the number of blocks flushed on every Drain call
// that flushed at least one block, in call order. It mirrors the
// original implementation's `_num_of_blocks_at_writing` diagnostic.
func (l *List) Batches() []int {
	return l.batches
}
