// Package plan computes the fixed, ordered sequence of byte-range
// blocks a file is split into before any connection is opened.
package plan

import "fmt"

// DefaultPartSize is used when the caller requests a zero part size.
const DefaultPartSize int64 = 1_000_000

// Plan is the immutable chunking decision derived from a file's total
// length, the requested part size, and the number of connections.
type Plan struct {
	Length    int64
	PartSize  int64
	ChunkSize int64
	ReqNum    int64
	Remainder int64
}

// Block describes one planned contiguous byte range.
type Block struct {
	Index  int64
	Offset int64
	Length int64
}

// New computes a Plan for a file of the given length, split across n
// connections with a target part size (0 meaning DefaultPartSize).
// chunkSize = min(partSize, length/n); reqNum = length/chunkSize;
// remainder = length mod chunkSize.
func New(length, partSize int64, n int) (Plan, error) {
	if length <= 0 {
		return Plan{}, fmt.Errorf("plan: length must be positive, got %d", length)
	}
	if n <= 0 {
		return Plan{}, fmt.Errorf("plan: connection count must be positive, got %d", n)
	}
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	if partSize < 0 {
		return Plan{}, fmt.Errorf("plan: part size must not be negative, got %d", partSize)
	}

	checkSize := length / int64(n)
	chunkSize := partSize
	if checkSize < partSize {
		chunkSize = checkSize
	}
	if chunkSize <= 0 {
		chunkSize = length
	}

	return Plan{
		Length:    length,
		PartSize:  partSize,
		ChunkSize: chunkSize,
		ReqNum:    length / chunkSize,
		Remainder: length % chunkSize,
	}, nil
}

// TotalBlocks returns the number of blocks the plan tiles length into,
// including the short tail block if Remainder is non-zero.
func (p Plan) TotalBlocks() int64 {
	if p.Remainder != 0 {
		return p.ReqNum + 1
	}
	return p.ReqNum
}

// HasTail reports whether the last block is shorter than ChunkSize.
func (p Plan) HasTail() bool {
	return p.Remainder != 0
}

// Block returns the byte range planned for block index k. Blocks
// 0..ReqNum-1 are ChunkSize bytes; the tail block (index ReqNum, only
// present when HasTail) is Remainder bytes.
func (p Plan) Block(k int64) (Block, error) {
	if k < 0 || k >= p.TotalBlocks() {
		return Block{}, fmt.Errorf("plan: block index %d out of range [0, %d)", k, p.TotalBlocks())
	}
	if k == p.ReqNum && p.HasTail() {
		return Block{Index: k, Offset: k * p.ChunkSize, Length: p.Remainder}, nil
	}
	return Block{Index: k, Offset: k * p.ChunkSize, Length: p.ChunkSize}, nil
}

// Range returns the block's first and last byte offsets (both
// inclusive), the lo and hi of a Range: bytes=lo-hi request header.
func (b Block) Range() (lo, hi int64) {
	return b.Offset, b.Offset + b.Length - 1
}
