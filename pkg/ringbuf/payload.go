package ringbuf

import "github.com/pkg/errors"

// Payload is the minimal contract for segment data moving in and out of a
// RingBuffer.
type Payload interface {
	// Len returns the number of bytes in the payload.
	Len() int
	// Slice returns the view of bytes [start, end). It panics if start > end
	// or end > Len().
	Slice(start, end int) Payload
	// PartialCopy copies up to len(dst) bytes starting at offset into dst and
	// returns the number of bytes copied.
	PartialCopy(offset int, dst []byte) int
}

// Bytes is a contiguous Payload backed by a plain slice.
type Bytes []byte

func (b Bytes) Len() int {
	return len(b)
}

func (b Bytes) Slice(start, end int) Payload {
	checkSlice(start, end, len(b))
	return b[start:end]
}

func (b Bytes) PartialCopy(offset int, dst []byte) int {
	return copy(dst, b[offset:])
}

// SendPayload is a borrowed, read-only view into a RingBuffer's readable
// region. It has exactly two shapes: one contiguous region, or two regions
// split at the physical end of storage (a straddle).
//
// A SendPayload must not be retained past the PeekWith callback that
// produced it, and the buffer must not be mutated while it is live.
type SendPayload struct {
	first  []byte
	second []byte
	split  bool
}

func contiguous(b []byte) SendPayload {
	return SendPayload{first: b}
}

func straddle(first, second []byte) SendPayload {
	return SendPayload{first: first, second: second, split: true}
}

// Contiguous returns the single region and true if p is not split.
func (p SendPayload) Contiguous() ([]byte, bool) {
	if p.split {
		return nil, false
	}
	return p.first, true
}

// Straddle returns both regions and true if p is split across the end of
// storage.
func (p SendPayload) Straddle() ([]byte, []byte, bool) {
	if !p.split {
		return nil, nil, false
	}
	return p.first, p.second, true
}

// Regions returns the one or two regions of p in logical order.
func (p SendPayload) Regions() [][]byte {
	if p.split {
		return [][]byte{p.first, p.second}
	}
	return [][]byte{p.first}
}

func (p SendPayload) Len() int {
	return len(p.first) + len(p.second)
}

// Slice restricts p to [start, end). A straddle collapses to a contiguous
// view when the range lies within one physical piece.
func (p SendPayload) Slice(start, end int) Payload {
	return p.slice(start, end)
}

func (p SendPayload) slice(start, end int) SendPayload {
	checkSlice(start, end, p.Len())
	if !p.split {
		return contiguous(p.first[start:end])
	}
	n := len(p.first)
	switch {
	case end <= n:
		return contiguous(p.first[start:end])
	case start >= n:
		return contiguous(p.second[start-n : end-n])
	default:
		return straddle(p.first[start:], p.second[:end-n])
	}
}

func (p SendPayload) PartialCopy(offset int, dst []byte) int {
	n := len(p.first)
	if offset >= n {
		return copy(dst, p.second[offset-n:])
	}
	copied := copy(dst, p.first[offset:])
	if copied < len(dst) {
		copied += copy(dst[copied:], p.second)
	}
	return copied
}

func checkSlice(start, end, length int) {
	if start > end {
		panic(errors.Errorf("ringbuf: invalid slice [%d, %d)", start, end))
	}
	if end > length {
		panic(errors.Errorf("ringbuf: slice end %d out of range for length %d", end, length))
	}
}
