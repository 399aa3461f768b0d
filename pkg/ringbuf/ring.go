package ringbuf

import "github.com/pkg/errors"

// ------|++++++++++++++++|--------------------|
//     head           head+len              capacity
// The readable region is [head, head+len) mod capacity; the writable region
// is its complement. head < capacity whenever capacity > 0.

// ReceiveBuffer lands possibly out-of-order inbound bytes and promotes a
// prefix of them to readable.
type ReceiveBuffer interface {
	Len() int
	Cap() int
	WriteAtOffset(offset int, data Payload) int
	MakeReadable(count int)
}

// SendBuffer exposes unread bytes for (re)transmission and retires
// acknowledged ones.
type SendBuffer interface {
	Len() int
	Cap() int
	MarkRead(count int)
	PeekWith(offset int, f func(SendPayload))
}

var (
	_ ReceiveBuffer = (*RingBuffer)(nil)
	_ SendBuffer    = (*RingBuffer)(nil)
)

// RingBuffer is a fixed-capacity circular byte store. It is not safe for
// concurrent use.
type RingBuffer struct {
	storage []byte
	head    int
	len     int
}

// New returns an empty buffer holding at most capacity bytes.
func New(capacity int) *RingBuffer {
	return &RingBuffer{
		storage: make([]byte, capacity),
	}
}

// Len returns the number of readable bytes.
func (rb *RingBuffer) Len() int {
	return rb.len
}

func (rb *RingBuffer) Cap() int {
	return len(rb.storage)
}

// Available returns the number of bytes that are not readable.
func (rb *RingBuffer) Available() int {
	return len(rb.storage) - rb.len
}

// ReadWith calls f with the readable region and discards the number of bytes
// f returns. second is nil unless the region wraps past the end of storage.
// The regions are only valid during the call.
func (rb *RingBuffer) ReadWith(f func(first, second []byte) int) int {
	first, second := rb.span(rb.head, rb.len)
	n := f(first, second)
	if n > rb.len {
		panic(errors.Errorf("ringbuf: discarding %d bytes with only %d readable", n, rb.len))
	}
	rb.advance(n)
	return n
}

// WriteAtOffset writes data into the writable region starting offset bytes
// past the end of the readable region. It writes as much as fits and returns
// the number of bytes written, or 0 if offset is beyond the available space.
// Len is unchanged; call MakeReadable to publish the bytes.
func (rb *RingBuffer) WriteAtOffset(offset int, data Payload) int {
	avail := rb.Available()
	if offset > avail {
		return 0
	}
	n := min(data.Len(), avail-offset)
	if n == 0 {
		return 0
	}
	first, second := rb.span(rb.head+rb.len+offset, n)
	copied := data.PartialCopy(0, first)
	if second != nil {
		copied += data.PartialCopy(copied, second)
	}
	return copied
}

// MakeReadable extends the readable region by count bytes.
func (rb *RingBuffer) MakeReadable(count int) {
	if count > rb.Available() {
		panic(errors.Errorf("ringbuf: making %d bytes readable with only %d available", count, rb.Available()))
	}
	rb.len += count
}

// EnqueueData appends data to the readable region and returns the number of
// bytes accepted.
func (rb *RingBuffer) EnqueueData(data []byte) int {
	n := rb.WriteAtOffset(0, Bytes(data))
	rb.MakeReadable(n)
	return n
}

// WritableRegions returns the unused storage in logical order so that a
// producer can fill it in place. second is nil unless the region wraps.
func (rb *RingBuffer) WritableRegions() (first, second []byte) {
	return rb.span(rb.head+rb.len, rb.Available())
}

// MarkRead retires count bytes from the front of the readable region.
func (rb *RingBuffer) MarkRead(count int) {
	if count > rb.len {
		panic(errors.Errorf("ringbuf: marking %d bytes read with only %d readable", count, rb.len))
	}
	rb.advance(count)
}

// PeekWith calls f with a view of the readable bytes from offset to the end
// of the readable region without consuming them.
func (rb *RingBuffer) PeekWith(offset int, f func(SendPayload)) {
	if offset > rb.len {
		panic(errors.Errorf("ringbuf: peek offset %d beyond %d readable bytes", offset, rb.len))
	}
	first, second := rb.span(rb.head+offset, rb.len-offset)
	if second == nil {
		f(contiguous(first))
		return
	}
	f(straddle(first, second))
}

func (rb *RingBuffer) advance(n int) {
	if len(rb.storage) > 0 {
		rb.head = (rb.head + n) % len(rb.storage)
	}
	rb.len -= n
}

// span decomposes n bytes starting at logical position start into one or two
// physical regions. A span crossing the end of storage becomes
// [start, capacity) followed by [0, rest).
func (rb *RingBuffer) span(start, n int) (first, second []byte) {
	capacity := len(rb.storage)
	if capacity == 0 {
		return rb.storage[:0], nil
	}
	start %= capacity
	if start+n <= capacity {
		return rb.storage[start : start+n], nil
	}
	return rb.storage[start:], rb.storage[:start+n-capacity]
}
