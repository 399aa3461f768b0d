// Package assembler tracks out-of-order byte ranges received on a TCP stream
// and reports how many bytes become contiguous with the next expected
// sequence number.
package assembler

import (
	"fmt"
	"sort"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Range is the half-open sequence number range [Start, End).
type Range struct {
	Start seqnum.Value
	End   seqnum.Value
}

func (r Range) Len() seqnum.Size {
	return r.Start.Size(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Assembler is not safe for concurrent use.
type Assembler struct {
	nxt seqnum.Value
	// outstanding is sorted and every pair of neighbours is separated by a
	// gap of at least one sequence number. No range starts at nxt.
	outstanding []Range
}

// New returns an assembler expecting nxt as the next in-order byte.
func New(nxt seqnum.Value) *Assembler {
	return &Assembler{nxt: nxt}
}

// Nxt returns the first sequence number not yet contiguously received.
func (a *Assembler) Nxt() seqnum.Value {
	return a.nxt
}

func (a *Assembler) HasOutstanding() bool {
	return len(a.outstanding) > 0
}

// Outstanding returns a copy of the received ranges beyond Nxt.
func (a *Assembler) Outstanding() []Range {
	out := make([]Range, len(a.outstanding))
	copy(out, a.outstanding)
	return out
}

// SackBlocks returns up to n of the lowest outstanding ranges.
func (a *Assembler) SackBlocks(n int) []Range {
	return a.Outstanding()[:min(n, len(a.outstanding))]
}

// Insert records r as received and returns the number of bytes that became
// contiguous with Nxt. r must not start before Nxt; callers clip
// retransmitted bytes first.
func (a *Assembler) Insert(r Range) seqnum.Size {
	if r.End.LessThan(r.Start) {
		panic(errors.Errorf("assembler: inverted range %v", r))
	}
	if r.Start.LessThan(a.nxt) {
		panic(errors.Errorf("assembler: range %v starts before nxt %d", r, a.nxt))
	}

	a.outstanding = insertInner(a.outstanding, r)
	if len(a.outstanding) == 0 || a.outstanding[0].Start != a.nxt {
		return 0
	}
	head := a.outstanding[0]
	a.outstanding = append(a.outstanding[:0], a.outstanding[1:]...)
	a.nxt = head.End
	return head.Len()
}

// insertInner merges r into ranges, absorbing every range that overlaps or
// touches it.
func insertInner(ranges []Range, r Range) []Range {
	if r.Start == r.End {
		return ranges
	}
	if len(ranges) == 0 {
		return append(ranges, r)
	}

	firstAfter := sort.Search(len(ranges), func(i int) bool {
		return r.Start.LessThanEq(ranges[i].Start)
	})

	merged := r
	last := firstAfter
	for last < len(ranges) && ranges[last].Start.LessThanEq(merged.End) {
		if merged.End.LessThan(ranges[last].End) {
			merged.End = ranges[last].End
		}
		last++
	}

	first := firstAfter
	for first > 0 && merged.Start.LessThanEq(ranges[first-1].End) {
		merged.Start = ranges[first-1].Start
		if merged.End.LessThan(ranges[first-1].End) {
			merged.End = ranges[first-1].End
		}
		first--
	}

	if first == last {
		ranges = append(ranges, Range{})
		copy(ranges[firstAfter+1:], ranges[firstAfter:])
		ranges[firstAfter] = merged
		return ranges
	}
	ranges[first] = merged
	return append(ranges[:first+1], ranges[last:]...)
}
