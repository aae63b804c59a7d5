package progress

import (
	"fmt"
	"strings"
)

// Range is a half-open byte span [Start, End) of the target file.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Entry is the sorted, non-overlapping, non-adjacent set of ranges written so far.
type Entry []Range

func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// CanSplice reports whether one range ends exactly where the other starts.
func CanSplice(a, b Range) bool {
	return a.End == b.Start || b.End == a.Start
}

// Merge inserts r into entry and coalesces everything it overlaps or touches.
// The input slice is not modified.
func Merge(entry Entry, r Range) Entry {
	if r.Empty() {
		return entry
	}
	out := make(Entry, 0, len(entry)+1)
	i := 0
	for ; i < len(entry) && entry[i].End < r.Start; i++ {
		out = append(out, entry[i])
	}
	merged := r
	for ; i < len(entry) && entry[i].Start <= merged.End; i++ {
		merged.Start = min(merged.Start, entry[i].Start)
		merged.End = max(merged.End, entry[i].End)
	}
	out = append(out, merged)
	out = append(out, entry[i:]...)
	return out
}

// Total is the number of bytes covered by entry.
func Total(entry Entry) int64 {
	var total int64
	for _, r := range entry {
		total += r.Len()
	}
	return total
}

// Invert returns the gaps of entry within [0, size) in ascending order.
func Invert(entry Entry, size int64) Entry {
	var gaps Entry
	var pos int64
	for _, r := range entry {
		if r.Start >= size {
			break
		}
		if r.Start > pos {
			gaps = append(gaps, Range{Start: pos, End: r.Start})
		}
		pos = max(pos, r.End)
	}
	if pos < size {
		gaps = append(gaps, Range{Start: pos, End: size})
	}
	return gaps
}

// Segment is one piece of the AddBlank view.
type Segment struct {
	Range
	Done bool `json:"done"`
}

// AddBlank pads entry with explicit not-yet-downloaded segments so that the
// result covers [0, size) exactly. With an unknown size (0) only the
// completed segments are returned.
func AddBlank(entry Entry, size int64) []Segment {
	segments := make([]Segment, 0, 2*len(entry)+1)
	var pos int64
	for _, r := range entry {
		if size > 0 && r.Start >= size {
			break
		}
		if size > 0 && r.Start > pos {
			segments = append(segments, Segment{Range: Range{Start: pos, End: r.Start}})
		}
		end := r.End
		if size > 0 {
			end = min(end, size)
		}
		segments = append(segments, Segment{Range: Range{Start: r.Start, End: end}, Done: true})
		pos = end
	}
	if size > 0 && pos < size {
		segments = append(segments, Segment{Range: Range{Start: pos, End: size}})
	}
	return segments
}

// Partition cuts the ranges of entry so that no piece is larger than
// ceil(Total(entry)/parts).
func Partition(entry Entry, parts int) Entry {
	total := Total(entry)
	if parts <= 1 || total == 0 {
		return append(Entry(nil), entry...)
	}
	piece := (total + int64(parts) - 1) / int64(parts)
	var out Entry
	for _, r := range entry {
		for start := r.Start; start < r.End; start += piece {
			out = append(out, Range{Start: start, End: min(start+piece, r.End)})
		}
	}
	return out
}

// Format renders entry with inclusive bounds, e.g. "0-9,20-29".
func Format(entry Entry) string {
	parts := make([]string, 0, len(entry))
	for _, r := range entry {
		parts = append(parts, fmt.Sprintf("%d-%d", r.Start, r.End-1))
	}
	return strings.Join(parts, ",")
}

// Clone returns an independent copy of entry.
func (e Entry) Clone() Entry {
	if e == nil {
		return nil
	}
	return append(Entry(nil), e...)
}
