package render

import (
	"math"
	"strings"

	"github.com/tanq16/rangedl/internal/progress"
)

var blockChars = []rune{' ', '▏', '▎', '▍', '▌', '▋', '▊', '▉', '█'}

// Bar draws entry as width cells over [0, total). Each cell covers an equal
// share of the file and shows how much of that share is done in eighths.
// The entry is swept once, left to right.
func Bar(entry progress.Entry, total int64, width int) string {
	if width <= 0 {
		return ""
	}
	if total <= 0 {
		return strings.Repeat(string(blockChars[0]), width)
	}
	var b strings.Builder
	b.Grow(width * 3)
	index := 0
	w := int64(width)
	for i := range w {
		// integer bounds keep the cells contiguous and end exactly at total
		cellStart := total * i / w
		cellEnd := total * (i + 1) / w
		var filled int64
		for _, r := range entry[index:] {
			if r.End <= cellStart {
				index++
				continue
			}
			if r.Start >= cellEnd {
				break
			}
			filled += min(r.End, cellEnd) - max(r.Start, cellStart)
		}
		b.WriteRune(blockChars[glyph(filled, cellEnd-cellStart)])
	}
	return b.String()
}

// glyph scales filled against the cell's own span, which differs between
// cells when total is not a multiple of the width.
func glyph(filled, span int64) int {
	if span <= 0 {
		return 0
	}
	last := len(blockChars) - 1
	idx := int(math.Round(float64(filled) / float64(span) * float64(last)))
	return max(0, min(idx, last))
}
