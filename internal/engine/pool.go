package engine

import (
	"slices"
	"sync"

	"github.com/tanq16/rangedl/internal/progress"
)

// claim is one worker's share of the file. Bytes in [written, pos) are
// reserved but not yet on disk; [pos, end) is still open and may be stolen.
type claim struct {
	pos     int64
	end     int64
	written int64
}

// Pool hands out byte ranges to workers. All bookkeeping happens under one
// mutex that is never held across network or disk I/O.
type Pool struct {
	mu       sync.Mutex
	pending  progress.Entry
	claims   map[int]*claim
	minSteal int64
	steals   int
}

// NewPool splits chunks into parts pieces. A claim is only stolen from when
// both halves would be at least minSteal bytes.
func NewPool(chunks progress.Entry, parts int, minSteal int64) *Pool {
	return &Pool{
		pending:  progress.Partition(chunks, parts),
		claims:   make(map[int]*claim),
		minSteal: max(minSteal, 1),
	}
}

// Claim assigns worker id the largest unclaimed piece, or else half of the
// largest in-flight claim. ok is false when nothing is left to hand out.
func (p *Pool) Claim(id int) (r progress.Range, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, id)

	if len(p.pending) > 0 {
		best := 0
		for i, c := range p.pending {
			if c.Len() > p.pending[best].Len() {
				best = i
			}
		}
		r = p.pending[best]
		p.pending = slices.Delete(p.pending, best, best+1)
		p.claims[id] = &claim{pos: r.Start, end: r.End, written: r.Start}
		return r, true
	}

	var victim *claim
	for _, c := range p.claims {
		if victim == nil || c.end-c.pos > victim.end-victim.pos {
			victim = c
		}
	}
	if victim == nil {
		return progress.Range{}, false
	}
	half := (victim.end - victim.pos) / 2
	if half < p.minSteal {
		return progress.Range{}, false
	}
	mid := victim.end - half
	r = progress.Range{Start: mid, End: victim.end}
	victim.end = mid
	p.claims[id] = &claim{pos: mid, end: r.End, written: mid}
	p.steals++
	return r, true
}

// Reserve grants worker id up to n bytes at the front of its open region and
// returns the absolute start offset and the granted count. A zero grant means
// the claim has been fully reserved, possibly because its tail was stolen.
func (p *Pool) Reserve(id int, n int64) (start, granted int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.claims[id]
	if !ok {
		return 0, 0
	}
	start = c.pos
	granted = min(n, c.end-c.pos)
	c.pos += granted
	return start, granted
}

// Open is the number of bytes worker id may still reserve.
func (p *Pool) Open(id int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.claims[id]; ok {
		return c.end - c.pos
	}
	return 0
}

// Commit records that bytes up to offset are on disk.
func (p *Pool) Commit(id int, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.claims[id]; ok {
		c.written = max(c.written, offset)
	}
}

// Rewind drops reservations beyond the last written byte and returns the
// range the worker must re-request.
func (p *Pool) Rewind(id int) progress.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.claims[id]
	if !ok {
		return progress.Range{}
	}
	c.pos = c.written
	return progress.Range{Start: c.pos, End: c.end}
}

// Remaining counts bytes not yet written, claimed or not.
func (p *Pool) Remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := progress.Total(p.pending)
	for _, c := range p.claims {
		total += c.end - c.written
	}
	return total
}

func (p *Pool) Steals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steals
}
