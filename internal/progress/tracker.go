package progress

import "sync"

// Tracker guards an Entry shared by concurrent writers and keeps a running
// byte total so readers never rescan the whole entry.
type Tracker struct {
	mu    sync.Mutex
	entry Entry
	total int64
}

func NewTracker(initial Entry) *Tracker {
	var entry Entry
	for _, r := range initial {
		entry = Merge(entry, r)
	}
	return &Tracker{entry: entry, total: Total(entry)}
}

// Add merges r and returns the number of bytes it newly covered.
func (t *Tracker) Add(r Range) int64 {
	if r.Empty() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	added := r.Len() - overlap(t.entry, r)
	t.entry = Merge(t.entry, r)
	t.total += added
	return added
}

func overlap(entry Entry, r Range) int64 {
	var covered int64
	for _, e := range entry {
		if e.Start >= r.End {
			break
		}
		if e.End <= r.Start {
			continue
		}
		covered += min(e.End, r.End) - max(e.Start, r.Start)
	}
	return covered
}

func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Snapshot returns a copy of the merged entry.
func (t *Tracker) Snapshot() Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry.Clone()
}
