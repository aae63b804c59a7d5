package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/utils"
)

const (
	DefaultWidth   = 50
	DefaultAlpha   = 0.9
	DefaultRepaint = 100 * time.Millisecond
	unknown        = "Unknown"
	eraseBlock     = "\033[2A\033[J"
)

var barStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))

// Options configures a Painter. Zero values select the defaults, so Alpha
// must lie in (0, 1) to take effect.
type Options struct {
	Width   int
	Alpha   float64
	Repaint time.Duration
	// Elapsed is carried over from earlier runs of a resumed transfer.
	Elapsed time.Duration
	Out     io.Writer
	Styled  bool
}

// Painter keeps a two-line progress block at the bottom of Out and redraws
// it in place. Anything written through Print or Write lands above it.
type Painter struct {
	mu      sync.Mutex
	out     io.Writer
	tracker *progress.Tracker
	total   int64
	width   int
	alpha   float64
	repaint time.Duration
	styled  bool

	start       time.Time
	prevSize    int64
	avgSpeed    float64
	lastRepaint time.Time
	drawn       bool
	now         func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPainter(initial progress.Entry, total int64, opts Options) *Painter {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Repaint <= 0 {
		opts.Repaint = DefaultRepaint
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	tracker := progress.NewTracker(initial)
	now := time.Now()
	return &Painter{
		out:         opts.Out,
		tracker:     tracker,
		total:       total,
		width:       opts.Width,
		alpha:       opts.Alpha,
		repaint:     opts.Repaint,
		styled:      opts.Styled,
		start:       now.Add(-opts.Elapsed),
		prevSize:    tracker.Total(),
		lastRepaint: now,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Add records a written range; duplicates are counted once.
func (p *Painter) Add(r progress.Range) {
	p.tracker.Add(r)
}

// Update takes a speed sample and redraws the block.
func (p *Painter) Update() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sample()
	p.draw()
}

func (p *Painter) sample() {
	now := p.now()
	elapsed := now.Sub(p.lastRepaint)
	p.lastRepaint = now
	curr := p.tracker.Total()
	var inst float64
	if elapsed > 0 {
		inst = float64(curr-p.prevSize) / elapsed.Seconds()
	}
	p.avgSpeed = p.avgSpeed*p.alpha + inst*(1-p.alpha)
	p.prevSize = curr
}

func (p *Painter) draw() {
	var b strings.Builder
	if p.drawn {
		b.WriteString(eraseBlock)
	}
	b.WriteString(p.frame())
	io.WriteString(p.out, b.String())
	p.drawn = true
}

func (p *Painter) frame() string {
	done := p.tracker.Total()
	entry := p.tracker.Snapshot()
	bar := Bar(entry, p.total, p.width)
	if p.styled {
		bar = barStyle.Render(bar)
	}
	percent, total := unknown, unknown
	if p.total > 0 {
		percent = fmt.Sprintf("%6.2f%%", float64(done)/float64(p.total)*100)
		total = utils.FormatBytes(uint64(p.total))
	}
	return fmt.Sprintf("|%s| %s (%s/%s)\nElapsed: %s | Speed: %s | ETA: %s\n",
		bar, percent, utils.FormatBytes(uint64(done)), total,
		utils.FormatDuration(p.now().Sub(p.start)),
		utils.FormatSpeed(p.avgSpeed),
		p.eta(done))
}

func (p *Painter) eta(done int64) string {
	if p.total <= 0 || p.avgSpeed <= 0 {
		return unknown
	}
	remaining := float64(max(p.total-done, 0)) / p.avgSpeed
	return utils.FormatDuration(time.Duration(remaining * float64(time.Second)))
}

// Print writes msg above the block and redraws the block below it.
func (p *Painter) Print(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	if p.drawn {
		b.WriteString(eraseBlock)
	}
	b.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		b.WriteByte('\n')
	}
	io.WriteString(p.out, b.String())
	p.drawn = false
	p.draw()
}

// Terminal reports whether the painter draws styled output for a terminal.
func (p *Painter) Terminal() bool {
	return p.styled
}

// Write lets a logger use the painter as its output.
func (p *Painter) Write(b []byte) (int, error) {
	p.Print(string(b))
	return len(b), nil
}

func (p *Painter) complete() bool {
	return p.total > 0 && p.tracker.Total() >= p.total
}

// Start redraws every repaint interval until Stop is called or every byte of
// a known total has arrived.
func (p *Painter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.repaint)
		defer ticker.Stop()
		for {
			p.Update()
			if p.complete() {
				return
			}
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the redraw loop and paints the final frame. The cursor is left
// below the block.
func (p *Painter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if p.started.Load() {
		<-p.done
	}
	p.Update()
}
