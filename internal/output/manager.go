package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/samber/lo"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/render"
	"github.com/tanq16/rangedl/internal/scheduler"
	"github.com/tanq16/rangedl/internal/utils"
)

const (
	nameWidth = 32
	barWidth  = 30
)

type TaskOutput struct {
	ID          uuid.UUID
	URL         string
	Name        string
	Status      string
	Message     string
	Entry       progress.Entry
	Written     int64
	Total       int64
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Order       int
	Complete    bool
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders the batch dashboard from scheduler messages.
type Manager struct {
	outputs     map[uuid.UUID]*TaskOutput
	mutex       sync.RWMutex
	out         io.Writer
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	taskCount   int
	displayWg   sync.WaitGroup
	started     atomic.Bool
}

func NewManager(out io.Writer) *Manager {
	return &Manager{
		outputs:     make(map[uuid.UUID]*TaskOutput),
		out:         out,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// Apply folds one scheduler message into the dashboard state.
func (m *Manager) Apply(msg scheduler.Message) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[msg.TaskID]
	if !exists {
		m.taskCount++
		info = &TaskOutput{
			ID:        msg.TaskID,
			URL:       msg.URL,
			Name:      msg.URL,
			Status:    "pending",
			StartTime: time.Now(),
			Order:     m.taskCount,
		}
		m.outputs[msg.TaskID] = info
	}
	info.LastUpdated = time.Now()
	if msg.FileName != "" {
		info.Name = msg.FileName
	}
	switch msg.Kind {
	case scheduler.MsgStarted:
		info.Status = "running"
		info.Complete = false
		info.Error = nil
		info.Message = "Fetching metadata"
	case scheduler.MsgFileName:
		info.Message = "Downloading"
		info.Total = msg.Total
	case scheduler.MsgProgress:
		info.Entry = segmentsToEntry(msg.Segments)
		info.Written = msg.Written
		info.Total = msg.Total
	case scheduler.MsgStopped:
		info.Status = "warning"
		info.Message = "Stopped"
	case scheduler.MsgCompleted:
		info.Status = "success"
		info.Complete = true
		info.Written = msg.Written
		info.Message = fmt.Sprintf("Completed %s", utils.FormatBytes(uint64(msg.Written)))
	case scheduler.MsgFailed:
		info.Status = "error"
		info.Complete = true
		info.Error = msg.Err
		info.Message = "Failed"
		m.errors = append(m.errors, ErrorReport{Name: info.Name, Error: msg.Err, Time: time.Now()})
	}
}

func segmentsToEntry(segments []progress.Segment) progress.Entry {
	return lo.FilterMap(segments, func(s progress.Segment, _ int) (progress.Range, bool) {
		return s.Range, s.Done
	})
}

// Consume applies messages until the channel is closed.
func (m *Manager) Consume(msgs <-chan scheduler.Message) {
	for msg := range msgs {
		m.Apply(msg)
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortTasks() (active, pending, completed []*TaskOutput) {
	all := lo.Values(m.outputs)
	sort.Slice(all, func(i, j int) bool {
		return all[i].Order < all[j].Order
	})
	for _, t := range all {
		switch {
		case t.Complete:
			completed = append(completed, t)
		case t.Status == "pending":
			pending = append(pending, t)
		default:
			active = append(active, t)
		}
	}
	return active, pending, completed
}

// nameCell pads or truncates a display name to a fixed terminal width.
func nameCell(name string) string {
	return runewidth.FillRight(runewidth.Truncate(name, nameWidth, "…"), nameWidth)
}

func (m *Manager) taskLine(t *TaskOutput) string {
	indent := strings.Repeat(" ", 2)
	status := m.GetStatusIndicator(t.Status)
	elapsed := time.Since(t.StartTime)
	if t.Complete {
		elapsed = t.LastUpdated.Sub(t.StartTime)
	}
	var message string
	switch t.Status {
	case "success":
		message = successStyle.Render(t.Message)
	case "error":
		message = errorStyle.Render(t.Message)
	case "warning":
		message = warningStyle.Render(t.Message)
	default:
		message = pendingStyle.Render(t.Message)
	}
	line := fmt.Sprintf("%s%s %s %s %s", indent, status, nameCell(t.Name), debugStyle.Render(utils.FormatDuration(elapsed)), message)
	if t.Complete || t.Status == "pending" {
		return line
	}
	percent := "Unknown"
	if t.Total > 0 {
		percent = fmt.Sprintf("%.1f%%", float64(t.Written)/float64(t.Total)*100)
	}
	var speed float64
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(t.Written) / secs
	}
	return fmt.Sprintf("%s\n%s%s %s %s %s %s", line, strings.Repeat(" ", 2+4),
		streamStyle.Render("|"+render.Bar(t.Entry, t.Total, barWidth)+"|"),
		debugStyle.Render(percent), StyleSymbols["bullet"], debugStyle.Render(utils.FormatSpeed(speed)),
		debugStyle.Render(utils.FormatBytes(uint64(t.Written))))
}

// Render builds the current dashboard frame.
func (m *Manager) Render(availableLines int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	active, pending, completed := m.sortTasks()

	var lines []string
	for _, t := range active {
		lines = append(lines, strings.Split(m.taskLine(t), "\n")...)
	}
	for _, t := range pending {
		lines = append(lines, fmt.Sprintf("%s%s %s %s", strings.Repeat(" ", 2), m.GetStatusIndicator(t.Status), nameCell(t.Name), pendingStyle.Render("Waiting...")))
	}
	if len(completed) > 10 {
		lines = append(lines, infoStyle.Render(fmt.Sprintf("%s%d links completed with varying hidden status ...", strings.Repeat(" ", 2), len(completed)-8)))
		completed = completed[len(completed)-8:]
	}
	for _, t := range completed {
		lines = append(lines, m.taskLine(t))
	}
	if availableLines > 0 && len(lines) > availableLines {
		lines = lines[:availableLines]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m *Manager) updateDisplay() {
	frame := m.Render(terminalHeight() - 3)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var b strings.Builder
	if m.numLines > 0 {
		fmt.Fprintf(&b, "\033[%dA\033[J", m.numLines)
	}
	b.WriteString(frame)
	io.WriteString(m.out, b.String())
	m.numLines = strings.Count(frame, "\n")
}

// Write prints p above the dashboard so a logger can use the manager as its output.
func (m *Manager) Write(p []byte) (int, error) {
	m.mutex.Lock()
	var b strings.Builder
	if m.numLines > 0 {
		fmt.Fprintf(&b, "\033[%dA\033[J", m.numLines)
		m.numLines = 0
	}
	b.Write(p)
	io.WriteString(m.out, b.String())
	m.mutex.Unlock()
	if m.started.Load() {
		m.updateDisplay()
	}
	return len(p), nil
}

// Terminal reports whether the dashboard is drawn to a terminal.
func (m *Manager) Terminal() bool {
	return utils.IsTerminal(m.out)
}

func (m *Manager) StartDisplay() {
	m.started.Store(true)
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors(b *strings.Builder) {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(b)
	fmt.Fprintln(b, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(b, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("File: %s", err.Name)))
		fmt.Fprintf(b, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// Summary counts finished tasks and lists errors.
func (m *Manager) Summary() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var b strings.Builder
	fmt.Fprintln(&b)
	success := lo.CountBy(lo.Values(m.outputs), func(t *TaskOutput) bool { return t.Status == "success" })
	failures := lo.CountBy(lo.Values(m.outputs), func(t *TaskOutput) bool { return t.Status == "error" })
	stopped := lo.CountBy(lo.Values(m.outputs), func(t *TaskOutput) bool { return t.Status == "warning" })
	fmt.Fprintln(&b, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if stopped > 0 {
		fmt.Fprintln(&b, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Stopped %d of %d (run again to resume)", stopped, len(m.outputs))))
	}
	if failures > 0 {
		fmt.Fprintln(&b, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors(&b)
	fmt.Fprintln(&b)
	return b.String()
}

func (m *Manager) ShowSummary() {
	io.WriteString(m.out, m.Summary())
}

// Failed is the number of tasks that ended in an error.
func (m *Manager) Failed() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.errors)
}
