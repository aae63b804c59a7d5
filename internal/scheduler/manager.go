package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tanq16/rangedl/internal/prefetch"
	"github.com/tanq16/rangedl/internal/progress"
	"github.com/tanq16/rangedl/internal/transfer"
	"github.com/tanq16/rangedl/internal/utils"
)

const (
	updateBuffer   = 64
	messageBuffer  = 256
	progressPeriod = 100 * time.Millisecond
)

// RunFunc performs one transfer attempt.
type RunFunc func(ctx context.Context, cfg transfer.Config, rawURL string, hooks transfer.Hooks) (*transfer.Result, error)

type command struct {
	op    opKind
	url   string
	id    uuid.UUID
	index int
	byID  bool
	reply chan []TaskView
}

type opKind int

const (
	opAdd opKind = iota
	opStop
	opResume
	opRemove
	opSnapshot
	opShutdown
)

// update is sent by task goroutines back to the manager.
type update struct {
	id       uuid.UUID
	h        *handle
	started  *transfer.Result
	progress *Message
	finished bool
	result   *transfer.Result
	err      error
}

// Manager supervises independent transfers. All task state lives in the run
// goroutine; the public methods only enqueue commands.
type Manager struct {
	cfg         transfer.Config
	run         RunFunc
	concurrency int
	log         zerolog.Logger

	// pending is unbounded so commands never block or get dropped; wake
	// tells the loop that pending is non-empty.
	queueMu sync.Mutex
	pending []command
	wake    chan struct{}

	updates  chan update
	messages chan Message
	dead     chan struct{}

	// owned by loop
	ctx      context.Context
	tasks    []*Task
	removing map[uuid.UUID]*Task
	closing  []chan []TaskView
}

// NewManager builds a manager that runs at most concurrency transfers at a
// time (0 means no limit). Start must be called before any command.
func NewManager(cfg transfer.Config, concurrency int) *Manager {
	return &Manager{
		cfg:         cfg,
		run:         transfer.Run,
		concurrency: concurrency,
		log:         utils.GetLogger("scheduler"),
		wake:        make(chan struct{}, 1),
		updates:     make(chan update, updateBuffer),
		messages:    make(chan Message, messageBuffer),
		dead:        make(chan struct{}),
		removing:    make(map[uuid.UUID]*Task),
	}
}

// WithRunner swaps the transfer implementation.
func (m *Manager) WithRunner(run RunFunc) *Manager {
	m.run = run
	return m
}

func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	go m.loop()
}

// Messages must be drained until it is closed by Shutdown.
func (m *Manager) Messages() <-chan Message {
	return m.messages
}

func (m *Manager) dispatch(cmd command) {
	m.queueMu.Lock()
	m.pending = append(m.pending, cmd)
	m.queueMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) takePending() []command {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	cmds := m.pending
	m.pending = nil
	return cmds
}

// AddTask queues rawURL at the front of the list and returns its stable ID.
func (m *Manager) AddTask(rawURL string) uuid.UUID {
	id := uuid.New()
	m.dispatch(command{op: opAdd, url: rawURL, id: id})
	return id
}

func (m *Manager) Stop(index int)       { m.dispatch(command{op: opStop, index: index}) }
func (m *Manager) Resume(index int)     { m.dispatch(command{op: opResume, index: index}) }
func (m *Manager) RemoveTask(index int) { m.dispatch(command{op: opRemove, index: index}) }

func (m *Manager) StopID(id uuid.UUID)   { m.dispatch(command{op: opStop, id: id, byID: true}) }
func (m *Manager) ResumeID(id uuid.UUID) { m.dispatch(command{op: opResume, id: id, byID: true}) }
func (m *Manager) RemoveID(id uuid.UUID) { m.dispatch(command{op: opRemove, id: id, byID: true}) }

// Snapshot returns the task list in display order.
func (m *Manager) Snapshot() []TaskView {
	reply := make(chan []TaskView, 1)
	m.dispatch(command{op: opSnapshot, reply: reply})
	select {
	case views := <-reply:
		return views
	case <-m.dead:
		return nil
	}
}

// Shutdown stops every running task, waits for all of them to exit, and
// closes Messages. Resume records are kept.
func (m *Manager) Shutdown() []TaskView {
	reply := make(chan []TaskView, 1)
	m.dispatch(command{op: opShutdown, reply: reply})
	select {
	case views := <-reply:
		return views
	case <-m.dead:
		// replies are sent before dead closes
		select {
		case views := <-reply:
			return views
		default:
			return nil
		}
	}
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.wake:
			for _, cmd := range m.takePending() {
				m.handleCommand(cmd)
			}
		case u := <-m.updates:
			m.handleUpdate(u)
		}
		if m.closing != nil && m.active() == 0 && len(m.removing) == 0 {
			views := m.views()
			close(m.messages)
			for _, reply := range m.closing {
				reply <- views
			}
			close(m.dead)
			return
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch cmd.op {
	case opAdd:
		t := &Task{ID: cmd.id, URL: cmd.url, State: Queued}
		m.tasks = append([]*Task{t}, m.tasks...)
		m.log.Debug().Str("url", cmd.url).Str("task", t.ID.String()).Msg("Task added")
		m.schedule()
	case opSnapshot:
		cmd.reply <- m.views()
	case opShutdown:
		m.closing = append(m.closing, cmd.reply)
		for _, t := range m.tasks {
			switch {
			case t.handle != nil:
				t.handle.cancel()
			case t.State == Queued:
				m.setStopped(t)
			}
		}
	default:
		t, ok := m.resolve(cmd)
		if !ok {
			m.log.Warn().Int("index", cmd.index).Str("task", cmd.id.String()).Msg("No such task")
			return
		}
		switch cmd.op {
		case opStop:
			m.stop(t)
		case opResume:
			m.resume(t)
		case opRemove:
			m.remove(t)
		}
	}
}

func (m *Manager) resolve(cmd command) (*Task, bool) {
	if cmd.byID {
		t, _, ok := lo.FindIndexOf(m.tasks, func(t *Task) bool { return t.ID == cmd.id })
		return t, ok
	}
	if cmd.index < 0 || cmd.index >= len(m.tasks) {
		return nil, false
	}
	return m.tasks[cmd.index], true
}

func (m *Manager) indexOf(id uuid.UUID) int {
	_, idx, _ := lo.FindIndexOf(m.tasks, func(t *Task) bool { return t.ID == id })
	return idx
}

func (m *Manager) stop(t *Task) {
	switch {
	case t.handle != nil:
		// state flips once the run reports back
		t.handle.cancel()
	case t.State == Queued:
		m.setStopped(t)
	}
}

func (m *Manager) setStopped(t *Task) {
	t.State = Stopped
	m.emit(t, Message{Kind: MsgStopped, Written: t.Written, Total: t.Total})
}

func (m *Manager) resume(t *Task) {
	if t.State == Completed || m.closing != nil {
		return
	}
	if t.handle != nil {
		t.handle.cancel()
	}
	t.State = Queued
	t.Err = nil
	if t.handle != nil {
		// a running task restarts right away, after its old run exits
		m.launch(t)
		return
	}
	m.schedule()
}

func (m *Manager) remove(t *Task) {
	m.tasks = lo.Filter(m.tasks, func(other *Task, _ int) bool { return other != t })
	if t.handle != nil {
		t.handle.cancel()
		m.removing[t.ID] = t
		return
	}
	m.dropRecord(t.Path)
	m.schedule()
}

func (m *Manager) dropRecord(path string) {
	if path == "" || m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.Remove(path); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("Could not remove resume record")
	}
}

func (m *Manager) active() int {
	return lo.CountBy(m.tasks, func(t *Task) bool { return t.handle != nil })
}

// schedule launches the oldest queued tasks while there is capacity.
func (m *Manager) schedule() {
	if m.closing != nil {
		return
	}
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if m.concurrency > 0 && m.active() >= m.concurrency {
			return
		}
		if t := m.tasks[i]; t.State == Queued && t.handle == nil {
			m.launch(t)
		}
	}
}

func (m *Manager) launch(t *Task) {
	var prev <-chan struct{}
	if t.handle != nil {
		prev = t.handle.done
	}
	ctx, cancel := context.WithCancel(m.ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	t.handle = h
	t.State = Running

	cfg := m.cfg
	cfg.Path = t.Path
	id, rawURL := t.ID, t.URL
	go func() {
		defer close(h.done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		var lastProgress time.Time
		var total int64
		res, err := m.run(ctx, cfg, rawURL, transfer.Hooks{
			OnStart: func(info *prefetch.URLInfo, path string, initial progress.Entry) {
				total = info.FileSize
				m.send(update{id: id, h: h, started: &transfer.Result{Path: path, Info: info, Entry: initial, Written: progress.Total(initial)}})
			},
			OnProgress: func(r progress.Range, tracker *progress.Tracker) {
				if time.Since(lastProgress) < progressPeriod {
					return
				}
				lastProgress = time.Now()
				m.send(update{id: id, h: h, progress: progressMessage(tracker.Snapshot(), tracker.Total(), total)})
			},
		})
		m.send(update{id: id, h: h, finished: true, result: res, err: err})
	}()
	m.emit(t, Message{Kind: MsgStarted})
}

func progressMessage(entry progress.Entry, written, total int64) *Message {
	return &Message{
		Kind:     MsgProgress,
		Segments: progress.AddBlank(entry, total),
		Written:  written,
		Total:    total,
	}
}

// send hands an update to the loop, giving up once the loop is gone.
func (m *Manager) send(u update) {
	select {
	case m.updates <- u:
	case <-m.dead:
	}
}

func (m *Manager) emit(t *Task, msg Message) {
	msg.TaskID = t.ID
	msg.Index = m.indexOf(t.ID)
	msg.URL = t.URL
	msg.Path = t.Path
	msg.FileName = t.FileName
	if msg.Kind == MsgFailed {
		msg.Err = t.Err
	}
	m.messages <- msg
}

func (m *Manager) handleUpdate(u update) {
	if u.finished {
		if t, ok := m.removing[u.id]; ok && t.handle == u.h {
			delete(m.removing, u.id)
			path := t.Path
			if u.result != nil {
				path = u.result.Path
			}
			m.dropRecord(path)
			m.schedule()
			return
		}
	}
	t, _, ok := lo.FindIndexOf(m.tasks, func(t *Task) bool { return t.ID == u.id })
	if !ok || t.handle != u.h {
		// a replaced or removed run
		return
	}

	switch {
	case u.started != nil:
		t.Path = u.started.Path
		t.FileName = u.started.Info.FileName
		t.Total = u.started.Info.FileSize
		t.Written = u.started.Written
		m.emit(t, Message{Kind: MsgFileName})
	case u.progress != nil:
		t.Written = u.progress.Written
		m.emit(t, *u.progress)
	case u.finished:
		m.finish(t, u.result, u.err)
	}
}

func (m *Manager) finish(t *Task, res *transfer.Result, err error) {
	t.handle = nil
	if res != nil {
		t.Path = res.Path
		t.Written = res.Written
		t.Total = res.Info.FileSize
		m.emit(t, *progressMessage(res.Entry, res.Written, res.Info.FileSize))
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		t.State = Failed
		t.Err = err
		m.log.Error().Err(err).Str("url", t.URL).Msg("Task failed")
		m.emit(t, Message{Kind: MsgFailed})
	case err != nil || res.Cancelled:
		m.setStopped(t)
	default:
		t.State = Completed
		m.emit(t, Message{Kind: MsgCompleted, Written: t.Written, Total: t.Total})
	}
	m.schedule()
}

func (m *Manager) views() []TaskView {
	return lo.Map(m.tasks, func(t *Task, i int) TaskView {
		return TaskView{
			ID:       t.ID,
			Index:    i,
			URL:      t.URL,
			Path:     t.Path,
			FileName: t.FileName,
			State:    t.State,
			Err:      t.Err,
			Written:  t.Written,
			Total:    t.Total,
		}
	})
}
