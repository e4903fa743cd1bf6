// Package uploadqueue schedules file uploads to the QMS-Nexus backend.
//
// A Manager holds an ordered queue of upload items. Each scheduling pass
// starts attempts for pending items in submission order until the
// concurrency ceiling is reached. An attempt uploads the file, then polls the
// backend until the document is processed. Failed attempts go back to
// pending after a fixed delay until the retry limit is reached.
//
// Every attempt is tagged with a generation number. Results arriving for a
// generation that is no longer current (the item was cancelled, removed or
// restarted) are dropped.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/model"
)

const (
	DefaultMaxConcurrency    = 3
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 2 * time.Second
	DefaultPollInterval      = time.Second
	DefaultProcessingTimeout = 5 * time.Minute
	DefaultCompletedLimit    = 50

	minConcurrency = 1
	maxConcurrency = 10
)

const (
	msgCancelled     = "upload cancelled by user"
	msgProcessFailed = "document processing failed"
	stepParsing      = "parsing document"
	stepDone         = "document processed"
)

var (
	ErrItemNotFound      = errors.New("upload item not found")
	ErrNotCancellable    = errors.New("upload item cannot be cancelled in its current state")
	ErrProcessingTimeout = errors.New("processing timed out")
	ErrClosed            = errors.New("upload queue closed")
)

// Transport sends a file to the backend and returns the task created for it.
type Transport interface {
	Upload(ctx context.Context, file model.FileRef, onProgress func(percent int)) (*model.UploadReceipt, error)
}

// StatusPoller looks up the processing status of a backend task.
type StatusPoller interface {
	GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error)
}

// Options are taken literally except MaxConcurrency, which is clamped to
// [1, 10], and a zero PollInterval, ProcessingTimeout or CompletedLimit,
// which fall back to the defaults. A zero RetryDelay retries on the next
// pass. A negative CompletedLimit keeps every completed item.
// Use DefaultOptions for the standard policy.
type Options struct {
	MaxConcurrency    int
	MaxRetries        int
	AutoRetry         bool
	RetryDelay        time.Duration
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	CompletedLimit    int
	Logger            *logging.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrency:    DefaultMaxConcurrency,
		MaxRetries:        DefaultMaxRetries,
		AutoRetry:         true,
		RetryDelay:        DefaultRetryDelay,
		PollInterval:      DefaultPollInterval,
		ProcessingTimeout: DefaultProcessingTimeout,
		CompletedLimit:    DefaultCompletedLimit,
	}
}

type entry struct {
	item   model.UploadItem
	gen    uint64
	seq    uint64
	cancel context.CancelFunc
	retry  *time.Timer
}

type attempt struct {
	id     string
	gen    uint64
	file   model.FileRef
	ctx    context.Context
	logger *logging.Logger
}

type Manager struct {
	transport         Transport
	poller            StatusPoller
	logger            *logging.Logger
	retryDelay        time.Duration
	pollInterval      time.Duration
	processingTimeout time.Duration
	completedLimit    int

	mu             sync.Mutex
	queue          []*entry // submission order
	completed      []*entry // newest first
	byID           map[string]*entry
	inflight       map[string]struct{} // uploading, awaiting processing or waiting out a retry delay
	active         int
	maxConcurrency int
	maxRetries     int
	autoRetry      bool
	closed         bool
	changed        chan struct{}

	subMu   sync.RWMutex
	subs    []subscription
	nextSub uint64

	ctx  context.Context
	stop context.CancelFunc
	wg   conc.WaitGroup
}

func New(transport Transport, poller StatusPoller, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ProcessingTimeout == 0 {
		opts.ProcessingTimeout = DefaultProcessingTimeout
	}
	if opts.CompletedLimit == 0 {
		opts.CompletedLimit = DefaultCompletedLimit
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		transport:         transport,
		poller:            poller,
		logger:            opts.Logger,
		retryDelay:        max(opts.RetryDelay, 0),
		pollInterval:      opts.PollInterval,
		processingTimeout: opts.ProcessingTimeout,
		completedLimit:    opts.CompletedLimit,
		byID:              make(map[string]*entry),
		inflight:          make(map[string]struct{}),
		maxConcurrency:    clampConcurrency(opts.MaxConcurrency),
		maxRetries:        max(opts.MaxRetries, 0),
		autoRetry:         opts.AutoRetry,
		changed:           make(chan struct{}),
		ctx:               ctx,
		stop:              stop,
	}
}

// AddFiles appends one pending item per file. Uploading starts only on
// Start.
func (m *Manager) AddFiles(files []model.FileRef) []model.UploadItem {
	now := time.Now()
	added := make([]model.UploadItem, 0, len(files))
	events := make([]Event, 0, len(files))

	m.mu.Lock()
	for _, f := range files {
		e := &entry{item: model.UploadItem{
			ID:        uuid.NewString(),
			File:      f,
			State:     model.StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		m.queue = append(m.queue, e)
		m.byID[e.item.ID] = e
		added = append(added, cloneItem(e.item))
		events = append(events, newEvent(EventItemAdded, e))
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("files queued", "count", len(files))
	m.publish(events...)
	return added
}

// Start runs a scheduling pass. Passes are serialized by the queue lock, so
// a call racing another pass only sees the capacity that pass left over.
// Later passes are triggered by attempts settling and retry delays expiring.
func (m *Manager) Start() {
	m.mu.Lock()
	events := m.scheduleLocked()
	m.mu.Unlock()
	m.publish(events...)
}

func (m *Manager) scheduleLocked() []Event {
	if m.closed {
		return nil
	}

	var events []Event
	for _, e := range m.queue {
		if m.active >= m.maxConcurrency {
			break
		}
		if e.item.State != model.StatePending {
			continue
		}
		if _, busy := m.inflight[e.item.ID]; busy {
			continue
		}
		events = append(events, m.dispatchLocked(e))
	}
	return events
}

func (m *Manager) dispatchLocked(e *entry) Event {
	e.gen++
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel

	it := &e.item
	it.State = model.StateUploading
	it.Progress = 0
	it.LastError = ""
	it.CurrentStep = ""
	it.EstimatedTime = 0
	it.RemoteTaskID = ""
	it.Result = nil
	it.UpdatedAt = time.Now()

	m.active++
	m.inflight[it.ID] = struct{}{}
	m.notifyLocked()

	a := attempt{
		id:     it.ID,
		gen:    e.gen,
		file:   it.File,
		ctx:    ctx,
		logger: m.logger.WithItem(it.ID).With("file", it.File.Name, "attempt", it.RetryAttempts+1),
	}
	a.logger.Info("upload started")
	m.wg.Go(func() { m.run(a) })

	return newEvent(EventStateChanged, e)
}

// currentLocked returns the entry an attempt belongs to, or false when the
// attempt's result must be discarded.
func (m *Manager) currentLocked(a attempt) (*entry, bool) {
	e, ok := m.byID[a.id]
	if !ok || e.gen != a.gen || !e.item.State.Active() {
		return nil, false
	}
	return e, true
}

// releaseLocked detaches an entry from whatever attempt or retry timer it
// has, so nothing running can touch it again.
func (m *Manager) releaseLocked(e *entry) {
	if e.item.State.Active() {
		m.active--
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.gen++
	delete(m.inflight, e.item.ID)
}

func (m *Manager) onUploadProgress(a attempt, percent int) {
	m.mu.Lock()
	e, ok := m.currentLocked(a)
	if !ok || e.item.State != model.StateUploading {
		m.mu.Unlock()
		return
	}
	percent = min(max(percent, 0), 100)
	if percent <= e.item.Progress {
		m.mu.Unlock()
		return
	}
	e.item.Progress = percent
	e.item.UpdatedAt = time.Now()
	ev := newEvent(EventProgress, e)
	m.mu.Unlock()

	m.publish(ev)
}

func (m *Manager) onUploaded(a attempt, receipt *model.UploadReceipt) bool {
	m.mu.Lock()
	e, ok := m.currentLocked(a)
	if !ok {
		m.mu.Unlock()
		a.logger.Debug("discarding stale upload result")
		return false
	}
	it := &e.item
	it.State = model.StateAwaitingProcessing
	it.RemoteTaskID = receipt.TaskID
	it.Progress = 100
	it.CurrentStep = stepParsing
	it.UpdatedAt = time.Now()
	ev := newEvent(EventStateChanged, e)
	m.notifyLocked()
	m.mu.Unlock()

	a.logger.Info("upload accepted", "task_id", receipt.TaskID)
	m.publish(ev)
	return true
}

func (m *Manager) onProcessing(a attempt, status *model.TaskStatus) bool {
	m.mu.Lock()
	e, ok := m.currentLocked(a)
	if !ok || e.item.State != model.StateAwaitingProcessing {
		m.mu.Unlock()
		return false
	}

	it := &e.item
	changed := false
	if p := max(90, min(status.Progress, 100)); p > it.Progress {
		it.Progress = p
		changed = true
	}
	if status.CurrentStep != "" && status.CurrentStep != it.CurrentStep {
		it.CurrentStep = status.CurrentStep
		changed = true
	}
	if status.EstimatedTime != it.EstimatedTime {
		it.EstimatedTime = status.EstimatedTime
		changed = true
	}
	if !changed {
		m.mu.Unlock()
		return true
	}
	it.UpdatedAt = time.Now()
	ev := newEvent(EventProgress, e)
	m.mu.Unlock()

	m.publish(ev)
	return true
}

func (m *Manager) onCompleted(a attempt, status *model.TaskStatus) {
	m.mu.Lock()
	e, ok := m.currentLocked(a)
	if !ok {
		m.mu.Unlock()
		a.logger.Debug("discarding stale processing result")
		return
	}
	m.releaseLocked(e)

	now := time.Now()
	it := &e.item
	it.State = model.StateCompleted
	it.Progress = 100
	it.LastError = ""
	it.CurrentStep = stepDone
	it.EstimatedTime = 0
	it.FinishedAt = &now
	it.UpdatedAt = now
	if status.Result != nil {
		r := *status.Result
		it.Result = &r
	}

	events := []Event{newEvent(EventStateChanged, e)}
	events = append(events, m.moveToCompletedLocked(e)...)
	events = append(events, m.scheduleLocked()...)
	m.notifyLocked()
	m.mu.Unlock()

	a.logger.Info("document processed", "retry_attempts", it.RetryAttempts)
	m.publish(events...)
}

func (m *Manager) moveToCompletedLocked(e *entry) []Event {
	m.queue = removeEntry(m.queue, e)
	m.completed = append([]*entry{e}, m.completed...)

	var events []Event
	for m.completedLimit > 0 && len(m.completed) > m.completedLimit {
		last := m.completed[len(m.completed)-1]
		m.completed = m.completed[:len(m.completed)-1]
		delete(m.byID, last.item.ID)
		events = append(events, newEvent(EventItemRemoved, last))
	}
	return events
}

// onFailed records a failed attempt and applies the retry policy.
func (m *Manager) onFailed(a attempt, cause error, permanent bool) {
	m.mu.Lock()
	e, ok := m.currentLocked(a)
	if !ok {
		m.mu.Unlock()
		a.logger.Debug("discarding stale failure", "error", cause)
		return
	}

	msg := cause.Error()
	it := &e.item
	retry := m.autoRetry && !permanent && !m.closed && it.RetryAttempts < m.maxRetries

	var events []Event
	if retry {
		events = append(events, m.scheduleRetryLocked(e, msg))
	} else {
		m.releaseLocked(e)
		now := time.Now()
		it.State = model.StateFailed
		it.LastError = msg
		it.FinishedAt = &now
		it.UpdatedAt = now
		if m.autoRetry && !permanent && !m.closed {
			it.Exhausted = true
			it.LastError = fmt.Sprintf("%s (gave up after %d retries)", msg, m.maxRetries)
		}
		events = append(events, newEvent(EventStateChanged, e))
	}
	events = append(events, m.scheduleLocked()...)
	m.notifyLocked()
	m.mu.Unlock()

	if retry {
		a.logger.Warn("upload attempt failed, retrying", "error", msg, "delay", m.retryDelay.String())
	} else {
		a.logger.Error("upload failed", "error", msg, "permanent", permanent)
	}
	m.publish(events...)
}

// scheduleRetryLocked frees the item's slot right away but keeps it in the
// in-flight set until the delay expires, so no pass picks it up early.
func (m *Manager) scheduleRetryLocked(e *entry, cause string) Event {
	m.active--
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	it := &e.item
	it.RetryAttempts++
	it.State = model.StatePending
	it.Progress = 0
	it.LastError = ""
	it.CurrentStep = ""
	it.EstimatedTime = 0
	it.RemoteTaskID = ""
	it.Result = nil
	it.UpdatedAt = time.Now()

	id, gen := it.ID, e.gen
	e.retry = time.AfterFunc(m.retryDelay, func() { m.releaseRetry(id, gen) })

	ev := newEvent(EventRetryScheduled, e)
	ev.Error = cause
	return ev
}

func (m *Manager) releaseRetry(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok || e.gen != gen || e.retry == nil {
		m.mu.Unlock()
		return
	}
	e.retry = nil
	delete(m.inflight, id)
	events := m.scheduleLocked()
	m.notifyLocked()
	m.mu.Unlock()

	m.publish(events...)
}

// Cancel stops a pending or uploading item and marks it failed. The
// network call is aborted through its context; if it still returns, the
// result is ignored.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.State != model.StatePending && e.item.State != model.StateUploading {
		state := e.item.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, state)
	}

	m.releaseLocked(e)
	now := time.Now()
	it := &e.item
	it.State = model.StateFailed
	it.LastError = msgCancelled
	it.Progress = 0
	it.Cancelled = true
	it.FinishedAt = &now
	it.UpdatedAt = now

	events := []Event{newEvent(EventStateChanged, e)}
	events = append(events, m.scheduleLocked()...)
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.WithItem(id).Info("upload cancelled")
	m.publish(events...)
	return nil
}

// Remove deletes an item from the queue or the completed list, whatever its
// state.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	m.releaseLocked(e)
	delete(m.byID, id)
	m.queue = removeEntry(m.queue, e)
	m.completed = removeEntry(m.completed, e)

	events := []Event{newEvent(EventItemRemoved, e)}
	events = append(events, m.scheduleLocked()...)
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.WithItem(id).Info("upload removed")
	m.publish(events...)
	return nil
}

// RetryFailed puts every failed item back to pending with a fresh retry
// budget and starts a scheduling pass. It returns how many were reset.
func (m *Manager) RetryFailed() int {
	m.mu.Lock()
	var events []Event
	n := 0
	for _, e := range m.queue {
		if e.item.State != model.StateFailed {
			continue
		}
		it := &e.item
		it.State = model.StatePending
		it.RetryAttempts = 0
		it.Progress = 0
		it.LastError = ""
		it.CurrentStep = ""
		it.RemoteTaskID = ""
		it.Result = nil
		it.Cancelled = false
		it.Exhausted = false
		it.FinishedAt = nil
		it.UpdatedAt = time.Now()
		events = append(events, newEvent(EventStateChanged, e))
		n++
	}
	events = append(events, m.scheduleLocked()...)
	m.notifyLocked()
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("failed uploads reset", "count", n)
	}
	m.publish(events...)
	return n
}

// SetMaxConcurrentUploads clamps n to [1, 10] and returns the applied value.
// Running attempts are not preempted; the new ceiling applies from the next
// scheduling pass.
func (m *Manager) SetMaxConcurrentUploads(n int) int {
	n = clampConcurrency(n)
	m.mu.Lock()
	m.maxConcurrency = n
	m.mu.Unlock()
	return n
}

func (m *Manager) SetAutoRetry(enabled bool) {
	m.mu.Lock()
	m.autoRetry = enabled
	m.mu.Unlock()
}

func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	events := make([]Event, 0, len(m.completed))
	for _, e := range m.completed {
		delete(m.byID, e.item.ID)
		events = append(events, newEvent(EventItemRemoved, e))
	}
	m.completed = nil
	m.notifyLocked()
	m.mu.Unlock()

	m.publish(events...)
	return len(events)
}

func (m *Manager) ClearFailed() int {
	m.mu.Lock()
	var events []Event
	kept := m.queue[:0]
	for _, e := range m.queue {
		if e.item.State == model.StateFailed {
			delete(m.byID, e.item.ID)
			events = append(events, newEvent(EventItemRemoved, e))
			continue
		}
		kept = append(kept, e)
	}
	clear(m.queue[len(kept):])
	m.queue = kept
	m.notifyLocked()
	m.mu.Unlock()

	m.publish(events...)
	return len(events)
}

// ClearAll drops every item, aborting running attempts.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	events := make([]Event, 0, len(m.byID))
	for _, list := range [][]*entry{m.queue, m.completed} {
		for _, e := range list {
			m.releaseLocked(e)
			events = append(events, newEvent(EventItemRemoved, e))
		}
	}
	m.queue = nil
	m.completed = nil
	m.byID = make(map[string]*entry)
	m.inflight = make(map[string]struct{})
	m.active = 0
	m.notifyLocked()
	m.mu.Unlock()

	m.publish(events...)
	return len(events)
}

func (m *Manager) Get(id string) (model.UploadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return model.UploadItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return cloneItem(e.item), nil
}

func (m *Manager) Snapshot() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := model.Snapshot{
		Items:          make([]model.UploadItem, 0, len(m.queue)),
		Completed:      make([]model.UploadItem, 0, len(m.completed)),
		MaxConcurrency: m.maxConcurrency,
		ActiveCount:    m.active,
		MaxRetries:     m.maxRetries,
		AutoRetry:      m.autoRetry,
	}
	total := 0
	for _, e := range m.queue {
		s.Items = append(s.Items, cloneItem(e.item))
		total += e.item.Progress
	}
	for _, e := range m.completed {
		s.Completed = append(s.Completed, cloneItem(e.item))
	}
	if len(m.queue) > 0 {
		s.OverallProgress = (total + len(m.queue)/2) / len(m.queue)
	}
	return s
}

// Wait blocks until no item is pending, active or waiting out a retry
// delay. Pending items only move after Start, so call Start first.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		idle := m.idleLocked()
		changed := m.changed
		m.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (m *Manager) idleLocked() bool {
	if len(m.inflight) > 0 {
		return false
	}
	if m.closed {
		return true
	}
	for _, e := range m.queue {
		if e.item.State == model.StatePending || e.item.State.Active() {
			return false
		}
	}
	return true
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Close aborts running attempts, stops pending retries and waits for every
// attempt goroutine to return. Items keep their last state.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.byID {
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
			delete(m.inflight, e.item.ID)
		}
	}
	m.stop()
	m.notifyLocked()
	m.mu.Unlock()

	if r := m.wg.WaitAndRecover(); r != nil {
		m.logger.Error("upload attempt panicked during shutdown", "panic", r.Value)
	}
	m.logger.Info("upload queue closed")
}

func clampConcurrency(n int) int {
	return min(max(n, minConcurrency), maxConcurrency)
}

func removeEntry(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
