package uploadqueue

import (
	"runtime/debug"
	"time"

	"github.com/yokitheyo/qms-uploader/internal/model"
)

type EventType string

const (
	EventItemAdded      EventType = "item.added"
	EventStateChanged   EventType = "item.state"
	EventProgress       EventType = "item.progress"
	EventRetryScheduled EventType = "item.retry_scheduled"
	EventItemRemoved    EventType = "item.removed"
)

// Event carries a copy of the item as it was right after the change.
// Error is set on retry_scheduled with the failure that caused the retry.
// Seq increases with every change of the item and orders its events.
type Event struct {
	Type  EventType        `json:"type"`
	Item  model.UploadItem `json:"item"`
	Seq   uint64           `json:"seq"`
	Error string           `json:"error,omitempty"`
	Time  time.Time        `json:"time"`
}

type subscription struct {
	id uint64
	fn func(Event)
}

// Subscribe registers fn for every queue event and returns a function that
// removes it. Handlers run synchronously on the goroutine that made the
// change, after the queue lock is released, so they may call back into the
// Manager.
//
// Delivery order is not change order: an attempt goroutine can deliver a
// progress event after a Cancel already delivered the failed state of the
// same item. Subscribers that keep item state should ignore an event whose
// Seq is not above the last one seen for that item.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	m.subMu.RLock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.subMu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			m.safeCall(s.fn, ev)
		}
	}
}

// safeCall keeps one misbehaving subscriber from breaking delivery to the rest.
func (m *Manager) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(ev)
}

// newEvent must be called with the queue lock held.
func newEvent(t EventType, e *entry) Event {
	e.seq++
	return Event{Type: t, Item: cloneItem(e.item), Seq: e.seq, Time: time.Now()}
}

func cloneItem(it model.UploadItem) model.UploadItem {
	if it.Result != nil {
		r := *it.Result
		it.Result = &r
	}
	if it.FinishedAt != nil {
		f := *it.FinishedAt
		it.FinishedAt = &f
	}
	return it
}
