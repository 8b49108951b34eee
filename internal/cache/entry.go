// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/kernel"
)

// Entry is one cached connection. The action is read lock-free; the packet
// queue and verdict transitions are serialized by mu.
type Entry struct {
	ID      uint64
	Key     flow.Key
	Info    flow.Info
	Created time.Time

	action   atomic.Pointer[flow.Action]
	lastSeen atomic.Int64

	mu      sync.Mutex
	queue   []*kernel.Packet
	removed bool
}

func newEntry(id uint64, key flow.Key, info flow.Info, action flow.Action, now time.Time) *Entry {
	e := &Entry{ID: id, Key: key, Info: info, Created: now}
	e.action.Store(&action)
	e.lastSeen.Store(now.UnixNano())
	return e
}

// Action returns the current action.
func (e *Entry) Action() flow.Action {
	return *e.action.Load()
}

// Touch records activity on the entry.
func (e *Entry) Touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (e *Entry) LastSeen() time.Time {
	return time.Unix(0, e.lastSeen.Load())
}

// Queued returns the number of packets waiting for a verdict.
func (e *Entry) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// detach marks e removed and hands back its queue. Caller must not hold e.mu.
func (e *Entry) detach() []*kernel.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	q := e.queue
	e.queue = nil
	return q
}

// Snapshot is a point-in-time copy of an entry for reporting.
type Snapshot struct {
	ID       uint64      `json:"id"`
	Key      flow.Key    `json:"-"`
	Flow     string      `json:"flow"`
	Action   flow.Action `json:"-"`
	Verdict  string      `json:"verdict"`
	Created  time.Time   `json:"created"`
	LastSeen time.Time   `json:"last_seen"`
	Queued   int         `json:"queued"`
}

func (e *Entry) snapshot() Snapshot {
	a := e.Action()
	return Snapshot{
		ID:       e.ID,
		Key:      e.Key,
		Flow:     e.Key.String(),
		Action:   a,
		Verdict:  a.String(),
		Created:  e.Created,
		LastSeen: e.LastSeen(),
		Queued:   e.Queued(),
	}
}
