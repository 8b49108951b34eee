// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package diag implements the engine's diagnostic log ring.
//
// Producers on any goroutine claim a slot with a single atomic add and
// publish with an atomic swap; nothing on the write path locks or allocates
// beyond the line itself. A single consumer drains the ring with Flush.
// When producers lap the consumer the oldest unread lines are overwritten
// and counted in Dropped.
package diag

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1024

// Severity orders diagnostic lines. Zero is not a valid severity.
type Severity uint8

const (
	SeverityTrace Severity = iota + 1
	SeverityDebug
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityTrace:
		return "trace"
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// Enabled reports whether lines of severity s pass the build's threshold.
func Enabled(s Severity) bool {
	return s >= Threshold
}

// Line is one diagnostic record.
type Line struct {
	Seq      uint64
	Time     time.Time
	Severity Severity
	Prefix   string
	Message  string
}

func (l *Line) String() string {
	return fmt.Sprintf("%s %s%s", l.Severity, l.Prefix, l.Message)
}

// Buffer is a fixed-capacity ring of *Line slots. The zero value is not
// usable; call NewBuffer. A nil *Buffer discards everything.
type Buffer struct {
	slots  []atomic.Pointer[Line]
	cursor atomic.Uint64
	// read is the consumer's position. Only Flush touches it.
	read    uint64
	flushMu atomic.Bool

	dropped atomic.Uint64
}

// NewBuffer allocates a ring with the given capacity (DefaultCapacity if <= 0).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{slots: make([]atomic.Pointer[Line], capacity)}
}

// Capacity returns the number of slots.
func (b *Buffer) Capacity() int {
	if b == nil {
		return 0
	}
	return len(b.slots)
}

// AddLine records a line. Lines below Threshold are discarded.
func (b *Buffer) AddLine(sev Severity, prefix, msg string) {
	if b == nil || !Enabled(sev) {
		return
	}
	seq := b.cursor.Add(1) - 1
	line := &Line{
		Seq:      seq,
		Time:     time.Now(),
		Severity: sev,
		Prefix:   prefix,
		Message:  msg,
	}
	if old := b.slots[seq%uint64(len(b.slots))].Swap(line); old != nil {
		b.dropped.Add(1)
	}
}

// Flush removes and returns the unread lines in insertion order. At most
// Capacity lines are returned. Concurrent Flush calls are not supported; a
// Flush that overlaps another returns nil.
func (b *Buffer) Flush() []*Line {
	if b == nil || !b.flushMu.CompareAndSwap(false, true) {
		return nil
	}
	defer b.flushMu.Store(false)

	end := b.cursor.Load()
	start := b.read
	size := uint64(len(b.slots))
	if end-start > size {
		start = end - size
	}
	if start == end {
		return nil
	}

	lines := make([]*Line, 0, end-start)
	for i := start; i < end; i++ {
		if line := b.slots[i%size].Swap(nil); line != nil {
			lines = append(lines, line)
		}
	}
	b.read = end

	// A producer that lapped the window mid-flush can leave a newer line in a
	// slot we walked earlier than an older one.
	sort.Slice(lines, func(i, j int) bool { return lines[i].Seq < lines[j].Seq })
	return lines
}

// Added returns the total number of lines ever added.
func (b *Buffer) Added() uint64 {
	if b == nil {
		return 0
	}
	return b.cursor.Load()
}

// Dropped returns the number of unread lines lost to overwrite.
func (b *Buffer) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Buffer) logf(sev Severity, format string, args ...any) {
	if b == nil || !Enabled(sev) {
		return
	}
	b.AddLine(sev, callerPrefix(3), fmt.Sprintf(format, args...))
}

func (b *Buffer) Critf(format string, args ...any)  { b.logf(SeverityCritical, format, args...) }
func (b *Buffer) Errorf(format string, args ...any) { b.logf(SeverityError, format, args...) }
func (b *Buffer) Warnf(format string, args ...any)  { b.logf(SeverityWarning, format, args...) }
func (b *Buffer) Infof(format string, args ...any)  { b.logf(SeverityInfo, format, args...) }
func (b *Buffer) Debugf(format string, args ...any) { b.logf(SeverityDebug, format, args...) }
func (b *Buffer) Tracef(format string, args ...any) { b.logf(SeverityTrace, format, args...) }

// callerPrefix renders "file.go:line " for the frame skip levels up.
func callerPrefix(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d ", filepath.Base(file), line)
}
