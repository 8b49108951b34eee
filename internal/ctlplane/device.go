// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane is the channel between the engine and the user-mode
// policy process: user mode reads connection events and diagnostic lines,
// writes verdicts back, and issues control requests.
package ctlplane

import (
	"fmt"
	"sync"
	"sync/atomic"

	"grimm.is/interceptor/internal/cache"
	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/engine"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/metrics"
)

// Version identifies the control protocol. It is returned unchanged by the
// version control request in every device state.
var Version = [4]byte{0, 1, 0, 0}

// VersionString renders a version identifier as dotted numbers.
func VersionString(v [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// ControlCode selects a control request.
type ControlCode uint32

const (
	ControlVersion  ControlCode = 0
	ControlShutdown ControlCode = 1
)

func (c ControlCode) String() string {
	switch c {
	case ControlVersion:
		return "version"
	case ControlShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

// Status is the outcome of a control request.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotImplemented
)

func (s Status) String() string {
	if s == StatusNotImplemented {
		return "not_implemented"
	}
	return "success"
}

// Engine is the part of the dispatcher the device drives.
type Engine interface {
	ApplyVerdict(key flow.Key, action flow.Action) error
	Shutdown()
	Stats() engine.Stats
}

// ErrNotBound is returned by writes before an engine is bound.
var ErrNotBound = errors.New(errors.KindUnavailable, "no engine bound to device")

// DeviceOptions configures a Device.
type DeviceOptions struct {
	// QueueSize bounds the pending event queue.
	QueueSize int
	Log       *diag.Buffer
	Metrics   *metrics.Metrics
	// ServeLogs makes Read drain the diagnostic ring. Leave it off when the
	// daemon echoes the ring itself.
	ServeLogs bool
}

// Device is the kernel end of the control channel. It implements
// engine.Notifier; notifications never block and are dropped when the
// queue is full.
type Device struct {
	log       *diag.Buffer
	metrics   *metrics.Metrics
	serveLogs bool

	events  chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	engine Engine

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewDevice creates an unbound device.
func NewDevice(opts DeviceOptions) *Device {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	return &Device{
		log:       opts.Log,
		metrics:   opts.Metrics,
		serveLogs: opts.ServeLogs,
		events:    make(chan Event, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// Bind attaches the engine that verdicts and shutdown requests go to.
func (d *Device) Bind(e Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine = e
}

func (d *Device) bound() Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine
}

func (d *Device) NewFlow(id uint64, info flow.Info) {
	d.push(newFlowEvent(id, info))
}

func (d *Device) FlowEnded(id uint64, key flow.Key) {
	d.push(flowEndEvent(id, key))
}

func (d *Device) push(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		d.metrics.EventDropped()
		d.log.Warnf("event queue full, dropped %s event %d", ev.Type, ev.ID)
	}
}

// Pending returns the number of queued events.
func (d *Device) Pending() int {
	return len(d.events)
}

// Dropped returns the number of events lost to a full queue.
func (d *Device) Dropped() uint64 {
	return d.dropped.Load()
}

// Read returns up to max queued events without blocking, plus the lines
// accumulated in the diagnostic ring when the device serves them.
func (d *Device) Read(max int) ReadResult {
	if max <= 0 {
		max = cap(d.events)
	}
	res := ReadResult{Events: make([]Event, 0)}
loop:
	for len(res.Events) < max {
		select {
		case ev := <-d.events:
			res.Events = append(res.Events, ev)
		default:
			break loop
		}
	}
	if d.serveLogs {
		if lines := d.log.Flush(); len(lines) > 0 {
			res.Logs = logLines(lines)
		}
	}
	return res
}

// Write applies verdict updates in order. Each update gets its own result;
// a connection no longer cached is reported and does not stop the batch.
func (d *Device) Write(updates []VerdictUpdate) ([]VerdictResult, error) {
	eng := d.bound()
	if eng == nil {
		return nil, ErrNotBound
	}

	results := make([]VerdictResult, len(updates))
	for i, u := range updates {
		key, action, err := u.Parse()
		if err != nil {
			results[i] = VerdictResult{Status: ResultInvalid, Error: err.Error()}
			continue
		}
		switch err := eng.ApplyVerdict(key, action); {
		case err == nil:
			results[i] = VerdictResult{Status: ResultOK}
		case errors.Is(err, cache.ErrNotFound):
			results[i] = VerdictResult{Status: ResultNotFound, Error: err.Error()}
		case errors.IsKind(err, errors.KindValidation):
			results[i] = VerdictResult{Status: ResultInvalid, Error: err.Error()}
		default:
			results[i] = VerdictResult{Status: ResultError, Error: err.Error()}
		}
	}
	return results, nil
}

// Control handles one control request. Unknown codes change nothing.
func (d *Device) Control(code ControlCode) ([]byte, Status) {
	d.log.Infof("control request: %s", code)

	switch code {
	case ControlVersion:
		v := Version
		return v[:], StatusSuccess
	case ControlShutdown:
		d.Shutdown()
		return nil, StatusSuccess
	default:
		d.log.Warnf("unknown control code %d", uint32(code))
		return nil, StatusNotImplemented
	}
}

// Shutdown tears down the bound engine and closes Done. Safe to call more
// than once.
func (d *Device) Shutdown() {
	d.shutdownOnce.Do(func() {
		if eng := d.bound(); eng != nil {
			eng.Shutdown()
		}
		close(d.done)
	})
}

// Done is closed once a shutdown request has been handled.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Stats returns the bound engine's statistics, or zero values when unbound.
func (d *Device) Stats() engine.Stats {
	if eng := d.bound(); eng != nil {
		return eng.Stats()
	}
	return engine.Stats{}
}
