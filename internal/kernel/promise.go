// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync/atomic"

	"grimm.is/interceptor/internal/errors"
)

// ErrPromiseCompleted is returned by a second Complete on the same promise.
var ErrPromiseCompleted = errors.New(errors.KindConflict, "classify promise already completed")

// PromiseKind distinguishes how a promise resumes the framework.
type PromiseKind uint8

const (
	// PromiseInitial resumes a pended authorization.
	PromiseInitial PromiseKind = iota
	// PromiseReauthorization resets the callout filter so later traffic is
	// re-classified.
	PromiseReauthorization
)

func (k PromiseKind) String() string {
	if k == PromiseReauthorization {
		return "reauthorization"
	}
	return "initial"
}

// Promise is a one-shot token for a classification awaiting a verdict. It
// may carry packets the engine absorbed while waiting.
type Promise struct {
	kind         PromiseKind
	handle       CompletionHandle
	calloutIndex int
	packets      []*Packet
	done         atomic.Bool
}

// NewInitialPromise wraps a pended authorization.
func NewInitialPromise(h CompletionHandle, packets ...*Packet) *Promise {
	return &Promise{kind: PromiseInitial, handle: h, packets: packets}
}

// NewReauthorizationPromise defers resumption to a filter reset on
// calloutIndex.
func NewReauthorizationPromise(calloutIndex int, packets ...*Packet) *Promise {
	return &Promise{kind: PromiseReauthorization, calloutIndex: calloutIndex, packets: packets}
}

func (p *Promise) Kind() PromiseKind { return p.kind }

// Completed reports whether Complete has run.
func (p *Promise) Completed() bool { return p.done.Load() }

// Complete resumes the framework and hands back the carried packets. It
// succeeds at most once; the framework error, if any, does not make the
// promise reusable.
func (p *Promise) Complete(fw Framework) ([]*Packet, error) {
	if !p.done.CompareAndSwap(false, true) {
		return nil, ErrPromiseCompleted
	}

	var err error
	switch p.kind {
	case PromiseInitial:
		err = fw.CompleteOperation(p.handle)
	case PromiseReauthorization:
		err = fw.ResetCalloutFilter(p.calloutIndex)
	}

	packets := p.packets
	p.packets = nil
	if err != nil {
		return packets, errors.Wrapf(err, errors.KindInternal, "complete %s promise", p.kind)
	}
	return packets, nil
}
