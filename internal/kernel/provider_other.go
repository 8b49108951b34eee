// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package kernel

import (
	"context"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/logging"
)

// LinuxConfig configures a LinuxKernel.
type LinuxConfig struct {
	QueueNum    uint16
	MaxQueueLen uint32
	Mark        uint32
	Table       string
	FailOpen    bool
	FlowEnded   func(key flow.Key) bool
	Logger      *logging.Logger
}

var errNotLinux = errors.New(errors.KindUnsupported, "netfilter backend requires linux")

// LinuxKernel is unavailable on this platform; every operation fails.
type LinuxKernel struct{}

func NewLinuxKernel(LinuxConfig) *LinuxKernel { return &LinuxKernel{} }

func (k *LinuxKernel) Attach(Classifier) {}

func (k *LinuxKernel) Start(context.Context) error { return errNotLinux }

func (k *LinuxKernel) Stop() error { return nil }

func (k *LinuxKernel) IsLoopback(uint32) bool { return false }

func (k *LinuxKernel) PendOperation(*Event) (CompletionHandle, error) {
	return 0, errNotLinux
}

func (k *LinuxKernel) CompleteOperation(CompletionHandle) error { return errNotLinux }

func (k *LinuxKernel) ResetCalloutFilter(int) error { return errNotLinux }

func (k *LinuxKernel) CreateHandle(HandleKind) (InjectionHandle, error) { return 0, errNotLinux }

func (k *LinuxKernel) DestroyHandle(InjectionHandle) error { return errNotLinux }

func (k *LinuxKernel) SendNetwork(InjectionHandle, *Packet, CompletionFunc) error {
	return errNotLinux
}

func (k *LinuxKernel) ReceiveNetwork(InjectionHandle, *Packet, uint32, uint32, CompletionFunc) error {
	return errNotLinux
}

func (k *LinuxKernel) SendTransport(InjectionHandle, *Packet, *TransportContext, CompletionFunc) error {
	return errNotLinux
}

func (k *LinuxKernel) InjectionState(InjectionHandle, *Packet) InjectionState { return NotInjected }

func (k *LinuxKernel) Release(*Packet) {}
