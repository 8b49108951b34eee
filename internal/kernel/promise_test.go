// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
)

func TestPromise_InitialCompletesOnce(t *testing.T) {
	sim := NewSimKernel()
	var classified atomic.Int32
	sim.Attach(ClassifierFunc(func(ev *Event) {
		classified.Add(1)
		ev.Permit()
	}))

	ev := &Event{Layer: flow.LayerALEAuthConnectV4, Fields: flow.NewConnectFields(flow.Endpoints{Protocol: flow.ProtocolTCP})}
	h, err := sim.PendOperation(ev)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Pending())

	p := NewInitialPromise(h)
	_, err = p.Complete(sim)
	require.NoError(t, err)
	assert.True(t, p.Completed())
	assert.Zero(t, sim.Pending())

	_, err = p.Complete(sim)
	assert.True(t, errors.Is(err, ErrPromiseCompleted))
	assert.EqualValues(t, 1, classified.Load())

	completed := sim.Completed()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Reauthorize)
	assert.Equal(t, DecisionPermit, completed[0].Result.Decision)
}

func TestPromise_ReauthorizationResetsFilter(t *testing.T) {
	sim := NewSimKernel()
	pkt := &Packet{Data: []byte{1}}
	p := NewReauthorizationPromise(4, pkt)
	assert.Equal(t, PromiseReauthorization, p.Kind())

	packets, err := p.Complete(sim)
	require.NoError(t, err)
	assert.Equal(t, []*Packet{pkt}, packets)
	assert.Equal(t, 1, sim.Resets(4))
}

func TestPromise_ConcurrentComplete(t *testing.T) {
	sim := NewSimKernel()
	p := NewReauthorizationPromise(1, &Packet{})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Complete(sim); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.Equal(t, 1, sim.Resets(1))
}

func TestPromise_UnknownHandle(t *testing.T) {
	sim := NewSimKernel()
	pkt := &Packet{}
	packets, err := NewInitialPromise(99, pkt).Complete(sim)
	assert.Error(t, err)
	assert.Equal(t, []*Packet{pkt}, packets, "carried packets are returned even on failure")
}

func TestPacket_Clone(t *testing.T) {
	orig := &Packet{ID: 7, Data: []byte{1, 2}, Mark: 3, Transport: &TransportContext{
		EndpointHandle: 9, RemoteAddress: netip.MustParseAddr("10.0.0.1"), ControlData: []byte{5},
	}}
	c := orig.Clone()

	assert.Zero(t, c.ID)
	assert.Equal(t, orig.Data, c.Data)
	c.Data[0] = 0xff
	c.Transport.ControlData[0] = 0xff
	assert.EqualValues(t, 1, orig.Data[0])
	assert.EqualValues(t, 5, orig.Transport.ControlData[0])
}

func TestEvent_Results(t *testing.T) {
	ev := &Event{}
	ev.BlockAndAbsorb()
	assert.Equal(t, "block+absorb", ev.Result.String())
	ev.Permit()
	assert.Equal(t, Result{Decision: DecisionPermit}, ev.Result)
}
