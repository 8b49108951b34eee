// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/flow"
)

func TestSimKernel_InjectionProvenance(t *testing.T) {
	sim := NewSimKernel()
	netH, err := sim.CreateHandle(HandleNetwork)
	require.NoError(t, err)
	otherH, err := sim.CreateHandle(HandleNetwork)
	require.NoError(t, err)

	pkt := &Packet{Data: []byte{0x45}}
	assert.Equal(t, NotInjected, sim.InjectionState(netH, pkt))

	var status error = errors.New("unset")
	require.NoError(t, sim.SendNetwork(netH, pkt, func(p *Packet, s error) { status = s }))
	assert.NoError(t, status)

	assert.Equal(t, InjectedBySelf, sim.InjectionState(netH, pkt))
	assert.Equal(t, InjectedByOther, sim.InjectionState(otherH, pkt))

	sim.SetProvenance(pkt, netH, PreviouslyInjectedBySelf)
	assert.Equal(t, PreviouslyInjectedBySelf, sim.InjectionState(netH, pkt))
}

func TestSimKernel_HandleKindChecked(t *testing.T) {
	sim := NewSimKernel()
	tr, err := sim.CreateHandle(HandleTransport)
	require.NoError(t, err)

	err = sim.SendNetwork(tr, &Packet{}, nil)
	assert.Error(t, err)
	assert.Empty(t, sim.Injections())

	require.NoError(t, sim.SendTransport(tr, &Packet{}, &TransportContext{EndpointHandle: 1}, nil))
	inj := sim.Injections()
	require.Len(t, inj, 1)
	assert.Equal(t, PathTransportSend, inj[0].Path)

	require.NoError(t, sim.DestroyHandle(tr))
	assert.Error(t, sim.DestroyHandle(tr))
	assert.Zero(t, sim.Handles())
}

func TestSimKernel_Connect(t *testing.T) {
	sim := NewSimKernel()
	var layers []flow.Layer
	sim.Attach(ClassifierFunc(func(ev *Event) {
		layers = append(layers, ev.Layer)
		ev.Permit()
	}))

	ale, first, pkt, err := sim.Connect(flow.ProtocolTCP,
		netip.MustParseAddrPort("10.0.0.5:51000"), netip.MustParseAddrPort("93.184.216.34:443"), 100, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionPermit, ale.Decision)
	assert.Equal(t, DecisionPermit, first.Decision)
	require.NotNil(t, pkt)
	assert.Equal(t, []flow.Layer{flow.LayerALEAuthConnectV4, flow.LayerOutboundIPPacketV4}, layers)
}

func TestSimKernel_NoClassifierContinues(t *testing.T) {
	sim := NewSimKernel()
	res := sim.Deliver(&Event{Layer: flow.LayerALEAuthListenV4})
	assert.Equal(t, DecisionContinue, res.Decision)
}
