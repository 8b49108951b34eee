// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inject

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/diag"
	ierrors "grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/packet"
)

func newPacket(t *testing.T) *kernel.Packet {
	t.Helper()
	data, err := packet.Build(packet.Spec{
		Protocol: flow.ProtocolUDP,
		Src:      netip.MustParseAddrPort("10.0.0.5:5353"),
		Dst:      netip.MustParseAddrPort("1.1.1.1:53"),
	})
	require.NoError(t, err)
	return &kernel.Packet{Data: data}
}

func TestInject_PathSelection(t *testing.T) {
	sim := kernel.NewSimKernel()
	inj := New(sim, diag.NewBuffer(16), nil)
	require.False(t, inj.Degraded())

	tests := []struct {
		name string
		pkt  func() *kernel.Packet
		info Info
		want kernel.InjectionPath
	}{
		{"outbound", func() *kernel.Packet { return newPacket(t) }, Info{}, kernel.PathNetworkSend},
		{"inbound", func() *kernel.Packet { return newPacket(t) }, Info{Inbound: true, InterfaceIndex: 4}, kernel.PathNetworkReceive},
		{"inbound loopback", func() *kernel.Packet { return newPacket(t) }, Info{Inbound: true, Loopback: true}, kernel.PathNetworkSend},
		{"transport", func() *kernel.Packet {
			p := newPacket(t)
			p.Transport = &kernel.TransportContext{EndpointHandle: 77, ControlData: []byte{1}}
			return p
		}, Info{Inbound: true}, kernel.PathTransportSend},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, inj.Inject(tt.pkt(), tt.info))
			got := sim.Injections()
			require.Len(t, got, i+1)
			assert.Equal(t, tt.want, got[i].Path)
		})
	}

	last := sim.Injections()[3]
	assert.EqualValues(t, 77, last.Transport.EndpointHandle)
	assert.EqualValues(t, 4, sim.Injections()[1].IfIndex)
}

func TestInject_SelfProvenance(t *testing.T) {
	sim := kernel.NewSimKernel()
	inj := New(sim, nil, nil)

	pkt := newPacket(t)
	assert.False(t, inj.WasInjectedBySelf(pkt))
	require.NoError(t, inj.Inject(pkt, Info{}))
	assert.True(t, inj.WasInjectedBySelf(pkt))

	foreign := newPacket(t)
	sim.SetProvenance(foreign, 9999, kernel.InjectedBySelf)
	assert.False(t, inj.WasInjectedBySelf(foreign), "injected through another handle")
}

func TestInject_Degraded(t *testing.T) {
	sim := kernel.NewSimKernel()
	sim.FailCreateHandle = errors.New("access denied")
	log := diag.NewBuffer(16)

	inj := New(sim, log, nil)
	assert.True(t, inj.Degraded())

	pkt := newPacket(t)
	err := inj.Inject(pkt, Info{})
	assert.True(t, ierrors.Is(err, ErrInvalidHandle))
	assert.Empty(t, sim.Injections())
	assert.Equal(t, []*kernel.Packet{pkt}, sim.Released())
	assert.False(t, inj.WasInjectedBySelf(pkt))

	lines := log.Flush()
	require.NotEmpty(t, lines)
	assert.Equal(t, diag.SeverityCritical, lines[0].Severity)
	inj.Close()
}

func TestInject_FailureReleases(t *testing.T) {
	sim := kernel.NewSimKernel()
	inj := New(sim, diag.NewBuffer(16), nil)
	sim.FailInject = errors.New("STATUS_INSUFFICIENT_RESOURCES")

	pkt := newPacket(t)
	err := inj.Inject(pkt, Info{})
	assert.True(t, ierrors.IsKind(err, ierrors.KindInjection))
	assert.Equal(t, kernel.PathNetworkSend.String(), ierrors.GetAttributes(err)["path"])
	assert.Equal(t, []*kernel.Packet{pkt}, sim.Released())
}

func TestInject_CompletionErrorLogged(t *testing.T) {
	sim := kernel.NewSimKernel()
	log := diag.NewBuffer(16)
	inj := New(sim, log, nil)
	sim.CompletionStatus = errors.New("STATUS_NOT_FOUND")

	require.NoError(t, inj.Inject(newPacket(t), Info{}))

	lines := log.Flush()
	require.Len(t, lines, 1)
	assert.True(t, strings.Contains(lines[0].Message, "STATUS_NOT_FOUND"))
}

func TestInjector_CloseOnce(t *testing.T) {
	sim := kernel.NewSimKernel()
	inj := New(sim, nil, nil)
	assert.Equal(t, 2, sim.Handles())

	inj.Close()
	inj.Close()
	assert.Zero(t, sim.Handles())
}

func TestInjector_Redirect(t *testing.T) {
	inj := New(kernel.NewSimKernel(), nil, nil)
	pkt := newPacket(t)
	require.NoError(t, inj.RedirectOutbound(pkt, netip.MustParseAddrPort("127.0.0.1:5300")))

	h, err := packet.Decode(pkt.Data)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, "127.0.0.1:5300", h.Destination().String())
}
