// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
)

var (
	local  = netip.MustParseAddrPort("10.0.0.5:51000")
	remote = netip.MustParseAddrPort("93.184.216.34:443")
)

func TestKey_Equality(t *testing.T) {
	a := NewKey(ProtocolTCP, local, remote)
	b := Key{
		Protocol:      ProtocolTCP,
		LocalAddress:  netip.MustParseAddr("10.0.0.5"),
		LocalPort:     51000,
		RemoteAddress: netip.MustParseAddr("93.184.216.34"),
		RemotePort:    443,
	}
	assert.Equal(t, a, b)

	m := map[Key]int{a: 1}
	assert.Equal(t, 1, m[b])

	b.RemotePort = 80
	assert.NotEqual(t, a, b)
	assert.Equal(t, "tcp 10.0.0.5:51000 -> 93.184.216.34:443", a.String())
}

func TestProtocol(t *testing.T) {
	p, err := ParseProtocol("UDP")
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, p)

	p, err = ParseProtocol("47")
	require.NoError(t, err)
	assert.Equal(t, "proto(47)", p.String())
	assert.False(t, p.Supported())

	_, err = ParseProtocol("sctp")
	assert.Error(t, err)
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, Verdict(7), VerdictFailed)
	assert.Equal(t, "redirect", VerdictRedirect.String())
	assert.False(t, VerdictUndecided.Decided())
	assert.True(t, VerdictDrop.Decided())
	assert.False(t, Verdict(6).Valid())

	v, err := ParseVerdict("Block")
	require.NoError(t, err)
	assert.Equal(t, VerdictBlock, v)

	a := RedirectTo(netip.MustParseAddrPort("127.0.0.1:9050"))
	assert.Equal(t, "redirect(127.0.0.1:9050)", a.String())
}

func TestInfoFromFields(t *testing.T) {
	pid := uint64(4242)
	ep := Endpoints{Protocol: ProtocolTCP, Local: local, Remote: remote, InterfaceIndex: 3, SubInterfaceIndex: 1}

	tests := []struct {
		name   string
		layer  Layer
		fields Fields
		want   Info
	}{
		{
			name:   "connect",
			layer:  LayerALEAuthConnectV4,
			fields: NewConnectFields(ep),
			want: Info{ProcessID: &pid, Direction: DirectionOutbound, Protocol: ProtocolTCP,
				LocalIP: local.Addr(), RemoteIP: remote.Addr(), LocalPort: 51000, RemotePort: 443,
				InterfaceIndex: 3, SubInterfaceIndex: 1},
		},
		{
			name:   "recv accept",
			layer:  LayerALEAuthRecvAcceptV4,
			fields: NewRecvAcceptFields(ep),
			want: Info{ProcessID: &pid, Direction: DirectionInbound, Protocol: ProtocolTCP,
				LocalIP: local.Addr(), RemoteIP: remote.Addr(), LocalPort: 51000, RemotePort: 443,
				InterfaceIndex: 3, SubInterfaceIndex: 1},
		},
		{
			name:   "listen is tcp",
			layer:  LayerALEAuthListenV4,
			fields: ListenFields{LocalAddress: local.Addr(), LocalPort: 8080},
			want: Info{ProcessID: &pid, Direction: DirectionInbound, Protocol: ProtocolTCP,
				LocalIP: local.Addr(), LocalPort: 8080},
		},
		{
			name:  "connect redirect",
			layer: LayerALEConnectRedirectV4,
			fields: ConnectRedirectFields{Protocol: ProtocolUDP, LocalAddress: local.Addr(),
				RemoteAddress: remote.Addr(), LocalPort: 5353, RemotePort: 53},
			want: Info{ProcessID: &pid, Direction: DirectionOutbound, Protocol: ProtocolUDP,
				LocalIP: local.Addr(), RemoteIP: remote.Addr(), LocalPort: 5353, RemotePort: 53},
		},
		{
			name:   "outbound packet",
			layer:  LayerOutboundIPPacketV4,
			fields: OutboundIPPacketFields{LocalAddress: local.Addr(), RemoteAddress: remote.Addr(), InterfaceIndex: 2},
			want:   Info{Direction: DirectionOutbound, LocalIP: local.Addr(), RemoteIP: remote.Addr(), InterfaceIndex: 2},
		},
		{
			name:   "inbound packet",
			layer:  LayerInboundIPPacketV4,
			fields: InboundIPPacketFields{LocalAddress: local.Addr(), RemoteAddress: remote.Addr(), SubInterfaceIndex: 9},
			want:   Info{Direction: DirectionInbound, LocalIP: local.Addr(), RemoteIP: remote.Addr(), SubInterfaceIndex: 9},
		},
		{
			name:   "resource release",
			layer:  LayerALEResourceReleaseV4,
			fields: NewResourceReleaseFields(ProtocolUDP, local),
			want: Info{ProcessID: &pid, Direction: DirectionNotApplicable, Protocol: ProtocolUDP,
				LocalIP: local.Addr(), LocalPort: 51000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pid
			got, err := InfoFromFields(tt.layer, tt.fields, &p, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInfoFromFields_Unknown(t *testing.T) {
	log := diag.NewBuffer(4)

	info, err := InfoFromFields(LayerUnknown, nil, nil, log)
	assert.True(t, errors.IsKind(err, errors.KindUnsupported))
	assert.Equal(t, Info{Direction: DirectionNotApplicable}, info)

	// Fields belonging to a different layer are rejected the same way.
	info, err = InfoFromFields(LayerALEAuthConnectV4, ListenFields{}, nil, log)
	assert.Error(t, err)
	assert.Equal(t, DirectionNotApplicable, info.Direction)

	assert.Len(t, log.Flush(), 2)
}

func TestInfo_KeyRoundTrip(t *testing.T) {
	k := NewKey(ProtocolUDP, local, remote)
	info := Info{Direction: DirectionInbound}.WithKey(k)
	assert.Equal(t, k, info.Key())
	assert.Contains(t, info.String(), "pid=-")
}

func TestLayer(t *testing.T) {
	assert.True(t, LayerInboundIPPacketV4.IsPacket())
	assert.True(t, LayerALEAuthListenV4.IsALE())
	assert.False(t, LayerALEResourceReleaseV4.IsALE())
	assert.Equal(t, "layer(200)", Layer(200).String())
	assert.Len(t, Layers(), 8)
}
