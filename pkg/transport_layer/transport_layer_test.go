package transport_layer

import (
	"net/netip"
	"sync"
	"testing"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team21/psim/pkg/common"
)

type sent struct {
	data common.L4Packet
	dst  netip.Addr
	ttl  int
	sync bool
}

type fakeNetwork struct {
	mutex sync.Mutex
	sent  []sent
}

func (n *fakeNetwork) SendPacket(data common.L4Packet, dst netip.Addr, ttl int) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.sent = append(n.sent, sent{data, dst, ttl, false})
}

func (n *fakeNetwork) HandleSendPacket(data common.L4Packet, dst netip.Addr, ttl int) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.sent = append(n.sent, sent{data, dst, ttl, true})
}

func (n *fakeNetwork) DefaultTTL() int { return 64 }

type fakeApp struct {
	received []*common.IpPacket
}

func (a *fakeApp) Name() string { return "fake" }

func (a *fakeApp) ReceivePacket(packet *common.IpPacket) {
	a.received = append(a.received, packet)
}

func packetFrom(src string, data common.L4Packet) *common.IpPacket {
	return &common.IpPacket{
		Header: &ipv4header.IPv4Header{
			Version:  4,
			Len:      ipv4header.HeaderLen,
			TTL:      60,
			Protocol: data.Protocol(),
			Src:      netip.MustParseAddr(src),
			Dst:      netip.MustParseAddr("10.0.0.1"),
		},
		Data: data,
	}
}

func TestPortAllocation(t *testing.T) {
	tl := NewTransportLayer("A", &fakeNetwork{})
	require.NoError(t, tl.BindApplication(&fakeApp{}, firstPort+1))
	assert.ErrorIs(t, tl.BindApplication(&fakeApp{}, firstPort+1), ErrPortInUse)

	p1 := tl.RegisterApplication(&fakeApp{})
	p2 := tl.RegisterApplication(&fakeApp{})
	assert.Equal(t, firstPort, p1)
	assert.Equal(t, firstPort+2, p2)
	assert.Len(t, tl.Applications(), 3)

	tl.UnregisterApplication(p1)
	assert.Nil(t, tl.Application(p1))
	assert.NotNil(t, tl.Application(p2))
}

func TestEchoRequestIsAnswered(t *testing.T) {
	network := &fakeNetwork{}
	tl := NewTransportLayer("A", network)

	tl.ReceivePacket(packetFrom("10.0.0.2", &common.IcmpPacket{Type: header.ICMPv4Echo, ID: 7, Seq: 3, Payload: 56}))

	require.Len(t, network.sent, 1)
	reply := network.sent[0]
	assert.True(t, reply.sync)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), reply.dst)
	icmp := reply.data.(*common.IcmpPacket)
	assert.Equal(t, header.ICMPv4EchoReply, icmp.Type)
	assert.Equal(t, 7, icmp.ID)
	assert.Equal(t, 3, icmp.Seq)
	assert.Equal(t, 64, icmp.Size())
}

func TestRepliesAndErrorsReachTheApplication(t *testing.T) {
	tl := NewTransportLayer("A", &fakeNetwork{})
	app := &fakeApp{}
	port := tl.RegisterApplication(app)

	tl.ReceivePacket(packetFrom("10.0.0.2", &common.IcmpPacket{Type: header.ICMPv4EchoReply, ID: port, Seq: 1}))
	tl.ReceivePacket(packetFrom("10.0.0.2", &common.IcmpPacket{Type: header.ICMPv4EchoReply, ID: port + 1, Seq: 1}))

	request := packetFrom("10.0.0.1", &common.IcmpPacket{Type: header.ICMPv4Echo, ID: port, Seq: 2})
	tl.ReceivePacket(packetFrom("10.0.0.254", &common.IcmpPacket{
		Type:     header.ICMPv4TimeExceeded,
		Original: request,
	}))

	require.Len(t, app.received, 2)
	id, seq, ok := EchoOf(app.received[1].Data.(*common.IcmpPacket))
	require.True(t, ok)
	assert.Equal(t, port, id)
	assert.Equal(t, 2, seq)
}

func TestNoErrorAboutAnError(t *testing.T) {
	network := &fakeNetwork{}
	tl := NewTransportLayer("A", network)
	icmp := tl.IcmpHandler()

	failed := packetFrom("10.0.0.2", &common.IcmpPacket{Type: header.ICMPv4DstUnreachable, Code: common.IcmpCodeHostUnreachable})
	icmp.SendTimeExceeded(netip.MustParseAddr("10.0.0.2"), failed)
	assert.Empty(t, network.sent)

	echo := packetFrom("10.0.0.2", &common.IcmpPacket{Type: header.ICMPv4Echo})
	icmp.SendDestinationHostUnreachable(netip.MustParseAddr("10.0.0.2"), echo)
	icmp.SendDestinationNetworkUnreachable(netip.MustParseAddr("10.0.0.2"), echo)
	require.Len(t, network.sent, 2)
	msg := network.sent[0].data.(*common.IcmpPacket)
	assert.Equal(t, header.ICMPv4DstUnreachable, msg.Type)
	assert.Equal(t, common.IcmpCodeHostUnreachable, msg.Code)
	assert.Same(t, echo, msg.Original)
	assert.Equal(t, common.IcmpCodeNetUnreachable, network.sent[1].data.(*common.IcmpPacket).Code)
}

func TestSendRequestQueues(t *testing.T) {
	network := &fakeNetwork{}
	tl := NewTransportLayer("A", network)
	tl.IcmpHandler().SendRequest(netip.MustParseAddr("10.0.0.9"), 5, 1, 1024, 56)

	require.Len(t, network.sent, 1)
	assert.False(t, network.sent[0].sync)
	assert.Equal(t, 5, network.sent[0].ttl)
	assert.Equal(t, 1024, network.sent[0].data.(*common.IcmpPacket).ID)
}

func TestRecvHandlers(t *testing.T) {
	tl := NewTransportLayer("A", &fakeNetwork{})
	var got []string
	tl.RegisterRecvHandler(common.ProtocolTypeTest, func(p *common.IpPacket, _ common.NetworkLayerAPI) error {
		got = append(got, string(p.Data.(*common.RawPacket).Payload))
		return errors.New("logged, not returned")
	})

	tl.ReceivePacket(packetFrom("10.0.0.2", &common.RawPacket{Proto: common.ProtocolTypeTest, Payload: []byte("hello")}))
	tl.ReceivePacket(packetFrom("10.0.0.2", &common.RawPacket{Proto: 17, Payload: []byte("dropped")}))
	assert.Equal(t, []string{"hello"}, got)
}
