package application

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team21/psim/pkg/common"
	"team21/psim/pkg/transport_layer"
)

// echoNetwork answers every request according to respond.
type echoNetwork struct {
	transport *transport_layer.TransportLayer
	respond   func(request *common.IcmpPacket) *common.IcmpPacket
	from      netip.Addr
}

func (n *echoNetwork) SendPacket(data common.L4Packet, dst netip.Addr, ttl int) {
	request, ok := data.(*common.IcmpPacket)
	if !ok || n.respond == nil {
		return
	}
	answer := n.respond(request)
	if answer == nil {
		return
	}
	n.transport.ReceivePacket(&common.IpPacket{
		Header: &ipv4header.IPv4Header{
			Version:  4,
			Len:      ipv4header.HeaderLen,
			TTL:      62,
			Protocol: answer.Protocol(),
			Src:      n.from,
			Dst:      netip.MustParseAddr("10.0.0.1"),
		},
		Data: answer,
	})
}

func (n *echoNetwork) HandleSendPacket(data common.L4Packet, dst netip.Addr, ttl int) {}

func (n *echoNetwork) DefaultTTL() int { return 64 }

func newPing(t *testing.T, respond func(*common.IcmpPacket) *common.IcmpPacket, format PingFormatter, opts PingOptions) (*PingApplication, *bytes.Buffer) {
	t.Helper()
	network := &echoNetwork{respond: respond, from: opts.Target}
	tl := transport_layer.NewTransportLayer("A", network)
	network.transport = tl
	out := &bytes.Buffer{}
	return NewPingApplication("A", tl, opts, format, out), out
}

func reply(request *common.IcmpPacket) *common.IcmpPacket {
	return &common.IcmpPacket{Type: header.ICMPv4EchoReply, ID: request.ID, Seq: request.Seq, Payload: request.Payload}
}

func defaultOptions(count int) PingOptions {
	return PingOptions{
		Target:   netip.MustParseAddr("10.0.1.2"),
		Count:    count,
		Size:     56,
		Timeout:  time.Second,
		Interval: 5 * time.Millisecond,
	}
}

func TestPingAllAnswered(t *testing.T) {
	ping, out := newPing(t, reply, LinuxFormatter{}, defaultOptions(4))
	stats := ping.Run(context.Background())

	assert.Equal(t, 4, stats.Sent)
	assert.Equal(t, 4, stats.Received)
	assert.Equal(t, 0, stats.Loss)
	assert.Len(t, stats.RTTs, 4)
	assert.LessOrEqual(t, stats.Min, stats.Max)

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "PING 10.0.1.2 (10.0.1.2) 56(84) bytes of data.\n"))
	assert.Contains(t, text, "64 bytes from 10.0.1.2: icmp_seq=1 ttl=62")
	assert.Contains(t, text, "--- 10.0.1.2 ping statistics ---")
	assert.Contains(t, text, "4 packets transmitted, 4 received, 0% packet loss")
	assert.Contains(t, text, "rtt min/avg/max")
}

func TestPingTimeout(t *testing.T) {
	opts := defaultOptions(2)
	opts.Timeout = 50 * time.Millisecond
	ping, out := newPing(t, nil, CiscoFormatter{}, opts)

	start := time.Now()
	stats := ping.Run(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), opts.Timeout)

	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 0, stats.Received)
	assert.Equal(t, 100, stats.Loss)
	assert.Equal(t, "Type escape sequence to abort.\n"+
		"Sending 2, 56-byte ICMP Echos to 10.0.1.2, timeout is 0 seconds:\n"+
		"..\nSuccess rate is 0 percent (0/2)\n", out.String())
}

func TestPingCountsErrors(t *testing.T) {
	unreachable := func(request *common.IcmpPacket) *common.IcmpPacket {
		original := &common.IpPacket{
			Header: &ipv4header.IPv4Header{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.1.2")},
			Data:   request,
		}
		return &common.IcmpPacket{Type: header.ICMPv4DstUnreachable, Code: common.IcmpCodeHostUnreachable, Original: original}
	}
	ping, out := newPing(t, unreachable, LinuxFormatter{}, defaultOptions(3))
	stats := ping.Run(context.Background())

	assert.Equal(t, 3, stats.Sent)
	assert.Equal(t, 0, stats.Received)
	assert.Equal(t, 3, stats.Errors)
	assert.Equal(t, 100, stats.Loss)
	assert.Contains(t, out.String(), "From 10.0.1.2 icmp_seq=2 Destination Host Unreachable")
	assert.Contains(t, out.String(), "3 packets transmitted, 0 received, +3 errors, 100% packet loss")
}

func TestPingPartialLoss(t *testing.T) {
	odd := func(request *common.IcmpPacket) *common.IcmpPacket {
		if request.Seq%2 == 0 {
			return nil
		}
		return reply(request)
	}
	opts := defaultOptions(4)
	opts.Timeout = 50 * time.Millisecond
	ping, out := newPing(t, odd, CiscoFormatter{}, opts)
	stats := ping.Run(context.Background())

	assert.Equal(t, 2, stats.Received)
	assert.Equal(t, 50, stats.Loss)
	assert.Equal(t, 50, stats.Success)
	assert.Contains(t, out.String(), "!!..\nSuccess rate is 50 percent (2/4), round-trip min/avg/max = ")
}

func TestPingUnknownSequenceIgnored(t *testing.T) {
	wrong := func(request *common.IcmpPacket) *common.IcmpPacket {
		answer := reply(request)
		answer.Seq += 100
		return answer
	}
	opts := defaultOptions(1)
	opts.Timeout = 30 * time.Millisecond
	ping, _ := newPing(t, wrong, LinuxFormatter{}, opts)
	stats := ping.Run(context.Background())
	assert.Equal(t, 0, stats.Received)
}

func TestPingCancelled(t *testing.T) {
	opts := defaultOptions(100)
	opts.Interval = time.Hour
	ping, _ := newPing(t, nil, LinuxFormatter{}, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stats := ping.Run(ctx)
	require.Equal(t, 1, stats.Sent)
	assert.Equal(t, 100, stats.Loss)
}

func TestStatsCompute(t *testing.T) {
	s := Stats{Sent: 3, Received: 2, RTTs: []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}}
	s.compute()
	assert.Equal(t, 2*time.Millisecond, s.Min)
	assert.Equal(t, 4*time.Millisecond, s.Max)
	assert.Equal(t, 3*time.Millisecond, s.Avg)
	assert.Equal(t, 34, s.Loss)
}
