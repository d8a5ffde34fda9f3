package common

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
)

type L3Type int

const (
	L3TypeARP L3Type = iota
	L3TypeIPv4
)

func (t L3Type) String() string {
	switch t {
	case L3TypeARP:
		return "ARP"
	case L3TypeIPv4:
		return "IPv4"
	default:
		return "UNKNOWN"
	}
}

// L3Packet is carried as the payload of an EthernetFrame.
type L3Packet interface {
	L3Type() L3Type
}

type EthernetFrame struct {
	Src       net.HardwareAddr
	Dst       net.HardwareAddr
	EtherType layers.EthernetType
	Payload   L3Packet
}

func NewEthernetFrame(src, dst net.HardwareAddr, payload L3Packet) *EthernetFrame {
	etherType := layers.EthernetTypeIPv4
	if payload.L3Type() == L3TypeARP {
		etherType = layers.EthernetTypeARP
	}
	return &EthernetFrame{Src: src, Dst: dst, EtherType: etherType, Payload: payload}
}

func (f *EthernetFrame) IsBroadcast() bool {
	return IsBroadcastMAC(f.Dst)
}

func (f *EthernetFrame) String() string {
	return fmt.Sprintf("%s > %s %s", f.Src, f.Dst, f.EtherType)
}

func BroadcastMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, len(layers.EthernetBroadcast))
	copy(mac, layers.EthernetBroadcast)
	return mac
}

func IsBroadcastMAC(mac net.HardwareAddr) bool {
	return mac.String() == layers.EthernetBroadcast.String()
}

type ArpPacket struct {
	Operation uint16
	SenderIP  netip.Addr
	SenderMAC net.HardwareAddr
	TargetIP  netip.Addr
	TargetMAC net.HardwareAddr
}

func NewArpRequest(senderIP netip.Addr, senderMAC net.HardwareAddr, target netip.Addr) *ArpPacket {
	return &ArpPacket{
		Operation: layers.ARPRequest,
		SenderIP:  senderIP,
		SenderMAC: senderMAC,
		TargetIP:  target,
	}
}

func NewArpReply(senderIP netip.Addr, senderMAC net.HardwareAddr, targetIP netip.Addr, targetMAC net.HardwareAddr) *ArpPacket {
	return &ArpPacket{
		Operation: layers.ARPReply,
		SenderIP:  senderIP,
		SenderMAC: senderMAC,
		TargetIP:  targetIP,
		TargetMAC: targetMAC,
	}
}

func (p *ArpPacket) L3Type() L3Type { return L3TypeARP }

func (p *ArpPacket) IsRequest() bool { return p.Operation == layers.ARPRequest }

func (p *ArpPacket) IsReply() bool { return p.Operation == layers.ARPReply }

func (p *ArpPacket) String() string {
	if p.IsRequest() {
		return fmt.Sprintf("ARP who-has %s tell %s", p.TargetIP, p.SenderIP)
	}
	return fmt.Sprintf("ARP %s is-at %s", p.SenderIP, p.SenderMAC)
}

// L4Packet is the data carried by an IpPacket.
type L4Packet interface {
	Protocol() int
	// Size in bytes, used for the IP total length.
	Size() int
}

const icmpHeaderSize = 8

// ICMP codes used by the simulator (RFC 792).
const (
	IcmpCodeNetUnreachable  uint8 = 0
	IcmpCodeHostUnreachable uint8 = 1
	IcmpCodeTTLExceeded     uint8 = 0
)

type IcmpPacket struct {
	Type header.ICMPv4Type
	Code uint8
	ID   int
	Seq  int
	// Size of the echo payload.
	Payload int
	// Original is the offending packet carried by error messages.
	Original *IpPacket
}

func (p *IcmpPacket) Protocol() int { return int(header.ICMPv4ProtocolNumber) }

func (p *IcmpPacket) Size() int { return icmpHeaderSize + p.Payload }

// IsError reports whether the message reports a delivery problem.
func (p *IcmpPacket) IsError() bool {
	return p.Type != header.ICMPv4Echo && p.Type != header.ICMPv4EchoReply
}

func (p *IcmpPacket) String() string {
	switch p.Type {
	case header.ICMPv4Echo:
		return fmt.Sprintf("ICMP echo request id=%d seq=%d", p.ID, p.Seq)
	case header.ICMPv4EchoReply:
		return fmt.Sprintf("ICMP echo reply id=%d seq=%d", p.ID, p.Seq)
	case header.ICMPv4DstUnreachable:
		return fmt.Sprintf("ICMP destination unreachable code=%d", p.Code)
	case header.ICMPv4TimeExceeded:
		return "ICMP time exceeded"
	default:
		return fmt.Sprintf("ICMP type=%d code=%d", p.Type, p.Code)
	}
}

// RawPacket carries opaque data for protocols without a model of their own,
// e.g. the test protocol used by the "send" command.
type RawPacket struct {
	Proto   int
	Payload []byte
}

func (p *RawPacket) Protocol() int { return p.Proto }

func (p *RawPacket) Size() int { return len(p.Payload) }
