package common

import (
	"encoding/binary"
	"math/bits"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
)

const (
	ProtocolTypeTest = 0

	DefaultLinuxTTL = 64
	DefaultCiscoTTL = 255
)

// Platform selects the flavour of a device: routing model, default TTL and
// command output.
type Platform string

const (
	PlatformCisco Platform = "cisco"
	PlatformLinux Platform = "linux"
)

func (p Platform) DefaultTTL() int {
	if p == PlatformCisco {
		return DefaultCiscoTTL
	}
	return DefaultLinuxTTL
}

var ErrInvalidMask = errors.New("invalid network mask")

func PrefixToMask(bits int) uint32 {
	return ^uint32(0) << (32 - bits)
}

func IpToUint32(ip netip.Addr) uint32 {
	ipBytes := ip.As4()
	return binary.BigEndian.Uint32(ipBytes[:])
}

func Uint32ToAddr(address uint32) netip.Addr {
	var ipBytes [4]byte
	binary.BigEndian.PutUint32(ipBytes[:], address)
	return netip.AddrFrom4(ipBytes)
}

func Uint32ToPrefix(address uint32, mask uint32) netip.Prefix {
	return netip.PrefixFrom(Uint32ToAddr(address), bits.OnesCount32(mask))
}

// MaskString renders a prefix length in dotted decimal, 24 -> 255.255.255.0.
func MaskString(bits int) string {
	return Uint32ToAddr(PrefixToMask(bits)).String()
}

// ParseMask converts a dotted decimal mask to a prefix length. Masks with
// non-contiguous ones are rejected.
func ParseMask(mask string) (int, error) {
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, errors.Wrapf(ErrInvalidMask, "%q", mask)
	}
	m := IpToUint32(addr)
	ones := bits.OnesCount32(m)
	if PrefixToMask(ones) != m {
		return 0, errors.Wrapf(ErrInvalidMask, "%q is not contiguous", mask)
	}
	return ones, nil
}

// ParseAddrMask builds a prefix from the "address mask" pair used by Cisco
// commands. The address is kept as given, host bits included.
func ParseAddrMask(address, mask string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, errors.Errorf("invalid IPv4 address %q", address)
	}
	ones, err := ParseMask(mask)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, ones), nil
}

// IsNetworkNumber reports whether the prefix has all host bits cleared.
func IsNetworkNumber(p netip.Prefix) bool {
	return p.IsValid() && p.Masked() == p
}

// ComparePrefix orders by numeric address, then by mask length.
func ComparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// IsDefaultRoute reports whether p is 0.0.0.0/0.
func IsDefaultRoute(p netip.Prefix) bool {
	return p.Bits() == 0 && p.Addr() == netip.IPv4Unspecified()
}

type IpPacket struct {
	Header *ipv4header.IPv4Header
	Data   L4Packet
}

func (p *IpPacket) L3Type() L3Type { return L3TypeIPv4 }

func (p *IpPacket) Src() netip.Addr { return p.Header.Src }

func (p *IpPacket) Dst() netip.Addr { return p.Header.Dst }

// Clone copies the header so a forwarding device can change TTL and checksum
// without touching the sender's copy. Data is shared.
func (p *IpPacket) Clone() *IpPacket {
	hdr := *p.Header
	return &IpPacket{Header: &hdr, Data: p.Data}
}

// NetworkLayerAPI is the surface the IP layer offers to layer 4.
type NetworkLayerAPI interface {
	// SendPacket queues data for dst and wakes the IP worker. A ttl of 0
	// selects the device default.
	SendPacket(data L4Packet, dst netip.Addr, ttl int)
	// HandleSendPacket sends synchronously and must only be called from the
	// IP layer's own worker, e.g. by the ICMP handler answering a request.
	HandleSendPacket(data L4Packet, dst netip.Addr, ttl int)
	DefaultTTL() int
}

type HandlerFunc = func(*IpPacket, NetworkLayerAPI) error
