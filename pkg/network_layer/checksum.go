package network_layer

import (
	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
)

func computeChecksum(b []byte) uint16 {
	checksum := header.Checksum(b, 0)

	// Checksum returns the one's complement sum; the header carries its
	// inverse so the receiver's sum over the whole header is 0xffff.
	return checksum ^ 0xffff
}

// validateChecksum sums a header including its checksum field.
func validateChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}

// setChecksum recomputes hdr.Checksum after a header change.
func setChecksum(hdr *ipv4header.IPv4Header) error {
	hdr.Checksum = 0
	b, err := hdr.Marshal()
	if err != nil {
		return err
	}
	hdr.Checksum = int(computeChecksum(b))
	return nil
}

func headerValid(hdr *ipv4header.IPv4Header) bool {
	b, err := hdr.Marshal()
	if err != nil {
		return false
	}
	return validateChecksum(b)
}
