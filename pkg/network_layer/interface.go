package network_layer

import (
	"net"
	"net/netip"
	"sync"

	"team21/psim/pkg/link_layer"
)

// NetworkInterface is the layer 3 view of one ethernet interface. Address
// and state are changed through the owning IPLayer so routing follows.
type NetworkInterface struct {
	Name     string
	Ethernet *link_layer.EthernetInterface

	mutex   sync.RWMutex
	address netip.Prefix
	up      bool
}

func NewNetworkInterface(name string, ethernet *link_layer.EthernetInterface) *NetworkInterface {
	return &NetworkInterface{Name: name, Ethernet: ethernet}
}

// Address returns the configured address with its prefix length. ok is
// false for an unaddressed interface.
func (n *NetworkInterface) Address() (netip.Prefix, bool) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.address, n.address.IsValid()
}

// Network is the address with host bits cleared.
func (n *NetworkInterface) Network() (netip.Prefix, bool) {
	addr, ok := n.Address()
	if !ok {
		return netip.Prefix{}, false
	}
	return addr.Masked(), true
}

func (n *NetworkInterface) IsUp() bool {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.up
}

// IsUsable reports whether the interface is up and addressed.
func (n *NetworkInterface) IsUsable() bool {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.up && n.address.IsValid()
}

func (n *NetworkInterface) MAC() net.HardwareAddr {
	if n.Ethernet == nil {
		return nil
	}
	return n.Ethernet.MAC
}

func (n *NetworkInterface) setUp(up bool) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	changed := n.up != up
	n.up = up
	return changed
}

func (n *NetworkInterface) setAddress(address netip.Prefix) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	changed := n.address != address
	n.address = address
	return changed
}
