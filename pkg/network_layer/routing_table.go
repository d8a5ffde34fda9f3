package network_layer

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"team21/psim/pkg/common"
)

var (
	ErrNotNetworkNumber   = errors.New("destination is not a network number")
	ErrGatewayUnreachable = errors.New("gateway is not in a connected network")
	ErrNoSuchInterface    = errors.New("no such interface")
)

// Record is one forwarding entry. A record without a gateway delivers
// straight to its destination over Interface.
type Record struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Interface   *NetworkInterface
	// Connected records come from an interface's own address.
	Connected bool
}

func (r Record) HasGateway() bool {
	return r.Gateway.IsValid()
}

// NextHop is the address to resolve with ARP when forwarding to dst.
func (r Record) NextHop(dst netip.Addr) netip.Addr {
	if r.HasGateway() {
		return r.Gateway
	}
	return dst
}

func (r Record) interfaceName() string {
	if r.Interface == nil {
		return ""
	}
	return r.Interface.Name
}

func (r Record) equal(o Record) bool {
	return r.Destination == o.Destination &&
		r.Gateway == o.Gateway &&
		r.Interface == o.Interface &&
		r.Connected == o.Connected
}

// RoutingTable keeps records ordered by mask length, longest first, so the
// first record containing an address is the longest match. Records with equal
// mask length keep insertion order.
type RoutingTable struct {
	mutex   sync.RWMutex
	records []Record
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{}
}

func byMaskLength(a, b Record) int {
	return b.Destination.Bits() - a.Destination.Bits()
}

// insert must be called with the write lock held.
func (t *RoutingTable) insert(r Record) {
	for _, existing := range t.records {
		if existing.equal(r) {
			return
		}
	}
	t.records = append(t.records, r)
	slices.SortStableFunc(t.records, byMaskLength)
}

// AddRecord adds a directly connected network reached over iface.
func (t *RoutingTable) AddRecord(destination netip.Prefix, iface *NetworkInterface) error {
	if !common.IsNetworkNumber(destination) {
		return errors.Wrapf(ErrNotNetworkNumber, "%s", destination)
	}
	if iface == nil {
		return errors.Wrap(ErrNoSuchInterface, "connected record needs an interface")
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.insert(Record{Destination: destination, Interface: iface, Connected: true})
	return nil
}

// AddRecordWithGateway adds a route whose gateway must lie in a connected
// network. A nil iface takes the interface of that connected network.
func (t *RoutingTable) AddRecordWithGateway(destination netip.Prefix, gateway netip.Addr, iface *NetworkInterface) error {
	if !common.IsNetworkNumber(destination) {
		return errors.Wrapf(ErrNotNetworkNumber, "%s", destination)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var via *NetworkInterface
	for _, r := range t.records {
		if r.Connected && r.Destination.Contains(gateway) && (iface == nil || r.Interface == iface) {
			via = r.Interface
			break
		}
	}
	if via == nil {
		return errors.Wrapf(ErrGatewayUnreachable, "%s", gateway)
	}
	t.insert(Record{Destination: destination, Gateway: gateway, Interface: via})
	return nil
}

// AddRecordUnchecked adds a record whose next hop the caller has already
// resolved. The Cisco wrapper compiles its whole table and installs it with
// replaceRecords instead, so it does not go through here.
func (t *RoutingTable) AddRecordUnchecked(destination netip.Prefix, gateway netip.Addr, iface *NetworkInterface) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.insert(Record{Destination: destination, Gateway: gateway, Interface: iface})
}

// DeleteRecord removes records for destination. A zero gateway or nil iface
// matches any. It returns how many records were removed.
func (t *RoutingTable) DeleteRecord(destination netip.Prefix, gateway netip.Addr, iface *NetworkInterface) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	before := len(t.records)
	t.records = slices.DeleteFunc(t.records, func(r Record) bool {
		return r.Destination == destination &&
			(!gateway.IsValid() || r.Gateway == gateway) &&
			(iface == nil || r.Interface == iface)
	})
	return before - len(t.records)
}

// DeleteInterfaceRecords removes every record sending over iface.
func (t *RoutingTable) DeleteInterfaceRecords(iface *NetworkInterface) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	before := len(t.records)
	t.records = slices.DeleteFunc(t.records, func(r Record) bool {
		return r.Interface == iface
	})
	return before - len(t.records)
}

func (t *RoutingTable) ClearAllRecords() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.records = nil
}

// Lookup returns the longest-prefix record containing addr.
func (t *RoutingTable) Lookup(addr netip.Addr) (Record, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for _, r := range t.records {
		if r.Destination.Contains(addr) {
			return r, true
		}
	}
	return Record{}, false
}

func (t *RoutingTable) Records() []Record {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return slices.Clone(t.records)
}

func (t *RoutingTable) Size() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.records)
}

// replaceRecords swaps in a table compiled elsewhere.
func (t *RoutingTable) replaceRecords(records []Record) {
	slices.SortStableFunc(records, byMaskLength)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.records = records
}
