package network_layer

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type ArpRecord struct {
	IP        netip.Addr
	MAC       net.HardwareAddr
	Interface *NetworkInterface
	Updated   time.Time
}

// ArpCache maps IPv4 addresses to MAC addresses. With a non-zero maxAge,
// entries older than maxAge are treated as missing.
type ArpCache struct {
	mutex   sync.RWMutex
	records map[netip.Addr]ArpRecord
	maxAge  time.Duration
	now     func() time.Time
}

func NewArpCache(maxAge time.Duration) *ArpCache {
	return &ArpCache{
		records: make(map[netip.Addr]ArpRecord),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Update stores or overwrites the mapping for ip.
func (c *ArpCache) Update(ip netip.Addr, mac net.HardwareAddr, iface *NetworkInterface) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records[ip] = ArpRecord{IP: ip, MAC: mac, Interface: iface, Updated: c.now()}
}

func (c *ArpCache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	r, ok := c.records[ip]
	if !ok || c.expired(r) {
		return nil, false
	}
	return r.MAC, true
}

func (c *ArpCache) expired(r ArpRecord) bool {
	return c.maxAge > 0 && c.now().Sub(r.Updated) > c.maxAge
}

// Records returns live entries ordered by address.
func (c *ArpCache) Records() []ArpRecord {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]ArpRecord, 0, len(c.records))
	for _, r := range c.records {
		if !c.expired(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b ArpRecord) int { return a.IP.Compare(b.IP) })
	return out
}

func (c *ArpCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records = make(map[netip.Addr]ArpRecord)
}
