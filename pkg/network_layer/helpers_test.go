package network_layer

import (
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
)

type ifaceList []*NetworkInterface

func (l ifaceList) NetworkInterfaces() []*NetworkInterface { return l }

func newIface(name, address string, up bool) *NetworkInterface {
	iface := NewNetworkInterface(name, nil)
	if address != "" {
		iface.setAddress(netip.MustParsePrefix(address))
	}
	iface.setUp(up)
	return iface
}

func prefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func testLogger(t *testing.T) *logrus.Entry {
	return logrus.NewEntry(logrus.New()).WithField("test", t.Name())
}
