package console

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team21/psim/pkg/config"
	"team21/psim/pkg/simulator"
)

const topologyDoc = `
devices:
  - name: R1
    type: cisco
    interfaces:
      - {name: gi0, address: 10.0.0.1/24}
      - {name: gi1, address: 10.0.1.1/24}
  - name: H1
    type: linux
    interfaces:
      - {name: eth0, address: 10.0.0.2/24}
  - name: SW
    type: switch
    interfaces:
      - {name: fa0}
      - {name: fa1}
cables:
  - id: 1
    ends: [{device: H1, interface: eth0}, {device: SW, interface: fa0}]
  - id: 2
    ends: [{device: SW, interface: fa1}, {device: R1, interface: gi0}]
`

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

// Take returns and clears what was written so far.
func (b *syncBuffer) Take() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func newConsole(t *testing.T) (*Console, *simulator.Simulator, *syncBuffer) {
	t.Helper()
	topology, err := config.ParseTopology([]byte(topologyDoc))
	require.NoError(t, err)
	settings := config.DefaultSettings()
	settings.Simulation.CableDelay = time.Millisecond
	settings.Simulation.PingInterval = 10 * time.Millisecond
	settings.Simulation.PingTimeout = time.Second

	out := &syncBuffer{}
	sim, err := simulator.New(settings, topology, out)
	require.NoError(t, err)
	t.Cleanup(sim.Close)
	return New(sim, out), sim, out
}

func run(c *Console, out *syncBuffer, line string) string {
	c.Execute(context.Background(), line)
	return out.Take()
}

func TestCiscoStaticRoutes(t *testing.T) {
	c, sim, out := newConsole(t)

	assert.Empty(t, run(c, out, "R1 ip route 192.168.0.0 255.255.0.0 10.0.1.2"))
	assert.Empty(t, run(c, out, "r1 ip route 172.16.0.0 255.240.0.0 GI1"))
	assert.Equal(t, 2, sim.Device("R1").IP.CiscoWrapper().Size())

	running := run(c, out, "R1 show running-config")
	assert.Contains(t, running, "interface gi0\n ip address 10.0.0.1 255.255.255.0\n!\n")
	assert.Contains(t, running, "ip route 172.16.0.0 255.240.0.0 gi1\n")
	assert.Contains(t, running, "ip route 192.168.0.0 255.255.0.0 10.0.1.2\n")

	table := run(c, out, "R1 show ip route")
	assert.Contains(t, table, "Gateway of last resort is not set")
	assert.Contains(t, table, "10.0.0.0/24 is directly connected, gi0")

	assert.Empty(t, run(c, out, "R1 no ip route 192.168.0.0 255.255.0.0 10.0.1.2"))
	assert.Equal(t, 1, sim.Device("R1").IP.CiscoWrapper().Size())

	assert.Empty(t, run(c, out, "R1 clear ip route *"))
	assert.Equal(t, 0, sim.Device("R1").IP.CiscoWrapper().Size())
}

func TestCiscoErrors(t *testing.T) {
	c, sim, out := newConsole(t)

	assert.Equal(t, ciscoInconsistentMask+"\n", run(c, out, "R1 ip route 10.0.0.1 255.255.255.0 10.0.1.2"))
	assert.Equal(t, ciscoInvalidInput+"\n", run(c, out, "R1 ip route 10.0.0.0 255.0.255.0 10.0.1.2"))
	assert.Equal(t, ciscoInvalidInput+"\n", run(c, out, "R1 ip route 10.5.0.0 255.255.0.0 serial9"))
	assert.Equal(t, ciscoInvalidInput+"\n", run(c, out, "R1 ip route 10.5.0.0"))
	assert.Equal(t, ciscoNoMatchingRoute+"\n", run(c, out, "R1 no ip route 10.5.0.0 255.255.0.0"))
	assert.Equal(t, ciscoInvalidInput+"\n", run(c, out, "R1 show version"))
	assert.Equal(t, 0, sim.Device("R1").IP.CiscoWrapper().Size())

	assert.Equal(t, "H1 is not a cisco device\n", run(c, out, "H1 ip route 10.5.0.0 255.255.0.0 10.0.0.1"))
	assert.Equal(t, ciscoInvalidInput+"\n", run(c, out, "R1 route"))
}

func TestLinuxRouteCommands(t *testing.T) {
	c, sim, out := newConsole(t)
	table := sim.Device("H1").IP.RoutingTable()
	require.Equal(t, 1, table.Size())

	assert.Empty(t, run(c, out, "H1 route add 0.0.0.0/0 via 10.0.0.1"))
	assert.Equal(t, 2, table.Size())

	listing := run(c, out, "H1 route")
	assert.Contains(t, listing, "Kernel IP routing table")
	assert.Contains(t, listing, "0.0.0.0         10.0.0.1        0.0.0.0         UG    eth0")

	assert.Contains(t, run(c, out, "H1 route add 10.9.0.0/16 via 10.8.0.1"), "Cannot add route")
	assert.Equal(t, "Interface eth7 does not exist\n", run(c, out, "H1 route add 10.9.0.0/16 dev eth7"))

	assert.Empty(t, run(c, out, "H1 route del 0.0.0.0/0"))
	assert.Equal(t, 1, table.Size())
	assert.Equal(t, "No such route\n", run(c, out, "H1 route del 0.0.0.0/0"))
}

func TestInterfaceCommands(t *testing.T) {
	c, sim, out := newConsole(t)
	r1 := sim.Device("R1")

	assert.Empty(t, run(c, out, "R1 down gi1"))
	assert.Equal(t, 1, r1.IP.RoutingTable().Size())
	assert.Contains(t, run(c, out, "R1 show running-config"), "interface gi1\n ip address 10.0.1.1 255.255.255.0\n shutdown\n")
	assert.Empty(t, run(c, out, "R1 up gi1"))
	assert.Equal(t, 2, r1.IP.RoutingTable().Size())
	assert.Equal(t, "Interface gi7 does not exist\n", run(c, out, "R1 down gi7"))

	assert.Empty(t, run(c, out, "R1 address gi1 10.0.2.1/24"))
	assert.Contains(t, run(c, out, "li R1"), "10.0.2.1/24")
	assert.Empty(t, run(c, out, "R1 address gi1 none"))
	assert.Contains(t, run(c, out, "li R1"), "unassigned")
}

func TestPingAndArp(t *testing.T) {
	c, _, out := newConsole(t)

	text := run(c, out, "H1 ping 10.0.0.1 2")
	assert.Contains(t, text, "PING 10.0.0.1 (10.0.0.1) 56(84) bytes of data.")
	assert.Contains(t, text, "2 packets transmitted, 2 received, 0% packet loss")

	assert.Contains(t, run(c, out, "H1 arp"), "10.0.0.1")
	assert.Contains(t, run(c, out, "R1 show arp"), "10.0.0.2")

	table := run(c, out, "SW show mac address-table")
	assert.Equal(t, 3, strings.Count(table, "\n"))

	assert.Equal(t, "Invalid count \"x\"\n", run(c, out, "H1 ping 10.0.0.1 x"))
}

func TestListingsAndMisc(t *testing.T) {
	c, _, out := newConsole(t)

	assert.Contains(t, run(c, out, "devices"), "SW         switch")
	assert.Equal(t, "H1 R1 SW\n", run(c, out, "islands"))
	assert.Equal(t, "H1 -> SW -> R1\n", run(c, out, "path H1 R1"))
	assert.Contains(t, run(c, out, "lr R1"), "L  10.0.1.0/24         LOCAL:gi1")
	assert.Equal(t, "SW is a switch\n", run(c, out, "li SW"))
	assert.Contains(t, run(c, out, "help"), "Commands:")
	assert.Contains(t, run(c, out, "bogus"), "Unknown command or device")

	path := filepath.Join(t.TempDir(), "topo.yaml")
	assert.Equal(t, "Saved to "+path+"\n", run(c, out, "save "+path))
	_, err := config.LoadTopology(path)
	assert.NoError(t, err)

	assert.False(t, c.Execute(context.Background(), "exit"))
	assert.True(t, c.Execute(context.Background(), ""))
}

func TestSendTestPacket(t *testing.T) {
	c, _, out := newConsole(t)

	assert.Empty(t, run(c, out, "H1 send 10.0.0.1 hello there"))
	var text string
	require.Eventually(t, func() bool {
		text += out.Take()
		return strings.Contains(text, "R1 received test packet: Src: 10.0.0.2, Dst: 10.0.0.1, TTL: 64, Data: hello there")
	}, time.Second, 5*time.Millisecond)
}

func TestRun(t *testing.T) {
	c, _, out := newConsole(t)
	c.Run(context.Background(), strings.NewReader("devices\nexit\ndevices\n"))
	text := out.Take()
	assert.Equal(t, 1, strings.Count(text, "Name       Type"))
	assert.Equal(t, 2, strings.Count(text, "> "))
}
