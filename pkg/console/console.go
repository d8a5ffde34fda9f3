package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/device"
	"team21/psim/pkg/log"
	"team21/psim/pkg/network_layer"
	"team21/psim/pkg/simulator"
)

// Cisco IOS error messages.
const (
	ciscoInconsistentMask = "%Inconsistent address and mask"
	ciscoNoMatchingRoute  = "%No matching route to delete"
	ciscoInvalidInput     = "% Invalid input detected"
)

const usage = `Commands:
  devices                                list devices
  islands                                list groups of cabled devices
  path <dev> <dev>                       cable path between two devices
  li <dev>                               list interfaces
  lr <dev>                               list routing table records
  <dev> ip route <net> <mask> <gw|iface> add a cisco static route
  <dev> no ip route <net> <mask> [gw|iface]
  <dev> clear ip route *
  <dev> show ip route
  <dev> show running-config
  <dev> show arp | <dev> arp
  <dev> route                            linux routing table
  <dev> route add|del <cidr> [via <gw>] [dev <iface>]
  <dev> address <iface> <cidr|none>
  <dev> up|down <iface>
  <dev> ping <ip> [count]
  <dev> send <ip> <message>
  save <path>
  help
  exit | q
`

// Console runs text commands against a simulation.
type Console struct {
	sim    *simulator.Simulator
	out    io.Writer
	logger *logrus.Entry
}

func New(sim *simulator.Simulator, out io.Writer) *Console {
	return &Console{sim: sim, out: out, logger: log.Component("console", "console")}
}

// Run reads commands from in until it ends, ctx is cancelled or the user
// exits.
func (c *Console) Run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return
		}
		if !c.Execute(ctx, scanner.Text()) {
			return
		}
	}
}

// Execute runs one command line. It returns false when the console should
// exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	c.logger.WithField("command", line).Debug("executing")

	switch parts[0] {
	case "exit", "q":
		return false
	case "help":
		fmt.Fprint(c.out, usage)
	case "devices":
		c.listDevices()
	case "islands":
		for _, island := range c.sim.Islands() {
			fmt.Fprintln(c.out, strings.Join(island, " "))
		}
	case "path":
		if len(parts) != 3 {
			fmt.Fprintln(c.out, "Usage: path <dev> <dev>")
			return true
		}
		p, err := c.sim.Path(parts[1], parts[2])
		if err != nil {
			fmt.Fprintln(c.out, err)
			return true
		}
		fmt.Fprintln(c.out, strings.Join(p, " -> "))
	case "li", "lr":
		if len(parts) != 2 {
			fmt.Fprintf(c.out, "Usage: %s <dev>\n", parts[0])
			return true
		}
		d := c.host(parts[1])
		if d == nil {
			return true
		}
		if parts[0] == "li" {
			c.listInterfaces(d)
		} else {
			c.listRoutes(d)
		}
	case "save":
		if len(parts) != 2 {
			fmt.Fprintln(c.out, "Usage: save <path>")
			return true
		}
		if err := c.sim.Save(parts[1]); err != nil {
			fmt.Fprintln(c.out, err)
			return true
		}
		fmt.Fprintf(c.out, "Saved to %s\n", parts[1])
	default:
		d := c.sim.Device(parts[0])
		if d == nil {
			fmt.Fprintln(c.out, "Unknown command or device. Type help for the list of commands.")
			return true
		}
		if len(parts) < 2 {
			fmt.Fprintln(c.out, "Missing command after device name")
			return true
		}
		c.deviceCommand(ctx, d, parts[1:])
	}
	return true
}

// host returns the named device unless it is missing or a switch.
func (c *Console) host(name string) *device.Device {
	d := c.sim.Device(name)
	switch {
	case d == nil:
		fmt.Fprintf(c.out, "No device %s\n", name)
		return nil
	case d.IsSwitch():
		fmt.Fprintf(c.out, "%s is a switch\n", d.Name)
		return nil
	}
	return d
}

func (c *Console) deviceCommand(ctx context.Context, d *device.Device, args []string) {
	if d.IsSwitch() {
		if args[0] == "show" && len(args) == 3 && args[1] == "mac" && args[2] == "address-table" {
			c.showMacTable(d)
			return
		}
		fmt.Fprintln(c.out, ciscoInvalidInput)
		return
	}

	switch args[0] {
	case "ip":
		if !c.requireCisco(d) {
			return
		}
		c.ipRoute(d, args[1:])
	case "no":
		if !c.requireCisco(d) {
			return
		}
		if len(args) < 2 || args[1] != "ip" {
			fmt.Fprintln(c.out, ciscoInvalidInput)
			return
		}
		c.noIpRoute(d, args[2:])
	case "clear":
		if !c.requireCisco(d) {
			return
		}
		if len(args) != 4 || args[1] != "ip" || args[2] != "route" || args[3] != "*" {
			fmt.Fprintln(c.out, ciscoInvalidInput)
			return
		}
		d.IP.CiscoWrapper().Clear()
	case "show":
		c.show(d, args[1:])
	case "arp":
		c.listArp(d)
	case "route":
		if d.IsCisco() {
			fmt.Fprintln(c.out, ciscoInvalidInput)
			return
		}
		c.linuxRoute(d, args[1:])
	case "address":
		c.setAddress(d, args[1:])
	case "up", "down":
		if len(args) != 2 {
			fmt.Fprintf(c.out, "Usage: <dev> %s <iface>\n", args[0])
			return
		}
		if err := d.IP.SetInterfaceUp(args[1], args[0] == "up"); err != nil {
			fmt.Fprintf(c.out, "Interface %s does not exist\n", args[1])
		}
	case "ping":
		c.ping(ctx, d, args[1:])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(c.out, "Usage: <dev> send <ip> <message>")
			return
		}
		dst, err := netip.ParseAddr(args[1])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid IP address: %v\n", err)
			return
		}
		if err := d.Send(dst, strings.Join(args[2:], " ")); err != nil {
			fmt.Fprintf(c.out, "Failed to send message: %v\n", err)
		}
	default:
		fmt.Fprintln(c.out, "Unknown command. Type help for the list of commands.")
	}
}

func (c *Console) requireCisco(d *device.Device) bool {
	if !d.IsCisco() {
		fmt.Fprintf(c.out, "%s is not a cisco device\n", d.Name)
		return false
	}
	return true
}

// ipRoute handles "ip route <net> <mask> <gw|iface>".
func (c *Console) ipRoute(d *device.Device, args []string) {
	if len(args) != 4 || args[0] != "route" {
		fmt.Fprintln(c.out, ciscoInvalidInput)
		return
	}
	destination, ok := c.parseDestination(args[1], args[2])
	if !ok {
		return
	}

	wrapper := d.IP.CiscoWrapper()
	var err error
	if gateway, perr := netip.ParseAddr(args[3]); perr == nil {
		err = wrapper.AddGatewayRoute(destination, gateway)
	} else {
		err = wrapper.AddInterfaceRoute(destination, args[3])
	}
	c.printCiscoError(err)
}

// noIpRoute handles "no ip route <net> <mask> [gw|iface]".
func (c *Console) noIpRoute(d *device.Device, args []string) {
	if len(args) < 3 || len(args) > 4 || args[0] != "route" {
		fmt.Fprintln(c.out, ciscoInvalidInput)
		return
	}
	destination, ok := c.parseDestination(args[1], args[2])
	if !ok {
		return
	}

	var gateway netip.Addr
	var ifaceName string
	if len(args) == 4 {
		if addr, err := netip.ParseAddr(args[3]); err == nil {
			gateway = addr
		} else {
			ifaceName = args[3]
		}
	}
	n, err := d.IP.CiscoWrapper().DeleteRoutes(destination, gateway, ifaceName)
	if err != nil {
		c.printCiscoError(err)
		return
	}
	if n == 0 {
		fmt.Fprintln(c.out, ciscoNoMatchingRoute)
	}
}

func (c *Console) parseDestination(address, mask string) (netip.Prefix, bool) {
	destination, err := common.ParseAddrMask(address, mask)
	if err != nil {
		fmt.Fprintln(c.out, ciscoInvalidInput)
		return netip.Prefix{}, false
	}
	if !common.IsNetworkNumber(destination) {
		fmt.Fprintln(c.out, ciscoInconsistentMask)
		return netip.Prefix{}, false
	}
	return destination, true
}

func (c *Console) printCiscoError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, network_layer.ErrNotNetworkNumber):
		fmt.Fprintln(c.out, ciscoInconsistentMask)
	default:
		fmt.Fprintln(c.out, ciscoInvalidInput)
	}
}

func (c *Console) show(d *device.Device, args []string) {
	switch strings.Join(args, " ") {
	case "ip route":
		if c.requireCisco(d) {
			fmt.Fprint(c.out, d.IP.CiscoWrapper().ShowIPRoute())
		}
	case "running-config":
		if c.requireCisco(d) {
			c.showRunningConfig(d)
		}
	case "arp":
		c.listArp(d)
	default:
		fmt.Fprintln(c.out, ciscoInvalidInput)
	}
}

func (c *Console) showRunningConfig(d *device.Device) {
	fmt.Fprintf(c.out, "hostname %s\n!\n", d.Name)
	for _, iface := range d.IP.NetworkInterfaces() {
		fmt.Fprintf(c.out, "interface %s\n", iface.Name)
		if a, ok := iface.Address(); ok {
			fmt.Fprintf(c.out, " ip address %s %s\n", a.Addr(), common.MaskString(a.Bits()))
		} else {
			fmt.Fprintln(c.out, " no ip address")
		}
		if !iface.IsUp() {
			fmt.Fprintln(c.out, " shutdown")
		}
		fmt.Fprintln(c.out, "!")
	}
	fmt.Fprint(c.out, d.IP.CiscoWrapper().RunningConfig())
	fmt.Fprintln(c.out, "end")
}

func (c *Console) showMacTable(d *device.Device) {
	fmt.Fprintln(c.out, "Mac Address          Port")
	for _, e := range d.Switch.MacTable() {
		fmt.Fprintf(c.out, "%-20s %s\n", e.MAC, e.Port)
	}
}

func (c *Console) listDevices() {
	fmt.Fprintln(c.out, "Name       Type")
	for _, d := range c.sim.Devices() {
		fmt.Fprintf(c.out, "%-10s %s\n", d.Name, d.Type)
	}
}

func (c *Console) listInterfaces(d *device.Device) {
	fmt.Fprintln(c.out, "Name  Addr/Prefix        MAC                State")
	for _, iface := range d.IP.NetworkInterfaces() {
		addr := "unassigned"
		if a, ok := iface.Address(); ok {
			addr = a.String()
		}
		state := "down"
		if iface.IsUp() {
			state = "up"
		}
		fmt.Fprintf(c.out, " %-5s %-18s %-18s %s\n", iface.Name, addr, iface.MAC(), state)
	}
}

func (c *Console) listRoutes(d *device.Device) {
	fmt.Fprintln(c.out, "T  Prefix              Next hop")
	for _, r := range d.IP.RoutingTable().Records() {
		routeType := "S"
		if r.Connected {
			routeType = "L"
		}
		nextHop := "LOCAL:" + r.Interface.Name
		if r.HasGateway() {
			nextHop = fmt.Sprintf("%s via %s", r.Gateway, r.Interface.Name)
		}
		fmt.Fprintf(c.out, "%-1s  %-18s  %s\n", routeType, r.Destination, nextHop)
	}
}

func (c *Console) listArp(d *device.Device) {
	fmt.Fprintln(c.out, "Address          HWaddress          Iface   Age")
	now := time.Now()
	for _, r := range d.IP.ArpCache().Records() {
		iface := ""
		if r.Interface != nil {
			iface = r.Interface.Name
		}
		fmt.Fprintf(c.out, "%-16s %-18s %-7s %s\n", r.IP, r.MAC, iface, now.Sub(r.Updated).Truncate(time.Second))
	}
}

// linuxRoute prints the table or handles "route add|del <cidr> [via <gw>]
// [dev <iface>]".
func (c *Console) linuxRoute(d *device.Device, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Kernel IP routing table")
		fmt.Fprintln(c.out, "Destination     Gateway         Genmask         Flags Iface")
		for _, r := range d.IP.RoutingTable().Records() {
			gateway, flags := "0.0.0.0", "U"
			if r.HasGateway() {
				gateway, flags = r.Gateway.String(), "UG"
			}
			fmt.Fprintf(c.out, "%-15s %-15s %-15s %-5s %s\n",
				r.Destination.Addr(), gateway, common.MaskString(r.Destination.Bits()), flags, r.Interface.Name)
		}
		return
	}

	if len(args) < 2 || (args[0] != "add" && args[0] != "del") {
		fmt.Fprintln(c.out, "Usage: <dev> route add|del <cidr> [via <gw>] [dev <iface>]")
		return
	}
	destination, err := netip.ParsePrefix(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid prefix: %v\n", err)
		return
	}
	var gateway netip.Addr
	var iface *network_layer.NetworkInterface
	for rest := args[2:]; len(rest) > 0; rest = rest[2:] {
		if len(rest) < 2 {
			fmt.Fprintf(c.out, "Missing value after %s\n", rest[0])
			return
		}
		switch rest[0] {
		case "via":
			if gateway, err = netip.ParseAddr(rest[1]); err != nil {
				fmt.Fprintf(c.out, "Invalid gateway: %v\n", err)
				return
			}
		case "dev":
			if iface = d.IP.NetworkInterfaceByName(rest[1]); iface == nil {
				fmt.Fprintf(c.out, "Interface %s does not exist\n", rest[1])
				return
			}
		default:
			fmt.Fprintf(c.out, "Unknown option %s\n", rest[0])
			return
		}
	}

	table := d.IP.RoutingTable()
	if args[0] == "del" {
		if table.DeleteRecord(destination, gateway, iface) == 0 {
			fmt.Fprintln(c.out, "No such route")
		}
		return
	}
	switch {
	case gateway.IsValid():
		err = table.AddRecordWithGateway(destination, gateway, iface)
	case iface != nil:
		err = table.AddRecord(destination, iface)
	default:
		err = errors.New("route needs a gateway or an interface")
	}
	if err != nil {
		fmt.Fprintf(c.out, "Cannot add route: %v\n", err)
	}
}

func (c *Console) setAddress(d *device.Device, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: <dev> address <iface> <cidr|none>")
		return
	}
	var address netip.Prefix
	if args[1] != "none" {
		var err error
		if address, err = netip.ParsePrefix(args[1]); err != nil {
			fmt.Fprintf(c.out, "Invalid address: %v\n", err)
			return
		}
	}
	if err := d.IP.SetInterfaceAddress(args[0], address); err != nil {
		fmt.Fprintln(c.out, err)
	}
}

func (c *Console) ping(ctx context.Context, d *device.Device, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(c.out, "Usage: <dev> ping <ip> [count]")
		return
	}
	target, err := netip.ParseAddr(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid IP address: %v\n", err)
		return
	}
	count := 0
	if len(args) == 2 {
		if count, err = strconv.Atoi(args[1]); err != nil || count <= 0 {
			fmt.Fprintf(c.out, "Invalid count %q\n", args[1])
			return
		}
	}
	if _, err := d.Ping(ctx, d.PingOptions(target, count, 0)); err != nil {
		fmt.Fprintln(c.out, err)
	}
}
