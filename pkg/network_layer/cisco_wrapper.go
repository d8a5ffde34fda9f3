package network_layer

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"team21/psim/pkg/common"
)

var ErrGatewayAndInterface = errors.New("route names both a gateway and an interface")

// resolveStepLimit bounds gateway resolution over one whole recompute pass.
const resolveStepLimit = 50

// CiscoRoute is a user-entered static route. Exactly one of Gateway and
// InterfaceName is set.
type CiscoRoute struct {
	Destination   netip.Prefix
	Gateway       netip.Addr
	InterfaceName string
}

func (r CiscoRoute) HasGateway() bool {
	return r.Gateway.IsValid()
}

// String renders the route the way "show running-config" lists it.
func (r CiscoRoute) String() string {
	s := r.Destination.Addr().String() + " " + common.MaskString(r.Destination.Bits()) + " "
	if r.HasGateway() {
		return s + r.Gateway.String()
	}
	return s + r.InterfaceName
}

// routeLess orders by destination address, broader masks first, then by next
// hop so that equal routes collapse into one entry.
func routeLess(a, b CiscoRoute) bool {
	if c := common.ComparePrefix(a.Destination, b.Destination); c != 0 {
		return c < 0
	}
	if a.HasGateway() != b.HasGateway() {
		return a.HasGateway()
	}
	if a.HasGateway() {
		return a.Gateway.Less(b.Gateway)
	}
	return strings.ToLower(a.InterfaceName) < strings.ToLower(b.InterfaceName)
}

// interfaceLister supplies the device interfaces in a stable order.
type interfaceLister interface {
	NetworkInterfaces() []*NetworkInterface
}

// CiscoRouteWrapper holds the static routes a user configured and compiles
// them, together with the connected networks, into the device's
// RoutingTable. The table is rebuilt from scratch after every change.
type CiscoRouteWrapper struct {
	mutex  sync.Mutex
	routes *btree.BTreeG[CiscoRoute]

	table  *RoutingTable
	ifaces interfaceLister
	logger *logrus.Entry
}

func NewCiscoRouteWrapper(table *RoutingTable, ifaces interfaceLister, logger *logrus.Entry) *CiscoRouteWrapper {
	return &CiscoRouteWrapper{
		routes: btree.NewG[CiscoRoute](8, routeLess),
		table:  table,
		ifaces: ifaces,
		logger: logger,
	}
}

func (w *CiscoRouteWrapper) AddGatewayRoute(destination netip.Prefix, gateway netip.Addr) error {
	if !gateway.Is4() {
		return errors.Errorf("invalid gateway %s", gateway)
	}
	return w.add(CiscoRoute{Destination: destination, Gateway: gateway})
}

func (w *CiscoRouteWrapper) AddInterfaceRoute(destination netip.Prefix, ifaceName string) error {
	iface := findInterface(w.ifaces.NetworkInterfaces(), ifaceName)
	if iface == nil {
		return errors.Wrapf(ErrNoSuchInterface, "%s", ifaceName)
	}
	return w.add(CiscoRoute{Destination: destination, InterfaceName: iface.Name})
}

func (w *CiscoRouteWrapper) add(route CiscoRoute) error {
	if !common.IsNetworkNumber(route.Destination) {
		return errors.Wrapf(ErrNotNetworkNumber, "%s", route.Destination.Addr())
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.routes.Has(route) {
		return nil
	}
	w.routes.ReplaceOrInsert(route)
	w.logger.WithField("route", route.String()).Debug("static route added")
	w.recompute()
	return nil
}

// DeleteRoutes removes every route to destination, narrowed by gateway or
// by interface name when one is given. Giving both is rejected and nothing
// changes.
func (w *CiscoRouteWrapper) DeleteRoutes(destination netip.Prefix, gateway netip.Addr, ifaceName string) (int, error) {
	if gateway.IsValid() && ifaceName != "" {
		return 0, ErrGatewayAndInterface
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	var doomed []CiscoRoute
	w.routes.Ascend(func(r CiscoRoute) bool {
		if r.Destination != destination {
			return true
		}
		switch {
		case gateway.IsValid():
			if r.Gateway == gateway {
				doomed = append(doomed, r)
			}
		case ifaceName != "":
			if !r.HasGateway() && strings.EqualFold(r.InterfaceName, ifaceName) {
				doomed = append(doomed, r)
			}
		default:
			doomed = append(doomed, r)
		}
		return true
	})
	for _, r := range doomed {
		w.routes.Delete(r)
	}
	w.recompute()
	return len(doomed), nil
}

// Clear drops every static route ("clear ip route *").
func (w *CiscoRouteWrapper) Clear() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.routes.Clear(false)
	w.recompute()
}

// Recompute rebuilds the routing table, e.g. after an interface change.
func (w *CiscoRouteWrapper) Recompute() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.recompute()
}

func (w *CiscoRouteWrapper) recompute() {
	records := compileRoutingTable(w.ifaces.NetworkInterfaces(), w.routeList(), resolveStepLimit)
	w.table.replaceRecords(records)
	w.logger.WithField("records", len(records)).Debug("routing table recomputed")
}

func (w *CiscoRouteWrapper) routeList() []CiscoRoute {
	routes := make([]CiscoRoute, 0, w.routes.Len())
	w.routes.Ascend(func(r CiscoRoute) bool {
		routes = append(routes, r)
		return true
	})
	return routes
}

// Routes returns the configured routes by address, broader masks first.
func (w *CiscoRouteWrapper) Routes() []CiscoRoute {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.routeList()
}

func (w *CiscoRouteWrapper) Size() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.routes.Len()
}

// RunningConfig lists the routes as "ip route" commands.
func (w *CiscoRouteWrapper) RunningConfig() string {
	var sb strings.Builder
	for _, r := range w.Routes() {
		sb.WriteString("ip route " + r.String() + "\n")
	}
	return sb.String()
}

// ShowIPRoute renders the compiled routing table.
func (w *CiscoRouteWrapper) ShowIPRoute() string {
	lastResort := slices.ContainsFunc(w.Routes(), func(r CiscoRoute) bool {
		return common.IsDefaultRoute(r.Destination)
	})
	return FormatCiscoRoutingTable(w.table.Records(), lastResort)
}

// FormatCiscoRoutingTable prints records ordered by address, most specific
// mask first.
func FormatCiscoRoutingTable(records []Record, lastResort bool) string {
	var sb strings.Builder
	sb.WriteString("Codes: C - connected, S - static\n\n")
	sb.WriteString("Gateway of last resort is ")
	if lastResort {
		sb.WriteString("0.0.0.0 to network 0.0.0.0\n\n")
	} else {
		sb.WriteString("not set\n\n")
	}

	records = slices.Clone(records)
	sortByDestination(records, func(r Record) netip.Prefix { return r.Destination }, false)
	for _, r := range records {
		sb.WriteString(formatCiscoRecord(r))
	}
	return sb.String()
}

func formatCiscoRecord(r Record) string {
	dst := r.Destination
	if r.Connected {
		return fmt.Sprintf("C       %s/%d is directly connected, %s\n", dst.Masked().Addr(), dst.Bits(), r.interfaceName())
	}
	code := "S       "
	if common.IsDefaultRoute(dst) {
		code = "S*      "
	}
	if r.HasGateway() {
		return fmt.Sprintf("%s%s/%d [1/0] via %s\n", code, dst.Addr(), dst.Bits(), r.Gateway)
	}
	return fmt.Sprintf("%s%s/%d is directly connected, %s\n", code, dst.Addr(), dst.Bits(), r.interfaceName())
}

// sortByDestination orders items by destination address. Equal addresses
// put the broader mask first when widestFirst is set, the narrower one
// otherwise. Items that compare equal keep their order.
func sortByDestination[T any](items []T, destination func(T) netip.Prefix, widestFirst bool) {
	slices.SortStableFunc(items, func(a, b T) int {
		pa, pb := destination(a), destination(b)
		if c := pa.Addr().Compare(pb.Addr()); c != 0 {
			return c
		}
		if widestFirst {
			return pa.Bits() - pb.Bits()
		}
		return pb.Bits() - pa.Bits()
	})
}

type stepBudget struct {
	used  int
	limit int
}

// take spends one resolution step and reports whether the budget allowed it.
func (b *stepBudget) take() bool {
	b.used++
	return b.used < b.limit
}

type resolution struct {
	iface *NetworkInterface
	ok    bool
}

// compileRoutingTable derives forwarding records from the usable interfaces
// and the static routes. Routes whose gateway cannot be resolved within the
// shared budget are left out.
func compileRoutingTable(ifaces []*NetworkInterface, routes []CiscoRoute, limit int) []Record {
	var records []Record
	appendUnique := func(r Record) {
		if !slices.ContainsFunc(records, r.equal) {
			records = append(records, r)
		}
	}

	for _, iface := range ifaces {
		if network, ok := iface.Network(); ok && iface.IsUp() {
			appendUnique(Record{Destination: network, Interface: iface, Connected: true})
		}
	}
	connected := slices.Clone(records)
	slices.SortStableFunc(connected, byMaskLength)

	for _, r := range routes {
		if r.HasGateway() {
			continue
		}
		if iface := findInterface(ifaces, r.InterfaceName); iface != nil {
			appendUnique(Record{Destination: r.Destination, Interface: iface})
		}
	}

	budget := &stepBudget{limit: limit}
	for _, r := range routes {
		if !r.HasGateway() {
			continue
		}
		res := resolveGateway(r.Gateway, connected, routes, ifaces, budget)
		if res.ok {
			appendUnique(Record{Destination: r.Destination, Gateway: r.Gateway, Interface: res.iface})
		}
	}
	return records
}

// resolveGateway finds the interface leading to gw: directly when gw sits in
// a connected network, otherwise through the most specific static route
// containing gw. Every call spends one step of budget.
func resolveGateway(gw netip.Addr, connected []Record, routes []CiscoRoute, ifaces []*NetworkInterface, budget *stepBudget) resolution {
	if !budget.take() {
		return resolution{}
	}
	for _, c := range connected {
		if c.Destination.Contains(gw) {
			return resolution{iface: c.Interface, ok: true}
		}
	}

	best := -1
	for i, r := range routes {
		if r.Destination.Contains(gw) && (best < 0 || r.Destination.Bits() >= routes[best].Destination.Bits()) {
			best = i
		}
	}
	if best < 0 {
		return resolution{}
	}
	next := routes[best]
	if !next.HasGateway() {
		iface := findInterface(ifaces, next.InterfaceName)
		return resolution{iface: iface, ok: iface != nil}
	}
	return resolveGateway(next.Gateway, connected, routes, ifaces, budget)
}

func findInterface(ifaces []*NetworkInterface, name string) *NetworkInterface {
	for _, i := range ifaces {
		if strings.EqualFold(i.Name, name) {
			return i
		}
	}
	return nil
}
