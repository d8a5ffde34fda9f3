package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"team21/psim/pkg/simulator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a topology, check it and print the routing of every router",
	Long: `Build the topology without starting a console, report devices that no cable
connects, and print the running configuration and routing table of every
Cisco router.

Examples:
  psim validate -t topo.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, topology, err := loadSettings()
		if err != nil {
			return err
		}
		sim, err := simulator.New(settings, topology, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer sim.Close()

		out := cmd.OutOrStdout()
		islands := sim.Islands()
		if len(islands) > 1 {
			fmt.Fprintf(out, "WARNING: %d separate groups of devices\n", len(islands))
			for _, island := range islands {
				fmt.Fprintf(out, "  %s\n", strings.Join(island, " "))
			}
		}
		for _, d := range sim.Devices() {
			if !d.IsCisco() {
				continue
			}
			wrapper := d.IP.CiscoWrapper()
			fmt.Fprintf(out, "%s# show running-config\n%s", d.Name, wrapper.RunningConfig())
			fmt.Fprintf(out, "%s# show ip route\n%s\n", d.Name, wrapper.ShowIPRoute())
		}
		fmt.Fprintf(out, "VALID: %d device(s), %d cable(s)\n", len(topology.Devices), len(topology.Cables))
		return nil
	},
}
