package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"team21/psim/pkg/console"
	"team21/psim/pkg/log"
	"team21/psim/pkg/simulator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the simulation and its console",
	Long: `Start every device and cable of the topology and read console commands
from stdin until "exit" or end of input.

Examples:
  psim run -t topo.yaml
  psim run -c settings.yaml -t topo.yaml --log-level warn`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, topology, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sim, err := simulator.New(settings, topology, os.Stdout)
		if err != nil {
			return err
		}
		defer sim.Close()

		log.GetLogger().WithField("topology", settings.Topology).Info("console ready")
		console.New(sim, os.Stdout).Run(ctx, os.Stdin)
		return nil
	},
}
