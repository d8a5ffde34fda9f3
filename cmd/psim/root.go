package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"team21/psim/pkg/config"
	"team21/psim/pkg/log"
)

var (
	settingsFile string
	topologyFile string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "psim",
	Short: "psim - discrete-event internetwork simulator",
	Long: `psim simulates hosts, Cisco-style routers, switches and cables in one process.
Devices run ARP, IPv4 forwarding, static routing and ICMP; the console edits
routes and runs ping between devices.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsFile, "config", "c", "", "settings file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&topologyFile, "topology", "t", "", "topology file, overrides the settings")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the settings")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadSettings reads settings and the topology they point to, and sets up
// logging.
func loadSettings() (*config.Settings, *config.Topology, error) {
	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, nil, err
	}
	if topologyFile != "" {
		settings.Topology = topologyFile
	}
	if logLevel != "" {
		settings.Log.Level = logLevel
	}
	if err := log.Init(settings.Log); err != nil {
		return nil, nil, err
	}
	if settings.Topology == "" {
		return nil, nil, errors.New("no topology given, use --topology or the topology setting")
	}
	topology, err := config.LoadTopology(settings.Topology)
	if err != nil {
		return nil, nil, err
	}
	return settings, topology, nil
}
