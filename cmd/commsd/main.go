package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/mmate-comms/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "commsd",
		Short: "Run a priority-polling communication service",
		Long: `commsd hosts the communication container: it polls the configured
listeners by priority, dispatches received messages and exposes
metrics and health over HTTP.

Settings come from COMMS_* environment variables; the channel topology
comes from a YAML file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newRunCmd(), newTopologyCmd(), newConfigCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var (
		topologyFile string
		logLevel     string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the service and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(topologyFile, logLevel, metricsAddr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&topologyFile, "topology", "t", "", "Channel topology YAML file (overrides COMMS_TOPOLOGY_FILE)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides COMMS_LOG_LEVEL)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP listen address (overrides COMMS_METRICS_ADDR)")
	return cmd
}

func newTopologyCmd() *cobra.Command {
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect channel topology files",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a topology file and list its channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := config.LoadTopology(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d channels\n", len(topo.Channels))
			for _, spec := range topo.Channels {
				ch, err := spec.Build(nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-8s %-24s partitions=%d redirects=%d\n",
					ch.Direction(), ch.ID(), len(ch.Partitions()), len(ch.Redirects()))
			}
			return nil
		},
	}

	topologyCmd.AddCommand(validateCmd)
	return topologyCmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("", "", "")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

// loadConfig reads the environment and applies non-empty flag overrides
func loadConfig(topologyFile, logLevel, metricsAddr string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if topologyFile != "" {
		cfg.TopologyFile = topologyFile
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
