package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCaptureCommand(globalFlags),
		createStopCommand(globalFlags),
		createStopAllCommand(globalFlags),
		createListCommand(globalFlags),
		createInterfacesCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capturectl",
		Short: "Packet capture supervisor",
		Long: `capturectl runs an external packet capture worker on request, stops it
cooperatively through a stop file or by force, and tracks running workers in a
registry file so they can be stopped after a restart.

Examples:
  capturectl serve --config=capturectl.toml      # Start the HTTP API
  capturectl capture --output=dump.csv --duration=30
  capturectl stop dump.csv                       # Stop through the registry
  capturectl list --api-url=http://host:8080/api # Ask a running server`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file (TOML, YAML or JSON)")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "server URL (e.g. http://host:8080/api); local registry when empty")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "API request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "PEM file of the CA that signed the server certificate")
	cmd.Flags().StringVar(&f.ClientCert, "client-cert", "", "client certificate for mutual TLS")
	cmd.Flags().StringVar(&f.ClientKey, "client-key", "", "client private key for mutual TLS")
	cmd.Flags().StringVar(&f.ServerName, "server-name", "", "name to verify the server certificate against")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the capture API server",
		Long: `Start the HTTP API that runs and stops captures.

Examples:
  capturectl serve                      # Defaults plus CAPTURECTL_* environment
  capturectl serve capturectl.toml      # Start with a config file
  capturectl serve --daemonize          # Run in background (pidfile from [server].pidfile)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createCaptureCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &CaptureFlags{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run one capture and wait for it to finish",
		Long: `Run one capture. Without --api-url the worker runs in this process and
Ctrl-C stops it through its stop file.

Examples:
  capturectl capture --output=dump.csv --duration=30 --filter=ipv4
  capturectl capture --duration=0       # Until stopped`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd, globalFlags, f)
		},
	}
	cmd.Flags().StringVar(&f.Output, "output", "", "artifact file name (default packet_capture.csv)")
	cmd.Flags().StringVar(&f.Interface, "iface", "", "capture interface (default auto)")
	cmd.Flags().StringVar(&f.Filter, "filter", "", "traffic filter: both, ipv4, ipv6, icmp or bgp")
	cmd.Flags().IntVar(&f.Duration, "duration", 10, "seconds to capture; 0 runs until stopped")
	cmd.Flags().StringVar(&f.Promiscuous, "promiscuous", "on", "promiscuous mode: on or off")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [output]",
		Short: "Stop a capture",
		Long: `Stop the capture writing <output>. Without an argument every tracked
capture is asked to stop.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runStop(cmd, globalFlags, f, key)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createStopAllCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StopFlags{All: true}
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every capture and clear the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStopAll(cmd, globalFlags, f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createListCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked captures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, globalFlags, f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createInterfacesCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "interfaces",
		Short: "List capture interfaces reported by the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInterfaces(cmd, globalFlags, f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}
