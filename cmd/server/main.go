package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rl1809/inventory-sync/internal/config"
)

type flagValues struct {
	configPath string
	httpAddr   string
	grpcAddr   string
	storage    string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &flagValues{}

	cmd := &cobra.Command{
		Use:   "inventory-sync",
		Short: "Real-time inventory synchronization server",
		Long: `Serves the /ws-inventory sync endpoint, the REST stock API and the
gRPC InventoryService over one shared stock ledger.

Configuration comes from defaults, the optional --config YAML file,
INVENTORY_SYNC_* environment variables and finally these flags.

Example:
  inventory-sync --config ./inventory-sync.yaml
  inventory-sync --storage memory --log-level debug`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.configPath, "config", os.Getenv("INVENTORY_SYNC_CONFIG"), "path to YAML config file")
	fs.StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address (REST and WebSocket)")
	fs.StringVar(&flags.grpcAddr, "grpc-addr", "", "gRPC listen address")
	fs.StringVar(&flags.storage, "storage", "", "ledger backend (memory|sqlite|mysql|redis)")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	return cmd
}

// apply overlays flags the user actually set and validates the result.
func (f *flagValues) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = f.httpAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.GRPCAddr = f.grpcAddr
	}
	if fs.Changed("storage") {
		cfg.Storage.Driver = f.storage
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg.Validate()
}
