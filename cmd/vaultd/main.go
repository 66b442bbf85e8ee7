// Command vaultd runs an options vault with its purchase queue, keeper and
// paper collaborators behind a JSON-RPC, websocket and metrics endpoint.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/vaults/pkg/client"
	"github.com/luxfi/vaults/pkg/config"
)

var (
	// Path to the configuration file. Empty runs the defaults.
	configFile string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "vaultd",
		Short:         "Options vault daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the config.yml file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	for _, f := range []func(*cobra.Command){
		registerRun,
		registerConfig,
		registerStatus,
	} {
		f(rootCmd)
	}
}

func registerRun(parent *cobra.Command) {
	parent.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the vault daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			level, _ := log.ToLevel(cfg.LogLevel)
			logger := log.NewTestLogger(level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := NewNode(cfg, nil, logger)
			if err != nil {
				logger.Error("failed to initialize node", "error", err)
				return err
			}
			return node.Run(ctx)
		},
	})
}

func registerConfig(parent *cobra.Command) {
	parent.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
}

func registerStatus(parent *cobra.Command) {
	var rpcURL, vaultID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running daemon's vault and keeper status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(client.WithRPCURL(rpcURL))
			info, err := c.VaultInfo(cmd.Context(), vaultID)
			if err != nil {
				return err
			}
			out := map[string]interface{}{"vault": info}
			if st, err := c.KeeperStatus(cmd.Context(), info.ID); err == nil {
				out["keeper"] = st
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc", "http://localhost:8080", "daemon base URL")
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault id, empty when the daemon runs one vault")
	parent.AddCommand(cmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configFile); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
