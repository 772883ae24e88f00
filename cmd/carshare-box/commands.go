package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carshare-box/internal/config"
	"carshare-box/internal/logger"
	"carshare-box/internal/messaging"
	"carshare-box/internal/types"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "carshare-box",
		Short:        "Carshare vehicle access box",
		Long:         `Reads RFID tags, asks the carshare service for a decision and locks or unlocks the vehicle over CAN.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			l := logger.NewConsole(logger.LogLevel(cfg.LogLevel))
			defer l.Sync()
			return runBox(cfg, l)
		},
	}

	flags := root.PersistentFlags()
	flags.Int("log-level", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis server address")
	flags.String("api-root", "", "Carshare service root URL")
	flags.String("card-store", config.CardStoreRedis, "Operator card store (redis, sqlite, memory)")
	flags.String("sqlite-path", "", "SQLite database for the sqlite card store")
	flags.String("metrics-addr", "", "Address for the /metrics endpoint, empty to disable")
	flags.String("can-interface", "", "SocketCAN interface of the vehicle bus")
	flags.String("wifi-interface", "", "Network interface of the uplink")

	root.AddCommand(
		newVersionCmd(),
		newLockCmd(types.TargetLocked),
		newLockCmd(types.TargetUnlocked),
	)
	return root
}

// loadConfig reads and validates the configuration. Flags only override
// the other sources when set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the firmware version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newLockCmd queues a lock or unlock for the running service.
func newLockCmd(target types.LockTarget) *cobra.Command {
	return &cobra.Command{
		Use:   target.String(),
		Short: fmt.Sprintf("Ask the running box to %s the vehicle", target),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			l := logger.NewConsole(logger.LogLevel(cfg.LogLevel))
			r := messaging.NewRedisClient(cfg.RedisAddr, l.WithTag("Redis"), messaging.Callbacks{})
			defer r.Close()

			if err := r.Connect(); err != nil {
				return err
			}
			if err := r.SendCommand(messaging.CommandList, target.String()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", target)
			return nil
		},
	}
}
