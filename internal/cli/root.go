package cli

import (
	"context"
	"fmt"

	"chatsync/internal/config"
	"chatsync/internal/db"
	clog "chatsync/internal/log"
	"chatsync/internal/mongodb"
	"chatsync/internal/store"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	cfg        config.Config
}

// NewRootCommand creates the root command for the chatsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "chatsync - real-time chat synchronization server",
		Long:  "Serves conversations, messages, read receipts, reactions, presence and typing over REST and WebSocket.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			clog.Init(cfg.Env, cfg.LogLevel)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "optional YAML config file (environment variables take precedence)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))

	return cmd
}

// openStore 按配置选择存储网关；SQL 驱动会先执行迁移。
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DBDriver == config.DriverMongo {
		st, err := mongodb.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		return st, nil
	}
	gdb, err := db.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db.NewStore(gdb), nil
}
