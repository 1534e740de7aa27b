package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/presence"
	"chatsync/internal/server"
	"chatsync/internal/service"
	"chatsync/internal/typing"
	"chatsync/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.cfg
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides APP_PORT)")
	return cmd
}

// runServe 组装所有组件并阻塞到 ctx 取消或服务出错，随后优雅停服。
func runServe(ctx context.Context, cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	global, err := st.EnsureGlobalConversation(ctx)
	if err != nil {
		return fmt.Errorf("ensure global conversation: %w", err)
	}
	log.Info().Str("conversation_id", global.ID).Msg("global conversation ready")

	hub := ws.NewHub()
	tracker := presence.NewTracker()
	broker := typing.NewBroker(hub, time.Duration(cfg.TypingTTLSeconds)*time.Second)
	go broker.Run()

	guard := service.NewGuard(st)
	deps := server.Deps{
		Conversations: service.NewConversationService(st, guard),
		Messages:      service.NewMessageService(st, guard, hub, broker),
		Users:         service.NewUserService(st, tracker),
		Guard:         guard,
		Hub:           hub,
		Presence:      tracker,
		Typing:        broker,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(ctx, cfg, deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("driver", cfg.DBDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server run: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Stop()
	broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("graceful shutdown complete")
	return runErr
}
