package cli

import (
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/auth"

	"github.com/spf13/cobra"
)

// NewTokenCommand creates the token command, used to mint access tokens for local testing.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a signed access token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(args[0])
			if userID == "" {
				return errors.New("user id must not be empty")
			}
			if ttl <= 0 {
				ttl = rootOpts.cfg.AccessTokenTTLMinutes
			}
			tok, err := auth.GenerateAccessToken(userID, rootOpts.cfg.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 0, "token lifetime in minutes (defaults to ACCESS_TOKEN_TTL_MINUTES)")
	return cmd
}
