package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"chatsync/internal/auth"
	"chatsync/internal/event"
	"chatsync/internal/syncclient"

	"github.com/spf13/cobra"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	URL    string
	Token  string
	UserID string
	Join   []string
}

// NewTailCommand creates the tail command: a terminal client that prints live events.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect to the live channel and print events as they arrive",
		Long: `Connect to /ws, optionally open conversations, and print each event.
Opening a conversation joins its room and prints the latest page of history.

Authenticate with --token, or with --user when the server trusts the user header.
Without either the connection is anonymous and only receives presence events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.URL == "" {
				opts.URL = "ws://localhost:" + rootOpts.cfg.Port + "/ws"
			}
			return runTail(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "websocket url (default ws://localhost:<port>/ws)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer access token")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id sent as "+auth.UserHeader)
	cmd.Flags().StringSliceVar(&opts.Join, "join", nil, "conversation ids to join")
	return cmd
}

func runTail(cmd *cobra.Command, opts *TailOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.UserID != "" {
		header.Set(auth.UserHeader, opts.UserID)
	}
	client, err := syncclient.Dial(ctx, opts.URL, header, syncclient.NewState(opts.UserID))
	if err != nil {
		return err
	}
	defer client.Close()
	if opts.Token != "" || opts.UserID != "" {
		if err := client.SyncConversations(ctx); err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
	}
	out := cmd.OutOrStdout()
	for _, id := range opts.Join {
		if err := client.Open(ctx, id); err != nil {
			return fmt.Errorf("open %s: %w", id, err)
		}
		for _, m := range client.State().Messages(id) {
			fmt.Fprintf(out, "[%s] %s: %s\n", id, m.SenderName, m.Preview())
		}
	}

	err = client.Run(ctx, func(env event.Envelope) { printEvent(out, client.State(), env) })
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// printEvent 输出一行可读摘要，未识别的事件原样输出 JSON。
func printEvent(w io.Writer, st *syncclient.State, env event.Envelope) {
	switch env.Event {
	case event.MessageNew:
		var p event.MessageNewPayload
		if json.Unmarshal(env.Data, &p) == nil && p.Message != nil {
			fmt.Fprintf(w, "[%s] %s: %s\n", p.ConversationID, p.Message.SenderName, p.Message.Preview())
			return
		}
	case event.ConversationUpdate:
		var p event.ConversationUpdatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			fmt.Fprintf(w, "[%s] unread %d\n", p.ConversationID, st.Unread(p.ConversationID))
			return
		}
	case event.TypingStart, event.TypingStop:
		var p event.TypingPayload
		if json.Unmarshal(env.Data, &p) == nil {
			fmt.Fprintf(w, "[%s] typing: %v\n", p.ConversationID, st.Typing(p.ConversationID))
			return
		}
	case event.UserStatus:
		var p event.UserStatusPayload
		if json.Unmarshal(env.Data, &p) == nil {
			fmt.Fprintf(w, "%s is %s\n", p.UserID, p.Status)
			return
		}
	}
	fmt.Fprintf(w, "%s %s\n", env.Event, env.Data)
}
