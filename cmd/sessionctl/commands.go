package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/session-index/internal/protocol"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <token>",
	Short: "Show the user a token is bound to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		userID, found, err := client.Lookup(args[0])
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("not bound")
			return nil
		}
		fmt.Println(userID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's sessions, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		nc, client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		sessions, err := client.List(userID)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No active sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s\t%.0f\n", s.Token, s.LastSeen)
		}
		return nil
	},
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <token> <user-id>",
	Short: "Unbind one session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[1])
		if err != nil {
			return err
		}
		nc, client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := client.Unbind(args[0], userID); err != nil {
			return err
		}
		fmt.Println("unbound")
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <user-id>...",
	Short: "Unbind every session of one or more users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		failed := false
		for _, arg := range args {
			userID, err := parseUserID(arg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				failed = true
				continue
			}
			removed, err := client.RevokeUser(userID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "revoke %d: %v\n", userID, err)
				failed = true
				continue
			}
			fmt.Printf("user %d: %d sessions revoked\n", userID, removed)
		}
		if failed {
			return fmt.Errorf("some revocations failed")
		}
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of live sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		n, err := client.Count()
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print revocation events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer nc.Close()

		err = nc.SubscribeRevoked(func(data []byte) {
			var ev protocol.RevokedEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				fmt.Fprintf(os.Stderr, "bad event: %v\n", err)
				return
			}
			if len(ev.Tokens) == 0 {
				fmt.Printf("%s user=%d all sessions\n", time.Now().Format(time.RFC3339), ev.UserID)
				return
			}
			fmt.Printf("%s user=%d tokens=%v\n", time.Now().Format(time.RFC3339), ev.UserID, ev.Tokens)
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}
