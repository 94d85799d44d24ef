package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"reelfetch/internal"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in once and store the session",
	Long: `Log in with REELFETCH_USERNAME and REELFETCH_PASSWORD and store the
session cookies in the session file, so later runs reuse the session instead of
logging in again.

A valid stored session is verified and kept without a new login.

Examples:
  reelfetch login --session-file ~/.reelfetch/session.txt
  REELFETCH_USERNAME=me REELFETCH_PASSWORD=secret reelfetch login --session-file session.txt`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.SessionFile == "" {
			return internal.NewValidationError("session_file", "a session file is required to store the login").
				WithSuggestion("Pass --session-file or set REELFETCH_SESSION_FILE")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return executeLoginWorkflow(ctx)
	},
}

func executeLoginWorkflow(ctx context.Context) error {
	engine, err := newEngine(nil)
	if err != nil {
		return err
	}

	sessions := engine.Sessions()
	if !sessions.CanAuthenticate() {
		return internal.NewValidationError("credentials", "no credentials and no stored session").
			WithSuggestion("Set REELFETCH_USERNAME and REELFETCH_PASSWORD")
	}

	if !config.QuietMode {
		fmt.Printf("🔐 Logging in...\n")
	}

	handle, err := sessions.EnsureAuthenticated(ctx)
	if err != nil {
		var fe *internal.FetchError
		if errors.As(err, &fe) {
			internal.LogFetchError(fe)
		}
		return fmt.Errorf("login failed: %w", err)
	}

	internal.LogInfo("Session ready for %s, stored in %s", handle.Username, config.SessionFile)
	if !config.QuietMode {
		fmt.Printf("✅ Logged in as %s\n", handle.Username)
		fmt.Printf("🍪 Session saved to: %s\n", config.SessionFile)
	}
	return nil
}
