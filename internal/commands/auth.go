// Package commands implements the CLI commands.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/appctx"
	"gitlab.com/gitlab-workflow/glw/internal/auth"
	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
	"gitlab.com/gitlab-workflow/glw/internal/output"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long:  "Manage GitLab authentication including login, logout, and status.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var instance string
	var scopes []string
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with GitLab",
		Long:  "Start the OAuth flow to authenticate with a GitLab instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if instance == "" {
				instance = app.Config.InstanceURL
			}
			if len(scopes) == 0 {
				scopes = app.Config.Scopes
			}

			provider, cleanup, err := app.LoginProvider(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			provider.Notify = func(msg string) { fmt.Println(msg) }

			fmt.Printf("Signing in to %s...\n", hostutil.NormalizeInstanceURL(instance))

			session, err := provider.CreateSession(cmd.Context(), auth.LoginOptions{
				InstanceURL: instance,
				Scopes:      scopes,
				NoBrowser:   noBrowser,
			})
			if err != nil {
				return err
			}

			return app.OK(map[string]any{
				"id":       session.ID,
				"username": session.Account.Label,
				"scopes":   session.Scopes,
			}, output.WithSummary(fmt.Sprintf("Logged in as %s", session.Account.Label)))
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "GitLab instance URL (default from config)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "OAuth scopes to request")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout [account-id]",
		Short: "Remove stored credentials",
		Long:  "Remove a stored account. With no argument, removes the only stored account; with several accounts, the id must be given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			id, err := pickAccountID(app, args)
			if err != nil {
				return err
			}

			if err := app.Registry.RemoveAccount(cmd.Context(), id); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "logged_out",
				"id":     id,
			}, output.WithSummary("Successfully logged out"))
		},
	}
}

// pickAccountID resolves which account a single-account command targets.
func pickAccountID(app *appctx.App, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	profiles, err := app.Registry.GetRemovableAccounts()
	if err != nil {
		return "", err
	}
	switch len(profiles) {
	case 0:
		return "", output.ErrAuth("No stored accounts")
	case 1:
		return profiles[0].ID, nil
	default:
		return "", output.ErrUsage("Multiple accounts stored; pass the account id (see: glw accounts list)")
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  "Display every usable account and where it came from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			accounts, err := app.Registry.GetAllAccounts()
			if err != nil {
				return err
			}

			if len(accounts) == 0 {
				return app.OK(map[string]any{
					"authenticated": false,
				}, output.WithSummary("Not authenticated. Run: glw auth login"))
			}

			entries := make([]map[string]any, 0, len(accounts))
			for _, acc := range accounts {
				entry := map[string]any{
					"id":           acc.ID,
					"username":     acc.Username,
					"instance_url": acc.InstanceURL,
					"type":         string(acc.Type),
				}
				if account.IsEnvironmentAccount(acc.ID) {
					entry["source"] = "environment"
				}
				if acc.Type == account.TypeOAuth && acc.ExpiresAt > 0 {
					expiresIn := time.Until(time.Unix(acc.ExpiresAt, 0))
					entry["expires_in"] = expiresIn.Round(time.Second).String()
					entry["expired"] = expiresIn <= 0
				}
				entries = append(entries, entry)
			}

			return app.OK(map[string]any{
				"authenticated": true,
				"accounts":      entries,
			}, output.WithSummary(fmt.Sprintf("%d account(s)", len(accounts))))
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	var instance string

	cmd := &cobra.Command{
		Use:   "token [account-id]",
		Short: "Print a valid access token",
		Long:  "Print an access token for an account, refreshing it first if it is about to expire. Intended for scripts and git credential helpers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			var id string
			switch {
			case len(args) == 1:
				id = args[0]
			case instance != "":
				acc, ok, err := app.Registry.GetOneAccountForInstance(instance)
				if err != nil {
					return err
				}
				if !ok {
					return output.ErrAuth(fmt.Sprintf("No account for %s", hostutil.NormalizeInstanceURL(instance)))
				}
				id = acc.ID
			default:
				var err error
				id, err = pickAccountID(app, nil)
				if err != nil {
					return err
				}
			}

			acc, err := app.Exchanger.RefreshIfNeeded(cmd.Context(), id)
			if err != nil {
				return err
			}

			return app.OK(map[string]string{
				"token": acc.Token,
			}, output.WithSummary(acc.Token))
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "Pick the account for this GitLab instance URL")

	return cmd
}
