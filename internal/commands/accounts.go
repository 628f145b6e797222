package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/api"
	"gitlab.com/gitlab-workflow/glw/internal/appctx"
	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
	"gitlab.com/gitlab-workflow/glw/internal/output"
)

// NewAccountsCmd creates the accounts command group.
func NewAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
		Long:  "List, add, remove, and migrate GitLab accounts.",
	}

	cmd.AddCommand(
		newAccountsListCmd(),
		newAccountsAddCmd(),
		newAccountsRemoveCmd(),
		newAccountsMigrateCmd(),
	)

	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Long:  "List every stored account, including entries whose secret half is missing (marked broken; remove and re-add those).",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			usable, err := app.Registry.GetAllAccounts()
			if err != nil {
				return err
			}
			usableIDs := make(map[string]bool, len(usable))
			for _, acc := range usable {
				usableIDs[acc.ID] = true
			}

			profiles, err := app.Registry.GetRemovableAccounts()
			if err != nil {
				return err
			}

			entries := make([]map[string]any, 0, len(profiles)+1)
			for _, p := range profiles {
				entries = append(entries, map[string]any{
					"id":           p.ID,
					"username":     p.Username,
					"instance_url": p.InstanceURL,
					"type":         string(p.Type),
					"usable":       usableIDs[p.ID],
				})
			}
			// The environment account is usable but never removable, so it
			// only appears in the usable set.
			for _, acc := range usable {
				if account.IsEnvironmentAccount(acc.ID) {
					entries = append(entries, map[string]any{
						"id":           acc.ID,
						"username":     acc.Username,
						"instance_url": acc.InstanceURL,
						"type":         string(acc.Type),
						"usable":       true,
						"source":       "environment",
					})
				}
			}

			return app.OK(entries, output.WithSummary(fmt.Sprintf("%d account(s)", len(entries))))
		},
	}
}

func newAccountsAddCmd() *cobra.Command {
	var instance string
	var token string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account with a personal access token",
		Long:  "Store a personal access token for a GitLab instance. The token is validated against the instance and the account is keyed by the owning user.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if token == "" {
				return output.ErrUsage("--token is required")
			}
			if instance == "" {
				instance = app.Config.InstanceURL
			}
			instance = hostutil.NormalizeInstanceURL(instance)

			user, err := api.StaticTokenClient(instance, token, nil).CurrentUser(cmd.Context())
			if err != nil {
				return err
			}

			acc := account.Account{
				Type:        account.TypeToken,
				ID:          account.MakeID(instance, user.ID),
				Username:    user.Username,
				InstanceURL: instance,
				Token:       token,
			}
			if err := app.Registry.AddAccount(cmd.Context(), acc); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"id":       acc.ID,
				"username": acc.Username,
			}, output.WithSummary(fmt.Sprintf("Added account %s on %s", acc.Username, instance)))
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "GitLab instance URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "Personal access token")

	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove a stored account",
		Long:  "Remove an account, deleting both its profile and its stored token. Works on broken entries whose secret half is already gone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Registry.RemoveAccount(cmd.Context(), args[0]); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"id": args[0],
			}, output.WithSummary("Account removed"))
		},
	}
}

func newAccountsMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate legacy credentials",
		Long:  "Migrate legacy single-token-per-instance credentials into accounts. Runs automatically on startup; this command runs it on demand and reports the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			count, err := app.Migrator.Run(cmd.Context())
			if err != nil {
				return err
			}

			return app.OK(map[string]int{
				"migrated": count,
			}, output.WithSummary(fmt.Sprintf("Migrated %d credential(s)", count)))
		},
	}
}
