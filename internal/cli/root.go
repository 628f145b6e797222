// Package cli assembles the root command.
package cli

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"gitlab.com/gitlab-workflow/glw/internal/appctx"
	"gitlab.com/gitlab-workflow/glw/internal/commands"
	"gitlab.com/gitlab-workflow/glw/internal/config"
	"gitlab.com/gitlab-workflow/glw/internal/output"
	"gitlab.com/gitlab-workflow/glw/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:           "glw",
		Short:         "Command-line companion for GitLab accounts and tokens",
		Long:          "glw manages GitLab credentials: browser-based OAuth login, personal access tokens, token refresh, and migration of legacy credential storage.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and version commands
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				Instance: flags.Instance,
				DataDir:  flags.DataDir,
				Format:   formatFlag(flags),
			})
			if err != nil {
				return err
			}

			app := appctx.NewApp(cfg)
			app.Flags = flags
			app.ApplyFlags()

			if err := app.Init(cmd.Context()); err != nil {
				return err
			}

			// Legacy credentials are migrated on every startup; failures
			// are non-fatal and retried next time.
			if count, err := app.Migrator.Run(cmd.Context()); err != nil {
				app.Logger.Warn("legacy credential migration failed", "error", err)
			} else if count > 0 {
				app.Logger.Info("migrated legacy credentials", "count", count)
			}

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app := appctx.FromContext(cmd.Context()); app != nil {
				return app.Close()
			}
			return nil
		},
	}

	cmd.Flags().SetInterspersed(true)
	cmd.PersistentFlags().SetInterspersed(true)

	// Output format flags
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Output data only, no envelope")

	// Context flags
	cmd.PersistentFlags().StringVar(&flags.Instance, "instance", "", "GitLab instance URL")
	cmd.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "Directory for profile storage and keychain fallback")

	// Behavior flags
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output")

	return cmd
}

func formatFlag(flags appctx.GlobalFlags) string {
	switch {
	case flags.Quiet:
		return "quiet"
	case flags.JSON:
		return "json"
	default:
		return ""
	}
}

// Execute runs the root command.
func Execute() {
	cmd := NewRootCmd()

	cmd.AddCommand(commands.NewAuthCmd())
	cmd.AddCommand(commands.NewAccountsCmd())

	// Use ExecuteC to get the executed command (for correct context access)
	executedCmd, err := cmd.ExecuteC()
	if err != nil {
		err = transformCobraError(err)
		apiErr := output.AsError(err)

		if app := appctx.FromContext(executedCmd.Context()); app != nil {
			_ = app.Err(err)
			os.Exit(apiErr.ExitCode())
		}

		// App not available, e.g. failure during setup
		format := output.FormatAuto
		pf := cmd.PersistentFlags()
		if quiet, _ := pf.GetBool("quiet"); quiet {
			format = output.FormatQuiet
		} else if jsonFlag, _ := pf.GetBool("json"); jsonFlag {
			format = output.FormatJSON
		}

		writer := output.New(output.Options{
			Format: format,
			Writer: os.Stdout,
		})
		_ = writer.Err(err)

		os.Exit(apiErr.ExitCode())
	}
}

// transformCobraError rewrites Cobra's default flag errors into the usage
// error format the rest of the CLI emits.
func transformCobraError(err error) error {
	msg := err.Error()

	if strings.HasPrefix(msg, "flag needs an argument: ") {
		flag := strings.TrimPrefix(msg, "flag needs an argument: ")
		return output.ErrUsage(flag + " requires a value")
	}

	if strings.HasPrefix(msg, "unknown flag: ") {
		flag := strings.TrimPrefix(msg, "unknown flag: ")
		return output.ErrUsage("Unknown option: " + flag)
	}

	if strings.HasPrefix(msg, "unknown shorthand flag: ") {
		re := regexp.MustCompile(`unknown shorthand flag: '.' in (-\w)`)
		if matches := re.FindStringSubmatch(msg); len(matches) > 1 {
			return output.ErrUsage("Unknown option: " + matches[1])
		}
	}

	if strings.Contains(msg, "invalid argument") {
		return output.ErrUsage(msg)
	}

	if strings.Contains(msg, "arg(s), received") {
		return output.ErrUsage("Account id required")
	}

	return err
}
