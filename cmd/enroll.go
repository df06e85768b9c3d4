package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/browser"
	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/cookies"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/enroll"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/observability"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

// Seams for tests.
var (
	newSession = browser.New
	newRunID   = uuid.NewString
	newChannel = notify.New
)

const disclaimer = `This program is intended for use by authorized users only. Unauthorized use or
redistribution of this program is strictly forbidden. This program is not
responsible for any damage caused by using this program.`

// enrollFlags maps each flag to the config key it overrides.
var enrollFlags = map[string]string{
	"term":     "portal.term",
	"driver":   "driver.kind",
	"headless": "driver.headless",
	"modulo":   "notify.modulo",
	"sleep":    "enroll.sleep",
	"timeout":  "driver.timeout",
}

func newEnrollCmd(quiet *bool) *cobra.Command {
	enrollCmd := &cobra.Command{
		Use:   "enroll",
		Short: "Log in and submit the shopping cart until every class is enrolled",
		Long: `Logs into the registration portal, clears the second factor if asked,
opens the shopping cart for the configured term and keeps submitting it
until every class reports success. The process exit status reports how
the run ended.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			// Flags win over the config file and environment.
			for flag, key := range enrollFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if !*quiet {
				printBanner(cmd.ErrOrStderr())
			}

			status, err := runEnroll(cmd.Context(), cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			if status != enroll.Done {
				return &exitError{code: status.Code()}
			}
			return nil
		},
	}

	enrollCmd.Flags().String("term", "", "term to enroll in: fall, spring or summer")
	enrollCmd.Flags().String("driver", "", "browser driver: chrome, remote, firefox or firefox-remote")
	enrollCmd.Flags().Bool("headless", false, "run the local browser without a window")
	enrollCmd.Flags().Int("modulo", 0, "loop iterations between progress updates")
	enrollCmd.Flags().Duration("sleep", 0, "pause between cart submissions")
	enrollCmd.Flags().Duration("timeout", 0, "budget of every wait on the portal")
	return enrollCmd
}

// runEnroll wires the collaborators for one run and executes it.
func runEnroll(ctx context.Context, cfg *config.Config, logger *zap.Logger) (enroll.ExitStatus, error) {
	reg := selectors.Default()
	if err := reg.Merge(cfg.Selectors); err != nil {
		return enroll.ConfigInvalid, err
	}

	ch, err := newChannel(cfg.Notify, notify.Options{Version: Version}, logger)
	if err != nil {
		return enroll.ConfigInvalid, err
	}

	var store *cookies.Store
	if cfg.Cookies.Enabled {
		if store, err = cookies.NewStore(cfg.Cookies.Dir); err != nil {
			return enroll.ConfigInvalid, err
		}
	}

	deps := enroll.Deps{
		Selectors: reg,
		Reporter:  notify.NewReporter(ch, logger),
		Cookies:   store,
		Enroll:    cfg.Enroll,
		Timeout:   cfg.Driver.Timeout,
		Logger:    logger,
	}
	opts := enroll.RunOptions{
		Credentials: enroll.Credentials{Username: cfg.Portal.Username, Password: cfg.Portal.Password},
		Term:        cfg.Portal.Term,
		Modulo:      cfg.Notify.Modulo,
		DriverKind:  cfg.Driver.Kind,
		RunID:       newRunID(),

		SuccessImage: cfg.Notify.SuccessImage,
	}
	factory := func(ctx context.Context) (driver.Driver, error) {
		return newSession(ctx, cfg.Driver, logger)
	}

	status := enroll.RunWithSession(ctx, factory, deps, opts)
	logger.Info("Run finished.", zap.Stringer("status", status), zap.Int("exit_code", status.Code()))
	return status, nil
}

func printBanner(w io.Writer) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintf(w, "classbot %s\n", Version)
	fmt.Fprintln(w, "Third time's the charm, am I right?")
	color.New(color.FgYellow).Fprintf(w, "\n%s\n\n", disclaimer)
}
