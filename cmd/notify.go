package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/observability"
)

func newNotifyCmd() *cobra.Command {
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Work with the configured notification channel",
	}

	var del bool
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test message through the configured channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Decode(v)
			if err != nil {
				return err
			}
			if err := cfg.Notify.Validate(); err != nil {
				return fmt.Errorf("notify configuration invalid: %w", err)
			}
			cmd.SilenceUsage = true

			logger := observability.GetLogger()
			ch, err := newChannel(cfg.Notify, notify.Options{Version: Version}, logger)
			if err != nil {
				return err
			}
			return sendTest(cmd.Context(), ch, del, cmd.OutOrStdout(), logger)
		},
	}
	testCmd.Flags().BoolVar(&del, "delete", false, "delete the test message after it is delivered")

	notifyCmd.AddCommand(testCmd)
	return notifyCmd
}

// sendTest delivers a message and optionally removes it again. Unlike the
// enrollment run, delivery failures are returned so the operator sees them.
func sendTest(ctx context.Context, ch notify.Channel, del bool, out io.Writer, logger *zap.Logger) error {
	h, err := ch.Send(ctx, notify.Message{
		Title:    "Test Notification",
		Body:     "If you can read this, classbot can reach you.",
		Severity: notify.Info,
	})
	if err != nil {
		return fmt.Errorf("send test message: %w", err)
	}
	fmt.Fprintf(out, "Delivered test message %s\n", h.ID)

	if !del {
		return nil
	}
	if err := ch.Delete(ctx, h); err != nil {
		return fmt.Errorf("delete test message: %w", err)
	}
	logger.Debug("Deleted test message.", zap.String("id", h.ID))
	fmt.Fprintf(out, "Deleted test message %s\n", h.ID)
	return nil
}
