package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/kbchat-backend/internal/app"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

// Version is overridden at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

func NewRoot(log *logger.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "kbchat",
		Short:         "Knowledge-grounded chat reply service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(log))
	root.AddCommand(newAskCommand(log))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and SMS webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, app.Options{Version: Version})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Run(ctx); err != nil {
				return err
			}
			log.Info("Server stopped")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	}
}
