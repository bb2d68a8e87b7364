package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"freight-guard/internal/app"
	"freight-guard/internal/config"
	"freight-guard/pkg/logger"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func newRootCmd() *cobra.Command {
	var noColor bool
	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Inspect and verify the freight-guard audit chain",
		Long: `auditctl reads the same environment as the API process (DB_DRIVER,
DB_HOST, SQLITE_PATH, AUDIT_SIGNING_SECRET, ...) and works directly against
the database.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(newVerifyCmd(), newEntriesCmd(), newRulesCmd(), newTokenCmd())
	return root
}

// openApp builds the engine without Redis or Kafka; auditctl only touches the
// database.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.NewWriter(cfg.App.Env, os.Stderr)
	return app.New(ctx, cfg, log, app.Options{SkipRedis: true, SkipKafka: true})
}

func printOK(w io.Writer, format string, args ...any) {
	_, _ = okColor.Fprint(w, "✓ ")
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}

func printFail(w io.Writer, format string, args ...any) {
	_, _ = failColor.Fprint(w, "✗ ")
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
