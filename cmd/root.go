package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nonce-validator/internal/config"
	"github.com/sells-group/nonce-validator/internal/model"
)

var (
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "nonce-validator",
	Short: "Cross-check process nonces between compute nodes and the scheduler router",
	Long: "Fetches the latest nonce of every configured process from its compute node and from the " +
		"scheduler router, reports matches, mismatches and errors, and pages PagerDuty when thresholds are met.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configFile)
		if err != nil {
			return withExitCode(model.ExitInvalidConfig, fmt.Errorf("load config: %w", err))
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return withExitCode(model.ExitInvalidConfig, fmt.Errorf("init logger: %w", err))
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "path to a config file (default ./nonce-validator.yaml)")
}

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode reports err on stderr and maps it to a process exit code.
// Errors without an explicit code come from flag parsing or configuration
// and exit with ExitInvalidConfig.
func exitCode(stderr io.Writer, err error) int {
	if err == nil {
		return model.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return model.ExitInvalidConfig
}

func main() {
	os.Exit(exitCode(os.Stderr, rootCmd.Execute()))
}
