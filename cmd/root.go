// Package cmd wires the dispatch CLI: the serve daemon and the admin
// operations channel.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uztelco/dispatch/internal/config"
	"github.com/uztelco/dispatch/internal/log"
)

// Exit codes for the admin operations channel.
const (
	ExitOK               = 0
	ExitInvalidArgs      = 2
	ExitPermissionDenied = 3
	ExitNotFound         = 4
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "dispatch",
	Short:   "Service-request workflow engine",
	Long:    `Routes telecom service requests (connection installs, technical repairs, remote support) across organizational roles with a full audit trail.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if os.Getenv("DISPATCH_DEBUG") != "" {
			debugFlag = true
		}
		if debugFlag || cfg.Log.Enabled {
			cleanup, err := log.Init(cfg.Log.Path)
			if err != nil {
				return fmt.Errorf("initializing logging: %w", err)
			}
			cobra.OnFinalize(cleanup)
			if debugFlag {
				log.SetMinLevel(log.LevelDebug)
			}
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.dispatch/dispatch.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitErrorf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return ExitOK
}

// SetVersion sets the version string, called from main with ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
