//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"naxsi-waf/internal/config"
	"naxsi-waf/internal/directive"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var derr *directive.Error
		if errors.As(err, &derr) {
			fmt.Fprintf(os.Stderr, "naxsictl: [emerg] %s\n", derr.Error())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "naxsictl",
		Short:         "Check naxsi-waf configurations and evaluate requests offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LogSink = zapSink(newLogger(cmd.ErrOrStderr(), verbose))
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log configuration loading at debug level")

	root.AddCommand(newCheckCmd())
	root.AddCommand(newEvalCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "naxsictl version=%s\n", version)
		},
	})
	return root
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), level)
	return zap.New(core)
}

// zapSink forwards configuration log lines to logger.
func zapSink(logger *zap.Logger) func(api.LogType, string) {
	return func(level api.LogType, msg string) {
		switch level {
		case api.Trace, api.Debug:
			logger.Debug(msg)
		case api.Info:
			logger.Info(msg)
		case api.Warn:
			logger.Warn(msg)
		default:
			logger.Error(msg)
		}
	}
}
