// Package main is the entry point of the cobrahttp server process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cobrahttp/cobrahttp/internal"
	"github.com/cobrahttp/cobrahttp/internal/config"
	"github.com/cobrahttp/cobrahttp/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes per spec.md §6.
const (
	exitClean            = 0
	exitConfigError      = 1
	exitStartupError     = 2
	exitUnexpectedFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	buffer := internal.NewLogBufferCore(zapcore.InfoLevel)
	undo, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	defer undo()
	if err != nil {
		buffer.Write(zapcore.Entry{Level: zapcore.WarnLevel, Message: "failed to set GOMAXPROCS"}, nil) //nolint:errcheck
	}

	var (
		checkOnly     bool
		listenBacklog int
		readTimeout   int
		writeTimeout  int
	)

	root := &cobra.Command{
		Use:           "cobrahttp <config-file>",
		Short:         "cobrahttp serves static files, CGI, FastCGI, and reverse-proxied content over HTTP/1.1",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger()
			if err != nil {
				return exitErrorf(exitStartupError, "build logger: %v", err)
			}
			defer log.Sync() //nolint:errcheck
			buffer.FlushTo(log)

			cfg, err := config.Load(args[0])
			if err != nil {
				return exitErrorf(exitConfigError, "%v", err)
			}
			logConfigSummary(log, cfg)

			if checkOnly {
				return nil
			}

			srv := server.New(cfg, log, server.Options{
				ListenBacklog: listenBacklog,
				ReadTimeout:   time.Duration(readTimeout) * time.Second,
				WriteTimeout:  time.Duration(writeTimeout) * time.Second,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return exitErrorf(exitStartupError, "%v", err)
			}
			return nil
		},
	}
	root.Flags().BoolVar(&checkOnly, "check", false, "parse the configuration and exit without binding any socket")
	root.Flags().IntVar(&listenBacklog, "listen-backlog", 0, "listen(2) backlog depth (0 uses the built-in default)")
	root.Flags().IntVar(&readTimeout, "read-timeout", 0, "seconds to wait for a request before closing the connection (0 uses the built-in default)")
	root.Flags().IntVar(&writeTimeout, "write-timeout", 0, "write timeout in seconds; parsed and defaulted, but no write deadline is applied to connections (0 uses the built-in default)")

	if err := root.Execute(); err != nil {
		var ee *exitError
		if ok := asExitError(err, &ee); ok {
			fmt.Fprintln(os.Stderr, ee.msg)
			return ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	return exitClean
}

// buildLogger constructs the process logger from COBRA_LOG_LEVEL
// (spec.md §6's environment contract), defaulting to info.
func buildLogger() (*zap.Logger, error) {
	level, err := parseLevel(os.Getenv("COBRA_LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// parseLevel maps spec.md §6's five-level vocabulary onto zapcore's,
// folding "trace" into zap's debug — zap has no level below debug.
func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unrecognized COBRA_LOG_LEVEL %q", s)
	}
}

// logConfigSummary prints one startup line naming every distinct
// listen address, capped to a reasonable display length, and the
// number of top-level routing blocks.
func logConfigSummary(log *zap.Logger, cfg *config.Config) {
	seen := make(map[string]struct{})
	for _, l := range cfg.Listeners {
		seen[l.Address] = struct{}{}
	}
	addrs := internal.MaxSizeSubjectsListForLog(seen, 16)
	log.Info("configuration loaded", zap.Strings("listeners", addrs), zap.Int("blocks", len(cfg.Forest)))
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitErrorf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func asExitError(err error, target **exitError) bool {
	ee, ok := err.(*exitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
