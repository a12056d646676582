package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"canscope/config"
	"canscope/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code once every deferred cleanup has run.
func run(args []string) int {
	fs := flag.NewFlagSet("canscope", flag.ContinueOnError)
	var (
		cfgPath  = fs.String("config", "", "Path to canscope.yaml (defaults apply when empty)")
		listen   = fs.String("listen", "", "Monitor listen address, overrides the config file")
		logLevel = fs.String("log", "", "trace|debug|info|warn|error|critical, overrides the config file")
		logFile  = fs.String("log-file", "", "Also write JSON logs to this file")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		return 1
	}
	defer func() {
		_ = log.Sync()
		_ = closeLog()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}
