package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/llmlb/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Exit codes: 0 clean, 1 runtime failure, 2 singleton lock held.
const (
	exitOK        = 0
	exitFailure   = 1
	exitLockTaken = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(args)
	case "migrate":
		return runMigrate(args)
	case "version":
		fmt.Println("llmlb " + Version)
		return exitOK
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		return exitFailure
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `llmlb - load balancer for OpenAI-compatible inference endpoints

Commands:
  serve     start the load balancer (default)
  migrate   apply schema migrations (up|down|status)
  version   print the version

Options:
  -config FILE   YAML configuration file (env vars LLMLB_* override)
`)
}

// loadConfig parses the shared -config flag and builds the configuration.
func loadConfig(name string, args []string) (config.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
