package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Woutah/configurun/internal/app"
	"github.com/Woutah/configurun/internal/config"
	"github.com/Woutah/configurun/internal/logging"
)

func main() {
	cfg := config.DefaultServerConfig()

	configFile := flag.String("config", "", "Path to a YAML config file")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Control-protocol listen address")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "Status API listen address (empty disables it)")
	flag.StringVar(&cfg.Workspace, "workspace", cfg.Workspace, "Workspace directory (default ~/.configurun)")
	flag.StringVar(&cfg.Password, "password", cfg.Password, "Client password (or CONFIGURUN_PASSWORD env)")
	workerCmd := flag.String("worker", "", "Worker command line, e.g. \"python3 run.py\"")
	flag.IntVar(&cfg.ProcessorCount, "procs", cfg.ProcessorCount, "How many items may run at once")
	flag.BoolVar(&cfg.Autoprocessing, "auto", cfg.Autoprocessing, "Start queued items automatically")
	cancelGrace := flag.Duration("cancel-grace", cfg.CancelGrace.Std(), "Grace period between SIGTERM and SIGKILL")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()
	cfg.CancelGrace = config.Duration(*cancelGrace)

	if *configFile != "" {
		loaded, err := config.LoadServerConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		// Explicitly set flags win over the file.
		flagCfg := cfg
		cfg = loaded
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "addr":
				cfg.Addr = flagCfg.Addr
			case "http-addr":
				cfg.HTTPAddr = flagCfg.HTTPAddr
			case "workspace":
				cfg.Workspace = flagCfg.Workspace
			case "password":
				cfg.Password = flagCfg.Password
			case "procs":
				cfg.ProcessorCount = flagCfg.ProcessorCount
			case "auto":
				cfg.Autoprocessing = flagCfg.Autoprocessing
			case "cancel-grace":
				cfg.CancelGrace = flagCfg.CancelGrace
			case "log-level":
				cfg.LogLevel = flagCfg.LogLevel
			case "log-format":
				cfg.LogFormat = flagCfg.LogFormat
			}
		})
	}
	if *workerCmd != "" {
		cfg.WorkerCommand = strings.Fields(*workerCmd)
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("CONFIGURUN_PASSWORD")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	a, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start server: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
