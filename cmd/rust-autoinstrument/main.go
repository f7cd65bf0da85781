package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"

	"github.com/grafana/rust-autoinstrument/pkg/autoinst"
)

func main() {
	lvl := slog.LevelVar{}
	lvl.Set(slog.LevelInfo)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: &lvl,
	})))

	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	config := loadConfig(configPath)

	if err := lvl.UnmarshalText([]byte(config.LogLevel)); err != nil {
		slog.Error("unknown log level specified, choices are [DEBUG, INFO, WARN, ERROR]", "error", err)
		os.Exit(-1)
	}

	if err := config.Validate(); err != nil {
		slog.Error("wrong configuration", "error", err)
		os.Exit(-1)
	}

	if !config.SkipOSChecks {
		checkOS()
	}

	if config.ProfilePort != 0 {
		go func() {
			slog.Info("starting PProf HTTP listener", "port", config.ProfilePort)
			err := http.ListenAndServe(fmt.Sprintf(":%d", config.ProfilePort), nil)
			slog.Error("PProf HTTP listener stopped working", "error", err)
		}()
	}

	// Adding shutdown hook for graceful stop.
	// We must register the hook before looking for the target process, otherwise we won't
	// exit if the process is never found.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instr := autoinst.New(config)
	if err := instr.FindAndInstrument(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Info("exiting before the target process was instrumented")
			return
		}
		slog.Error("couldn't instrument target process", "error", err)
		os.Exit(-1)
	}
	if err := instr.ReadAndForward(ctx); err != nil {
		slog.Error("couldn't start read and forwarding", "error", err)
		os.Exit(-1)
	}
}

func checkOS() {
	if err := autoinst.CheckOSSupport(); err != nil {
		slog.Error("can't start the auto-instrumenter", "error", err)
		os.Exit(-1)
	}
	if err := autoinst.CheckOSCapabilities(); err != nil {
		slog.Error("can't start the auto-instrumenter", "error", err)
		os.Exit(-1)
	}
	if mode := autoinst.KernelLockdownMode(); mode == autoinst.KernelLockdownConfidentiality {
		slog.Warn("kernel is in confidentiality lockdown mode. The memory of the instrumented process might not be readable",
			"lockdown", mode)
	}
}

func loadConfig(configPath *string) *autoinst.Config {
	var configReader io.ReadCloser
	if configPath != nil && *configPath != "" {
		var err error
		if configReader, err = os.Open(*configPath); err != nil {
			slog.Error("can't open "+*configPath, "error", err)
			os.Exit(-1)
		}
		defer configReader.Close()
	}
	config, err := autoinst.LoadConfig(configReader)
	if err != nil {
		slog.Error("wrong configuration", "error", err)
		os.Exit(-1)
	}
	return config
}
