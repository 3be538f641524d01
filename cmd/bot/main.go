package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pewwatch/internal/app"
	"pewwatch/internal/plugin/builtin/advisories"
	"pewwatch/internal/plugin/builtin/arxiv"
	"pewwatch/internal/plugin/builtin/disclosures"
	"pewwatch/internal/plugin/builtin/feeds"
	"pewwatch/internal/plugin/builtin/system"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Register plugins (tambah plugin cukup New() + Register)
	a.Plugins().Register(
		system.New(),
		advisories.New(),
		disclosures.New(),
		feeds.New(),
		arxiv.New(),
	)

	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		// Supervisor context died without a signal: a fatal component error.
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
