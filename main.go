/*
This is an example of application that will use the
engine package to build a small ray-tracing scene
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes")
	flag.Parse()

	cfg := core.DefaultConfig()
	if *configPath != "" {
		c, err := core.LoadConfig(*configPath)
		if err != nil {
			core.LogFatal("%s", err)
		}
		cfg = c
	}

	e, err := engine.New(cfg)
	if err != nil {
		core.LogFatal("%s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// start shutdown goroutine
	go func() {
		// capture sigterm and other system call here
		<-sigCh
		cancel()
	}()

	if *watch && *configPath != "" {
		cw, err := engine.WatchEngine(e, *configPath)
		if err != nil {
			core.LogError("config watcher disabled: %s", err)
		} else {
			defer cw.Close()
		}
	}

	if _, err := e.Run(ctx); err != nil {
		core.LogError("%s", err)
		_ = e.Shutdown()
		os.Exit(1)
	}

	if *watch {
		core.LogInfo("watching %s, press Ctrl+C to exit", *configPath)
		<-ctx.Done()
	}

	if err := e.Shutdown(); err != nil {
		core.LogError("%s", err)
		os.Exit(1)
	}
}
