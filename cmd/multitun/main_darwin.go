//go:build darwin

// Command multitun runs the split-tunnel router core standalone on
// macOS, the one platform this repository ships a concrete captured-TUN
// implementation for. Its flag/signal-driven shape is grounded on the
// donor's cmd/awg-split-tunnel main, trimmed to this module's scope: no
// service/daemon installer, no update checker, no IPC control surface —
// just load config, start the engine, wait for a signal, stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"multitun/internal/core"
	"multitun/internal/engine"
	"multitun/internal/persistence"
	platformdarwin "multitun/internal/platform/darwin"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the persisted tunnel/rule configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("multitun %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		core.Log.Fatalf("Main", "%v", err)
	}
}

func run(configPath string) error {
	bus := core.NewEventBus()

	store := persistence.NewStore(configPath, bus)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tun, err := platformdarwin.NewTUNAdapter()
	if err != nil {
		return fmt.Errorf("create captured TUN: %w", err)
	}
	defer tun.Close()

	eng := engine.New(tun, bus)
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	// A rule or config change persisted after startup must propagate into
	// a new snapshot within 1s: Watch polls the config file on disk and
	// republishes these events on every change it detects, so subscribing
	// here is what makes that propagation actually happen post-startup,
	// not just at the one-time ApplyRules/ApplyConfigs call below.
	bus.Subscribe(core.EventRuleCacheUpdated, func(e core.Event) {
		eng.ApplyRules(e.Payload.(core.RuleCachePayload).Rules)
	})
	bus.Subscribe(core.EventVpnConfigsUpdated, func(e core.Event) {
		eng.ApplyConfigs(e.Payload.(core.VpnConfigsPayload).Configs)
	})

	eng.ApplyRules(store.Rules())
	eng.ApplyConfigs(store.VpnConfigs())

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go store.Watch(watchCtx, persistence.PollInterval)

	core.Log.Infof("Main", "multitun running (config=%s)", configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	core.Log.Infof("Main", "shutting down")
	return nil
}
