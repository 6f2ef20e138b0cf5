package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyrelay/internal/app"
	logx "notifyrelay/pkg/logx"
	"notifyrelay/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./relay.yaml", "path to config (.yaml, .yml or .json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger().With(logx.String("comp", "main"))

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	systemd.Ready(log)
	go systemd.Watchdog(ctx, log, a.Err)
	go systemd.StatusLoop(ctx, log, 30*time.Second, func() string {
		return fmt.Sprintf("%d connections on %s", a.Connections(), a.Addr())
	})

	var reason app.StopReason
	select {
	case <-ctx.Done():
		reason = app.StopSignal
	case <-a.Done():
		reason = app.StopFatalError
	}

	systemd.Stopping(log)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	fatal := a.Err()
	if fatal != nil {
		log.Error("relay stopped on error", logx.Err(fatal))
	}
	// Stop closes the log sinks; nothing logs after it.
	_ = a.Stop(stopCtx, reason)
	if fatal != nil {
		os.Exit(1)
	}
}
