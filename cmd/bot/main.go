package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"guardbot/internal/app"
	"guardbot/internal/config"
)

func main() {
	var cfgPath, dotenv string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml/json (overrides GUARDBOT_CONFIG)")
	flag.StringVar(&dotenv, "env-file", ".env", "optional dotenv file")
	flag.Parse()

	if err := run(cfgPath, dotenv); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, dotenv string) error {
	env, err := config.LoadEnv(dotenv)
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if cfgPath == "" {
		cfgPath = env.ConfigPath
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetOverlay(env.Apply)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = cfgm.Load(loadCtx)
	cancelLoad()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	a, err := app.New(cfgm)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(daemon.SdNotifyReady)
	go watchdog(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	reason := app.StopFatalError
	select {
	case s := <-sig:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
	}

	notify(daemon.SdNotifyStopping)
	cancel()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
