package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"statdeck/internal/config"
	"statdeck/internal/keyboard"
	"statdeck/internal/logs"
	"statdeck/internal/power"
	"statdeck/internal/processlock"
	"statdeck/internal/serial"
	"statdeck/internal/server"
	"statdeck/internal/shutdown"
	"statdeck/internal/storage"
	"statdeck/internal/supervisor"
	"statdeck/internal/sysmon"
)

// runDaemon wires the collaborators into the supervisor and blocks until
// ctx is cancelled
func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger, err := logs.Setup(cfg.Logging, cfg.LogDirPath())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Info("statdeck starting",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("server", cfg.Server.Enabled),
		zap.String("listen", cfg.Server.Listen))

	coord := shutdown.NewCoordinator(logger)
	coord.RegisterFunc("logger", shutdown.PhaseCleanup, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	lock := processlock.New(cfg.DataDir, logger)
	if err := lock.Acquire(); err != nil {
		return err
	}
	coord.Register(&shutdown.Handler{
		Name:     "process-lock",
		Phase:    shutdown.PhaseCleanup,
		Priority: 10,
		Fn:       func(context.Context) error { return lock.Release() },
	})

	store, err := storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		_ = coord.Shutdown(context.Background())
		return fmt.Errorf("failed to open state store: %w", err)
	}
	coord.RegisterFunc("store", shutdown.PhaseStorage, func(context.Context) error {
		return store.Close()
	})

	sup := supervisor.New(cfg, logger)

	device := serial.NewDevice(sup.SerialHandlers(), logger)
	launcher := keyboard.SelfLauncher(cfg.Keyboard.DevicePath)
	if len(cfg.Keyboard.ListenerCommand) > 0 {
		launcher = keyboard.CommandLauncher(cfg.Keyboard.ListenerCommand)
	}
	keys := keyboard.NewMonitor(launcher, cfg.Keyboard.IdleTimeout, sup.KeyboardHandlers(), logger)
	system := sysmon.NewMonitor(sysmon.NewHostSampler(), sup.NotifySystemStats, logger)

	if err := sup.Init(ctx, supervisor.Deps{
		Serial:   device,
		Keyboard: keys,
		System:   system,
		Store:    store,
	}); err != nil {
		_ = coord.Shutdown(context.Background())
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	coord.RegisterFunc("supervisor", shutdown.PhaseSupervisors, sup.Shutdown)
	// The supervisor closes the link itself; this covers a loop that
	// missed its deadline
	coord.RegisterFunc("serial", shutdown.PhaseDevices, func(context.Context) error {
		return device.Disconnect()
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, sup, sup.Router(), keys, logger)
		g.Go(func() error { return srv.Run(gctx) })
		coord.RegisterFunc("server", shutdown.PhaseUI, func(context.Context) error {
			return srv.Stop()
		})
	}

	g.Go(func() error {
		err := power.NewLogindSource(logger).Run(gctx, sup.HandlePower)
		if err != nil {
			// Sleep detection is optional; the API can still drive transitions
			logger.Warn("Power notifications unavailable", zap.Error(err))
		}
		return nil
	})

	if path := configPath(); path != "" {
		watcher, err := config.NewWatcher(path, cfg, logger)
		if err != nil {
			logger.Warn("Config reload disabled", zap.Error(err))
		} else if err := watcher.Start(func(next *config.Config) error {
			applyCtx, cancel := context.WithTimeout(gctx, config.CommandTimeout)
			defer cancel()
			return sup.ApplyConfig(applyCtx, next)
		}); err != nil {
			logger.Warn("Config reload disabled", zap.Error(err))
			_ = watcher.Stop()
		} else {
			coord.RegisterFunc("config-watcher", shutdown.PhaseUI, func(context.Context) error {
				return watcher.Stop()
			})
		}
	}

	<-gctx.Done()
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		logger.Error("Component failed, shutting down", zap.Error(runErr))
	} else {
		logger.Info("Received shutdown signal")
	}

	if err := coord.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// configPath is the file watched for live reloads
func configPath() string {
	if explicit := viper.GetString(FlagConfig); explicit != "" {
		return explicit
	}
	return config.GlobalConfigPath()
}
