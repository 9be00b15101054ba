package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/daemon"
)

func main() {
	configPath := flag.String("config", "tub-pi.yml", "path to the settings file")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	logger, err := logCfg.Build()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	settings, err := controller.LoadSettings(*configPath)
	if err != nil {
		logger.Fatal("settings", zap.Error(err))
	}
	if !settings.DevMode && settings.Connectivity.Key == "" {
		logger.Warn("AIO_KEY not set, uploads will fail until it is")
	}

	feed := func() {
		_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
	}
	d, err := daemon.New(settings, feed, logger)
	if err != nil {
		logger.Fatal("assemble daemon", zap.Error(err))
	}
	if err := d.Setup(); err != nil {
		logger.Fatal("setup", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	if err := d.Run(ctx); err != nil {
		logger.Fatal("run", zap.Error(err))
	}
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	logger.Info("stopped")
}
