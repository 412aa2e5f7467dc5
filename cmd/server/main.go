package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"live-classroom/internal/bootstrap"
)

func main() {
	var overrides bootstrap.Overrides
	pflag.StringVar(&overrides.EnvFile, "env-file", "", "path to a .env file (default: ./.env if present)")
	pflag.StringVarP(&overrides.Port, "port", "p", "", "HTTP listen port, overrides SERVER_PORT")
	pflag.StringVar(&overrides.LogLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	pflag.Parse()

	app, err := bootstrap.NewApp(overrides)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	if err := app.Start(); err != nil {
		logrus.Fatalf("Failed to start application: %v", err)
	}

	// 设置优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutdown signal received...")

	app.Shutdown()
}
