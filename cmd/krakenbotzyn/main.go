package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"krakenbotzyn/internal/app"
	"krakenbotzyn/internal/config"
	"krakenbotzyn/internal/logger"
)

func main() {
	ctx := context.Background()
	cfgPath := os.Getenv("KRAKENBOTZYN_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("initialising log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s target=%s mode=%s symbols=%v)",
		cfg.App.Env, cfg.Exchange.Target, cfg.Execution.Mode, cfg.Engine.Symbols)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("initialising app failed: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
