package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"banguard/internal/app"
	"banguard/internal/config"
	"banguard/internal/logging"
	"banguard/internal/stats"
)

func main() {
	var (
		configPath  = flag.String("config", "banguard.yaml", "path to the config file (yaml or json)")
		exportDir   = flag.String("export-dir", "", "override stats.export_dir for final exports")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("banguard", app.Version)
		return
	}

	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	core, err := app.New(cfgMgr, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if err := core.Start(context.Background()); err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	logger.Info("banguard started", "version", app.Version, "config", cfgMgr.Path())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown requested, draining pipeline")
	core.Stop()

	dir := cfg.Stats.ExportDir
	if *exportDir != "" {
		dir = *exportDir
	}
	snap := core.Snapshot()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("export dir", "err", err)
		} else {
			stamp := time.Now().UTC().Format("20060102_150405")
			jsonPath := filepath.Join(dir, "banguard_stats_"+stamp+".json")
			csvPath := filepath.Join(dir, "banned_addresses_"+stamp+".csv")
			if err := stats.ExportJSON(jsonPath, snap); err != nil {
				logger.Warn("json export failed", "err", err)
			} else {
				logger.Info("stats exported", "path", jsonPath)
			}
			if err := stats.ExportCSV(csvPath, core.Events()); err != nil {
				logger.Warn("csv export failed", "err", err)
			} else {
				logger.Info("ban data exported", "path", csvPath)
			}
		}
	}
	logger.Info("final statistics",
		"total_bans", snap.TotalBans,
		"total_unbans", snap.TotalUnbans,
		"unique_addresses", snap.UniqueAddresses)
}
