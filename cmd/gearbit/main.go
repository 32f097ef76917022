package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexwren/gearbit/internal/config"
	"github.com/hexwren/gearbit/internal/engine"
	"github.com/hexwren/gearbit/internal/logging"
	"github.com/hexwren/gearbit/internal/meta"
	"github.com/hexwren/gearbit/internal/registry"
)

func main() {
	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent metainfo file")
		saveDir     = flag.String("out", "", "directory to save downloaded files into")
		port        = flag.Uint("port", 6881, "listen port advertised to trackers")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(logging.NewPrettyHandler(os.Stdout, logging.PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{Level: level},
	}))
	slog.SetDefault(log)

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gearbit -torrent <file.torrent> [-out dir] [-port n]")
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.Port = uint16(*port)

	if *saveDir == "" {
		*saveDir = cfg.DefaultDownloadDir
	}

	if err := run(*torrentPath, *saveDir, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, saveDir string, cfg *config.Config, log *slog.Logger) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	store := registry.NewMemoryStore()
	eng, err := engine.New(cfg, store, log)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := eng.AddTorrent(ctx, mi, saveDir)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	log.Info("download started", "name", mi.Info.Name, "size", mi.Size())

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			row, err := store.Get(t.InfoHash())
			if err != nil {
				continue
			}
			log.Info("progress",
				"status", row.Status,
				"progress", fmt.Sprintf("%.1f%%", row.Progress),
				"speed_bps", row.DownloadSpeed,
				"eta", row.ETA,
			)
			if row.Status == registry.StatusCompleted || row.Status == registry.StatusError {
				return nil
			}
		}
	}
}
