package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/engine"
	"github.com/Augani/stormdl/internal/logger"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	dir := flag.String("dir", "", "download directory (default: XDG download dir)")
	limit := flag.Int64("limit", 0, "global bandwidth limit in bytes/sec, 0 = unlimited")
	flag.Parse()

	logger.InitLogger(*debug)

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: stormdl [flags] URL [URL...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.DownloadDir = *dir
	}
	if *limit > 0 {
		cfg.GlobalBandwidthLimit = *limit
	}

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create engine: %v\n", err)
		os.Exit(1)
	}
	if err := eng.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		os.Exit(1)
	}

	pending := make(map[uuid.UUID]struct{})
	for _, rawURL := range flag.Args() {
		id, err := eng.AddDownload(rawURL, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", rawURL, err)
			continue
		}
		pending[id] = struct{}{}
	}
	if len(pending) == 0 {
		eng.Shutdown()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	for len(pending) > 0 {
		select {
		case ev := <-eng.Events():
			switch ev.Type {
			case engine.EventProgress:
				if ev.Progress != nil && ev.Progress.Total > 0 {
					fmt.Printf("\r%s %3.0f%% %8.2f MB/s",
						ev.DownloadID.String()[:8],
						100*float64(ev.Progress.Downloaded)/float64(ev.Progress.Total),
						float64(ev.Progress.Speed)/(1024*1024))
				}
			case engine.EventComplete:
				fmt.Printf("\r%s done\n", ev.DownloadID.String()[:8])
				delete(pending, ev.DownloadID)
			case engine.EventError:
				fmt.Printf("\r%s error: %v\n", ev.DownloadID.String()[:8], ev.Err)
				delete(pending, ev.DownloadID)
			}
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupted, pausing downloads")
			exitCode = 130
			if err := eng.Shutdown(); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
			}
			os.Exit(exitCode)
		}
	}

	if err := eng.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}
