// test-integration checks an IMOD installation and watches a directory for
// tilt series, recording what it sees in a scratch job database.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"imodalign/internal/config"
	"imodalign/internal/imod"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: test-integration <tilt-series-directory>")
	}
	dir := os.Args[1]
	fmt.Println("Testing IMOD + filesystem integration")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	inst, err := imod.CheckInstallation(cfg.IMOD.MinimumVersion)
	if err != nil {
		fmt.Printf("IMOD check failed: %v\n", err)
	} else {
		fmt.Printf("IMOD %s found in %s\n", inst.Version, inst.Dir)
	}
	for name, st := range tasks.NewToolManager(cfg).GetToolStatus() {
		fmt.Printf("   %-14s available=%t\n", name, st.Available)
	}

	store, err := storage.New(filepath.Join(os.TempDir(), "imodalign_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	scan, err := tasks.Scan(dir)
	if err != nil {
		log.Fatal("Failed to scan directory:", err)
	}
	fmt.Printf("\nFound %d tilt series, %d stacks without tilt angles\n", len(scan.Series), len(scan.Unpaired))
	for _, ts := range scan.Series {
		angles, err := imod.ReadTiltAngles(ts.TiltFile)
		if err != nil {
			fmt.Printf("   %s: %v\n", ts.Basename, err)
			continue
		}
		hdr, err := imod.ReadMRCHeader(ts.Stack)
		if err != nil {
			fmt.Printf("   %s: %v\n", ts.Basename, err)
			continue
		}
		shape := hdr.Shape()
		fmt.Printf("   %s: %dx%dx%d, %d tilt angles\n", ts.Basename, shape[0], shape[1], shape[2], len(angles))
	}

	fsw, err := tasks.NewFileSystemWatcher([]string{dir}, time.Duration(cfg.Watch.SettleDelay), slog.Default())
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := fsw.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer fsw.Stop()

	fmt.Println("\nStarting 30-second monitoring test...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventCount := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nTest completed. Captured %d events.\n", eventCount)
			return
		case event := <-fsw.Events:
			eventCount++
			fmt.Printf("Event: %s - %s (%d bytes)", event.Operation, event.Path, event.Size)
			if _, ok := tasks.PairTiltSeries(event.Path); ok {
				fmt.Printf(" [tilt angles found]")
			}
			fmt.Println()
			_ = store.RecordWatchEvent(storage.WatchEvent{FilePath: event.Path, EventType: event.Operation, EventTime: event.Time, FileSize: event.Size})
		case <-time.After(10 * time.Second):
			fmt.Println("No events in last 10 seconds...")
		}
	}
}
