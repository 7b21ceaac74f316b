// Package main implements a small demo CLI for the imagekit pipeline: a
// command-line front end to Coordinator.Request for scripting and manual
// smoke testing, the way cmd/bee exposes its subsystems as subcommands.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	imagekit "github.com/kestrelimg/imagekit"
	"github.com/kestrelimg/imagekit/codec"
	"github.com/kestrelimg/imagekit/coordinator"
	"github.com/kestrelimg/imagekit/identifier"
	"github.com/kestrelimg/imagekit/pathlayout"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("imagekit", version)
	case "help", "--help", "-h":
		printUsage()
	case "fetch":
		if err := fetchCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "stats":
		if err := statsCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`imagekit - image retrieval pipeline demo CLI

Usage:
  imagekit fetch <url> [--root <dir>] [--force]
  imagekit stats [--root <dir>]
  imagekit version
  imagekit help`)
}

func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// newDemoCoordinator builds a Coordinator from imagekit.DefaultConfiguration,
// filling in the pluggable storage strategies it deliberately leaves nil.
// An empty root falls through to DefaultConfiguration's platform-cache-dir
// default instead of this command hand-rolling its own.
func newDemoCoordinator(root string) (*coordinator.Coordinator, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	cfg := imagekit.DefaultConfiguration()
	cfg.Storage.RootPath = root
	cfg.Storage.Identifier = identifier.NewStrong()
	cfg.Storage.PathLayout = pathlayout.NewDomainHierarchical("bin")
	cfg.Storage.Codec = codec.NewAdaptive(200*1024, 0.8)
	return coordinator.New(cfg, logger)
}

func fetchCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: imagekit fetch <url> [--root <dir>] [--force]")
	}
	url := args[0]
	root, _ := flagValue(args, "--root")

	co, err := newDemoCoordinator(root)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	request := co.Request
	if hasFlag(args, "--force") {
		request = co.ForceReload
	}
	request(url, coordinator.TierHigh, coordinator.PriorityHigh, true,
		func(fraction float64) { fmt.Printf("\rprogress: %.0f%%", fraction*100) },
		func(bitmap imagekit.Bitmap, fromCache, fromStorage bool, err error) {
			fmt.Println()
			if err != nil {
				done <- err
				return
			}
			bounds := bitmap.Bounds()
			fmt.Printf("fetched %s (%dx%d) from_cache=%v from_storage=%v\n",
				url, bounds.Dx(), bounds.Dy(), fromCache, fromStorage)
			done <- nil
		}, coordinator.NewCallerToken())

	return <-done
}

func statsCommand(args []string) error {
	root, _ := flagValue(args, "--root")
	co, err := newDemoCoordinator(root)
	if err != nil {
		return err
	}
	stats, err := co.StatsSnapshot()
	if err != nil {
		return err
	}
	fmt.Printf("cache: high=%d low=%d\n", stats.CacheHighCount, stats.CacheLowCount)
	fmt.Printf("disk:  %d files, %d bytes (%s)\n", stats.DiskFileCount, stats.DiskSizeBytes, stats.DiskRootPath)
	fmt.Printf("net:   %d active, %d queued\n", stats.ActiveDownloadCount, stats.QueuedDownloadCount)
	return nil
}
