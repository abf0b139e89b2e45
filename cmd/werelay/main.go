package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"WeRelay/pkg/config"
	"WeRelay/pkg/logger"
	"WeRelay/pkg/platform"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	probe := flag.Bool("probe", false, "Probe every configured backend and exit")
	showStats := flag.Bool("stats", false, "Print routing statistics and exit")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("WeRelay v%s\n", version)
		return
	}

	cfg, loadedFrom, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatalf("❌ Failed to init logger: %v", err)
	}
	defer logger.Sync()

	if loadedFrom != "" {
		logger.Infof("loaded config from %s", loadedFrom)
	} else {
		logger.Info("no config file found, using defaults and environment")
	}

	mgr := platform.NewManager(cfg)
	if _, err := mgr.Router(); err != nil {
		log.Fatalf("❌ Failed to build router: %v", err)
	}

	if *probe {
		runProbe(mgr)
		return
	}
	if *showStats {
		printStats(mgr)
		return
	}

	printReport(mgr)
	fmt.Println()
	fmt.Println("WeRelay is a library; embed platform.Manager in your bot and call")
	fmt.Println("RouteUserMessage for each inbound message. Use -probe to verify backends.")
}

func runProbe(mgr *platform.Manager) {
	results, err := mgr.TestAllPlatforms()
	if err != nil {
		log.Fatalf("❌ Probe failed: %v", err)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if results[name] {
			fmt.Printf("✅ %s: reachable\n", name)
		} else {
			fmt.Printf("❌ %s: unreachable\n", name)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printStats(mgr *platform.Manager) {
	stats, percentages, err := mgr.Stats()
	if err != nil {
		log.Fatalf("❌ Failed to compute stats: %v", err)
	}

	fmt.Printf("Platforms: %d live, default %q\n", stats.TotalPlatforms, stats.DefaultPlatform)
	for _, info := range stats.Available {
		fmt.Printf("  - %s (%s) %s\n", info.Name, info.Kind, info.Detail)
	}
	fmt.Printf("Users: %d\n", stats.TotalUsers)
	for name, count := range stats.UserDistribution {
		fmt.Printf("  - %s: %d (%.1f%%)\n", name, count, percentages[name])
	}
}

func printReport(mgr *platform.Manager) {
	stats, _, err := mgr.Stats()
	if err != nil {
		log.Fatalf("❌ Failed to inspect router: %v", err)
	}

	fmt.Printf("WeRelay v%s\n", version)
	fmt.Printf("  %d backend(s) live, %d user(s) mapped\n", stats.TotalPlatforms, stats.TotalUsers)
	for _, info := range stats.Available {
		fmt.Printf("  - %s (%s) %s\n", info.Name, info.Kind, info.Detail)
	}
}
