package commands

import (
	"fmt"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(dbPath, instanceID string, cfg *config.Config, offline bool) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                           ║\n")
	fmt.Printf("   ║   ██████   ██████  ███   ██ ██ ███   ██   ║\n")
	fmt.Printf("   ║   ██   ██ ██    ██ ████  ██ ██ ████  ██   ║\n")
	fmt.Printf("   ║   ██████  ██    ██ ██ ██ ██ ██ ██ ██ ██   ║\n")
	fmt.Printf("   ║   ██  ██  ██    ██ ██  ████ ██ ██  ████   ║\n")
	fmt.Printf("   ║   ██   ██  ██████  ██   ███ ██ ██   ███   ║\n")
	fmt.Printf("   ║                                           ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ RONIN Info ────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Instance:  %s\n", green, reset, instanceID)
	fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	if offline {
		fmt.Printf("%s│%s Mode:      offline (manual ingestion only)\n", green, reset)
	} else {
		fmt.Printf("%s│%s Market:    %s\n", green, reset, cfg.Marketplace.BaseURL)
	}
	if cfg.Server.Enabled {
		fmt.Printf("%s│%s Status:    http://localhost:%d\n", green, reset, cfg.GetServerPort())
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%sAgent running — discovery every %s, pass every %s%s\n",
		yellow, bold, cfg.PollInterval(), cfg.TickInterval(), reset)
	fmt.Printf("%sPress Ctrl+C to stop%s\n\n", blue, reset)
}
