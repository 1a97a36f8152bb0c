package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"
)

var (
	action        = flag.String("action", "", "Action to perform: list, stats, cleanup, export")
	actionFilter  = flag.String("filter-action", "", "Only entries with this action (list, export)")
	resultFilter  = flag.String("result", "", "Only entries with this result (list, export)")
	limit         = flag.Int("limit", 50, "Number of entries (list, export)")
	since         = flag.Duration("since", 0, "Only entries newer than this, e.g. 24h (list, export)")
	statsRange    = flag.Duration("range", 7*24*time.Hour, "Time range for stats")
	retentionDays = flag.Int("retention", 90, "Audit retention in days (cleanup)")
	outFile       = flag.String("out", "", "Output file for export (default stdout)")
	force         = flag.Bool("force", false, "Force operation without confirmation")
)

func main() {
	flag.Parse()

	if *action == "" {
		printUsage()
		os.Exit(1)
	}

	config, err := utils.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewDatabase(config.AuditDBDriver, config.AuditDBDSN)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	audit := storage.NewAdminAuditLogger(db.DB(), utils.NewNopLogger())

	switch *action {
	case "list":
		listEntries(audit)
	case "stats":
		showStats(audit, db.Driver())
	case "cleanup":
		cleanupEntries(audit)
	case "export":
		exportEntries(audit)
	default:
		fmt.Printf("Unknown action: %s\n", *action)
		printUsage()
		os.Exit(1)
	}
}

func filters() storage.AuditFilters {
	f := storage.AuditFilters{
		Action: strings.ToUpper(*actionFilter),
		Result: strings.ToUpper(*resultFilter),
		Limit:  *limit,
	}
	if *since > 0 {
		f.StartTime = time.Now().Add(-*since)
	}
	return f
}

func listEntries(audit *storage.AdminAuditLogger) {
	entries, err := audit.GetAuditEntries(filters())
	if err != nil {
		fmt.Printf("Error listing audit entries: %v\n", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found")
		return
	}

	fmt.Printf("%-20s %-22s %-13s %-28s %-16s %s\n", "TIME", "ACTION", "RESULT", "RESOURCE", "IP", "DURATION")
	fmt.Printf("%s\n", strings.Repeat("-", 110))

	for _, e := range entries {
		fmt.Printf("%-20s %-22s %-13s %-28s %-16s %dms\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Action,
			e.Result,
			e.Resource,
			e.IPAddress,
			e.Duration,
		)
		if e.ErrorMsg != "" {
			fmt.Printf("    error: %s\n", e.ErrorMsg)
		}
	}
}

func showStats(audit *storage.AdminAuditLogger, driver string) {
	stats, err := audit.GetAuditStats(*statsRange)
	if err != nil {
		fmt.Printf("Error getting audit stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("📊 Admin Audit Statistics")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Database:             %s\n", driver)
	fmt.Printf("Time Range:           %v\n", stats.TimeRange)
	fmt.Printf("Total Entries:        %d\n", stats.TotalEntries)
	fmt.Printf("Successful:           %d\n", stats.SuccessfulActions)
	fmt.Printf("Failed:               %d\n", stats.FailedActions)
	fmt.Printf("Blocked:              %d\n", stats.BlockedActions)
	fmt.Printf("Rate Limited:         %d\n", stats.RateLimitedActions)

	if len(stats.ActionBreakdown) > 0 {
		fmt.Println()
		actions := make([]string, 0, len(stats.ActionBreakdown))
		for a := range stats.ActionBreakdown {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Printf("  %-22s %d\n", a, stats.ActionBreakdown[a])
		}
	}

	if stats.BlockedActions+stats.RateLimitedActions > 0 {
		fmt.Printf("\n⚠️  There were blocked or rate-limited admin requests in this range.\n")
		fmt.Printf("   Run with -action=list -result=BLOCKED to inspect them.\n")
	}
}

func cleanupEntries(audit *storage.AdminAuditLogger) {
	if !*force {
		fmt.Printf("⚠️  This will remove audit entries older than %d days.\n", *retentionDays)
		fmt.Print("Are you sure you want to continue? (y/N): ")

		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Cleanup cancelled.")
			return
		}
	}

	removed, err := audit.CleanupOldEntries(time.Duration(*retentionDays) * 24 * time.Hour)
	if err != nil {
		fmt.Printf("Error during cleanup: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Removed %d audit entries\n", removed)
}

// exportEntries writes matching entries as JSON lines.
func exportEntries(audit *storage.AdminAuditLogger) {
	entries, err := audit.GetAuditEntries(filters())
	if err != nil {
		fmt.Printf("Error reading audit entries: %v\n", err)
		os.Exit(1)
	}

	out := os.Stdout
	if *outFile != "" {
		f, err := os.OpenFile(*outFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			fmt.Printf("Error creating export file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fmt.Printf("Error writing export: %v\n", err)
			os.Exit(1)
		}
	}

	if *outFile != "" {
		fmt.Printf("✅ Exported %d entries to %s\n", len(entries), *outFile)
	}
}

func printUsage() {
	fmt.Println("Rusted Workshop - Admin Audit Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s -action=<action> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  list      Show recent admin audit entries")
	fmt.Println("  stats     Show audit statistics")
	fmt.Println("  cleanup   Remove old audit entries")
	fmt.Println("  export    Write audit entries as JSON lines")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Failed logins in the last day")
	fmt.Printf("  %s -action=list -filter-action=LOGIN -result=FAILED -since=24h\n", os.Args[0])
	fmt.Println()
	fmt.Println("  # Remove entries older than 30 days")
	fmt.Printf("  %s -action=cleanup -retention=30\n", os.Args[0])
}
