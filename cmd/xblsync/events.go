package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/xblsync/internal/storage"
)

var (
	flagLimit  int
	flagCounts bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show journaled multiplayer events",
	Long: `Display the most recent multiplayer events recorded in the journal,
newest first.

Examples:
  xblsync events
  xblsync events --limit 50
  xblsync events --counts`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of events to show")
	eventsCmd.Flags().BoolVar(&flagCounts, "counts", false, "Show the number of events per type instead")
}

func runEvents(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	if flagCounts {
		counts, err := store.EventCounts()
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("No events recorded yet.")
			return nil
		}
		for _, typ := range slices.Sorted(maps.Keys(counts)) {
			fmt.Printf("  %-48s %d\n", typ, counts[typ])
		}
		return nil
	}

	records, err := store.RecentEvents(flagLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No events recorded yet.")
		fmt.Println()
		fmt.Println("Run 'xblsync simulate pending-fanout' to record some.")
		return nil
	}

	fmt.Printf("  %-16s  %-6s  %-46s  %-16s  %s\n", "Time", "Type", "Event", "Detail", "Result")
	fmt.Printf("  %-16s  %-6s  %-46s  %-16s  %s\n", "----", "----", "-----", "------", "------")
	for _, r := range records {
		result := "ok"
		if r.Failed() {
			result = "error: " + r.Error
		}
		fmt.Printf("  %-16s  %-6s  %-46s  %-16s  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.SessionType, r.Type, r.Detail, result)
	}
	return nil
}
