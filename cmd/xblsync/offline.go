package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/xblsync/internal/stats"
	"github.com/vovakirdan/xblsync/internal/storage"
)

var (
	flagOfflineXuid string
	flagDeleteID    int64
)

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Show stats documents saved while the service was unavailable",
	Long: `List stats documents whose upload failed and that were saved to the
journal instead, oldest first.

Examples:
  xblsync offline
  xblsync offline --xuid player-1
  xblsync offline --delete 3`,
	RunE: runOffline,
}

func init() {
	offlineCmd.Flags().StringVar(&flagOfflineXuid, "xuid", "", "Only show documents for this user")
	offlineCmd.Flags().Int64Var(&flagDeleteID, "delete", 0, "Delete the document with this id")
}

func runOffline(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	if flagDeleteID != 0 {
		if err := store.DeleteOfflineDocument(flagDeleteID); err != nil {
			return err
		}
		fmt.Printf("Deleted offline document %d.\n", flagDeleteID)
		return nil
	}

	docs, err := store.OfflineDocuments(flagOfflineXuid)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No offline documents.")
		return nil
	}

	fmt.Printf("  %-4s  %-16s  %-16s  %-10s  %s\n", "ID", "Saved", "User", "Revision", "Stats")
	fmt.Printf("  %-4s  %-16s  %-16s  %-10s  %s\n", "--", "-----", "----", "--------", "-----")
	for _, d := range docs {
		revision, summary := "?", "unreadable payload"
		if snap, err := stats.ParseSnapshot(d.Payload); err == nil {
			revision = fmt.Sprint(snap.Revision)
			summary = summarize(snap)
		}
		fmt.Printf("  %-4d  %-16s  %-16s  %-10s  %s\n",
			d.ID, d.CreatedAt.Format("2006-01-02 15:04"), d.Xuid, revision, summary)
	}
	return nil
}

func summarize(snap *stats.Snapshot) string {
	parts := make([]string, 0, len(snap.Stats.Title))
	for _, name := range slices.Sorted(maps.Keys(snap.Stats.Title)) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, snap.Stats.Title[name].Value))
	}
	return strings.Join(parts, " ")
}
