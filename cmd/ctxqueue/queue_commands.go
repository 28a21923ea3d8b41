package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/translation-orchestrator/internal/persistence"
	"github.com/MimeLyc/translation-orchestrator/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the translation queue database",
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueStatsCommand(ctx))
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.LoadItems(cmd.Context())
			if err != nil {
				return err
			}
			items = filterItems(items, statuses)

			out := cmd.OutOrStdout()
			if asJSON {
				return writeItemsJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			fmt.Fprintln(out, renderItems(out, items))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show items with these statuses")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON")
	return cmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize queue items and saved translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderStats(out, stats))
			return nil
		},
	}
}

// openStore opens the queue database without taking the service lock; a
// running server may hold it.
func openStore(ctx *commandContext) (*persistence.SQLiteStore, error) {
	cfg, err := ctx.loadConfig(false)
	if err != nil {
		return nil, err
	}
	return persistence.NewSQLiteStore(cfg.DBPath())
}

func filterItems(items []*queue.Item, statuses []string) []*queue.Item {
	if len(statuses) == 0 {
		return items
	}
	keep := make(map[queue.Status]bool, len(statuses))
	for _, s := range statuses {
		keep[queue.Status(strings.ToLower(strings.TrimSpace(s)))] = true
	}
	ret := make([]*queue.Item, 0, len(items))
	for _, it := range items {
		if keep[it.Status] {
			ret = append(ret, it)
		}
	}
	return ret
}

func renderItems(w io.Writer, items []*queue.Item) string {
	headers := []string{"ID", "Video", "Title", "Status", "Batches", "Config", "Added", "Error"}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			shortID(it.ID),
			it.VideoKey,
			truncate(it.Title, 40),
			string(it.Status),
			fmt.Sprintf("%d/%d", it.CompletedBatches, it.TotalBatches),
			it.ConfigID(),
			it.AddedAt.Local().Format("2006-01-02 15:04"),
			truncate(it.Error, 40),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight}
	return renderTable(w, headers, rows, aligns)
}

func renderStats(w io.Writer, stats persistence.Stats) string {
	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	rows := [][]string{{"items", fmt.Sprint(stats.Items)}}
	for _, s := range statuses {
		rows = append(rows, []string{"items " + s, fmt.Sprint(stats.ByStatus[queue.Status(s)])})
	}
	rows = append(rows,
		[]string{"translations", fmt.Sprint(stats.Translations)},
		[]string{"partial translations", fmt.Sprint(stats.PartialTranslations)},
	)
	return renderTable(w, []string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func writeItemsJSON(w io.Writer, items []*queue.Item) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
