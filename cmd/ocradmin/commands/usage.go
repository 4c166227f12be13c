package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
)

const defaultUsageLimit = 20

func newUsageCmd(opts *options) *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the per-request usage log",
	}

	var statsUser string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request, cache-hit, page and character totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s *store) error {
				return showStats(cmd, s, repositories.UsageFilter{UserID: statsUser})
			})
		},
	}
	statsCmd.Flags().StringVarP(&statsUser, "user", "u", "", "only count requests by this user id")
	usageCmd.AddCommand(statsCmd)

	var listUser string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent usage records followed by totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return opts.withStore(func(s *store) error {
				return listUsage(cmd, s, repositories.UsageFilter{UserID: listUser, Limit: limit})
			})
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", defaultUsageLimit, "number of records to show")
	listCmd.Flags().StringVarP(&listUser, "user", "u", "", "only show requests by this user id")
	usageCmd.AddCommand(listCmd)

	return usageCmd
}

func listUsage(cmd *cobra.Command, s *store, filter repositories.UsageFilter) error {
	out := cmd.OutOrStdout()

	logs, err := s.usage.ListUsage(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list usage: %w", err)
	}
	if len(logs) == 0 {
		fmt.Fprintln(out, "No usage records found")
		return nil
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, usageRow(l))
	}
	table(out, []string{"ID", "CONTENT KEY", "USER", "IP", "ENDPOINT", "FILENAME", "PAGES", "CHARS", "CACHED", "SUCCESS", "TIME"}, rows)

	return showStats(cmd, s, repositories.UsageFilter{UserID: filter.UserID})
}

func usageRow(l *models.UsageLog) []string {
	key := "N/A"
	if l.ContentKey != "" {
		key = truncate(l.ContentKey, 8)
	}
	user := "N/A"
	if l.UserID != nil && *l.UserID != "" {
		user = *l.UserID
	}
	cached := ""
	if l.IsCached {
		cached = check(true)
	}
	return []string{
		strconv.FormatInt(l.ID, 10),
		key,
		user,
		l.IPAddress,
		l.Endpoint,
		truncate(l.Filename, 20),
		strconv.Itoa(l.PageCount),
		strconv.FormatInt(l.OutputChars, 10),
		cached,
		check(l.Success),
		l.CreatedAt.Local().Format(time.DateTime),
	}
}

func showStats(cmd *cobra.Command, s *store, filter repositories.UsageFilter) error {
	stats, err := s.usage.UsageStats(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to compute usage stats: %w", err)
	}
	title := "Usage summary"
	if filter.UserID != "" {
		title += " for " + filter.UserID
	}
	printStats(cmd.OutOrStdout(), title, stats)
	return nil
}

func printStats(w io.Writer, title string, st *models.UsageStats) {
	heading(w, title)
	fmt.Fprintf(w, "Total requests: %d\n", st.TotalRequests)
	fmt.Fprintf(w, "Successful:     %d (%d%%)\n", st.SuccessfulRequests, percent(st.SuccessfulRequests, st.TotalRequests))
	fmt.Fprintf(w, "Cache hits:     %d (%d%%)\n", st.CachedRequests, percent(st.CachedRequests, st.TotalRequests))
	fmt.Fprintf(w, "Total pages:    %d\n", st.TotalPages)
	fmt.Fprintf(w, "Total chars:    %d\n", st.TotalChars)
}
