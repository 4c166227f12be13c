package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(w, "✓ %s\n", fmt.Sprintf(format, args...))
}

func warning(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, "⚠ %s\n", fmt.Sprintf(format, args...))
}

func heading(w io.Writer, title string) {
	color.New(color.Bold).Fprintf(w, "\n=== %s ===\n", title)
}

// table writes rows aligned under headers, with a dashed rule between them.
func table(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(rule, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	_ = tw.Flush()
}

func check(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

// truncate shortens s to n runes followed by "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func percent(part, total int64) int64 {
	if total == 0 {
		return 0
	}
	return part * 100 / total
}
