package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"intentbridge/internal/transcript"
)

var (
	historySession string
	historyRequest string
	historyKind    string
	historyLimit   int
)

// historyCmd lists transcript entries stored in SQLite.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded requests and responses from the transcript database",
	Long: `Reads the SQLite transcript configured by transcript.sqlite_path. Entries are
only recorded while debug is enabled in the settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if settings.Transcript.SQLitePath == "" {
			return fmt.Errorf("transcript.sqlite_path is not set in %s", configPath)
		}

		store, err := transcript.OpenSQLite(settings.ResolvePath(settings.Transcript.SQLitePath))
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Entries(cmd.Context(), transcript.Query{
			Session:   historySession,
			RequestID: historyRequest,
			Kind:      transcript.Kind(historyKind),
			Limit:     historyLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSESSION\tKIND\tREQUEST\tSUBJECT\tBODY")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Time.Format(time.RFC3339),
				shortSession(e.Session),
				e.Kind,
				e.RequestID,
				e.Subject.Name,
				oneLine(e.Body, 80))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySession, "session", "", "Only this session")
	historyCmd.Flags().StringVar(&historyRequest, "request", "", "Only this request id")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only this kind (snapshot, prompt, response, failed, parsed)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 100, "Maximum entries (0 for all)")
}

func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
