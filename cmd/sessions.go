package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/monitoring"
	"github.com/sells-group/labeler/internal/stats"
	"github.com/sells-group/labeler/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect labeling sessions",
	Long:  "Commands for listing sessions, viewing their progress and class balance, and reading their error ledger.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List labeling sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		filter := store.SessionFilter{}
		if cmd.Flags().Changed("available") {
			v, _ := cmd.Flags().GetBool("available")
			filter.ImagesAvailable = store.Bool(v)
		}
		if cmd.Flags().Changed("completed") {
			v, _ := cmd.Flags().GetBool("completed")
			filter.Completed = store.Bool(v)
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's counters, histogram and training readiness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Stats.Summary(ctx, id)
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}

		output, _ := cmd.Flags().GetString("output")
		return writeSummary(os.Stdout, summary, output)
	},
}

// -- sessions stats --

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show the labeled class histogram of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Stats.Summary(ctx, id)
		if err != nil {
			return eris.Wrap(err, "sessions stats")
		}

		formatHistogram(os.Stdout, summary)
		return nil
	},
}

// -- sessions errors --

var sessionsErrorsCmd = &cobra.Command{
	Use:   "errors <session-id>",
	Short: "List prediction failures recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Ledger.List(ctx, id)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No errors recorded.")
			return nil
		}

		verbose, _ := cmd.Flags().GetBool("traceback")
		formatErrors(os.Stdout, records, verbose)
		return nil
	},
}

// -- sessions health --

var sessionsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report labeling progress and raise alerts against thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(env.Store).Collect(ctx, lookback)
		if err != nil {
			return err
		}
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)

		formatHealth(os.Stdout, snap, alerts)

		if send, _ := cmd.Flags().GetBool("send"); send && len(alerts) > 0 {
			sent := alerter.SendAlerts(ctx, alerts)
			fmt.Fprintf(os.Stderr, "Sent %d/%d alerts.\n", sent, len(alerts))
		}
		return nil
	},
}

func init() {
	sessionsHealthCmd.Flags().Int("lookback", 0, "error window in hours (default from config)")
	sessionsHealthCmd.Flags().Bool("send", false, "post alerts to the configured webhook")

	sessionsListCmd.Flags().Bool("available", false, "only sessions whose images match the corpus (or, if false, those that do not)")
	sessionsListCmd.Flags().Bool("completed", false, "filter by completion")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsShowCmd.Flags().StringP("output", "o", "yaml", "output format (yaml, json)")

	sessionsErrorsCmd.Flags().Bool("traceback", false, "print full tracebacks")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	sessionsCmd.AddCommand(sessionsErrorsCmd)
	sessionsCmd.AddCommand(sessionsHealthCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to out.
func formatSessionsList(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAVAILABLE\tCOMPLETED\tLABELED\tPROCESSED\tTOTAL\tUPDATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%d\t%t\t%t\t%d\t%d\t%d\t%s\n",
			s.ID,
			s.ImagesAvailable,
			s.Completed,
			s.ImageLabeled,
			s.ImageProcessed,
			s.ImageTotal,
			s.LastUpdated.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// writeSummary encodes a session summary as yaml or json.
func writeSummary(out io.Writer, summary *stats.Summary, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(summary)
	default:
		return eris.Errorf("unknown output format %q", format)
	}
}

// formatHistogram writes one row per class with its share of labeled images.
func formatHistogram(out io.Writer, summary *stats.Summary) {
	h := summary.Histogram
	labeled := h.Labeled()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LABEL\tCOUNT\tSHARE")
	for _, c := range h.Classes {
		share := 0.0
		if labeled > 0 {
			share = float64(c.Count) / float64(labeled) * 100
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", c.Label, c.Count, share)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nLabeled:   %d\n", labeled)
	_, _ = fmt.Fprintf(out, "Unlabeled: %d\n", h.Unlabeled)
	_, _ = fmt.Fprintf(out, "Progress:  %.1f%%\n", summary.Progress*100)
	ready := "no"
	if summary.TrainingReady {
		ready = "yes"
	}
	_, _ = fmt.Fprintf(out, "Trainable: %s (needs %d labeled)\n", ready, summary.MinLabeled)
}

// formatErrors writes the error ledger, optionally with full tracebacks.
func formatErrors(out io.Writer, records []model.ErrorRecord, traceback bool) {
	if traceback {
		for _, r := range records {
			_, _ = fmt.Fprintf(out, "== %s  %s  %s\n%s\n\n",
				r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.ImagePath, r.Traceback)
		}
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIME\tIMAGE\tERROR")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.Timestamp.Format("2006-01-02 15:04"),
			r.ImagePath,
			firstLine(r.Traceback),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:97] + "..."
	}
	return s
}
