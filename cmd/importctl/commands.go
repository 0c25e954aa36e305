package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stockimport/internal/client"
	"github.com/JonMunkholm/stockimport/internal/core"
)

func newUploadCmd() *cobra.Command {
	var (
		opts          core.ImportOptions
		noHeader      bool
		estimatedRows int
		detach        bool
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "upload <type> <file>",
		Short: "Upload a CSV or XLSX file and follow the import",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			opts.SkipHeader = !noHeader
			c := newClient()
			res, err := c.Upload(ctx, client.UploadRequest{
				ImportType:    args[0],
				FileName:      filepath.Base(args[1]),
				Body:          f,
				Options:       opts,
				EstimatedRows: estimatedRows,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %s: %s (%s)\n", res.JobID, res.Decision.Mode, res.Decision.Reason)
			if res.Inline || detach {
				return printSnapshot(out, res.Snapshot, asJSON)
			}

			final, err := client.Watch(ctx, c, res.Decision, res.JobID, progressPrinter(out))
			if err != nil {
				return err
			}
			return printSnapshot(out, final, asJSON)
		},
	}
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "Treat the first row as data")
	cmd.Flags().BoolVar(&opts.OverwriteExisting, "overwrite", false, "Replace records whose key already exists")
	cmd.Flags().BoolVar(&opts.CreateMissingReferences, "create-missing", false, "Create referenced products and suppliers that do not exist")
	cmd.Flags().StringVar(&opts.Sheet, "sheet", "", "Worksheet to read from an XLSX file")
	cmd.Flags().IntVar(&estimatedRows, "rows", 0, "Estimated number of data rows")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return after intake without following the job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final snapshot as JSON")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current snapshot of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		mode     string
		interval time.Duration
		ceiling  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			out := cmd.OutOrStdout()
			poller := &client.Poller{Client: c, Interval: interval, Ceiling: ceiling}

			var (
				final core.ProgressSnapshot
				err   error
			)
			switch strings.ToLower(mode) {
			case "poll":
				final, err = poller.Watch(ctx, args[0], progressPrinter(out))
			case "push", "":
				sw := &client.StreamWatcher{Client: c, Poller: poller}
				final, err = sw.Watch(ctx, args[0], progressPrinter(out))
			default:
				return fmt.Errorf("unknown mode %q (want push or poll)", mode)
			}
			if err != nil {
				return err
			}
			return printSnapshot(out, final, false)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "push", "push (event stream) or poll")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Poll interval")
	cmd.Flags().DurationVar(&ceiling, "ceiling", client.DefaultPollCeiling, "Give up polling after this long")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap, false)
		},
	}
}

func newClassifyCmd() *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "classify <type> [file]",
		Short: "Ask how progress of an upload would be delivered",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size := int64(-1)
			if len(args) == 2 {
				info, err := os.Stat(args[1])
				if err != nil {
					return err
				}
				size = info.Size()
			}
			d, err := newClient().Classify(cmd.Context(), args[0], size, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (about %d rows, %s)\n",
				d.Mode, d.Reason, d.EstimatedRows, time.Duration(d.EstimatedDurationMs)*time.Millisecond)
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", -1, "Estimated number of data rows")
	return cmd
}

func newErrorsCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "errors <job-id>",
		Short: "Download the row error report of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return newClient().ErrorReport(cmd.Context(), args[0], format, w)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "json, csv, xlsx or html")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")
	return cmd
}

// progressPrinter prints one line per observed snapshot.
func progressPrinter(w io.Writer) client.SnapshotFunc {
	return func(s core.ProgressSnapshot) {
		line := fmt.Sprintf("  %-10s %3d%%  %d/%d rows, %d errors", s.Status, s.ProgressPercent, s.Processed, s.Total, s.Errors)
		if eta, ok := s.EstimatedTimeRemaining(); ok {
			line += fmt.Sprintf(", about %s left", eta.Round(time.Second))
		}
		fmt.Fprintln(w, line)
	}
}

func printSnapshot(w io.Writer, s core.ProgressSnapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "%s: %s", s.JobID, s.Status)
	if s.Outcome != "" {
		fmt.Fprintf(w, " (%s)", s.Outcome)
	}
	fmt.Fprintf(w, "\n  %d of %d rows processed, %d imported, %d failed\n", s.Processed, s.Total, s.Success, s.Errors)
	if s.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", s.Reason)
	}
	for _, e := range s.RecentErrors {
		col := e.Column
		if col == "" {
			col = "-"
		}
		fmt.Fprintf(w, "  row %d %s: %s\n", e.Row, col, e.Message)
	}
	return nil
}
