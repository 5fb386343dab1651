package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nathannam/console-observability/internal/config"
	"github.com/nathannam/console-observability/internal/fallback"
	"github.com/nathannam/console-observability/internal/telemetry"
)

func newFallbackCmd(load configLoader) *cobra.Command {
	var path string

	openCache := func() (*fallback.Cache, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return openFallback(cfg, path)
	}

	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect the local fallback cache",
		Long: `The fallback cache keeps the most recent error records on disk so they
survive a collector outage. These commands read the same file the pipeline
writes to (fallback.path in the configuration).`,
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "fallback file (default from configuration)")

	var raw bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the cached error records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache()
			if err != nil {
				return err
			}
			records, err := cache.List()
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records, raw)
		},
	}
	listCmd.Flags().BoolVar(&raw, "raw", false, "print each record as a JSON line")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache()
			if err != nil {
				return err
			}
			if err := cache.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Fallback cache cleared.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func openFallback(cfg *config.Config, path string) (*fallback.Cache, error) {
	if path == "" {
		path = cfg.Fallback.Path
	}
	if path == "" {
		return nil, errors.New("no fallback file configured; set fallback.path or pass --path")
	}
	kv, err := fallback.NewFileKV(path)
	if err != nil {
		return nil, err
	}
	return fallback.NewCache(kv, cfg.Fallback.MaxEntries, slog.New(slog.NewTextHandler(io.Discard, nil))), nil
}

func printRecords(out io.Writer, records []json.RawMessage, raw bool) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "No cached records.")
		return nil
	}
	if raw {
		for _, r := range records {
			fmt.Fprintln(out, string(r))
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tCATEGORY\tMESSAGE")
	for _, r := range records {
		var ev telemetry.MetricEvent
		if err := json.Unmarshal(r, &ev); err != nil || ev.Category == "" {
			fmt.Fprintf(tw, "-\t-\t-\t%s\n", string(r))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Severity, ev.Category, ev.Message)
	}
	return tw.Flush()
}
