package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nathannam/console-observability/internal/health"
	"github.com/nathannam/console-observability/internal/telemetry"
)

func newProbeCmd(load configLoader) *cobra.Command {
	var (
		url     string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one health check against the configured endpoint",
		Long: `Run one health check the same way the console does and print the result.
The command fails unless the endpoint answers healthy or degraded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			target := url
			if target == "" {
				if target, err = cfg.Endpoints.Resolve(cfg.Endpoints.HealthCheck); err != nil {
					return err
				}
			}
			if target == "" {
				return errors.New("no health check endpoint configured")
			}
			if timeout <= 0 {
				timeout = cfg.Health.Timeout
			}

			probe := health.NewProbe(target,
				health.WithTimeout(timeout),
				health.WithDegradedThreshold(cfg.Health.DegradedThreshold),
				health.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			)
			snap := probe.ProbeOnce(cmd.Context())

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					return errors.Wrap(err, "encoding snapshot")
				}
			} else {
				fmt.Fprintf(out, "%s  %s  status=%d latency=%.1fms\n", target, snap.Status, snap.StatusCode, snap.LatencyMs)
				if snap.Error != "" {
					fmt.Fprintf(out, "error: %s\n", snap.Error)
				}
			}

			switch snap.Status {
			case telemetry.HealthHealthy, telemetry.HealthDegraded:
				return nil
			default:
				return errors.Errorf("%s is %s", target, snap.Status)
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "probe this URL instead of the configured endpoint")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (default from configuration)")
	return cmd
}
