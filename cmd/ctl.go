// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"grimm.is/interceptor/internal/ctlplane"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/health"
)

// withClient runs fn against the control socket selected by --socket.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ctlplane.Client) error) error {
	c := ctlplane.NewClient(socketPath)
	defer c.Close()
	return fn(cmd.Context(), c)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the control protocol version of the running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				v, err := c.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ctlplane.VersionString(v))
				return nil
			})
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the running engine to tear down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				if err := c.Shutdown(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
				return nil
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print engine and control channel status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the engine's health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				report, err := c.Health(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, ch := range report.Checks {
					fmt.Fprintf(out, "%-10s %-9s %s\n", ch.Name, ch.Status, ch.Message)
				}
				if report.Status == health.StatusUnhealthy {
					return errors.New(errors.KindUnavailable, "engine unhealthy")
				}
				return nil
			})
		},
	}
}

func newEventsCommand() *cobra.Command {
	var (
		follow bool
		limit  int
		asJSON bool
	)
	c := &cobra.Command{
		Use:   "events",
		Short: "Read pending connection events and diagnostic lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			emit := func(res ctlplane.ReadResult) error {
				if asJSON {
					return json.NewEncoder(out).Encode(res)
				}
				printEvents(out, res)
				return nil
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				if follow {
					return c.Stream(ctx, emit)
				}
				res, err := c.Events(ctx, limit)
				if err != nil {
					return err
				}
				return emit(res)
			})
		},
	}
	c.Flags().BoolVarP(&follow, "follow", "f", false, "stream events until interrupted")
	c.Flags().IntVar(&limit, "max", 0, "read at most this many events (0 for all)")
	c.Flags().BoolVar(&asJSON, "json", false, "print raw JSON batches")
	return c
}

func printEvents(w io.Writer, res ctlplane.ReadResult) {
	for _, ev := range res.Events {
		fmt.Fprintln(w, formatEvent(ev))
	}
	for _, l := range res.Logs {
		fmt.Fprintf(w, "[%s] %s %s\n", l.Severity, l.Source, l.Message)
	}
}

func formatEvent(ev ctlplane.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s #%d %s %s -> %s", ev.Type, ev.ID, ev.Protocol, ev.Local, ev.Remote)
	if ev.Direction != "" {
		fmt.Fprintf(&b, " %s", ev.Direction)
	}
	if ev.ProcessID != nil {
		fmt.Fprintf(&b, " pid=%d", *ev.ProcessID)
	}
	return b.String()
}

func newVerdictCommand() *cobra.Command {
	var redirect string
	c := &cobra.Command{
		Use:   "verdict <protocol> <local> <remote> <verdict>",
		Short: "Apply a verdict to a pending connection",
		Example: "  interceptor verdict tcp 10.0.0.5:51000 93.184.216.34:443 accept\n" +
			"  interceptor verdict tcp 10.0.0.5:51000 93.184.216.34:443 redirect --redirect 127.0.0.1:9050",
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := ctlplane.VerdictUpdate{
				Protocol: args[0],
				Local:    args[1],
				Remote:   args[2],
				Verdict:  args[3],
				Redirect: redirect,
			}
			// Catch malformed input before it reaches the engine.
			if _, _, err := u.Parse(); err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *ctlplane.Client) error {
				results, err := c.SendVerdicts(ctx, []ctlplane.VerdictUpdate{u})
				if err != nil {
					return err
				}
				if len(results) != 1 {
					return errors.Errorf(errors.KindInternal, "expected 1 result, got %d", len(results))
				}
				if r := results[0]; r.Status != ctlplane.ResultOK {
					return errors.Errorf(errors.KindUnavailable, "verdict %s: %s", r.Status, r.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
	c.Flags().StringVar(&redirect, "redirect", "", "redirect target address:port")
	return c
}
