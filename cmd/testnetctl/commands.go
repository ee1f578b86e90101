package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"testnet/internal/config"
	"testnet/internal/fleet"
	"testnet/internal/httpapi"
	"testnet/internal/metrics"
	"testnet/internal/node"
	"testnet/internal/store"
	"testnet/internal/watch"
)

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "testnetctl",
		Short:         "testnetctl runs a throwaway i2pd test network in containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setupLogging()
		},
	}
	a.bindFlags(root.PersistentFlags())
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.AddCommand(
		a.startCommand(),
		a.stopCommand(),
		a.statusCommand(),
		a.addCommand(),
		a.removeCommand(),
		a.inspectCommand(),
		a.tunnelCommand(),
		a.statsCommand(),
		a.watchCommand(),
		a.serveCommand(),
		a.snapshotCommand(),
		a.configCommand(),
		a.shellCommand(),
	)
	return root
}

func (a *app) startCommand() *cobra.Command {
	var floodfills, nodes int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "create the network, the bootstrap router and the initial fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			size := m.Config().Start
			if cmd.Flags().Changed("floodfills") {
				size.Floodfills = floodfills
			}
			if cmd.Flags().Changed("nodes") {
				size.Nodes = nodes
			}
			if err := m.StartWith(cmd.Context(), size); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), m.Status(cmd.Context()), "table")
		},
	}
	cmd.Flags().IntVarP(&floodfills, "floodfills", "f", 0, "extra floodfill routers (default from config)")
	cmd.Flags().IntVarP(&nodes, "nodes", "n", 0, "extra regular routers (default from config)")
	return cmd
}

func (a *app) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "destroy every router, the network and the bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Testnet stopped")
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print one status line per router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), m.Status(cmd.Context()), format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table/yaml/json")
	return cmd
}

func (a *app) addCommand() *cobra.Command {
	var floodfill bool
	cmd := &cobra.Command{
		Use:   "add <count>",
		Short: "launch more routers seeded from the bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil || count < 1 {
				return fmt.Errorf("count must be a positive integer, got %q", args[0])
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := m.Add(cmd.Context(), count, floodfill)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&floodfill, "floodfill", false, "launch floodfill routers")
	return cmd
}

func (a *app) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "stop and delete routers",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			results, err := m.Remove(cmd.Context(), args)
			for _, res := range results {
				switch {
				case res.Removed:
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", res.ID)
				case res.Err != nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", res.ID, res.Err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", res.ID)
				}
			}
			return err
		},
	}
}

func (a *app) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "show a router's container, endpoints, tunnels and raw router info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			n, err := m.Node(args[0])
			if err != nil {
				return err
			}
			return printInspect(cmd.Context(), cmd.OutOrStdout(), m, n)
		},
	}
}

func (a *app) tunnelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "create_tunnel <id> <name> <key=value>...",
		Aliases: []string{"tunnel"},
		Short:   "append a tunnel section to a router's tunnels.conf and reload it",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := node.ParseOptions(args[2:])
			if err != nil {
				return err
			}
			tun, err := node.NewTunnel(args[1], opts)
			if err != nil {
				return err
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			n, err := m.Node(args[0])
			if err != nil {
				return err
			}
			if err := n.AddTunnel(cmd.Context(), tun); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tunnel %s added to %s\n", tun.Name, n.ID)
			if err := a.settle(cmd.Context(), m.Config().TunnelSettle); err != nil {
				return err
			}
			dests, err := n.TunnelDestinations(cmd.Context())
			if err != nil {
				return err
			}
			if len(dests) == 0 {
				fmt.Fprintln(out, "Destination not published yet; check inspect later")
				return nil
			}
			fmt.Fprintf(out, "Destination: %s\n", dests[len(dests)-1])
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	var window time.Duration
	var samples, format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "summarize samples recorded by watch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if samples == "" {
				samples = cfg.Watch.SamplesPath
			}
			if samples == "" {
				return errors.New("no samples file: set watch.samples_path or --samples")
			}
			if window == 0 {
				window = cfg.Serve.MetricsWindow
			}
			items, err := metrics.ReadCSV(samples)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), metrics.Summarize(items, time.Now().Add(-window)), format)
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 0, "how far back to look (default from config)")
	cmd.Flags().StringVar(&samples, "samples", "", "samples CSV (default from config)")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table/yaml/json")
	return cmd
}

func (a *app) watchCommand() *cobra.Command {
	var opts watch.Options
	var quiet bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "poll router status, log readiness changes and record samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if m.State() != fleet.Running {
				return fmt.Errorf("watch: fleet is %s: %w", m.State(), fleet.ErrInvalidState)
			}
			cfg := m.Config()
			if opts.Interval == 0 {
				opts.Interval = cfg.Watch.Interval
			}
			if opts.SamplesPath == "" {
				opts.SamplesPath = cfg.Watch.SamplesPath
			}
			if opts.SnapshotPath == "" {
				opts.SnapshotPath = cfg.Watch.SnapshotPath
			}
			opts.Log = a.log
			if !quiet {
				out := cmd.OutOrStdout()
				opts.OnRound = func(statuses []node.Status) {
					fmt.Fprintln(out)
					_ = printStatus(out, statuses, "table")
				}
			}
			return ignoreCanceled(watch.New(m, opts).Run(cmd.Context()))
		},
	}
	cmd.Flags().DurationVarP(&opts.Interval, "interval", "i", 0, "poll interval (default from config)")
	cmd.Flags().StringVar(&opts.SamplesPath, "samples", "", "append samples to this CSV file")
	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshot", "", "keep a YAML snapshot of the fleet at this path")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the status table every round")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	var listen string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "expose status, control and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := m.Config()
			if interval > 0 || cfg.Watch.SamplesPath != "" {
				if interval == 0 {
					interval = cfg.Watch.Interval
				}
				w := watch.New(m, watch.Options{
					Interval:     interval,
					SamplesPath:  cfg.Watch.SamplesPath,
					SnapshotPath: cfg.Watch.SnapshotPath,
					Log:          a.log,
				})
				go func() { _ = w.Run(ctx) }()
			}
			return ignoreCanceled(httpapi.NewServer(m, a.log).ListenAndServe(ctx, listen))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&interval, "watch-interval", 0, "also record samples on this interval")
	return cmd
}

func (a *app) snapshotCommand() *cobra.Command {
	var path, format string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "print the fleet snapshot last written by watch, without asking the routers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Watch.SnapshotPath
			}
			if path == "" {
				return errors.New("no snapshot file: set watch.snapshot_path or --path")
			}
			snap, err := store.LoadSnapshot(path)
			if err != nil {
				return fmt.Errorf("load snapshot %s: %w", path, err)
			}
			return printSnapshot(cmd.OutOrStdout(), snap, format)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "snapshot file (default from config)")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table/yaml")
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	var save string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration or save it as a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if save == "" {
				return encode(cmd.OutOrStdout(), cfg, "yaml")
			}
			if err := config.Save(save, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", save)
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "save", "", "write the config to this file instead of printing it")
	return cmd
}

// settle waits for a reloaded router to write its new destinations.
func (a *app) settle(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		return a.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// warnRunning reports whether the shell leaves a testnet behind, logging a
// warning if so.
func (a *app) warnRunning() bool {
	if a.mgr == nil || a.mgr.State() != fleet.Running {
		return false
	}
	a.log.WithFields(log.Fields{
		"network": a.mgr.Network(),
		"nodes":   len(a.mgr.Nodes()),
	}).Warn("testnet containers are still running")
	return true
}
