package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"testnet/internal/fleet"
	"testnet/internal/metrics"
	"testnet/internal/node"
	"testnet/internal/store"
)

const notRunning = "Testnet is not running"

func printStatus(w io.Writer, statuses []node.Status, format string) error {
	switch format {
	case "", "table":
		if len(statuses) == 0 {
			_, err := fmt.Fprintln(w, notRunning)
			return err
		}
		lines := make([]string, 0, len(statuses)+1)
		lines = append(lines, node.Header)
		for _, st := range statuses {
			lines = append(lines, st.Line())
		}
		_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
		return err
	case "yaml", "json":
		if statuses == nil {
			statuses = []node.Status{}
		}
		return encode(w, statuses, format)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printSummary(w io.Writer, s metrics.Summary, format string) error {
	switch format {
	case "", "table":
		if s.Count == 0 {
			_, err := fmt.Fprintln(w, "No samples in window")
			return err
		}
		_, err := fmt.Fprintf(w,
			"Samples: %d  Nodes: %d  From: %s  To: %s\n"+
				"Ready: %.1f%%\n"+
				"Success rate: avg %.1f%%  min %.1f%%\n"+
				"Peers: known %.1f  active %.1f\n"+
				"Participating tunnels: p95 %.0f  max %.0f\n",
			s.Count, s.Nodes, s.From.Format("15:04:05"), s.To.Format("15:04:05"),
			s.ReadyPct,
			s.AvgSuccessRate, s.MinSuccessRate,
			s.AvgKnownPeers, s.AvgActivePeers,
			s.P95Participating, s.MaxParticipating)
		return err
	case "yaml", "json":
		return encode(w, s, format)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printInspect(ctx context.Context, w io.Writer, m *fleet.Manager, n *node.Node) error {
	st := n.Status(ctx)

	var b strings.Builder
	fmt.Fprintln(&b, n.String())
	fmt.Fprintf(&b, "Container:   %s\n", n.ContainerID)
	fmt.Fprintf(&b, "Floodfill:   %t\n", n.Floodfill)
	fmt.Fprintf(&b, "Status:      %s\n", st.Label())
	if st.Reason != "" {
		fmt.Fprintf(&b, "Reason:      %s\n", st.Reason)
	}
	fmt.Fprintf(&b, "Control:     %s\n", n.Endpoints.Control)
	fmt.Fprintf(&b, "SAM:         %s\n", n.Endpoints.SAM)
	fmt.Fprintf(&b, "Webconsole:  %s\n", n.Endpoints.Webconsole)
	fmt.Fprintf(&b, "HTTP proxy:  %s\n", n.Endpoints.HTTPProxy)
	fmt.Fprintf(&b, "SOCKS proxy: %s\n", n.Endpoints.SocksProxy)
	if len(n.Ports) > 0 {
		ports := make([]string, 0, len(n.Ports))
		for _, p := range n.Ports {
			ports = append(ports, string(p))
		}
		fmt.Fprintf(&b, "Ports:       %s\n", strings.Join(ports, " "))
	}
	if info, ok := m.Bundle(); ok {
		fmt.Fprintf(&b, "Bundle:      %s (%s, blake3 %s)\n", info.Path, info.Entry, info.Digest)
	}
	for _, t := range n.Tunnels() {
		fmt.Fprintf(&b, "Tunnel:      %s\n", t.Name)
	}
	if dests, err := n.TunnelDestinations(ctx); err == nil {
		for _, d := range dests {
			fmt.Fprintf(&b, "Destination: %s\n", d)
		}
	}
	if st.Info != nil {
		raw, err := json.MarshalIndent(st.Info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "RouterInfo:\n%s\n", raw)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printSnapshot(w io.Writer, snap *store.Snapshot, format string) error {
	switch format {
	case "", "table":
		if len(snap.Nodes) == 0 {
			_, err := fmt.Fprintln(w, notRunning)
			return err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Network: %s  Run: %s  Updated: %s\n",
			snap.Network, snap.RunID, snap.UpdatedAt.Format(time.RFC3339))
		for _, n := range snap.Nodes {
			role := "router"
			if n.Floodfill {
				role = "floodfill"
			}
			fmt.Fprintf(&b, "%s  %-15s  %-9s  %s\n", n.ID, n.Address, role, n.Status)
		}
		_, err := io.WriteString(w, b.String())
		return err
	case "yaml":
		return encode(w, snap, format)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func encode(w io.Writer, v any, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
