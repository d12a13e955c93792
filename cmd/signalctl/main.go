// Command signalctl is the operator client for the signal controller: it
// tails the live feed, applies overrides and prints controller status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/intersection.control/internal/api"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/feed"
	"github.com/banshee-data/intersection.control/internal/httputil"
)

const usageText = `Usage: signalctl <command> [flags]

Commands:
  tail       Stream live detection and command events (gRPC)
  override   Force a phase on an intersection (Connect RPC)
  status     Print controller status, or one intersection's live state

Run 'signalctl <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "signalctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "tail":
		return runTail(ctx, args, out)
	case "override":
		return runOverride(ctx, args, out)
	case "status":
		return runStatus(ctx, args, out, http.DefaultClient)
	case "help", "-h", "--help":
		fmt.Fprint(out, usageText)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usageText)
	}
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:50051", "gRPC live feed address")
	types := fs.String("types", "", "Comma separated event types (detection,command)")
	id := fs.String("intersection", "", "Only events for this intersection")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", *addr, err)
	}
	defer conn.Close()

	filter := feed.Filter{IntersectionID: strings.TrimSpace(*id)}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Types = append(filter.Types, t)
		}
	}

	err = feed.NewClient(conn).Subscribe(ctx, filter, func(ev feed.Event) error {
		_, err := fmt.Fprintln(out, formatEvent(ev))
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// formatEvent renders one event as a single line for the terminal.
func formatEvent(ev feed.Event) string {
	switch ev.Type {
	case engine.EventCommand:
		var cmd engine.Command
		if json.Unmarshal(ev.Data, &cmd) == nil {
			tag := ""
			if cmd.IsOverride {
				tag = " [override]"
			}
			return fmt.Sprintf("%s command   %-10s %-12s %3ds%s %s",
				cmd.Timestamp.Local().Format("15:04:05"), cmd.IntersectionID, cmd.Phase, cmd.DurationSec, tag, cmd.Reason)
		}
	case engine.EventDetection:
		var obs engine.Observation
		if json.Unmarshal(ev.Data, &obs) == nil {
			return fmt.Sprintf("%s detection %-10s %3d vehicles (%s) %.1fms",
				obs.Time().Local().Format("15:04:05"), obs.IntersectionID, obs.TotalVehicles,
				engine.DominantClass(obs.VehicleCounts), obs.InferenceTimeMs)
		}
	}
	return fmt.Sprintf("%s %s", ev.Type, ev.Data)
}

func runOverride(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("override", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "Signal controller base URL")
	id := fs.String("intersection", "", "Intersection id (required)")
	phase := fs.String("phase", "", "RED, YELLOW, GREEN or FLASHING_RED (required)")
	duration := fs.Duration("duration", time.Minute, "How long the override holds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *phase == "" {
		fs.Usage()
		return errors.New("-intersection and -phase are required")
	}
	p, err := engine.ParsePhase(*phase)
	if err != nil {
		return err
	}

	client := api.NewSignalClient(http.DefaultClient, *server)
	resp, err := client.Override(ctx, *id, p, int(duration.Seconds()))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s %s for %ds (command %s)\n",
		resp.Status, resp.Command.IntersectionID, resp.Command.Phase, resp.Command.DurationSec, resp.Command.ID)
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer, hc httputil.HTTPClient) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "Signal controller base URL")
	id := fs.String("intersection", "", "Show one intersection's live state instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	base := strings.TrimRight(*server, "/")

	var v any
	if *id != "" {
		st, err := api.NewSignalClient(hc, base).Status(ctx, *id)
		if err != nil {
			return err
		}
		v = st
	} else {
		var status map[string]any
		if err := httputil.GetJSON(ctx, hc, base+"/api/status", &status); err != nil {
			return err
		}
		v = status
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
