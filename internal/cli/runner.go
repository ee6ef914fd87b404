package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mkoga/stallmux/internal/appclient"
)

// Runner implements the stallmux CLI against a running daemon.
type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "status":
		return r.runStatus(ctx, args[1:])
	case "targets":
		return r.runTargets(ctx, args[1:])
	case "events":
		return r.runEvents(ctx, args[1:])
	case "respond":
		return r.runRespond(ctx, args[1:])
	case "health":
		return r.runHealth(ctx, args[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Status(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "reported_at: %s\n", resp.ReportedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(r.out, "queue: size=%d in_flight=%d\n", resp.Queue.Size, resp.Queue.InFlight)
	for _, t := range resp.Targets {
		_, _ = fmt.Fprintf(r.out, "%s\tstatus=%s\tseverity=%s\tsilence=%ds\tstalls=%d\tattempts=%d\n",
			t.TargetID, t.Status, t.Severity, t.SilenceSeconds, t.ConsecutiveStalls, t.MitigationAttempts)
	}
	return 0
}

func (r *Runner) runTargets(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("targets", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Targets(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	for _, t := range resp.Targets {
		ref := t.PaneRef
		if t.ConnectionRef != "" {
			ref = t.ConnectionRef + ":" + ref
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", t.TargetID, t.TargetName, t.Kind, ref)
	}
	return 0
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	limit := fs.Int("limit", 50, "max events to return")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Events(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	for _, ev := range resp.Events {
		line := fmt.Sprintf("%s\t%s", ev.EmittedAt, ev.EventType)
		if ev.TargetID != "" {
			line += "\t" + ev.TargetID
		}
		if ev.Code != "" {
			line += "\t" + ev.Code
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", line, ev.Message)
	}
	return 0
}

// runRespond feeds a response event into the daemon; useful for manual
// acknowledgement and for wiring shell hooks.
func (r *Runner) runRespond(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("respond", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: stallmux respond <target-id>")
		return 2
	}
	resp, err := r.client.PostResponseEvent(ctx, rest[0], time.Now().UTC())
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if !resp.Accepted {
		_, _ = fmt.Fprintf(r.errOut, "warning: target %s is not registered\n", rest[0])
		return 1
	}
	_, _ = fmt.Fprintln(r.out, "ok")
	return 0
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintln(r.out, resp.Status)
	return 0
}

func (r *Runner) printJSON(payload any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: stallmux <command> [flags]

commands:
  status    per-target liveness and queue depth
  targets   configured target registry
  events    recent alert events
  respond   record a response event for a target
  health    daemon health check`)
}
