package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/Mindburn-Labs/anchor/pkg/audit"
	"github.com/Mindburn-Labs/anchor/pkg/config"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// runDLQCmd implements `anchord dlq`. It talks to the store directly, so it
// works while the service is down.
func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: anchord dlq <list|requeue|resolve>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	cfg.OTelEnabled = false
	logger := newLogger(cfg.LogLevel, stderr)
	ctx := audit.WithActor(context.Background(), "cli:"+envOr("USER", "operator"))

	open := func() (*runtime, bool) {
		rt, err := wire(ctx, cfg, logger, stderr, true)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, false
		}
		return rt, true
	}

	switch args[0] {
	case "list":
		cmd := flag.NewFlagSet("dlq list", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		var f contracts.DeadLetterFilter
		var status, resolved string
		cmd.StringVar(&f.Operation, "operation", "", "Operation class, e.g. confirm.poll")
		cmd.StringVar(&f.TenantID, "tenant", "", "Tenant id")
		cmd.StringVar(&status, "status", "", "pending, processing or resolved")
		cmd.StringVar(&resolved, "resolved", "", "true or false")
		cmd.IntVar(&f.Limit, "limit", 100, "Maximum entries")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		f.Status = contracts.DeadLetterStatus(status)
		if resolved != "" {
			b, err := strconv.ParseBool(resolved)
			if err != nil {
				_, _ = fmt.Fprintln(stderr, "Error: -resolved must be true or false")
				return 2
			}
			f.Resolved = &b
		}

		rt, ok := open()
		if !ok {
			return 1
		}
		defer rt.close()
		entries, err := rt.svc.ListDeadLetters(ctx, f)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, entries)

	case "requeue":
		if len(args) != 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: anchord dlq requeue <id|digest>")
			return 2
		}
		rt, ok := open()
		if !ok {
			return 1
		}
		defer rt.close()
		e, err := rt.svc.RequeueDeadLetter(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if code := printJSON(stdout, stderr, e); code != 0 {
			return code
		}
		if e.Status != contracts.DeadLetterResolved {
			return 1
		}
		return 0

	case "resolve":
		cmd := flag.NewFlagSet("dlq resolve", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		note := cmd.String("note", "", "Resolution note")
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		if cmd.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "Usage: anchord dlq resolve [-note text] <id|digest>")
			return 2
		}
		rt, ok := open()
		if !ok {
			return 1
		}
		defer rt.close()
		e, err := rt.svc.ResolveDeadLetter(ctx, cmd.Arg(0), *note)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, e)

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown dlq command: %s\n", args[0])
		return 2
	}
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
