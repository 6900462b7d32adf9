package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/merkle"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "dlq":
		return runDLQCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: anchord <command> [flags]

Commands:
  serve                      Run the anchoring service (default)
  dlq list [flags]           List dead-letter entries
  dlq requeue <id|digest>    Re-attempt a dead-lettered operation
  dlq resolve <id|digest>    Close an entry without re-attempting it
  verify -proof <file>       Check an inclusion proof offline
  health [-addr url]         Probe a running service
  help                       Show this message

Configuration is read from the environment; see PORT, DATABASE_URL,
LEDGER_RPC_URL and friends.
`)
}

// runVerifyCmd checks an inclusion proof as served by GET /v1/records/{digest}/proof.
//
// Exit codes:
//
//	0 = proof valid
//	1 = proof invalid
//	2 = usage or read error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		proofFile string
		root      string
	)
	cmd.StringVar(&proofFile, "proof", "", "Path to proof JSON (REQUIRED, - for stdin)")
	cmd.StringVar(&root, "root", "", "Expected anchored digest; defaults to the proof's own root")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proofFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -proof is required")
		return 2
	}

	var data []byte
	var err error
	if proofFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(proofFile)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read proof: %v\n", err)
		return 2
	}
	var p anchor.InclusionProof
	if err := json.Unmarshal(data, &p); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: decode proof: %v\n", err)
		return 2
	}

	if !merkle.VerifyInclusionProof(p.InclusionProof, root) {
		_, _ = fmt.Fprintf(stdout, "INVALID: leaf %s does not reach root %s\n", p.LeafHash, firstNonEmpty(root, p.MerkleRoot))
		return 1
	}
	label := p.EventID
	if label == "" {
		label = p.LeafHash
	}
	_, _ = fmt.Fprintf(stdout, "OK: %s is committed by %s\n", label, p.MerkleRoot)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:"+envOr("PORT", "8080"), "Service base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var h anchor.Health
	_ = json.NewDecoder(resp.Body).Decode(&h)
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d (store: %s)\n", resp.StatusCode, h.Store)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK open_windows=%d subscribers=%d\n", h.OpenWindows, h.Subscribers)
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
