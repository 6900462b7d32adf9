package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// CommandClient runs a local ledger tool once per query, passing the digest as
// the last argument and reading a JSON LedgerStatus from stdout. The context
// deadline kills a stuck process.
type CommandClient struct {
	name string
	args []string
}

// NewCommandClient parses a command line such as "ledger-cli tx status".
func NewCommandClient(commandLine string) (*CommandClient, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, contracts.Errorf(contracts.KindValidation, op, "empty ledger command")
	}
	return &CommandClient{name: fields[0], args: fields[1:]}, nil
}

func (c *CommandClient) QueryTransaction(ctx context.Context, digestHex string) (contracts.LedgerStatus, error) {
	args := append(append([]string(nil), c.args...), digestHex)
	cmd := exec.CommandContext(ctx, c.name, args...) //nolint:gosec // operator configured command
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindTransient, op, ctx.Err())
		}
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, op, "%s: %v: %s", c.name, err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return contracts.LedgerStatus{}, nil
	}
	var status contracts.LedgerStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, op, "malformed output from %s: %v", c.name, err)
	}
	return status, nil
}

var _ Client = (*CommandClient)(nil)
