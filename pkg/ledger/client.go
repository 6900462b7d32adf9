// Package ledger queries the external ledger for the confirmation state of a
// digest. The transport (JSON-RPC over HTTP, or a local command) is hidden
// behind Client.
package ledger

import (
	"context"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

const op = "ledger.query"

// Client reports what the ledger knows about a digest. A digest the ledger has
// not seen yet yields a zero status, not an error.
type Client interface {
	QueryTransaction(ctx context.Context, digestHex string) (contracts.LedgerStatus, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, digestHex string) (contracts.LedgerStatus, error)

func (f ClientFunc) QueryTransaction(ctx context.Context, digestHex string) (contracts.LedgerStatus, error) {
	return f(ctx, digestHex)
}
