package batch

import (
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// State of a batch window.
type State string

const (
	StateCollecting State = "collecting"
	StateFlushing   State = "flushing"
	StateClosed     State = "closed"
)

// Window accumulates events for one stream. Events are kept in arrival order.
type Window struct {
	ID       string
	Key      string
	Tier     string
	OpenedAt time.Time

	state  State
	events []*contracts.Event
	seen   map[string]struct{}
	timer  *time.Timer

	prev chan struct{}
	done chan struct{}
}

func (w *Window) append(ev *contracts.Event) error {
	// Keyed on the identifiers as they are digested.
	k := canonicalize.Identifier(ev.TenantID) + "\x00" + canonicalize.Identifier(ev.ID)
	if _, dup := w.seen[k]; dup {
		return contracts.Errorf(contracts.KindValidation, "batch.add", "event %s already pending in window %s", ev.ID, w.ID)
	}
	w.seen[k] = struct{}{}
	w.events = append(w.events, ev)
	return nil
}
