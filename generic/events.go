package generic

import "time"

// =============================================================================
// CHANGE EVENT - Value emitted by every committed mutation
// =============================================================================

type EntityKind string

const (
	EntityDailyEvent   EntityKind = "daily_event"
	EntityRiceLedger   EntityKind = "rice_ledger"
	EntityAmountLedger EntityKind = "amount_ledger"

	// EntityChain is emitted by explicit recomputes (sync, chain rebuild).
	// Key is the first changed period, Affected the rest.
	EntityChain EntityKind = "chain"
)

type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
)

// ChangeEvent describes one committed write. It is published only after the
// write and its local recompute have committed.
type ChangeEvent struct {
	Entity   EntityKind   `json:"entity"`
	Action   ChangeAction `json:"action"`
	EntityID string       `json:"entity_id"`
	Key      PeriodKey    `json:"key"`

	// Changed lists the persisted fields whose value differs from before the write.
	Changed []string `json:"changed,omitempty"`

	// Affected lists later periods whose balances were recomputed and changed
	// by the forward cascade.
	Affected []PeriodKey `json:"affected,omitempty"`

	At time.Time `json:"at"`
}

// HasChanged reports whether any of the given fields changed.
func (e ChangeEvent) HasChanged(fields ...string) bool {
	for _, c := range e.Changed {
		for _, f := range fields {
			if c == f {
				return true
			}
		}
	}
	return false
}
