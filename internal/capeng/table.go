package capeng

import "github.com/nestybox/m3kernel/internal/kerr"

// Table is one activity's capability table: the selector -> Cap mapping
// (§3). The forest links inside each Cap span tables (a capability's
// parent may live in a different activity's table after an Exchange), so
// Table itself is just a flat map plus the dispatcher-mandated
// unused-slot check.
type Table struct {
	slots map[Selector]*Cap
}

// NewTable creates an empty capability table.
func NewTable() *Table {
	return &Table{slots: make(map[Selector]*Cap)}
}

// Get returns the capability at sel, or nil if the slot is unused.
func (t *Table) Get(sel Selector) *Cap {
	return t.slots[sel]
}

// InUse reports whether sel is currently occupied.
func (t *Table) InUse(sel Selector) bool {
	_, ok := t.slots[sel]
	return ok
}

// Insert installs cap at sel. The dispatcher must have already verified
// the slot is unused (§4.5 uniform policy); Insert itself still checks
// to avoid silently clobbering a racing caller's state.
func (t *Table) Insert(sel Selector, cap *Cap) error {
	if t.InUse(sel) {
		return kerr.New(kerr.Exists, "capability table: selector already in use")
	}
	t.slots[sel] = cap
	return nil
}

// Remove deletes the slot at sel without touching the forest (used once
// a capability's destructor has already run, e.g. at the end of
// revocation).
func (t *Table) Remove(sel Selector) {
	delete(t.slots, sel)
}

// Range calls fn for every occupied slot.
func (t *Table) Range(fn func(sel Selector, c *Cap)) {
	for sel, c := range t.slots {
		fn(sel, c)
	}
}

// SelectorOf does a reverse lookup of the first selector mapping to c,
// used by revoke to find (and clear) every table slot referencing a
// capability. In the common case a capability occupies exactly one slot
// in exactly one table; only an Exchange can (transiently) leave the
// source slot referencing it in more than one table at once mid-flight,
// which callers are expected to have already resolved before revoking.
func (t *Table) SelectorOf(c *Cap) (Selector, bool) {
	for sel, v := range t.slots {
		if v == c {
			return sel, true
		}
	}
	return 0, false
}
