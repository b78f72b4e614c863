// Package tilemux implements the per-tile multiplexer: the activity table, the
// budget-aware scheduler and context switch, the EP bitmap allocator, and the paging
// subsystem that injects faults to a pager and maintains the TLB (§4.6, §4.7).
//
// Exactly one Mux exists per tile and is driven cooperatively: scheduling decisions
// happen only at the suspension points §5 lists (syscall boundaries, timer ticks, TCU
// command completion, page-fault entry, IRQ delivery). The mutex inside Mux exists only
// to let this simulation's tests and the simulation driver call it from ordinary Go
// goroutines; it does not model concurrency the real single kernel thread per tile does
// not have.
package tilemux

import (
	"container/list"
	"time"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// Reserved activity ids (§4.6: "an idle activity, 'our' privileged activity").
const (
	IdleActivityID uint32 = 0
	OwnActivityID  uint32 = 1
	firstUserID    uint32 = 2
)

// WaitKind is the filter an activity blocks on (§4.6, §5 block/unblock).
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitEP
	WaitIRQ
	WaitTimeout
)

// WaitFilter names what an Unblock event must match to wake a blocked activity (§5:
// "unblock(event) only wakes an activity whose filter matches the event kind").
type WaitFilter struct {
	Kind     WaitKind
	EP       uint32
	IRQ      uint32
	Deadline time.Time
}

// RegState is the architecture-specific saved register file (§4.6); the core above
// this struct is architecture-agnostic, so it is carried opaquely.
type RegState struct {
	PC, SP uint64
	GPRegs [32]uint64
}

// FPUState is the optional saved floating-point register file (§4.6).
type FPUState struct {
	Regs [32]uint64
}

// PfState is the in-flight page-fault retry context an activity carries while blocked
// on its pager's reply (§4.7 PfState).
type PfState struct {
	FaultAddr uint64
	Access    tcu.Perms
	Retry     func() error
	Success   bool
}

// Continuation runs on the scheduler thread immediately before an activity's register
// state is restored (§4.6: "the scheduler runs any deferred continuation attached to
// the activity before restoring registers").
type Continuation func(m *Mux, a *Activity)

// Activity is the tile multiplexer's view of one activity (§4.6): its saved register
// state, optional FPU state and address space, page-fault state, wait filter, and time
// quota handle. It is distinct from internal/kernel.Activity, which owns the
// capability table; the two are correlated by id only, matching §3's "Activity — weak
// reference" design.
type Activity struct {
	ID   uint32
	Tile uint32
	Name string
	Idle bool
	Own  bool

	Regs RegState
	FPU  *FPUState
	AS   *AddrSpace

	PF   *PfState
	Wait WaitFilter

	// TileCap is the Tile capability this activity was created through; its Time
	// QuotaShare is the budget handle the scheduler consumes against (§4.4, §4.6).
	TileCap *capeng.Cap

	scheduledAt time.Time
	cont        Continuation
	pendingMsgs uint32

	alive bool
	// elem points into whichever of ready/blocked currently holds this activity; nil
	// means neither (current, idle, or not yet enqueued).
	elem *list.Element
}

// Alive reports whether Kill has been called on this activity.
func (a *Activity) Alive() bool { return a.alive }

// NotePendingMessage records that act's activity register observed a nonzero pending
// message count at the last context switch (§4.6 step 3), used by Block to implement
// "refuse to block and re-swap unless the activity exhausted its budget".
func (a *Activity) NotePendingMessage() { a.pendingMsgs++ }

// ClearPendingMessages resets the pending-message counter once the activity has drained
// its receive buffers.
func (a *Activity) ClearPendingMessages() { a.pendingMsgs = 0 }
