// Package tcu is a typed wrapper around one tile's Trusted Communication
// Unit: the endpoint register file, the unprivileged/privileged command
// registers, and the message-buffer memory an activated RecvGate owns.
//
// It isolates every volatile register access behind Go methods and keeps
// writes that cross the simulated TCU boundary ordered by holding each
// TCU's mutex for the duration of every access.
package tcu

import "github.com/nestybox/m3kernel/internal/kerr"

// EPType is the type tag of one endpoint register triple (§6.1).
type EPType uint8

const (
	EPInvalid EPType = iota
	EPSend
	EPReceive
	EPMemory
)

func (t EPType) String() string {
	switch t {
	case EPInvalid:
		return "invalid"
	case EPSend:
		return "send"
	case EPReceive:
		return "receive"
	case EPMemory:
		return "memory"
	}
	return "unknown"
}

// CreditsUnlimited is the sentinel credit value meaning "never runs out".
const CreditsUnlimited = ^uint32(0)

// TotalEPs is a hard upper bound on EPs per tile, matching TOTAL_EPS in §4.1.
const TotalEPs = 128

// SendEP is the Send-variant configuration of an endpoint register triple.
type SendEP struct {
	TargetTile uint32
	TargetEP   uint32
	Label      uint64
	CreditsMax uint32
	Credits    uint32 // credits-left; CreditsUnlimited never decrements
	MaxMsgSize uint32
}

// ReceiveEP is the Receive-variant configuration.
type ReceiveEP struct {
	BufAddr      uint64
	BufOrder     uint8 // power-of-two buffer size order
	MsgOrder     uint8 // power-of-two message size order
	ReplyEPBase  uint32
	HasReplyEPs  bool
	Unread       []bool // one bit per slot: message present and unread
	OccupiedSlot []bool // one bit per slot: reply-credit taken
}

func (r *ReceiveEP) slotCount() int {
	return 1 << (r.BufOrder - r.MsgOrder)
}

// MemoryEP is the Memory-variant configuration.
type MemoryEP struct {
	TargetTile uint32
	Base       uint64
	Size       uint64
	Perms      Perms
}

// Perms is a subset of {R, W, X}.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
)

func (p Perms) Subset(of Perms) bool { return p&^of == 0 }

// Endpoint is one TCU endpoint register triple: exactly one of the
// variant fields is meaningful, selected by Type.
type Endpoint struct {
	Type EPType
	Act  uint16 // activity id this EP currently belongs to

	Send SendEP
	Recv ReceiveEP
	Mem  MemoryEP
}

// Invalidate resets the endpoint to Invalid. If force is false and a
// Receive EP still has unread/occupied slots, the caller (tile
// multiplexer) is expected to have already drained or accepted discarding
// them; the TCU itself never refuses an invalidate (it is a privileged
// command), it only reports whether anything was discarded.
func (e *Endpoint) Invalidate(force bool) (discarded bool) {
	if e.Type == EPReceive {
		for _, u := range e.Recv.Unread {
			if u {
				discarded = true
				break
			}
		}
	}
	*e = Endpoint{}
	return discarded
}

// ConfigureSend installs a Send configuration (used by the kernel's
// Activate syscall, §4.5).
func (e *Endpoint) ConfigureSend(act uint16, s SendEP) {
	*e = Endpoint{Type: EPSend, Act: act, Send: s}
}

// ConfigureReceive installs a Receive configuration.
func (e *Endpoint) ConfigureReceive(act uint16, r ReceiveEP) error {
	if r.MsgOrder > r.BufOrder {
		return kerr.New(kerr.InvArgs, "msg_order exceeds buf_order")
	}
	n := 1 << (r.BufOrder - r.MsgOrder)
	if len(r.Unread) != n {
		r.Unread = make([]bool, n)
	}
	if len(r.OccupiedSlot) != n {
		r.OccupiedSlot = make([]bool, n)
	}
	*e = Endpoint{Type: EPReceive, Act: act, Recv: r}
	return nil
}

// ConfigureMemory installs a Memory configuration.
func (e *Endpoint) ConfigureMemory(act uint16, m MemoryEP) {
	*e = Endpoint{Type: EPMemory, Act: act, Mem: m}
}
