// Package capeng is the kernel capability engine: typed capability
// objects, the parent/child/sibling derivation forest, kernel-memory and
// tile-quota accounting, and the capability table selectors name (§3,
// §4.2, §4.3, §4.4).
//
// One tagged-variant node type (Cap) is used for every capability kind,
// following capability.go's closed-enum-with-String() idiom rather than
// per-kind interfaces with dynamic dispatch (see spec §9 design notes).
package capeng

import "github.com/nestybox/m3kernel/internal/tcu"

// Selector names a capability inside one activity's capability table.
type Selector uint64

// Reserved low selectors (§3).
const (
	SelfActivity Selector = iota
	SelfTile
	SelfKernelMem
	SelfStdEPBase
)

// Kind is the closed set of capability variants (§3 data model table).
type Kind int

const (
	KindRecvGate Kind = iota
	KindSendGate
	KindMemGate
	KindMapping
	KindService
	KindSession
	KindSemaphore
	KindActivity
	KindKernelMemory
	KindTile
	KindEndpoint
)

func (k Kind) String() string {
	switch k {
	case KindRecvGate:
		return "RecvGate"
	case KindSendGate:
		return "SendGate"
	case KindMemGate:
		return "MemGate"
	case KindMapping:
		return "Mapping"
	case KindService:
		return "Service"
	case KindSession:
		return "Session"
	case KindSemaphore:
		return "Semaphore"
	case KindActivity:
		return "Activity"
	case KindKernelMemory:
		return "KernelMemory"
	case KindTile:
		return "Tile"
	case KindEndpoint:
		return "Endpoint"
	}
	return "unknown"
}

// Cap is one node of the capability forest: it wraps exactly one variant
// object (selected by Kind) and carries the intrusive parent/first-child/
// next-sibling links the forest uses for derivation and revocation.
type Cap struct {
	Kind Kind

	Parent      *Cap
	FirstChild  *Cap
	NextSibling *Cap

	// RangeLen is the optional "range length" mentioned in §3 for mapping
	// capabilities spanning more than one page.
	RangeLen uint32

	// FundedBy is the KernelMemory capability charged at creation time;
	// distinct from Parent, which is the capability this one was derived
	// from (§4.3: "charges a fixed number of bytes to a KernelMemory
	// capability provided by the creator", not necessarily the parent).
	FundedBy *Cap

	RecvGate     *RecvGateObj
	SendGate     *SendGateObj
	MemGate      *MemGateObj
	Mapping      *MappingObj
	Service      *ServiceObj
	Session      *SessionObj
	Semaphore    *SemaphoreObj
	KernelMemory *KMemObj
	Tile         *TileObj
	Endpoint     *EndpointObj
	Activity     *ActivityRef
}

// addChild links c as a child of parent.
func addChild(parent, c *Cap) {
	c.Parent = parent
	c.NextSibling = parent.FirstChild
	parent.FirstChild = c
}

// unlink removes c from its parent's child list. A no-op if c has no
// parent (it is a root).
func unlink(c *Cap) {
	if c.Parent == nil {
		return
	}
	p := c.Parent
	if p.FirstChild == c {
		p.FirstChild = c.NextSibling
		c.Parent = nil
		c.NextSibling = nil
		return
	}
	for cur := p.FirstChild; cur != nil; cur = cur.NextSibling {
		if cur.NextSibling == c {
			cur.NextSibling = c.NextSibling
			c.Parent = nil
			c.NextSibling = nil
			return
		}
	}
}

// children returns c's direct children as a slice (for iteration; the
// forest itself stays intrusive-linked-list based).
func children(c *Cap) []*Cap {
	var out []*Cap
	for cur := c.FirstChild; cur != nil; cur = cur.NextSibling {
		out = append(out, cur)
	}
	return out
}

// RecvGateObj backs a RecvGate capability.
type RecvGateObj struct {
	BufOrder uint8
	MsgOrder uint8
	Serial   bool

	Activated bool
	Tile      uint32
	EP        uint32
	BufAddr   uint64

	WaitEvent *WaitToken
}

// SendGateObj backs a SendGate capability.
type SendGateObj struct {
	RGate   *RecvGateObj
	Label   uint64
	Credits uint32 // tcu.CreditsUnlimited is the "unlimited" sentinel

	// BoundEP is the weak back-pointer to the EP this SendGate is
	// currently activated on, mirroring EndpointObj.BoundSendGate (§9
	// design notes: "Both references are refreshed through the
	// capability table when either side mutates"). Revoking the SendGate
	// invalidates this EP through the Hooks interface.
	BoundEP *EndpointObj
}

// MemAlloc is the physical allocation a family of derived MemGates share.
type MemAlloc struct {
	Tile   uint32
	Offset uint64
	Size   uint64
}

// MemGateObj backs a MemGate capability.
type MemGateObj struct {
	Alloc   *MemAlloc
	Perms   tcu.Perms
	Derived bool // only a non-derived MemGate frees its Alloc on drop
}

// MappingObj backs a Mapping capability.
type MappingObj struct {
	VirtPage uint64
	Pages    uint32
	PhysAddr uint64
	Perms    tcu.Perms
	Mapped   bool
}

// ServiceObj is the kernel-internal service record a Service capability
// points at (§4.5 CreateSrv, §4.8 registration).
type ServiceObj struct {
	Name      string
	RGate     *RecvGateObj
	CreatorID uint64
	Owner     bool
	SendEP    *EndpointObj
}

// SessionObj backs a Session capability.
type SessionObj struct {
	Root      *ServiceObj
	CreatorID uint64
	Ident     uint64
	AutoClose bool
}

// SemaphoreObj backs a Semaphore capability. Counter/Waiters mutate under
// the owning activity's single kernel thread (§5); Waiters == -1 marks
// the semaphore revoked.
type SemaphoreObj struct {
	Counter int64
	Waiters int64
}

const semRevoked = -1

// KMemObj backs a KernelMemory capability; Left must never exceed Quota
// and equals Quota exactly when the capability is dropped (§3 invariant).
type KMemObj struct {
	Quota uint64
	Left  uint64
}

// QuotaShare is a quota value zero or more Tile capabilities may share;
// "sharing" means multiple TileObj point at the very same QuotaShare, so
// Refill divides Total by the number of current sharers (§4.4).
type QuotaShare struct {
	Total uint64
	Left  uint64
	Users int
}

// TileObj backs a Tile capability.
type TileObj struct {
	TileID        uint32
	ActivityCount int
	EPs           *QuotaShare
	Time          *QuotaShare // nanoseconds per scheduling slice
	PTs           *QuotaShare
	Derived       bool
}

// EndpointObj backs an Endpoint capability: uniquely owned by one
// activity, never shared across a derivation.
type EndpointObj struct {
	Tile       *TileObj
	EPIndex    uint32
	ReplySlots uint32
	Standard   bool

	// BoundSendGate/BoundRecvGate are weak back-pointers to the Gate currently configured
	// on this EP, used only to deconfigure on rebind/revoke (§9 design
	// notes: "the EP's reference to the Gate is weak").
	BoundSendGate *SendGateObj
	BoundRecvGate *RecvGateObj
}

// ActivityRef is a weak reference to an activity, identified by id only;
// the strong owner lives in the tile multiplexer's activity table, never
// here (§3: "Activity — weak reference").
type ActivityRef struct {
	Tile uint32
	ID   uint32
}

// WaitToken is the opaque event identity a blocking syscall suspends on
// (§5); its pointer identity is the event, matching the "coroutine-style
// suspension" design note.
type WaitToken struct {
	name string
}

// NewWaitToken creates a fresh wait-event token.
func NewWaitToken(name string) *WaitToken {
	return &WaitToken{name: name}
}

func (w *WaitToken) String() string { return w.name }
