package capeng

import "github.com/nestybox/m3kernel/internal/kerr"

// Per-variant kernel-memory cost, in bytes (§4.3, supplemented from
// _examples/original_source/src/kernel/src/cap/kobjs.rs's per-kobj SIZE
// constants rather than computed via a host-language sizeof, since these
// are a policy choice about simulated kernel-object cost, not a real
// memory layout).
const (
	CostRecvGate     = 64
	CostSendGate     = 48
	CostMemGate      = 48
	CostMapping      = 32
	CostService      = 64
	CostSession      = 40
	CostSemaphore    = 24
	CostKernelMemory = 32
	CostTile         = 40
	CostEndpoint     = 16

	kmemAllocOverhead = 16 // flat per-object allocator overhead constant
)

// CostOf returns the kernel-memory charge for creating a capability of
// the given kind.
func CostOf(k Kind) uint64 {
	var base uint64
	switch k {
	case KindRecvGate:
		base = CostRecvGate
	case KindSendGate:
		base = CostSendGate
	case KindMemGate:
		base = CostMemGate
	case KindMapping:
		base = CostMapping
	case KindService:
		base = CostService
	case KindSession:
		base = CostSession
	case KindSemaphore:
		base = CostSemaphore
	case KindKernelMemory:
		base = CostKernelMemory
	case KindTile:
		base = CostTile
	case KindEndpoint:
		base = CostEndpoint
	default:
		base = 0
	}
	if base == 0 {
		return 0
	}
	return base + kmemAllocOverhead
}

// NewRootKMem creates a root KernelMemory capability with the given byte
// quota; roots have no parent (the kernel created them directly, §3).
func NewRootKMem(quota uint64) *Cap {
	return &Cap{Kind: KindKernelMemory, KernelMemory: &KMemObj{Quota: quota, Left: quota}}
}

// DeriveKMem creates a child KernelMemory capability carved out of
// parent's remaining balance (§4.3 derive_kmem).
func DeriveKMem(parent *Cap, quota uint64) (*Cap, error) {
	if parent.Kind != KindKernelMemory {
		return nil, kerr.New(kerr.InvArgs, "derive_kmem: parent is not KernelMemory")
	}
	pk := parent.KernelMemory
	if quota > pk.Left {
		return nil, kerr.New(kerr.NoSpace, "derive_kmem: quota exceeds parent's remaining balance")
	}
	pk.Left -= quota
	child := &Cap{Kind: KindKernelMemory, KernelMemory: &KMemObj{Quota: quota, Left: quota}}
	addChild(parent, child)
	return child, nil
}

// Charge deducts cost bytes from kmem's balance, used before a capability
// is inserted into a table (§4.5 dispatcher policy: "kernel-memory charge
// is committed before the capability is inserted").
func Charge(kmem *Cap, cost uint64) error {
	if kmem.Kind != KindKernelMemory {
		return kerr.New(kerr.InvArgs, "charge: not a KernelMemory capability")
	}
	k := kmem.KernelMemory
	if cost > k.Left {
		return kerr.New(kerr.NoSpace, "charge: kernel memory quota exhausted")
	}
	k.Left -= cost
	return nil
}

// Credit returns cost bytes to kmem's balance (refund on error, or
// destructor credit on revoke).
func Credit(kmem *Cap, cost uint64) error {
	if kmem.Kind != KindKernelMemory {
		return kerr.New(kerr.InvArgs, "credit: not a KernelMemory capability")
	}
	k := kmem.KernelMemory
	k.Left += cost
	if k.Left > k.Quota {
		// Would only happen from a bookkeeping bug: credit more than was
		// ever charged. Clamp rather than silently corrupt the invariant.
		k.Left = k.Quota
	}
	return nil
}

// destroyKMem returns Left to the parent and asserts the §3 invariant
// that a dropped KernelMemory has Left == Quota (i.e. every object it
// funded has already been destroyed).
func destroyKMem(c *Cap) error {
	k := c.KernelMemory
	if k.Left != k.Quota {
		return kerr.Newf(kerr.InvState, "kmem revoke: left(%d) != quota(%d), leaked charges", k.Left, k.Quota)
	}
	if c.Parent != nil && c.Parent.Kind == KindKernelMemory {
		c.Parent.KernelMemory.Left += k.Quota
	}
	return nil
}
