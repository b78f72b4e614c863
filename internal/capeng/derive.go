package capeng

import (
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// DeriveSendGate creates a SendGate capability bound to rgate (§6.2
// CreateSGate). credits may be tcu.CreditsUnlimited.
func DeriveSendGate(rgateCap *Cap, label uint64, credits uint32) (*Cap, error) {
	if rgateCap.Kind != KindRecvGate {
		return nil, kerr.New(kerr.InvArgs, "create_sgate: source is not a RecvGate")
	}
	child := &Cap{
		Kind: KindSendGate,
		SendGate: &SendGateObj{
			RGate:   rgateCap.RecvGate,
			Label:   label,
			Credits: credits,
		},
	}
	addChild(rgateCap, child)
	return child, nil
}

// NewRecvGate creates a root RecvGate capability (§6.2 CreateRGate,
// constraints validated by the syscall layer before calling this).
func NewRecvGate(bufOrder, msgOrder uint8) *Cap {
	return &Cap{
		Kind:     KindRecvGate,
		RecvGate: &RecvGateObj{BufOrder: bufOrder, MsgOrder: msgOrder},
	}
}

// NewRootMemGate creates a root MemGate over a freshly allocated
// physical range (§6.2 CreateMGate resolving a virtual-memory tile's
// Mapping, or a physical tile's direct range — both produce a MemAlloc
// the caller has already validated).
func NewRootMemGate(tile uint32, offset, size uint64, perms tcu.Perms) *Cap {
	return &Cap{
		Kind: KindMemGate,
		MemGate: &MemGateObj{
			Alloc: &MemAlloc{Tile: tile, Offset: offset, Size: size},
			Perms: perms,
		},
	}
}

// DeriveMemGate creates a narrower-permission MemGate sharing the
// parent's allocation (§4.2 derive: "same or narrower permission set").
func DeriveMemGate(parent *Cap, perms tcu.Perms) (*Cap, error) {
	if parent.Kind != KindMemGate {
		return nil, kerr.New(kerr.InvArgs, "derive_mem: parent is not MemGate")
	}
	if !perms.Subset(parent.MemGate.Perms) {
		return nil, kerr.New(kerr.NoPerm, "derive_mem: permission set widens parent's")
	}
	child := &Cap{
		Kind: KindMemGate,
		MemGate: &MemGateObj{
			Alloc:   parent.MemGate.Alloc,
			Perms:   perms,
			Derived: true,
		},
	}
	addChild(parent, child)
	return child, nil
}

// NewService creates a root Service capability bound to rgate (§6.2
// CreateSrv).
func NewService(name string, rgateCap *Cap, creatorID uint64, owner bool) (*Cap, error) {
	if rgateCap.Kind != KindRecvGate {
		return nil, kerr.New(kerr.InvArgs, "create_srv: rgate is not a RecvGate")
	}
	child := &Cap{
		Kind: KindService,
		Service: &ServiceObj{
			Name:      name,
			RGate:     rgateCap.RecvGate,
			CreatorID: creatorID,
			Owner:     owner,
		},
	}
	addChild(rgateCap, child)
	return child, nil
}

// DeriveService creates a non-owning Service capability referencing the
// same kernel Service record (§6.2 DeriveSrv).
func DeriveService(parent *Cap) (*Cap, error) {
	if parent.Kind != KindService {
		return nil, kerr.New(kerr.InvArgs, "derive_srv: parent is not Service")
	}
	child := &Cap{
		Kind:    KindService,
		Service: &ServiceObj{Name: parent.Service.Name, RGate: parent.Service.RGate, CreatorID: parent.Service.CreatorID, Owner: false},
	}
	addChild(parent, child)
	return child, nil
}

// NewSession creates a Session capability derived from srv (§6.2
// CreateSess / GetSess). The session's creator id must equal the
// service's creator id (§3 invariant); foreign creators are rejected by
// the syscall layer before reaching here, but the check is repeated to
// keep this constructor safe to call directly from tests.
func NewSession(srv *Cap, creatorID uint64, ident uint64, autoClose bool) (*Cap, error) {
	if srv.Kind != KindService {
		return nil, kerr.New(kerr.InvArgs, "create_sess: source is not a Service")
	}
	if creatorID != srv.Service.CreatorID {
		return nil, kerr.New(kerr.NoPerm, "create_sess: creator id does not match service")
	}
	child := &Cap{
		Kind: KindSession,
		Session: &SessionObj{
			Root:      srv.Service,
			CreatorID: creatorID,
			Ident:     ident,
			AutoClose: autoClose,
		},
	}
	addChild(srv, child)
	return child, nil
}

// NewSemaphore creates a root Semaphore capability initialized to value.
func NewSemaphore(value int64) *Cap {
	return &Cap{Kind: KindSemaphore, Semaphore: &SemaphoreObj{Counter: value}}
}

// NewMapping creates a Mapping capability over [virtPage, virtPage+pages)
// backed by physAddr (§4.5 create_map). Reuses an existing Mapping cap
// with the same range length when one is passed in as existing, per
// §4.5's "reusing an existing Mapping if one with the same range length
// already exists".
func NewMapping(memgate *Cap, virtPage uint64, pages uint32, perms tcu.Perms, existing *Cap) (*Cap, error) {
	if memgate.Kind != KindMemGate {
		return nil, kerr.New(kerr.InvArgs, "create_map: source is not a MemGate")
	}
	if !perms.Subset(memgate.MemGate.Perms) {
		return nil, kerr.New(kerr.NoPerm, "create_map: permission set widens MemGate's")
	}
	if existing != nil && existing.Kind == KindMapping && existing.RangeLen == pages {
		return existing, nil
	}
	child := &Cap{
		Kind:     KindMapping,
		RangeLen: pages,
		Mapping: &MappingObj{
			VirtPage: virtPage,
			Pages:    pages,
			PhysAddr: memgate.MemGate.Alloc.Offset,
			Perms:    perms,
		},
	}
	addChild(memgate, child)
	return child, nil
}
