package tilemux

import (
	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// ptAllocator is the tile's pool of physical page-table frames, charged against the
// owning Tile capability's PTs QuotaShare (§4.4, §4.7).
type ptAllocator struct {
	frameSize uint64
	free      []uint64 // free frame base offsets in the local backing store
}

func newPTAllocator(frames int, frameSize uint64) *ptAllocator {
	p := &ptAllocator{frameSize: frameSize}
	for i := 0; i < frames; i++ {
		p.free = append(p.free, uint64(i)*frameSize)
	}
	return p
}

// acquire charges one frame against tileCap's PTs quota and returns its backing offset.
func (p *ptAllocator) acquire(tileCap *capeng.Cap) (uint64, error) {
	if len(p.free) == 0 {
		return 0, kerr.New(kerr.NoSpace, "map: out of page-table frames")
	}
	if tileCap != nil {
		q := tileCap.Tile.PTs
		if q.Left == 0 {
			return 0, kerr.New(kerr.NoSpace, "map: tile page-table quota exhausted")
		}
		q.Left--
	}
	frame := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return frame, nil
}

func (p *ptAllocator) releaseFrame(tileCap *capeng.Cap, frame uint64) {
	p.free = append(p.free, frame)
	if tileCap != nil {
		tileCap.Tile.PTs.Left++
	}
}

// release returns every frame owned by root back to the pool (§4.7 "destroying an
// address space frees its page-table frames back to the tile").
func (p *ptAllocator) release(act *Activity, as *AddrSpace) {
	if as == nil {
		return
	}
	for _, frame := range as.frames {
		p.releaseFrame(act.TileCap, frame)
	}
	as.frames = nil
	as.pte = nil
}

// pte is one page-table entry: the physical frame a virtual page is mapped to, plus the
// access permissions the TCU enforces on translation (§4.7).
type pte struct {
	phys  uint64
	perms tcu.Perms
}

// AddrSpace is one activity's virtual address space: a flat page table (keyed on
// virtual page number) over this tile's local backing-store frames, plus the pager
// gate the multiplexer delivers page faults to (§4.7).
type AddrSpace struct {
	asid  uint64
	frame uint64 // the root frame this AddrSpace was allocated at; tracked for release
	root  *AddrSpace

	pageSize uint64
	pt       *ptAllocator
	frames   []uint64
	pte      map[uint64]pte

	// Pager is the SendGate the multiplexer forwards this address space's faults to,
	// nil for a pager-less (identity-mapped) activity.
	Pager *capeng.Cap
}

// NewAddrSpace creates an address space for act backed by alloc, with the given page
// size and an optional pager gate.
func NewAddrSpace(asid uint64, alloc *ptAllocator, pageSize uint64, pager *capeng.Cap) *AddrSpace {
	as := &AddrSpace{asid: asid, pageSize: pageSize, pt: alloc, pte: make(map[uint64]pte), Pager: pager}
	as.root = as
	return as
}

func (as *AddrSpace) pageOf(virt uint64) uint64 { return virt / as.pageSize }

// Map installs pages consecutive virtual pages starting at virt, mapped onto phys (also
// advanced one page at a time), with perms (§4.7 create_map / Map syscall). Each
// previously-unmapped virtual page consumes one page-table frame from the tile's PTs
// quota, matching §4.4's "a tile's PTs budget bounds how many page-table frames its
// activities may install".
func (as *AddrSpace) Map(tileCap *capeng.Cap, virt, phys uint64, pages uint32, perms tcu.Perms) error {
	for i := uint32(0); i < pages; i++ {
		v := virt + uint64(i)*as.pageSize
		p := phys + uint64(i)*as.pageSize
		page := as.pageOf(v)
		if _, exists := as.pte[page]; !exists {
			frame, err := as.pt.acquire(tileCap)
			if err != nil {
				return err
			}
			as.frames = append(as.frames, frame)
		}
		as.pte[page] = pte{phys: p, perms: perms}
	}
	return nil
}

// Unmap removes pages consecutive virtual pages' translations starting at virt.
func (as *AddrSpace) Unmap(t *tcu.TCU, virt uint64, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		v := virt + uint64(i)*as.pageSize
		delete(as.pte, as.pageOf(v))
		t.InvalidatePage(as.asid, v)
	}
}

// Translate implements tcu.Translator over this address space: resolve virt (rounded
// down to its page) to a physical offset, rejecting an access whose size crosses a page
// boundary. Page permissions are not checked here.
func (as *AddrSpace) Translate(virt uint64, size uint32) (uint64, error) {
	page := as.pageOf(virt)
	e, ok := as.pte[page]
	if !ok {
		return 0, kerr.New(kerr.TranslationFault, "translate: no mapping for virtual page")
	}
	off := virt % as.pageSize
	if off+uint64(size) > as.pageSize {
		return 0, kerr.New(kerr.InvArgs, "translate: access crosses page boundary")
	}
	return e.phys + off, nil
}

// pteAt exposes the raw PTE for virt, used by PageFault to decide whether a fault is a
// genuine miss or a permission violation.
func (as *AddrSpace) pteAt(virt uint64, need tcu.Perms) (pte, bool) {
	e, ok := as.pte[as.pageOf(virt)]
	if !ok || !need.Subset(e.perms) {
		return pte{}, false
	}
	return e, true
}

// PageFault handles a translation miss on act's address space (§4.7): it records the
// retry continuation in act.PF. It sends nothing to the pager; the kernel layer is
// responsible for sending the page-fault request over the pager gate and calling
// DeliverPagerReply once the pager answers. This method only prepares the retry state
// and reports whether act's address space even has a pager to ask.
func (m *Mux) PageFault(act *Activity, virt uint64, access tcu.Perms, retry func() error) (hasPager bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if act.AS == nil || act.AS.Pager == nil {
		return false
	}
	act.PF = &PfState{FaultAddr: virt, Access: access, Retry: retry}
	return true
}

// DeliverPagerReply resumes act after its pager replied: it maps the returned frame
// into act's address space, issues the TLB insert §4.7 requires before the retried
// access, and returns the retried translation's outcome.
func (m *Mux) DeliverPagerReply(act *Activity, phys uint64, perms tcu.Perms) error {
	m.mu.Lock()
	pf := act.PF
	act.PF = nil
	m.mu.Unlock()

	if pf == nil {
		return kerr.New(kerr.InvArgs, "deliver_pager_reply: no page fault pending")
	}
	if act.AS == nil {
		return kerr.New(kerr.InvArgs, "deliver_pager_reply: activity has no address space")
	}
	page := act.AS.pageOf(pf.FaultAddr)
	virtBase := page * act.AS.pageSize
	if err := act.AS.Map(act.TileCap, virtBase, phys, 1, perms); err != nil {
		return err
	}
	m.tcu.InsertTLB(act.AS.asid, virtBase, phys, uint8(perms))
	pf.Success = true
	return pf.Retry()
}
