package tcu

import (
	"sync"

	"github.com/nestybox/m3kernel/internal/kerr"
)

// Message is one TCU message: an opaque label chosen by the sender's
// SendGate, the sender's tile/EP (for replies), and a reply label/EP the
// server should use when it calls Reply.
type Message struct {
	Label      uint64
	Data       []byte
	ReplyLabel uint64
	ReplyEP    uint32
	SenderTile uint32
	SenderEP   uint32
}

// Translator resolves a virtual buffer address + size to a physical
// offset in the local backing store, the way create_map/activate resolve
// a receive buffer through a MemGate (§4.5). A nil Translator (physical
// tile) treats virt as already physical.
type Translator func(virt uint64, size uint32) (phys uint64, err error)

// Bus connects TCUs across tiles: Send delivers a message to a Receive
// EP, ReadMem/WriteMem perform the remote side of a Memory-EP DMA,
// CreditSend refills one credit on a Send EP when a reply to one of its
// earlier sends lands (§8: "one reply refills one credit").
type Bus interface {
	Deliver(tile, ep uint32, msg Message) error
	ReadMem(tile uint32, addr uint64, size uint32) ([]byte, error)
	WriteMem(tile uint32, addr uint64, data []byte) error
	CreditSend(tile, ep uint32) error
}

type tlbKey struct {
	asid uint64
	virt uint64
}

// TCU is the per-tile Trusted Communication Unit: the EP register file,
// the command registers, and the TLB this tile's privileged commands
// maintain.
type TCU struct {
	mu sync.Mutex

	TileID uint32
	EPs    [TotalEPs]Endpoint

	store     *backingStore
	bus       Bus
	translate Translator

	actReg  ActivityReg
	tlb     map[tlbKey]uint64 // virt -> phys
	pending map[pendingKey]Message
}

type pendingKey struct {
	ep   uint32
	slot int
}

// New creates a TCU for tile id with a memSize-byte local backing store.
func New(tileID uint32, memSize int, bus Bus) (*TCU, error) {
	store, err := newBackingStore(memSize)
	if err != nil {
		return nil, err
	}
	return &TCU{
		TileID: tileID,
		store:  store,
		bus:    bus,
		tlb:    make(map[tlbKey]uint64),
	}, nil
}

// Close releases the backing store's mmap'd memory.
func (t *TCU) Close() error {
	return t.store.close()
}

// SetTranslator installs the page-table lookup the tile multiplexer uses
// to resolve virtual buffer addresses on a tile with virtual memory.
func (t *TCU) SetTranslator(tr Translator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.translate = tr
}

func (t *TCU) resolve(virt uint64, size uint32) (uint64, error) {
	if t.translate == nil {
		return virt, nil
	}
	phys, err := t.translate(virt, size)
	if err != nil {
		return 0, kerr.Wrap(kerr.TranslationFault, err, "tcu: buffer not mapped")
	}
	return phys, nil
}

// Send emits a message on a Send-configured EP (§4.1). bufVirt/size name
// the local message buffer; replyLabel/replyEP are the label and EP the
// recipient should use when replying.
func (t *TCU) Send(ep uint32, bufVirt uint64, size uint32, replyLabel uint64, replyEP uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "send: ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPSend {
		return kerr.New(kerr.InvEP, "send: ep is not configured as Send")
	}
	if local.Send.Credits != CreditsUnlimited {
		if local.Send.Credits == 0 {
			return kerr.New(kerr.NoCredits, "send: out of credits")
		}
	}
	if size > local.Send.MaxMsgSize {
		return kerr.New(kerr.InvArgs, "send: message exceeds max size")
	}

	phys, err := t.resolve(bufVirt, size)
	if err != nil {
		return err
	}
	data := t.store.readAt(phys, uint64(size))

	msg := Message{
		Label:      local.Send.Label,
		Data:       data,
		ReplyLabel: replyLabel,
		ReplyEP:    replyEP,
		SenderTile: t.TileID,
		SenderEP:   ep,
	}

	if err := t.bus.Deliver(local.Send.TargetTile, local.Send.TargetEP, msg); err != nil {
		return err
	}
	if local.Send.Credits != CreditsUnlimited {
		local.Send.Credits--
	}
	return nil
}

// deliver is invoked by the Bus implementation when another tile's Send
// lands on this tile's Receive EP.
func (t *TCU) Deliver(ep uint32, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "deliver: ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPReceive {
		return kerr.New(kerr.InvEP, "deliver: ep is not configured as Receive")
	}

	slots := local.Recv.slotCount()
	for i := 0; i < slots; i++ {
		if !local.Recv.Unread[i] {
			local.Recv.Unread[i] = true
			local.Recv.OccupiedSlot[i] = true
			t.stashPending(ep, i, msg)
			return nil
		}
	}
	return kerr.New(kerr.NoSpace, "deliver: receive buffer full")
}

// pending tracks, per (ep, slot), the message metadata Reply needs to
// address the response; kept out of ReceiveEP itself so Endpoint stays a
// plain value type mirroring the register triple. Callers already hold
// t.mu, so no separate lock is needed here.
func (t *TCU) stashPending(ep uint32, slot int, msg Message) {
	if t.pending == nil {
		t.pending = make(map[pendingKey]Message)
	}
	t.pending[pendingKey{ep, slot}] = msg
}

func (t *TCU) takePending(ep uint32, slot int) (Message, bool) {
	k := pendingKey{ep, slot}
	m, ok := t.pending[k]
	if ok {
		delete(t.pending, k)
	}
	return m, ok
}

// FetchMsg returns the offset of the next unread message in ep's buffer.
func (t *TCU) FetchMsg(ep uint32) (offset uint64, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep >= TotalEPs {
		return 0, false, kerr.New(kerr.InvEP, "fetch_msg: ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPReceive {
		return 0, false, kerr.New(kerr.InvEP, "fetch_msg: ep is not Receive")
	}
	msgSize := uint64(1) << local.Recv.MsgOrder
	for i, unread := range local.Recv.Unread {
		if unread {
			return uint64(i) * msgSize, true, nil
		}
	}
	return 0, false, nil
}

// AckMsg releases the slot at offset off in ep's buffer.
func (t *TCU) AckMsg(ep uint32, off uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	local, slot, err := t.recvSlot(ep, off)
	if err != nil {
		return err
	}
	local.Recv.Unread[slot] = false
	return nil
}

func (t *TCU) recvSlot(ep uint32, off uint64) (*Endpoint, int, error) {
	if ep >= TotalEPs {
		return nil, 0, kerr.New(kerr.InvEP, "ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPReceive {
		return nil, 0, kerr.New(kerr.InvEP, "ep is not Receive")
	}
	msgSize := uint64(1) << local.Recv.MsgOrder
	slot := int(off / msgSize)
	if slot < 0 || slot >= local.Recv.slotCount() {
		return nil, 0, kerr.New(kerr.InvArgs, "offset out of range")
	}
	return local, slot, nil
}

// Reply replies to the message at msgOffset in ep's (Receive) buffer,
// sending size bytes from the local bufVirt buffer. On success the
// slot is freed.
func (t *TCU) Reply(ep uint32, bufVirt uint64, size uint32, msgOffset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	local, slot, err := t.recvSlot(ep, msgOffset)
	if err != nil {
		return err
	}
	if !local.Recv.OccupiedSlot[slot] {
		return kerr.New(kerr.InvArgs, "reply: slot has no pending message")
	}
	orig, ok := t.takePending(ep, slot)
	if !ok {
		return kerr.New(kerr.InvArgs, "reply: no pending message metadata")
	}

	phys, err := t.resolve(bufVirt, size)
	if err != nil {
		return err
	}
	data := t.store.readAt(phys, uint64(size))

	reply := Message{
		Label:      orig.ReplyLabel,
		Data:       data,
		SenderTile: t.TileID,
		SenderEP:   ep,
	}
	if err := t.bus.Deliver(orig.SenderTile, orig.ReplyEP, reply); err != nil {
		return err
	}
	if err := t.bus.CreditSend(orig.SenderTile, orig.SenderEP); err != nil {
		return err
	}

	local.Recv.Unread[slot] = false
	local.Recv.OccupiedSlot[slot] = false
	return nil
}

// CreditSend restores one credit to ep's Send configuration, bounded by
// its configured max, the way a reply landing on the original sender's
// tile refills the credit Send spent (§8: "one reply refills one
// credit"). A no-op for unlimited-credit Send EPs or an EP that is no
// longer configured as Send (e.g. rebound since the send went out).
func (t *TCU) CreditSend(ep uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "credit_send: ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPSend || local.Send.Credits == CreditsUnlimited {
		return nil
	}
	if local.Send.Credits < local.Send.CreditsMax {
		local.Send.Credits++
	}
	return nil
}

// Read performs a bounded DMA read through a Memory EP into the local
// buffer at dstVirt.
func (t *TCU) Read(ep uint32, dstVirt uint64, size uint32, memOffset uint64) error {
	return t.memOp(ep, dstVirt, size, memOffset, false)
}

// Write performs a bounded DMA write through a Memory EP from the local
// buffer at srcVirt.
func (t *TCU) Write(ep uint32, srcVirt uint64, size uint32, memOffset uint64) error {
	return t.memOp(ep, srcVirt, size, memOffset, true)
}

func (t *TCU) memOp(ep uint32, localVirt uint64, size uint32, memOffset uint64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "mem op: ep out of range")
	}
	local := &t.EPs[ep]
	if local.Type != EPMemory {
		return kerr.New(kerr.InvEP, "mem op: ep is not configured as Memory")
	}
	if memOffset+uint64(size) > local.Mem.Size {
		return kerr.New(kerr.InvArgs, "mem op: out of MemGate bounds")
	}
	need := PermRead
	if write {
		need = PermWrite
	}
	if local.Mem.Perms&need == 0 {
		return kerr.New(kerr.NoPerm, "mem op: permission not granted")
	}

	phys, err := t.resolve(localVirt, size)
	if err != nil {
		return err
	}

	if write {
		data := t.store.readAt(phys, uint64(size))
		return t.bus.WriteMem(local.Mem.TargetTile, local.Mem.Base+memOffset, data)
	}
	data, err := t.bus.ReadMem(local.Mem.TargetTile, local.Mem.Base+memOffset, size)
	if err != nil {
		return err
	}
	t.store.writeAt(phys, data)
	return nil
}

// XchgActivity atomically installs newReg and returns the previous value
// (§4.1 xchg_activity).
func (t *TCU) XchgActivity(newReg ActivityReg) ActivityReg {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.actReg
	t.actReg = newReg
	return old
}

// InsertTLB installs a virt->phys translation for asid. The caller must
// order this before any TCU command that uses the translation, per the
// explicit fence the spec requires (§5 ordering guarantees); Go's mutex
// acquisition here provides that ordering within the simulation.
func (t *TCU) InsertTLB(asid, virt, phys uint64, flags uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tlb[tlbKey{asid, virt & ^uint64(0xfff)}] = phys
}

// InvalidatePage removes a single asid/virt translation.
func (t *TCU) InvalidatePage(asid, virt uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tlb, tlbKey{asid, virt & ^uint64(0xfff)})
}

// InvalidateTLB drops every translation (used after discarding an
// address space).
func (t *TCU) InvalidateTLB() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tlb = make(map[tlbKey]uint64)
}

// LookupTLB is a test/debug hook exposing the TLB's current content for
// a given asid/virt page.
func (t *TCU) LookupTLB(asid, virt uint64) (phys uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	phys, ok = t.tlb[tlbKey{asid, virt & ^uint64(0xfff)}]
	return
}

// InvalidateEP invalidates ep unconditionally and reports whether unread
// messages were discarded; force is passed through to Endpoint.Invalidate,
// which does not act on it.
func (t *TCU) InvalidateEP(ep uint32, force bool) (discarded bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep >= TotalEPs {
		return false, kerr.New(kerr.InvEP, "invalidate_ep: ep out of range")
	}
	return t.EPs[ep].Invalidate(force), nil
}

// Configure* expose the register-triple setup used by the kernel's
// Activate syscall (§4.5); they hold the TCU lock for the duration so a
// concurrently-fired Send/Deliver never observes a half-configured EP.
func (t *TCU) ConfigureSend(ep uint32, act uint16, s SendEP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "configure: ep out of range")
	}
	t.EPs[ep].ConfigureSend(act, s)
	return nil
}

func (t *TCU) ConfigureReceive(ep uint32, act uint16, r ReceiveEP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "configure: ep out of range")
	}
	return t.EPs[ep].ConfigureReceive(act, r)
}

func (t *TCU) ConfigureMemory(ep uint32, act uint16, m MemoryEP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep >= TotalEPs {
		return kerr.New(kerr.InvEP, "configure: ep out of range")
	}
	t.EPs[ep].ConfigureMemory(act, m)
	return nil
}

// WriteLocal writes data directly into this tile's backing store at a physical offset,
// bypassing the installed Translator and any EP check. The tile multiplexer uses it to
// stage a page-fault request message before Send-ing it over the pager's gate, since the
// faulting activity's own address space cannot yet translate the scratch buffer it is
// building the request in (§4.7).
func (t *TCU) WriteLocal(phys uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.writeAt(phys, data)
}

// ReadLocal reads size bytes directly from this tile's backing store at a physical
// offset, bypassing the installed Translator.
func (t *TCU) ReadLocal(phys uint64, size uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.readAt(phys, size)
}

// EP returns a copy of the endpoint's current register triple, for
// introspection (tests, TileQuota-style syscalls).
func (t *TCU) EP(ep uint32) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep >= TotalEPs {
		return Endpoint{}, kerr.New(kerr.InvEP, "ep out of range")
	}
	return t.EPs[ep], nil
}
