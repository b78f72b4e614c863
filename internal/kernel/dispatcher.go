package kernel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/klog"
	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/nestybox/m3kernel/internal/tilemux"
)

// Dispatcher is the kernel's syscall entry point: it owns every
// activity's capability table indirectly (through Activity), the
// per-tile TCUs it configures on Activate, and the wait registry
// blocking syscalls suspend on (§4.5, §9).
type Dispatcher struct {
	mu sync.Mutex

	activities map[uint32]*Activity
	tcus       map[uint32]*tcu.TCU
	muxes      map[uint32]*tilemux.Mux
	services   map[string]*serviceRecord // name -> registered service, for open_sess/get_sess (§6.2, §6.3)

	exits    map[uint32]exitRecord
	exitSubs map[uint32][]*exitSub

	wait *waitRegistry
	log  *logrus.Entry
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		activities: make(map[uint32]*Activity),
		tcus:       make(map[uint32]*tcu.TCU),
		muxes:      make(map[uint32]*tilemux.Mux),
		services:   make(map[string]*serviceRecord),
		exits:      make(map[uint32]exitRecord),
		exitSubs:   make(map[uint32][]*exitSub),
		wait:       newWaitRegistry(),
		log:        klog.For("kernel"),
	}
}

// RegisterActivity makes act visible to lookups by id through
// Dispatcher.Activity; Exit removes it again.
func (d *Dispatcher) RegisterActivity(act *Activity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activities[act.ID] = act
}

// RegisterTCU associates tile with the TCU instance Activate/InvalidateEP
// configure (§4.1; one per tile, owned by internal/tilemux in the full
// system, referenced here by id only).
func (d *Dispatcher) RegisterTCU(tile uint32, t *tcu.TCU) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tcus[tile] = t
}

func (d *Dispatcher) tcuFor(tile uint32) (*tcu.TCU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tcus[tile]
	if !ok {
		return nil, kerr.New(kerr.InvState, "dispatcher: no TCU registered for tile")
	}
	return t, nil
}

// RegisterMux associates tile with the tile multiplexer instance CreateActivity,
// AllocEP, and SetPMP delegate to (§4.6: one multiplexer per tile).
func (d *Dispatcher) RegisterMux(tile uint32, m *tilemux.Mux) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muxes[tile] = m
}

func (d *Dispatcher) muxFor(tile uint32) (*tilemux.Mux, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.muxes[tile]
	if !ok {
		return nil, kerr.New(kerr.InvState, "dispatcher: no tile multiplexer registered for tile")
	}
	return m, nil
}

// Activity looks up a registered activity by id, for callers (internal/resmng) that
// need a direct handle rather than going through a syscall round-trip.
func (d *Dispatcher) Activity(id uint32) (*Activity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.activities[id]
	return a, ok
}

// InvalidateEndpoint implements capeng.Hooks: the dispatcher is the one
// component that can reach a tile's TCU, so capeng's revoke destructors
// call back into it rather than the other way around.
func (d *Dispatcher) InvalidateEndpoint(tileID, ep uint32, force bool) error {
	t, err := d.tcuFor(tileID)
	if err != nil {
		// A tile that was never registered (e.g. a unit test exercising
		// capeng alone through this dispatcher) has nothing to invalidate.
		return nil
	}
	_, err = t.InvalidateEP(ep, force)
	return err
}

// NotifyServiceShutdown implements capeng.Hooks (§4.2 Service destructor:
// "if owner, send SHUTDOWN upcall").
func (d *Dispatcher) NotifyServiceShutdown(svc *capeng.ServiceObj) {
	d.log.WithField("service", svc.Name).Debug("service revoked, sending shutdown upcall")
	rec, err := d.lookupServiceByRecord(svc)
	d.mu.Lock()
	delete(d.services, svc.Name)
	d.mu.Unlock()
	if err != nil {
		// Already unregistered (e.g. a unit test exercising capeng alone
		// through this dispatcher, or a double revoke); nothing to notify.
		return
	}
	rec.call(SessionRequest{Kind: ServiceShutdown})
}

// NotifySessionClose implements capeng.Hooks (§4.2 Session destructor:
// "if auto_close and the revoker is not the server itself, send CLOSE to
// the server", §8 scenario 3).
func (d *Dispatcher) NotifySessionClose(sess *capeng.SessionObj, revokerIsServer bool) {
	if revokerIsServer {
		return
	}
	d.log.WithField("ident", sess.Ident).Debug("session auto-close: sending CLOSE to server")
	rec, err := d.lookupServiceByRecord(sess.Root)
	if err != nil {
		// §7: "auto-close sessions that cannot deliver CLOSE (server
		// already gone) succeed silently."
		return
	}
	rec.call(SessionRequest{Kind: SessionClose, Ident: sess.Ident})
}

// WakeSemaphoreWaiters implements capeng.Hooks (§4.2 Semaphore
// destructor): every waiter suspended on this semaphore's wait token
// wakes with RecvGone via the wait registry's revoke path.
func (d *Dispatcher) WakeSemaphoreWaiters(sem *capeng.SemaphoreObj) {
	// Semaphore wait tokens are owned by syscalls.go's SemCtrl(DOWN),
	// keyed by the SemaphoreObj pointer itself (its identity is stable
	// for the capability's lifetime); see semToken.
	d.wait.revoke(semToken(sem))
}

// FreeFrames implements capeng.Hooks (§4.2 MemGate destructor): frees a
// non-derived MemGate's backing allocation. The simulated backing store
// is tile-local anonymous memory owned by internal/tcu; nothing further
// needs releasing here beyond bookkeeping, which the tile multiplexer's
// physical-frame allocator owns in the full system.
func (d *Dispatcher) FreeFrames(alloc *capeng.MemAlloc) {
	d.log.WithFields(logrus.Fields{"tile": alloc.Tile, "offset": alloc.Offset, "size": alloc.Size}).
		Debug("freed MemGate backing allocation")
}

// ReleaseEndpoint implements capeng.Hooks (§4.2 Endpoint destructor);
// EP/reply-slot quota is already credited back onto the Tile capability
// by capeng.destroyEndpoint itself, so this hook only logs.
func (d *Dispatcher) ReleaseEndpoint(ep *capeng.EndpointObj) {
	d.log.WithField("ep", ep.EPIndex).Debug("endpoint released")
}

// chargeAndInsert implements the dispatcher's uniform policy (§4.5): the
// destination selector must be unused, the kernel-memory charge commits
// before the capability is inserted, and is refunded on any later
// failure the caller reports via the returned rollback function.
func chargeAndInsert(table *capeng.Table, sel capeng.Selector, kmem *capeng.Cap, cap *capeng.Cap) (rollback func(), err error) {
	if table.InUse(sel) {
		return nil, kerr.New(kerr.Exists, "dispatcher: destination selector already in use")
	}
	cost := capeng.CostOf(cap.Kind)
	if err := capeng.Charge(kmem, cost); err != nil {
		return nil, err
	}
	cap.FundedBy = kmem
	if err := table.Insert(sel, cap); err != nil {
		_ = capeng.Credit(kmem, cost)
		return nil, err
	}
	return func() {
		table.Remove(sel)
		_ = capeng.Credit(kmem, cost)
	}, nil
}
