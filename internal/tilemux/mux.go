package tilemux

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/klog"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// Mux is one tile's multiplexer: the bounded activity table, the idle and own
// activities, the ready/blocked lists, the EP allocator, and the paging subsystem
// (§4.6, §4.7).
type Mux struct {
	mu sync.Mutex

	tileID uint32
	tcu    *tcu.TCU
	log    *logrus.Entry

	eps *epAllocator
	pt  *ptAllocator

	activities map[uint32]*Activity
	nextID     uint32

	idle    *Activity
	own     *Activity
	current *Activity

	ready   *list.List
	blocked *list.List

	timers *timerHeap
}

// New creates a tile multiplexer for tileID, backed by t, with ptFrames physical page
// frames of frameSize bytes available to the paging allocator.
func New(tileID uint32, t *tcu.TCU, ptFrames int, frameSize uint64) *Mux {
	m := &Mux{
		tileID:     tileID,
		tcu:        t,
		log:        klog.ForTile("tilemux", tileID),
		eps:        newEPAllocator(),
		pt:         newPTAllocator(ptFrames, frameSize),
		activities: make(map[uint32]*Activity),
		ready:      list.New(),
		blocked:    list.New(),
		timers:     newTimerHeap(),
		nextID:     firstUserID,
	}
	m.idle = &Activity{ID: IdleActivityID, Tile: tileID, Name: "idle", Idle: true, alive: true}
	m.own = &Activity{ID: OwnActivityID, Tile: tileID, Name: "tilemux", Own: true, alive: true}
	m.activities[m.idle.ID] = m.idle
	m.activities[m.own.ID] = m.own
	m.current = m.idle
	return m
}

// Idle returns the tile's idle activity (§4.6: "not blockable; if no other activity is
// ready the scheduler picks idle and disables FPU").
func (m *Mux) Idle() *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// Current returns the activity presently running on this tile.
func (m *Mux) Current() *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Lookup returns the activity with the given id, if it exists on this tile.
func (m *Mux) Lookup(id uint32) (*Activity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	return a, ok
}

// CreateActivity allocates a fresh activity id and its standard EP block on this tile
// (§4.6, §6.2 CreateActivity: "Returns (act_id, first_std_ep). Standard EPs reserved on
// tile."), and enqueues it ready.
func (m *Mux) CreateActivity(name string, tileCap *capeng.Cap) (*Activity, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base, err := m.eps.alloc(StdEPsPerActivity)
	if err != nil {
		return nil, 0, err
	}

	id := m.nextID
	m.nextID++

	act := &Activity{
		ID:      id,
		Tile:    m.tileID,
		Name:    name,
		TileCap: tileCap,
		alive:   true,
	}
	m.activities[id] = act
	m.enqueueReadyLocked(act)
	if tileCap != nil {
		tileCap.Tile.ActivityCount++
	}
	return act, base, nil
}

// DestroyActivity releases id's standard EP block, its address space (if any), and
// drops it from the tile's activity table (§3: "destroying an Activity ... drops its
// Endpoints, which invalidates bound EPs on the tile multiplexer").
func (m *Mux) DestroyActivity(id uint32, stdEPBase uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	act, ok := m.activities[id]
	if !ok {
		return
	}
	m.removeFromQueuesLocked(act)
	m.eps.free(stdEPBase, StdEPsPerActivity)
	if act.AS != nil {
		m.pt.release(act, act.AS.root)
		act.AS = nil
	}
	if act.TileCap != nil {
		act.TileCap.Tile.ActivityCount--
	}
	delete(m.activities, id)
}

// Kill marks act exited and removes it from scheduling, without releasing its tile
// resources (the caller — internal/kernel, via Revoke of the activity's capability
// table — is responsible for that through DestroyActivity).
func (m *Mux) Kill(act *Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act.alive = false
	m.removeFromQueuesLocked(act)
}

func (m *Mux) removeFromQueuesLocked(act *Activity) {
	if act.elem != nil {
		// Remove is a no-op on whichever list does not actually hold elem, so trying
		// both avoids tracking which of ready/blocked an activity last queued into.
		m.ready.Remove(act.elem)
		m.blocked.Remove(act.elem)
		act.elem = nil
	}
	if act.Wait.Kind == WaitTimeout {
		act.Wait = WaitFilter{}
	}
}

// AllocEP reserves n consecutive EPs on this tile (§6.2 AllocEP, §4.6 find_eps).
func (m *Mux) AllocEP(n uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eps.alloc(n)
}

// FreeEPs releases the n EPs starting at base.
func (m *Mux) FreeEPs(base, n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eps.free(base, n)
}

// SetPMP installs mem's configuration into ep, which must lie in the reserved PMP
// range (§6.2 SetPMP).
func (m *Mux) SetPMP(ep uint32, mem tcu.MemoryEP) error {
	if ep >= PMPEPs {
		return kerr.New(kerr.InvArgs, "set_pmp: ep outside the protected range")
	}
	return m.tcu.ConfigureMemory(ep, 0, mem)
}

// now is the simulation's wall clock; a seam kept separate from a bare time.Now() call
// so tests can make deterministic assertions about budget consumption.
var now = time.Now
