package resmng

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/klog"
	"github.com/nestybox/m3kernel/internal/kernel"
)

// Manager is the resource manager's child manager (§4.8): it owns the capability
// table representing "its own" activity, the kernel dispatcher it issues every request
// against, the keyed map of children, and the upcall loop that reacts to child exits.
// Generalizes pidmon.go's single cmdCh/EventCh monitor goroutine into one that fans in
// from a per-child ActivityWait upcall channel instead of polling, since the kernel
// already delivers exit notifications as channel sends (internal/kernel.ExitEvent).
type Manager struct {
	mu sync.Mutex

	Self  *kernel.Activity
	d     *kernel.Dispatcher
	names mapset.Set // registered service names across all own children, for reg_serv dedupe

	children   map[uint32]Child
	nextID     uint32
	selCounter uint32

	exitCh chan kernel.ExitEvent
	stopCh chan struct{}
	log    *logrus.Entry

	onShutdown func()
}

// New creates a resource manager driven by dispatcher d, acting through self (the
// activity the manager itself runs as).
func New(d *kernel.Dispatcher, self *kernel.Activity) *Manager {
	m := &Manager{
		Self:     self,
		d:        d,
		names:    mapset.NewSet(),
		children: make(map[uint32]Child),
		exitCh:   make(chan kernel.ExitEvent, 16),
		stopCh:   make(chan struct{}),
		log:      klog.For("resmng"),
	}
	go m.upcallLoop()
	return m
}

// OnShutdown installs the callback beginShutdown invokes once the last non-daemon
// child has exited and the remaining daemons' resources have been revoked.
func (m *Manager) OnShutdown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = fn
}

// Close stops the manager's upcall loop without touching any child state; used by
// tests and by a manager that is itself being torn down by its own parent.
func (m *Manager) Close() {
	close(m.stopCh)
}

// watch registers the manager's interest in id's exit via activity_wait with an
// upcall event, and forwards the result onto the manager's own fan-in channel (§4.8).
func (m *Manager) watch(id uint32) error {
	_, ch, err := m.d.ActivityWait([]uint32{id}, true)
	if err != nil {
		return err
	}
	go func() {
		ev, ok := <-ch
		if !ok {
			return
		}
		m.exitCh <- ev
	}()
	return nil
}

func (m *Manager) upcallLoop() {
	for {
		select {
		case ev := <-m.exitCh:
			m.handleExit(ev)
		case <-m.stopCh:
			return
		}
	}
}

// handleExit implements §4.8's exit handling: kill the exited child, revoke its
// entire resource list, and begin shutdown once the last non-daemon child has died.
func (m *Manager) handleExit(ev kernel.ExitEvent) {
	m.mu.Lock()
	var child Child
	for _, c := range m.children {
		if c.ActivityID() == ev.ActivityID {
			child = c
			break
		}
	}
	if child == nil {
		m.mu.Unlock()
		return
	}
	delete(m.children, child.ID())
	nonDaemons := 0
	for _, c := range m.children {
		if !c.Daemon() {
			nonDaemons++
		}
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"child": child.Name(), "code": ev.Code}).Info("child exited")
	m.revokeAll(child)

	if !child.Daemon() && nonDaemons == 0 {
		m.beginShutdown()
	}
}

// revokeAll tears down every resource this manager allocated on child's behalf
// (§4.8: "revokes the child's entire resource list (sessions are closed
// asynchronously, triggering server CLOSE messages)").
func (m *Manager) revokeAll(child Child) {
	res := child.Resources()
	for _, s := range res.Sessions {
		if err := m.d.Revoke(m.Self, s.sel, true); err != nil {
			m.log.WithError(err).Warn("revoke session failed during child teardown")
		}
	}
	for _, sel := range res.Services {
		_ = m.d.Revoke(m.Self, sel, true)
	}
	for _, mr := range res.Mem {
		_ = m.d.Revoke(m.Self, mr.sel, true)
	}
	for _, sel := range res.Mods {
		_ = m.d.Revoke(m.Self, sel, true)
	}
	for _, sel := range res.Tiles {
		_ = m.d.Revoke(m.Self, sel, true)
	}
	for _, sel := range res.RGates {
		_ = m.d.Revoke(m.Self, sel, true)
	}
	for _, sel := range res.SGates {
		_ = m.d.Revoke(m.Self, sel, true)
	}
	for _, sel := range res.Sems {
		_ = m.d.Revoke(m.Self, sel, true)
	}
}

// beginShutdown revokes the resources of every daemon child still in the child map
// (revoking a registered service notifies it of the shutdown) and then invokes the
// OnShutdown callback. It does not kill the daemons or remove them from the child
// map, and it does not wait for the child set to become empty.
func (m *Manager) beginShutdown() {
	m.mu.Lock()
	var daemons []Child
	for _, c := range m.children {
		if c.Daemon() {
			daemons = append(daemons, c)
		}
	}
	cb := m.onShutdown
	m.mu.Unlock()

	for _, c := range daemons {
		m.revokeAll(c)
	}
	if cb != nil {
		cb()
	}
}

// selfNameInUse reports whether a service name is already registered by any child of
// this manager, for reg_serv's authorization check (§6.3).
func (m *Manager) selfNameInUse(name string) bool {
	return m.names.Contains(name)
}

func (m *Manager) reserveName(name string) error {
	if !m.names.Add(name) {
		return kerr.New(kerr.Exists, "reg_serv: service name already registered")
	}
	return nil
}

func (m *Manager) releaseName(name string) {
	m.names.Remove(name)
}
