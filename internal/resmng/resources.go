package resmng

import "github.com/nestybox/m3kernel/internal/capeng"

// ChildMem tracks one child's remaining slice of its parent's memory pool (§4.8
// "child-memory quota"): alloc_mem debits it, free_mem credits it back, never past the
// quota the child was configured with.
type ChildMem struct {
	Total uint64
	Left  uint64
}

func newChildMem(quota uint64) *ChildMem {
	return &ChildMem{Total: quota, Left: quota}
}

func (m *ChildMem) alloc(size uint64) bool {
	if size > m.Left {
		return false
	}
	m.Left -= size
	return true
}

func (m *ChildMem) free(size uint64) {
	m.Left += size
	if m.Left > m.Total {
		m.Left = m.Total
	}
}

// sessionRef is one open session a child holds, tracked so it can be closed (and the
// server notified) when the child exits or explicitly closes it.
type sessionRef struct {
	sel  capeng.Selector
	name string
}

// memRef is one memory allocation charged against the child's ChildMem.
type memRef struct {
	sel  capeng.Selector
	size uint64
}

// ChildResources is everything one child's manager has allocated on its behalf: the
// selectors it occupies in the manager's own table, so Revoke can tear every one of
// them down on exit (§4.8 "revokes the child's entire resource list").
type ChildResources struct {
	Sessions []sessionRef
	Services []capeng.Selector
	Mem      []memRef
	Mods     []capeng.Selector
	Tiles    []capeng.Selector
	RGates   []capeng.Selector
	SGates   []capeng.Selector
	Sems     []capeng.Selector
	Children []uint32
}

func (r *ChildResources) addSession(sel capeng.Selector, name string) {
	r.Sessions = append(r.Sessions, sessionRef{sel: sel, name: name})
}

func (r *ChildResources) removeSession(sel capeng.Selector) (string, bool) {
	for i, s := range r.Sessions {
		if s.sel == sel {
			r.Sessions = append(r.Sessions[:i], r.Sessions[i+1:]...)
			return s.name, true
		}
	}
	return "", false
}

func (r *ChildResources) addMem(sel capeng.Selector, size uint64) {
	r.Mem = append(r.Mem, memRef{sel: sel, size: size})
}

func (r *ChildResources) removeMem(sel capeng.Selector) (uint64, bool) {
	for i, m := range r.Mem {
		if m.sel == sel {
			r.Mem = append(r.Mem[:i], r.Mem[i+1:]...)
			return m.size, true
		}
	}
	return 0, false
}
