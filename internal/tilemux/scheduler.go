package tilemux

import (
	"time"

	"github.com/nestybox/m3kernel/internal/tcu"
)

// activityReg builds the ActivityReg the TCU's activity register exchange
// expects for act (§4.1 xchg_activity).
func activityReg(act *Activity) tcu.ActivityReg {
	return tcu.ActivityReg{ActivityID: uint16(act.ID)}
}

// enqueueReadyLocked implements §4.6's scheduling policy: "an activity whose quota
// reaches zero is appended to the ready list; others are prepended". Called with m.mu
// held.
func (m *Mux) enqueueReadyLocked(act *Activity) {
	hasBudget := true
	if act.TileCap != nil {
		hasBudget = act.TileCap.Tile.Time.Left > 0
	}
	if hasBudget {
		act.elem = m.ready.PushFront(act)
	} else {
		act.elem = m.ready.PushBack(act)
	}
}

// Schedule picks the next activity to run: the ready list's head, or the idle activity
// if nothing else is ready (§4.6: "idle activity is not blockable; if no other activity
// is ready the scheduler picks idle and disables FPU").
func (m *Mux) Schedule() *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ready.Front()
	if e == nil {
		return m.idle
	}
	act := e.Value.(*Activity)
	m.ready.Remove(e)
	act.elem = nil
	return act
}

// Dispatch installs next as the running activity: refills its budget if exhausted, runs
// its deferred continuation, and performs the context switch (§4.6).
func (m *Mux) Dispatch(next *Activity) {
	m.mu.Lock()
	prev := m.current
	if next.TileCap != nil {
		next.TileCap.Tile.Time.Refill()
	} else if next.Idle {
		// the idle activity disables FPU and carries no budget of its own.
		next.FPU = nil
	}
	cont := next.cont
	next.cont = nil
	m.current = next
	next.scheduledAt = now()
	m.mu.Unlock()

	if cont != nil {
		cont(m, next)
	}
	m.contextSwitch(prev, next)
}

// contextSwitch implements the six numbered steps of §4.6's context switch over this
// simulation's TCU abstraction: steps (1) save outgoing command register and (5)/(6)
// ISR stack/command-register restore have no counterpart in the simulation (internal/tcu
// models configured EP state, not a single live command register to snapshot), so only
// the activity-register exchange and address-space switch are performed here.
func (m *Mux) contextSwitch(prev, next *Activity) {
	// (2) atomically exchange the TCU activity register.
	prevReg := m.tcu.XchgActivity(activityReg(next))
	// (3) observe the returned message count for the outgoing activity.
	if prev != nil && prevReg.MsgCount > 0 {
		prev.NotePendingMessage()
	}
	// (4) switch address space.
	if next.AS != nil {
		m.tcu.SetTranslator(next.AS.Translate)
	} else {
		m.tcu.SetTranslator(nil)
	}
}

// Block suspends act on filter, running cont the next time it is dispatched (§5, §9
// "coroutine-style suspension"). It honors §4.6 step 3: an activity with unconsumed
// pending messages refuses to block unless its time budget is already exhausted, in
// which case the scheduler preempts it anyway. Returns false when the caller must
// re-swap instead of blocking.
func (m *Mux) Block(act *Activity, cont Continuation, filter WaitFilter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	budgetLeft := act.TileCap == nil || act.TileCap.Tile.Time.Left > 0
	if act.pendingMsgs > 0 && budgetLeft {
		return false
	}

	act.Wait = filter
	act.cont = cont
	act.elem = m.blocked.PushBack(act)
	if filter.Kind == WaitTimeout {
		m.timers.add(act, filter.Deadline)
	}
	return true
}

// Unblock wakes every blocked activity whose WaitFilter matches, moving each back onto
// the ready list (§5 unblock(event)).
func (m *Mux) Unblock(match func(WaitFilter) bool) []*Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	var woken []*Activity
	e := m.blocked.Front()
	for e != nil {
		next := e.Next()
		act := e.Value.(*Activity)
		if match(act.Wait) {
			m.blocked.Remove(e)
			act.elem = nil
			act.Wait = WaitFilter{}
			m.enqueueReadyLocked(act)
			woken = append(woken, act)
		}
		e = next
	}
	return woken
}

// wakeSpecific wakes act if it is currently blocked, regardless of its wait filter
// (used when a caller already knows which activity an event targets, e.g. the activity
// whose page-fault retry just completed).
func (m *Mux) wakeSpecific(act *Activity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if act.elem == nil {
		return false
	}
	m.blocked.Remove(act.elem)
	act.elem = nil
	act.Wait = WaitFilter{}
	m.enqueueReadyLocked(act)
	return true
}

// ConsumeTime charges the currently running activity's time quota for the interval
// since it was last dispatched (§4.6 Budgets: "left <- left - (now - scheduled); on
// underflow, schedule a preemption iff some other activity is ready").
func (m *Mux) ConsumeTime(at time.Time) (preempt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current
	if cur == nil || cur.Idle || cur.TileCap == nil {
		return false
	}
	elapsed := uint64(at.Sub(cur.scheduledAt))
	q := cur.TileCap.Tile.Time
	if elapsed >= q.Left {
		q.Left = 0
		return m.ready.Len() > 0
	}
	q.Left -= elapsed
	return false
}

// CheckTimers wakes every activity whose timeout deadline has passed, with a Timeout
// event regardless of its original wait filter (§5: "on expiration the affected
// activity is unblocked with a Timeout event regardless of its filter").
func (m *Mux) CheckTimers(at time.Time) []*Activity {
	m.mu.Lock()
	expired := m.timers.expired(at)
	for _, act := range expired {
		if act.elem != nil {
			m.blocked.Remove(act.elem)
			act.elem = nil
		}
		act.Wait = WaitFilter{}
		m.enqueueReadyLocked(act)
	}
	m.mu.Unlock()
	return expired
}
