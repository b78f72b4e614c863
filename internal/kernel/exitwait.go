package kernel

import "github.com/nestybox/m3kernel/internal/kerr"

// exitRecord is the (small, final) state kept for an activity after it exits, long
// enough for a late ActivityWait to still observe it (§6.2 ActivityWait: "returns
// exited activity and code").
type exitRecord struct {
	code int32
}

// ExitEvent is what ActivityWait hands back: which activity exited and its exit code
// (§6.2 ActivityWait).
type ExitEvent struct {
	ActivityID uint32
	Code       int32
}

// exitSub is one ActivityWait call's registration against a set of target activities.
// It is shared across every target's subscriber list, so "done" (guarded by the
// dispatcher's mutex, never touched outside it) keeps a second target's exit from
// sending on an already-fired, possibly already-closed channel.
type exitSub struct {
	ch   chan ExitEvent
	done bool
}

// Exit implements the activity side of exit handling (§4.8): it marks act dead,
// remembers its code for any ActivityWait that has not yet been issued, and wakes every
// caller already waiting on it. Generalizes pidmon.go's single fixed EventCh into a
// per-activity fan-out, since many callers (the resource manager, a waiting parent, a
// debugger) may all be waiting on the same exited activity.
func (d *Dispatcher) Exit(act *Activity, code int32) {
	d.mu.Lock()
	act.Kill()
	d.exits[act.ID] = exitRecord{code: code}
	subs := d.exitSubs[act.ID]
	delete(d.exitSubs, act.ID)
	delete(d.activities, act.ID)

	ev := ExitEvent{ActivityID: act.ID, Code: code}
	for _, s := range subs {
		if !s.done {
			s.done = true
			s.ch <- ev
			close(s.ch)
		}
	}
	d.mu.Unlock()
}

// ActivityWait implements activity_wait (§6.2): it blocks until one of targets exits
// and returns that activity's exit event, unless event is true, in which case it
// registers the wait and returns immediately with a channel the caller (typically the
// resource manager's upcall loop) drains asynchronously (§4.8: "the manager issues
// activity_wait with an upcall event").
func (d *Dispatcher) ActivityWait(targets []uint32, event bool) (ExitEvent, <-chan ExitEvent, error) {
	if len(targets) == 0 {
		return ExitEvent{}, nil, kerr.New(kerr.InvArgs, "activity_wait: no targets given")
	}

	d.mu.Lock()
	for _, id := range targets {
		if rec, ok := d.exits[id]; ok {
			delete(d.exits, id)
			d.mu.Unlock()
			return ExitEvent{ActivityID: id, Code: rec.code}, nil, nil
		}
	}

	sub := &exitSub{ch: make(chan ExitEvent, 1)}
	for _, id := range targets {
		d.exitSubs[id] = append(d.exitSubs[id], sub)
	}
	d.mu.Unlock()

	if event {
		return ExitEvent{}, sub.ch, nil
	}
	return <-sub.ch, nil, nil
}
