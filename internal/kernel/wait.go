package kernel

import (
	"sync"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
)

// waitRegistry implements the "coroutine-style suspension" design note
// (§9): a blocking syscall suspends on a *capeng.WaitToken and is woken
// by notify(event, msg). Generalizes pidmon.go's single cmdCh/EventCh
// pair (one fixed event stream) into one buffered channel per token,
// since the kernel has many concurrent, independently-addressed waits
// rather than one monitor's event stream.
type waitRegistry struct {
	mu      sync.Mutex
	waiting map[*capeng.WaitToken]chan wakeup
}

type wakeup struct {
	msg     interface{}
	revoked bool
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{waiting: make(map[*capeng.WaitToken]chan wakeup)}
}

// suspend blocks the calling kernel thread until notify or revoke is
// called on token. Returns the message notify was called with, or
// kerr.RecvGone if the waited-on object was destroyed first.
func (r *waitRegistry) suspend(token *capeng.WaitToken) (interface{}, error) {
	ch := make(chan wakeup, 1)

	r.mu.Lock()
	r.waiting[token] = ch
	r.mu.Unlock()

	w := <-ch
	if w.revoked {
		return nil, kerr.New(kerr.RecvGone, "suspend: waited-on object was revoked")
	}
	return w.msg, nil
}

// notify wakes the thread suspended on token, if any. A token with no
// waiter is a no-op (the syscall may not have suspended yet, or already
// returned via a different path).
func (r *waitRegistry) notify(token *capeng.WaitToken, msg interface{}) {
	r.mu.Lock()
	ch, ok := r.waiting[token]
	if ok {
		delete(r.waiting, token)
	}
	r.mu.Unlock()

	if ok {
		ch <- wakeup{msg: msg}
	}
}

// revoke wakes the thread suspended on token with RecvGone, matching
// §5's cancellation rule ("if the waited-for object is destroyed, the
// waiter receives RecvGone and must unwind").
func (r *waitRegistry) revoke(token *capeng.WaitToken) {
	r.mu.Lock()
	ch, ok := r.waiting[token]
	if ok {
		delete(r.waiting, token)
	}
	r.mu.Unlock()

	if ok {
		ch <- wakeup{revoked: true}
	}
}
