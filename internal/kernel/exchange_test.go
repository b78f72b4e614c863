package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// TestExchangeSessObtainAppliesRange exercises exchange_over_sess's happy
// path (§4.5, §6.2): the server replies positively to an OBTAIN with a
// capability, and the kernel installs it at the caller's destination
// selector.
func TestExchangeSessObtainAppliesRange(t *testing.T) {
	d := New()
	p := newTestActivity(1, 4096)
	q := newTestActivity(2, 4096)

	require.NoError(t, d.CreateRGate(p, 1, 6, 6))
	handler := func(req SessionRequest) SessionReply {
		switch req.Kind {
		case SessionOpen:
			return SessionReply{OK: true, Ident: 7}
		case SessionObtain:
			require.NoError(t, d.CreateMGate(p, 50, 1, 0, 4096, tcu.PermRead))
			return SessionReply{OK: true, Caps: []*capeng.Cap{p.Table.Get(50)}}
		}
		return SessionReply{OK: false}
	}
	require.NoError(t, d.CreateSrv(p, 2, 1, "svc", uint64(p.ID), handler))
	require.NoError(t, d.OpenSess(q, 17, "svc", false))

	require.NoError(t, d.ExchangeSess(q, 17, 30, true, nil))
	got := q.Table.Get(30)
	require.NotNil(t, got)
	assert.Equal(t, capeng.KindMemGate, got.Kind)
}

// TestExchangeSessObtainOverlapLeavesCallerUntouched is the §9 Open
// Question: when the server's reply would land on a destination
// selector the caller already has in use, ExchangeSess fails and the
// caller's table keeps its pre-existing occupant instead of being
// partially overwritten; the server's own side is never rolled back
// since there is no protocol message to undo its CRD commit.
func TestExchangeSessObtainOverlapLeavesCallerUntouched(t *testing.T) {
	d := New()
	p := newTestActivity(1, 4096)
	q := newTestActivity(2, 4096)

	require.NoError(t, d.CreateRGate(p, 1, 6, 6))
	handler := func(req SessionRequest) SessionReply {
		switch req.Kind {
		case SessionOpen:
			return SessionReply{OK: true, Ident: 7}
		case SessionObtain:
			require.NoError(t, d.CreateMGate(p, 51, 1, 0, 4096, tcu.PermRead))
			return SessionReply{OK: true, Caps: []*capeng.Cap{p.Table.Get(51)}}
		}
		return SessionReply{OK: false}
	}
	require.NoError(t, d.CreateSrv(p, 2, 1, "svc2", uint64(p.ID), handler))
	require.NoError(t, d.OpenSess(q, 17, "svc2", false))

	// Pre-occupy the destination selector the server's reply will target.
	require.NoError(t, d.CreateSem(q, 30, 0))
	occupant := q.Table.Get(30)

	err := d.ExchangeSess(q, 17, 30, true, nil)
	assert.True(t, kerr.Is(err, kerr.Exists))

	assert.Same(t, occupant, q.Table.Get(30))
	// The server's own capability table is untouched: selector 51 still
	// holds the MemGate it created, since no rollback protocol exists.
	assert.NotNil(t, p.Table.Get(51))
}

// TestExchangeSessRejectedByServerFails covers exchange_over_sess's other
// failure mode: a server that refuses the request fails the syscall with
// NoPerm and installs nothing.
func TestExchangeSessRejectedByServerFails(t *testing.T) {
	d := New()
	p := newTestActivity(1, 4096)
	q := newTestActivity(2, 4096)

	require.NoError(t, d.CreateRGate(p, 1, 6, 6))
	handler := func(req SessionRequest) SessionReply {
		if req.Kind == SessionOpen {
			return SessionReply{OK: true, Ident: 1}
		}
		return SessionReply{OK: false}
	}
	require.NoError(t, d.CreateSrv(p, 2, 1, "svc3", uint64(p.ID), handler))
	require.NoError(t, d.OpenSess(q, 17, "svc3", false))

	err := d.ExchangeSess(q, 17, 30, false, nil)
	assert.True(t, kerr.Is(err, kerr.NoPerm))
	assert.False(t, q.Table.InUse(30))
}
