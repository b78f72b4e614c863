package kernel

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
)

// ServerHandler simulates the server-side half of the §6.3 protocol for
// one registered service: it receives the client's request and returns
// whether the server accepts it. A service with no handler accepts every
// OPEN unconditionally (a reasonable default for a test harness that
// hasn't modeled the server activity itself).
type ServerHandler func(req SessionRequest) SessionReply

// SessionRequestKind is OPEN/OBTAIN/DELEGATE/CLOSE (§6.3), plus the
// SHUTDOWN upcall a revoked owning Service capability sends (§4.2
// Service destructor).
type SessionRequestKind int

const (
	SessionOpen SessionRequestKind = iota
	SessionObtain
	SessionDelegate
	SessionClose
	ServiceShutdown
)

// SessionRequest is what the broker forwards to a service's handler.
type SessionRequest struct {
	Kind  SessionRequestKind
	Ident uint64
	Own   []capeng.Selector
}

// SessionReply is the server's answer. Caps carries the capabilities the
// server is handing back on OBTAIN (already resolved, since in this
// in-process simulation the handler closure has direct access to
// whatever table it represents rather than addressing them by a
// selector in a table the broker can't see).
type SessionReply struct {
	OK    bool
	Ident uint64
	Caps  []*capeng.Cap
}

// call invokes handler, defaulting a nil handler (a service registered
// without modeling its own server activity) to unconditional acceptance.
func (r *serviceRecord) call(req SessionRequest) SessionReply {
	if r.handler == nil {
		return SessionReply{OK: true, Ident: req.Ident}
	}
	return r.handler(req)
}

type serviceRecord struct {
	cap     *capeng.Cap
	handler ServerHandler
}

// CreateSrv implements create_srv (§6.2): installs a Service capability
// bound to rgate and registers name for get_sess/open_sess. handler may
// be nil to accept every request unconditionally.
func (d *Dispatcher) CreateSrv(act *Activity, dst, rgateSel capeng.Selector, name string, creatorID uint64, handler ServerHandler) error {
	rgate := act.Table.Get(rgateSel)
	if rgate == nil {
		return kerr.New(kerr.InvArgs, "create_srv: rgate selector unused")
	}
	d.mu.Lock()
	if _, exists := d.services[name]; exists {
		d.mu.Unlock()
		return kerr.New(kerr.Exists, "create_srv: service name already registered")
	}
	d.mu.Unlock()

	cap, err := capeng.NewService(name, rgate, creatorID, true)
	if err != nil {
		return err
	}
	if _, err := chargeAndInsert(act.Table, dst, act.KMem, cap); err != nil {
		return err
	}

	d.mu.Lock()
	d.services[name] = &serviceRecord{cap: cap, handler: handler}
	d.mu.Unlock()
	return nil
}

// DeriveSrv implements derive_srv (§6.2).
func (d *Dispatcher) DeriveSrv(act *Activity, dst, parentSel capeng.Selector) error {
	parent := act.Table.Get(parentSel)
	if parent == nil {
		return kerr.New(kerr.InvArgs, "derive_srv: parent selector unused")
	}
	cap, err := capeng.DeriveService(parent)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// OpenSess implements open_sess (§6.3, scenario 3): the client names a
// registered service; the broker forwards an OPEN request to its
// handler, and on a positive reply installs a Session capability with
// the server-assigned ident (§9 design: opaque uuid-derived 64-bit id,
// matching scenario 3's "server replies with identifier 0xBEEF").
func (d *Dispatcher) OpenSess(client *Activity, dst capeng.Selector, name string, autoClose bool) error {
	rec, err := d.lookupService(name)
	if err != nil {
		return err
	}

	ident := sessionIdent()
	req := SessionRequest{Kind: SessionOpen, Ident: ident}
	reply := rec.call(req)
	if !reply.OK {
		return kerr.New(kerr.NoPerm, "open_sess: server rejected OPEN")
	}

	sess, err := capeng.NewSession(rec.cap, rec.cap.Service.CreatorID, reply.Ident, autoClose)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(client.Table, dst, client.KMem, sess)
	return err
}

// GetSess implements get_sess (§6.2): like OpenSess but the ident is
// supplied by the caller rather than assigned by the server (used when
// the session object already exists on the server side and the client
// is merely being handed a second reference to it).
func (d *Dispatcher) GetSess(client *Activity, dst capeng.Selector, name string, ident uint64) error {
	rec, err := d.lookupService(name)
	if err != nil {
		return err
	}
	sess, err := capeng.NewSession(rec.cap, rec.cap.Service.CreatorID, ident, false)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(client.Table, dst, client.KMem, sess)
	return err
}

// ExchangeSess implements exchange_over_sess (§4.2, §4.5): forwards
// OBTAIN/DELEGATE to the server hosting sessSel's session; on a positive
// reply, applies the returned range to the caller's table starting at
// dstStart. Per §9's open question, a reply whose range overlaps an
// already-used destination selector fails the exchange leaving the
// caller's table untouched; what the server did to its own side before
// replying is not undone.
func (d *Dispatcher) ExchangeSess(client *Activity, sessSel, dstStart capeng.Selector, obtain bool, ownRange []capeng.Selector) error {
	sessCap := client.Table.Get(sessSel)
	if sessCap == nil || sessCap.Kind != capeng.KindSession {
		return kerr.New(kerr.InvArgs, "exchange_over_sess: selector is not a Session")
	}
	sess := sessCap.Session

	rec, err := d.lookupServiceByRecord(sess.Root)
	if err != nil {
		return err
	}

	kind := SessionDelegate
	if obtain {
		kind = SessionObtain
	}
	reply := rec.call(SessionRequest{Kind: kind, Ident: sess.Ident, Own: ownRange})
	if !reply.OK {
		return kerr.New(kerr.NoPerm, "exchange_over_sess: server rejected request")
	}

	for i := range reply.Caps {
		dst := dstStart + capeng.Selector(i)
		if client.Table.InUse(dst) {
			return kerr.New(kerr.Exists, "exchange_over_sess: destination selector already in use")
		}
	}
	for i, c := range reply.Caps {
		dst := dstStart + capeng.Selector(i)
		if err := client.Table.Insert(dst, c); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) lookupService(name string) (*serviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.services[name]
	if !ok {
		return nil, kerr.New(kerr.NotFound, "no such service: "+name)
	}
	return rec, nil
}

func (d *Dispatcher) lookupServiceByRecord(svc *capeng.ServiceObj) (*serviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.services {
		if rec.cap.Service == svc {
			return rec, nil
		}
	}
	return nil, kerr.New(kerr.NotFound, "exchange_over_sess: service no longer registered")
}

// sessionIdent derives a 64-bit opaque session identifier from a random
// UUID, truncating to its low 8 bytes (the DOMAIN STACK's "UUID-derived
// opaque id generator").
func sessionIdent() uint64 {
	id := uuid.New()
	b := id[:]
	return binary.BigEndian.Uint64(b[8:16])
}
