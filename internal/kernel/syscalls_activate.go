package kernel

import (
	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// serialSink is the kernel's well-known serial-output RecvGate: activate
// treats it as a special case on re-activation (§9 Open Question,
// resolved per SUPPLEMENTED FEATURES #3: deactivate-then-reinit is
// intentional and exercised by TestActivateSerialGateReinitializes).
var serialSink *capeng.RecvGateObj

// SetSerialSink designates rgate as the kernel's serial router; nil
// clears it. Exposed for tests and for the boot driver to call once
// during initialization.
func SetSerialSink(rgate *capeng.RecvGateObj) { serialSink = rgate }

// SerialSinkCap returns a non-owning alias capability of the kernel's
// serial sink RecvGate, or nil if none is registered, for resmng's
// get_serial (§6.3) to hand to a child via the same aliasing exchange
// use_rgate/use_sgate/use_sem use.
func SerialSinkCap() *capeng.Cap {
	if serialSink == nil {
		return nil
	}
	return &capeng.Cap{Kind: capeng.KindRecvGate, RecvGate: serialSink}
}

// Activate implements activate (§4.5): deconfigures ep's previously
// bound Gate, then configures ep according to gate's variant.
func (d *Dispatcher) Activate(act *Activity, epSel, gateSel capeng.Selector, rbufOff uint64) error {
	epCap := act.Table.Get(epSel)
	if epCap == nil || epCap.Kind != capeng.KindEndpoint {
		return kerr.New(kerr.InvArgs, "activate: selector is not an Endpoint")
	}
	gateCap := act.Table.Get(gateSel)
	if gateCap == nil {
		return kerr.New(kerr.InvArgs, "activate: gate selector unused")
	}

	ep := epCap.Endpoint
	t, err := d.tcuFor(ep.Tile.TileID)
	if err != nil {
		return err
	}

	if err := d.deconfigure(t, ep); err != nil {
		return err
	}

	switch gateCap.Kind {
	case capeng.KindSendGate:
		return d.activateSend(t, ep, gateCap)
	case capeng.KindRecvGate:
		return d.activateRecv(t, act.ID, ep, gateCap, rbufOff)
	case capeng.KindMemGate:
		return d.activateMemory(t, act.ID, ep, gateCap)
	default:
		return kerr.New(kerr.InvArgs, "activate: gate is not a SendGate, RecvGate, or MemGate")
	}
}

// deconfigure invalidates whatever ep currently carries. For a SendGate it
// unbinds the gate and invalidates the EP the gate was bound to (this EP);
// reply EPs on the target RecvGate's side are not invalidated. For a
// RecvGate it clears the gate's activation state and, if the gate is the
// current serial sink, detaches it.
func (d *Dispatcher) deconfigure(t *tcu.TCU, ep *capeng.EndpointObj) error {
	if ep.BoundSendGate == nil && ep.BoundRecvGate == nil {
		return nil
	}
	if ep.BoundSendGate != nil {
		target := ep.BoundSendGate.BoundEP
		ep.BoundSendGate.BoundEP = nil
		ep.BoundSendGate = nil
		if target != nil {
			if err := d.InvalidateEndpoint(target.Tile.TileID, target.EPIndex, true); err != nil {
				return err
			}
		}
	}
	if ep.BoundRecvGate != nil {
		rg := ep.BoundRecvGate
		rg.Activated = false
		rg.BufAddr = 0
		ep.BoundRecvGate = nil
		if rg.Serial && serialSink == rg {
			// The serial router is detached here and re-initialized by
			// activateRecv immediately afterwards if the new gate is
			// itself a (possibly different) serial RecvGate.
			SetSerialSink(nil)
		}
	}
	_, err := t.InvalidateEP(ep.EPIndex, true)
	return err
}

func (d *Dispatcher) activateSend(t *tcu.TCU, ep *capeng.EndpointObj, gateCap *capeng.Cap) error {
	sg := gateCap.SendGate
	rg := sg.RGate
	if !rg.Activated {
		// An SGate activation blocks on the RecvGate's wait token if the
		// shared rgate has not yet been activated elsewhere (§4.5).
		if _, err := d.wait.suspend(rgateActivationToken(rg)); err != nil {
			return err
		}
	}
	if err := t.ConfigureSend(ep.EPIndex, uint16(0), tcu.SendEP{
		TargetTile: rg.Tile,
		TargetEP:   rg.EP,
		Label:      sg.Label,
		CreditsMax: sg.Credits,
		Credits:    sg.Credits,
		MaxMsgSize: uint32(1) << rg.MsgOrder,
	}); err != nil {
		return err
	}
	ep.BoundSendGate = sg
	sg.BoundEP = ep
	return nil
}

func (d *Dispatcher) activateRecv(t *tcu.TCU, actID uint32, ep *capeng.EndpointObj, gateCap *capeng.Cap, rbufOff uint64) error {
	rg := gateCap.RecvGate
	replyBase := uint32(0)
	hasReplies := ep.ReplySlots > 0
	if hasReplies {
		want := uint32(1) << (rg.BufOrder - rg.MsgOrder)
		if ep.ReplySlots != want {
			return kerr.New(kerr.InvArgs, "activate: reply-EP count does not match 1<<(order-msg_order)")
		}
		replyBase = ep.EPIndex + 1
	}

	if err := t.ConfigureReceive(ep.EPIndex, uint16(actID), tcu.ReceiveEP{
		BufAddr:     rbufOff,
		BufOrder:    rg.BufOrder,
		MsgOrder:    rg.MsgOrder,
		ReplyEPBase: replyBase,
		HasReplyEPs: hasReplies,
	}); err != nil {
		return err
	}

	rg.Activated = true
	rg.Tile = ep.Tile.TileID
	rg.EP = ep.EPIndex
	rg.BufAddr = rbufOff
	ep.BoundRecvGate = rg

	if rg.Serial {
		SetSerialSink(rg)
	}

	d.wait.notify(rgateActivationToken(rg), nil)
	return nil
}

// activateMemory installs a Memory-EP configuration from a MemGate (§8
// scenario 2: EP reuse across variants). Unlike SetPMP, which is
// restricted to the tile's protected low-numbered EP range, Activate
// accepts a MemGate on any EP the caller owns.
func (d *Dispatcher) activateMemory(t *tcu.TCU, actID uint32, ep *capeng.EndpointObj, gateCap *capeng.Cap) error {
	mg := gateCap.MemGate
	return t.ConfigureMemory(ep.EPIndex, uint16(actID), tcu.MemoryEP{
		TargetTile: mg.Alloc.Tile,
		Base:       mg.Alloc.Offset,
		Size:       mg.Alloc.Size,
		Perms:      mg.Perms,
	})
}

// rgateActivationToken gives every RecvGate a stable wait-event identity
// for the "SGate activation blocks until its RecvGate is activated"
// suspension (§4.5), the same lazily-keyed-by-pointer pattern semToken
// uses for Semaphores.
func rgateActivationToken(rg *capeng.RecvGateObj) *capeng.WaitToken {
	semTokenMu.Lock()
	defer semTokenMu.Unlock()
	tok, ok := rgateTokens[rg]
	if !ok {
		tok = capeng.NewWaitToken("rgate-activation")
		rgateTokens[rg] = tok
	}
	return tok
}

var rgateTokens = make(map[*capeng.RecvGateObj]*capeng.WaitToken)
