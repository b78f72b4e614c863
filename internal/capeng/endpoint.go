package capeng

import "github.com/nestybox/m3kernel/internal/kerr"

// NewEndpoint creates an Endpoint capability uniquely owned by the
// activity that calls AllocEP (§6.2), reserving 1+replySlots EPs from
// tileCap's EP quota (§4.4 invariant: a Tile's EP quota "left" plus the
// EPs allocated by all activities on that tile equals the quota total).
// epIndex is the concrete TCU EP index internal/tilemux's bitmap
// allocator already reserved; this constructor only accounts for the
// quota and builds the capability.
func NewEndpoint(tileCap *Cap, epIndex uint32, replySlots uint32, standard bool) (*Cap, error) {
	if tileCap.Kind != KindTile {
		return nil, kerr.New(kerr.InvArgs, "alloc_ep: not a Tile capability")
	}
	t := tileCap.Tile
	need := uint64(1 + replySlots)
	if need > t.EPs.Left {
		return nil, kerr.New(kerr.NoSpace, "alloc_ep: tile EP quota exhausted")
	}
	t.EPs.Left -= need

	child := &Cap{
		Kind: KindEndpoint,
		Endpoint: &EndpointObj{
			Tile:       t,
			EPIndex:    epIndex,
			ReplySlots: replySlots,
			Standard:   standard,
		},
	}
	addChild(tileCap, child)
	return child, nil
}
