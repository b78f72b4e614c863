package capeng

// Hooks lets the revocation destructors reach across package boundaries
// into the tile multiplexer (TCU endpoint invalidation) and the kernel's
// service broker (shutdown/close upcalls) without capeng importing
// either (§4.2 destructor list).
type Hooks interface {
	InvalidateEndpoint(tileID uint32, ep uint32, force bool) error
	NotifyServiceShutdown(svc *ServiceObj)
	NotifySessionClose(sess *SessionObj, revokerIsServer bool)
	WakeSemaphoreWaiters(sem *SemaphoreObj)
	FreeFrames(alloc *MemAlloc)
	ReleaseEndpoint(ep *EndpointObj)
}

// Revoke performs the post-order revocation described in §4.2: every
// descendant's destructor runs before it is unlinked, then, if
// includeSelf, root's own destructor runs too.
func Revoke(table *Table, root *Cap, includeSelf bool, hooks Hooks) error {
	for _, child := range children(root) {
		if err := Revoke(table, child, true, hooks); err != nil {
			return err
		}
	}
	if includeSelf {
		if err := destroy(root, hooks); err != nil {
			return err
		}
		if sel, ok := table.SelectorOf(root); ok {
			table.Remove(sel)
		}
		unlink(root)
	}
	return nil
}

// destroy runs the variant-specific destructor for c, then (for
// KernelMemory/Tile) returns quota to the parent. Destructor errors are
// logged by the caller and swallowed per §7 ("Revocation never fails;
// destructor errors are logged and swallowed"); Revoke itself only
// returns an error for the KernelMemory invariant check, which is a
// kernel bug, not a normal runtime condition.
func destroy(c *Cap, hooks Hooks) error {
	switch c.Kind {
	case KindSendGate:
		destroySendGate(c, hooks)
	case KindRecvGate:
		destroyRecvGate(c, hooks)
	case KindMemGate:
		destroyMemGate(c, hooks)
	case KindMapping:
		// nothing to free beyond the table slot; the backing MemGate
		// retains ownership of the allocation.
	case KindService:
		destroyService(c, hooks)
	case KindSession:
		destroySession(c, hooks)
	case KindSemaphore:
		destroySemaphore(c, hooks)
	case KindKernelMemory:
		if err := destroyKMem(c); err != nil {
			return err
		}
	case KindTile:
		if err := destroyTile(c); err != nil {
			return err
		}
	case KindEndpoint:
		destroyEndpoint(c, hooks)
	case KindActivity:
		// weak reference only; nothing owned here (§3).
	}

	if c.FundedBy != nil {
		_ = Credit(c.FundedBy, CostOf(c.Kind))
	}
	return nil
}

func destroySendGate(c *Cap, hooks Hooks) {
	sg := c.SendGate
	if hooks != nil && sg.BoundEP != nil {
		hooks.InvalidateEndpoint(sg.BoundEP.Tile.TileID, sg.BoundEP.EPIndex, true)
	}
}

// destroyRecvGate deactivates the gate by clearing its activation state.
// It does not detach the kernel's serial sink: a revoked serial gate
// stays registered as the sink until the sink is replaced or cleared.
func destroyRecvGate(c *Cap, hooks Hooks) {
	rg := c.RecvGate
	rg.Activated = false
	rg.BufAddr = 0
}

func destroyMemGate(c *Cap, hooks Hooks) {
	mg := c.MemGate
	if !mg.Derived && hooks != nil {
		hooks.FreeFrames(mg.Alloc)
	}
}

func destroyService(c *Cap, hooks Hooks) {
	svc := c.Service
	if svc.Owner && hooks != nil {
		hooks.NotifyServiceShutdown(svc)
	}
}

func destroySession(c *Cap, hooks Hooks) {
	sess := c.Session
	if sess.AutoClose && hooks != nil {
		hooks.NotifySessionClose(sess, false)
	}
}

func destroySemaphore(c *Cap, hooks Hooks) {
	sem := c.Semaphore
	sem.Waiters = semRevoked
	if hooks != nil {
		hooks.WakeSemaphoreWaiters(sem)
	}
}

func destroyEndpoint(c *Cap, hooks Hooks) {
	ep := c.Endpoint
	if hooks != nil {
		hooks.InvalidateEndpoint(ep.Tile.TileID, ep.EPIndex, true)
		hooks.ReleaseEndpoint(ep)
	}
	if ep.Tile != nil {
		ep.Tile.EPs.Left += uint64(1 + ep.ReplySlots)
	}
}
