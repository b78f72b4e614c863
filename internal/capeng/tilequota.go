package capeng

import "github.com/nestybox/m3kernel/internal/kerr"

// NewRootTile creates a root Tile capability owning its own EP/time/PT
// quotas outright (§4.4).
func NewRootTile(tileID uint32, eps uint64, timeNS uint64, pts uint64) *Cap {
	return &Cap{
		Kind: KindTile,
		Tile: &TileObj{
			TileID: tileID,
			EPs:    &QuotaShare{Total: eps, Left: eps, Users: 1},
			Time:   &QuotaShare{Total: timeNS, Left: timeNS, Users: 1},
			PTs:    &QuotaShare{Total: pts, Left: pts, Users: 1},
		},
	}
}

// TileQuotaArgs expresses derive_tile's optional present/absent values: a
// present value subtracts from the parent's total and becomes the
// child's own quota; an absent value means the child shares the parent's
// QuotaShare object (§4.4).
type TileQuotaArgs struct {
	EPs  *uint64
	Time *uint64
	PTs  *uint64
}

// DeriveTile creates a child Tile capability (§4.4 derive_tile).
func DeriveTile(parent *Cap, args TileQuotaArgs) (*Cap, error) {
	if parent.Kind != KindTile {
		return nil, kerr.New(kerr.InvArgs, "derive_tile: parent is not Tile")
	}
	pt := parent.Tile

	eps, err := deriveQuota(pt.EPs, args.EPs)
	if err != nil {
		return nil, kerr.Wrap(kerr.NoSpace, err, "derive_tile: eps")
	}
	tm, err := deriveQuota(pt.Time, args.Time)
	if err != nil {
		return nil, kerr.Wrap(kerr.NoSpace, err, "derive_tile: time")
	}
	pts, err := deriveQuota(pt.PTs, args.PTs)
	if err != nil {
		return nil, kerr.Wrap(kerr.NoSpace, err, "derive_tile: pts")
	}

	child := &Cap{
		Kind: KindTile,
		Tile: &TileObj{
			TileID:  pt.TileID,
			EPs:     eps,
			Time:    tm,
			PTs:     pts,
			Derived: true,
		},
	}
	addChild(parent, child)
	return child, nil
}

// deriveQuota implements one quota dimension's present/absent rule: a
// present value splits off a new QuotaShare from share; absent shares
// share itself and bumps its Users so refills divide total/users (§4.4).
func deriveQuota(share *QuotaShare, present *uint64) (*QuotaShare, error) {
	if present == nil {
		share.Users++
		return share, nil
	}
	if *present > share.Left {
		return nil, kerr.New(kerr.NoSpace, "requested quota exceeds parent's remaining share")
	}
	share.Left -= *present
	share.Total -= *present
	return &QuotaShare{Total: *present, Left: *present, Users: 1}, nil
}

// Refill implements the "on dispatch, if left == 0 refill left =
// total/users" rule (§4.6 Budgets) for any of the three quota
// dimensions.
func (q *QuotaShare) Refill() {
	if q.Left == 0 {
		users := q.Users
		if users < 1 {
			users = 1
		}
		q.Left = q.Total / uint64(users)
	}
}

// SetQuota implements TileSetQuota (§6.2): only legal on a non-derived
// Tile with at most one activity.
func SetQuota(tileCap *Cap, timeNS, pts uint64) error {
	if tileCap.Kind != KindTile {
		return kerr.New(kerr.InvArgs, "tile_set_quota: not a Tile capability")
	}
	t := tileCap.Tile
	if t.Derived {
		return kerr.New(kerr.NoPerm, "tile_set_quota: tile is derived")
	}
	if t.ActivityCount > 1 {
		return kerr.New(kerr.NoPerm, "tile_set_quota: tile has more than one activity")
	}
	t.Time.Total = timeNS
	t.Time.Left = timeNS
	t.PTs.Total = pts
	t.PTs.Left = pts
	return nil
}

// destroyTile returns each quota dimension to the parent Tile, skipping
// dimensions shared with the parent (§4.2 revoke destructor for Tile).
func destroyTile(c *Cap) error {
	t := c.Tile
	if c.Parent == nil || c.Parent.Kind != KindTile {
		return nil
	}
	pt := c.Parent.Tile

	returnQuota := func(child, parent *QuotaShare) {
		if child == parent {
			// shared: just drop our claim on the user count.
			if parent.Users > 1 {
				parent.Users--
			}
			return
		}
		parent.Total += child.Total
		parent.Left += child.Total
	}
	returnQuota(t.EPs, pt.EPs)
	returnQuota(t.Time, pt.Time)
	returnQuota(t.PTs, pt.PTs)
	pt.ActivityCount -= t.ActivityCount
	return nil
}
