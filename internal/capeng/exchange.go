package capeng

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/nestybox/m3kernel/internal/kerr"
)

// Exchange moves a contiguous range of selectors from own's table to
// target's table, or obtains a copy, depending on obtain (§4.2 exchange:
// "exchange(target_activity, own_range, peer_start, obtain)"). When
// obtain is false this is a move: the capabilities are reparented onto
// whichever forest position they already occupy (Exchange never touches
// Parent/FirstChild/NextSibling, only table slots) and ownTable's slots
// are cleared. When obtain is true the source capabilities are left in
// place and shallow aliases are installed at the destination, mirroring
// DeriveService/DeriveMemGate-style non-owning children so a later
// Revoke of the destination alias does not tear down the original.
func Exchange(ownTable, targetTable *Table, ownRange []Selector, peerStart Selector, obtain bool) error {
	seen := mapset.NewThreadUnsafeSet()
	for i, sel := range ownRange {
		if !seen.Add(sel) {
			return kerr.New(kerr.InvArgs, "exchange: own_range contains a duplicate selector")
		}
		dst := peerStart + Selector(i)
		if targetTable.InUse(dst) {
			return kerr.New(kerr.Exists, "exchange: destination selector already in use")
		}
		if !ownTable.InUse(sel) {
			return kerr.New(kerr.InvArgs, "exchange: source selector unused")
		}
	}

	for i, sel := range ownRange {
		dst := peerStart + Selector(i)
		c := ownTable.Get(sel)

		if obtain {
			alias, err := aliasOf(c)
			if err != nil {
				return err
			}
			if err := targetTable.Insert(dst, alias); err != nil {
				return err
			}
			continue
		}

		if err := targetTable.Insert(dst, c); err != nil {
			return err
		}
		ownTable.Remove(sel)
	}
	return nil
}

// aliasOf produces the non-owning child capability Exchange installs at
// the destination table when obtain is requested: a fresh Cap node
// parented to c that shares c's variant object, so revoking the alias
// later leaves the original untouched while revoking the original tears
// down the alias too, same as any other derived capability (§4.2's note
// that exchanged-with-obtain capabilities "behave like any other derived
// capability" for revocation purposes).
func aliasOf(c *Cap) (*Cap, error) {
	switch c.Kind {
	case KindService:
		return DeriveService(c)
	case KindMemGate:
		return DeriveMemGate(c, c.MemGate.Perms)
	case KindSendGate:
		child := &Cap{Kind: KindSendGate, SendGate: c.SendGate}
		addChild(c, child)
		return child, nil
	case KindRecvGate:
		// resource-manager "use_rgate": hands a non-owning alias of an existing
		// RecvGate into the child's table (§6.3).
		child := &Cap{Kind: KindRecvGate, RecvGate: c.RecvGate}
		addChild(c, child)
		return child, nil
	case KindSemaphore:
		// "use_sem": same non-owning alias pattern over a SemaphoreObj.
		child := &Cap{Kind: KindSemaphore, Semaphore: c.Semaphore}
		addChild(c, child)
		return child, nil
	case KindMapping:
		child := &Cap{Kind: KindMapping, RangeLen: c.RangeLen, Mapping: c.Mapping}
		addChild(c, child)
		return child, nil
	default:
		return nil, kerr.New(kerr.NotSup, "exchange: obtain not supported for "+c.Kind.String())
	}
}
