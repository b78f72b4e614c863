// Package kernel implements the syscall dispatcher and service broker
// that sit on top of internal/capeng and internal/tcu (§4.5, §6.2): it
// decodes opcodes, enforces the dispatcher's uniform policy, and
// performs each syscall's algorithmic content.
package kernel

import "github.com/nestybox/m3kernel/internal/capeng"

// Activity is the dispatcher's view of one activity: its capability
// table and the two capabilities every syscall implicitly charges
// against or validates selectors through (§3, §4.3).
type Activity struct {
	ID   uint32
	Tile uint32
	Name string

	Table *capeng.Table

	// KMem is this activity's default KernelMemory capability, charged
	// for every capability this activity creates unless a syscall names
	// a different funding selector explicitly.
	KMem *capeng.Cap

	// TileCap is the Tile capability activities on this tile were
	// created through; used by TileQuota/TileSetQuota/AllocEP.
	TileCap *capeng.Cap

	alive bool
}

// NewActivity wraps a freshly created capability table for a new
// activity (§4.6: activities are named by id within a tile's bounded
// array; that array lives in internal/tilemux, this is just the
// dispatcher-side record referenced by it).
func NewActivity(id, tile uint32, name string, kmem, tileCap *capeng.Cap) *Activity {
	return &Activity{
		ID:      id,
		Tile:    tile,
		Name:    name,
		Table:   capeng.NewTable(),
		KMem:    kmem,
		TileCap: tileCap,
		alive:   true,
	}
}

// Alive reports whether the activity has not yet exited (§4.8 exit
// handling consults this before delivering late replies, per §4.5's
// "check on resume that the caller still exists").
func (a *Activity) Alive() bool { return a.alive }

// Kill marks the activity exited; the dispatcher refuses to resume any
// syscall suspended on its behalf afterwards.
func (a *Activity) Kill() { a.alive = false }
