package resmng

import "github.com/nestybox/m3kernel/internal/capeng"

// Child is either an OwnChild (this manager created it) or a ForeignChild (created by
// a descendant resource manager, tracked here only so its resources can be accounted
// for and revoked) (§4.8).
type Child interface {
	ID() uint32
	ActivityID() uint32
	Tile() uint32
	Name() string
	Daemon() bool
	Foreign() bool
	Resources() *ChildResources
}

// OwnChild is a child this manager created directly: it owns the child's running
// activity, its Tile/KernelMemory capabilities, its memory quota, its parsed
// AppConfig, and the resources allocated on the child's behalf (§4.8).
type OwnChild struct {
	id         uint32
	activityID uint32
	tile       uint32

	ActivityCap *capeng.Cap
	TileCap     *capeng.Cap
	KMemCap     *capeng.Cap

	Cfg *AppConfig
	Mem *ChildMem
	Res *ChildResources

	// Subsys is set when this child is itself a resource manager for a nested
	// domain; the subsystem builder filled in its boot-info before it was started
	// (§4.9).
	Subsys *Subsystem

	daemon     bool
	registered bool // true once the child has registered at least one service
}

func newOwnChild(id, activityID, tile uint32, cfg *AppConfig, memQuota uint64) *OwnChild {
	return &OwnChild{
		id:         id,
		activityID: activityID,
		tile:       tile,
		Cfg:        cfg,
		Mem:        newChildMem(memQuota),
		Res:        &ChildResources{},
		daemon:     cfg.Daemon,
	}
}

func (c *OwnChild) ID() uint32                { return c.id }
func (c *OwnChild) ActivityID() uint32        { return c.activityID }
func (c *OwnChild) Tile() uint32              { return c.tile }
func (c *OwnChild) Name() string              { return c.Cfg.Name }
func (c *OwnChild) Daemon() bool              { return c.daemon }
func (c *OwnChild) Foreign() bool             { return false }
func (c *OwnChild) Resources() *ChildResources { return c.Res }

// ForeignChild is a child created by a descendant resource manager of this one: this
// manager only accounts for and revokes its resources, never authorizes requests on
// its behalf directly (§4.8).
type ForeignChild struct {
	id         uint32
	activityID uint32
	tile       uint32
	name       string
	Res        *ChildResources
}

func newForeignChild(id, activityID, tile uint32, name string) *ForeignChild {
	return &ForeignChild{id: id, activityID: activityID, tile: tile, name: name, Res: &ChildResources{}}
}

func (c *ForeignChild) ID() uint32                { return c.id }
func (c *ForeignChild) ActivityID() uint32         { return c.activityID }
func (c *ForeignChild) Tile() uint32               { return c.tile }
func (c *ForeignChild) Name() string               { return c.name }
func (c *ForeignChild) Daemon() bool               { return false }
func (c *ForeignChild) Foreign() bool              { return true }
func (c *ForeignChild) Resources() *ChildResources { return c.Res }
