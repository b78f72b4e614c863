// Package resmng implements the resource manager: the child manager that owns each of
// its children's resources and authorizes their requests against a declarative
// AppConfig, and the subsystem builder that lets an OwnChild itself be a resource
// manager for a nested domain (§4.8, §4.9, §6.3).
package resmng

import "github.com/nestybox/m3kernel/internal/kerr"

// TileClass names the category of tile a child may be scheduled onto (§4.8 "tile
// class"); the simulation does not model heterogeneous ISAs, so this stays a plain
// string tag matched against a tile descriptor's own class field.
type TileClass string

// SessionQuota is one service's session budget, expressed either as a fixed count or
// as a share of a fraction pool (§4.9 "explicit, or a fraction of the parent's
// remaining session budget").
type SessionQuota struct {
	Fixed    *uint32
	Fraction uint32
}

// AppConfig is the declarative authorization policy for one child (§4.8: "the child's
// AppConfig (parsed requirements)"): the services it may register, the gates/semaphores
// it may use by name, its memory ceiling, and its tile class.
type AppConfig struct {
	Name string
	Args []string

	// Services this child is allowed to register with CreateSrv, each with its
	// session quota.
	Services map[string]SessionQuota

	// SGates/RGates/Sems this child may request via use_sgate/use_rgate/use_sem,
	// naming resources the parent resource manager (or a further ancestor) owns.
	SGates map[string]bool
	RGates map[string]bool
	Sems   map[string]bool
	Mods   map[string]bool

	MemQuota  uint64
	TileClass TileClass
	Daemon    bool
}

func (c *AppConfig) mayRegisterService(name string) bool {
	_, ok := c.Services[name]
	return ok
}

func (c *AppConfig) mayUseSGate(name string) bool { return c.SGates[name] }
func (c *AppConfig) mayUseRGate(name string) bool { return c.RGates[name] }
func (c *AppConfig) mayUseSem(name string) bool   { return c.Sems[name] }
func (c *AppConfig) mayUseMod(name string) bool   { return c.Mods[name] }

// checkMemQuota reports whether requesting an additional size bytes keeps the child
// within its configured ceiling, given bytes already allocated.
func (c *AppConfig) checkMemQuota(allocated, size uint64) error {
	if allocated+size > c.MemQuota {
		return kerr.New(kerr.NoSpace, "request exceeds child's configured memory quota")
	}
	return nil
}
