package resmng

import (
	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// ModSpec/TileSpec/MemSpec/ServSpec describe one boot-info entry the subsystem
// builder packages for a nested resource manager, paired with the source
// capability (already held in this manager's own table) that backs it (§4.9).
type ModSpec struct {
	Name string
	Src  *capeng.Cap
}

type TileSpec struct {
	Pool *capeng.Cap
	Desc string
	Args capeng.TileQuotaArgs
}

type MemSpec struct {
	Pool  *capeng.Cap
	Size  uint64
	Perms tcu.Perms
}

type ServSpec struct {
	Name  string
	Quota SessionQuota
}

// ModDesc/TileDesc/MemDesc/ServDesc are the boot-info descriptors a nested
// resource manager parses at the selector offsets it expects — the same
// shape the root resource manager parses its own boot modules/tiles/mem/
// services from (§4.9).
type ModDesc struct {
	Name string
	Sel  capeng.Selector
}

type TileDesc struct {
	Sel capeng.Selector
}

type MemDesc struct {
	Sel  capeng.Selector
	Size uint64
}

type ServDesc struct {
	Name     string
	Sel      capeng.Selector
	Sessions uint32
}

// BootInfo is the header (mod/tile/mem/serv counts) plus contiguous
// descriptor arrays a nested resource manager receives in place of the boot
// modules the root resmng parses from its own boot image (§4.9).
type BootInfo struct {
	ModCount  uint32
	TileCount uint32
	MemCount  uint32
	ServCount uint32

	Mods  []ModDesc
	Tiles []TileDesc
	Mems  []MemDesc
	Servs []ServDesc
}

// Subsystem is the boot-info package assembled for an OwnChild that is
// itself a resource manager for a nested domain; it is attached to the
// child's Subsys field once built (§4.8, §4.9).
type Subsystem struct {
	BootInfo *BootInfo
}

// BuildSubsystem packages mods/tiles/mems/servs for oc: it places the
// backing capability for every descriptor in the manager's own table on
// oc's behalf, filed into oc's resource lists (via the same
// exchange-based UseXxx/AllocTile/AllocMem/RegServ paths a running child
// would call itself over §6.3) and records the selector each descriptor was
// placed at, in parallel with the plain boot-info arrays the child parses.
// Session quotas are split per §4.9: a Fixed ServSpec gets exactly that
// count, the rest divide (parentSessionsLeft − Σfixed) among themselves in
// proportion to their Fraction weight.
func (m *Manager) BuildSubsystem(oc *OwnChild, mods []ModSpec, tiles []TileSpec, mems []MemSpec, servs []ServSpec, parentSessionsLeft uint32) (*Subsystem, error) {
	bi := &BootInfo{}

	for _, spec := range mods {
		sel, err := m.useGeneric(oc, spec.Src, &oc.Res.Mods)
		if err != nil {
			return nil, err
		}
		bi.Mods = append(bi.Mods, ModDesc{Name: spec.Name, Sel: sel})
	}
	bi.ModCount = uint32(len(bi.Mods))

	for _, spec := range tiles {
		sel, err := m.AllocTile(oc.ID(), spec.Pool, spec.Desc, spec.Args)
		if err != nil {
			return nil, err
		}
		bi.Tiles = append(bi.Tiles, TileDesc{Sel: sel})
	}
	bi.TileCount = uint32(len(bi.Tiles))

	for _, spec := range mems {
		sel, err := m.AllocMem(oc.ID(), spec.Pool, spec.Size, spec.Perms)
		if err != nil {
			return nil, err
		}
		bi.Mems = append(bi.Mems, MemDesc{Sel: sel, Size: spec.Size})
	}
	bi.MemCount = uint32(len(bi.Mems))

	sessions, err := splitSessionQuotas(servs, parentSessionsLeft)
	if err != nil {
		return nil, err
	}
	for _, spec := range servs {
		sel, err := m.RegServ(oc.ID(), spec.Name, sessions[spec.Name])
		if err != nil {
			return nil, err
		}
		bi.Servs = append(bi.Servs, ServDesc{Name: spec.Name, Sel: sel, Sessions: sessions[spec.Name]})
	}
	bi.ServCount = uint32(len(bi.Servs))

	sub := &Subsystem{BootInfo: bi}
	oc.Subsys = sub
	return sub, nil
}

// splitSessionQuotas resolves each ServSpec's session count (§4.9): fixed
// quotas are taken verbatim, the remainder of parentLeft is divided among
// the fraction quotas in proportion to their weight.
func splitSessionQuotas(servs []ServSpec, parentLeft uint32) (map[string]uint32, error) {
	out := make(map[string]uint32, len(servs))

	var fixedSum, fractionSum uint32
	for _, s := range servs {
		if s.Quota.Fixed != nil {
			fixedSum += *s.Quota.Fixed
		} else {
			fractionSum += s.Quota.Fraction
		}
	}
	if fixedSum > parentLeft {
		return nil, kerr.New(kerr.NoSpace, "subsystem: fixed session quotas exceed parent's remaining session budget")
	}

	remainder := parentLeft - fixedSum
	var share uint32
	if fractionSum > 0 {
		share = remainder / fractionSum
	}

	for _, s := range servs {
		if s.Quota.Fixed != nil {
			out[s.Name] = *s.Quota.Fixed
		} else {
			out[s.Name] = share * s.Quota.Fraction
		}
	}
	return out, nil
}
