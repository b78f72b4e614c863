package tilemux

import (
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

const (
	// PMPEPs reserves the low EP range SetPMP installs protected Memory EPs into
	// (§6.2 SetPMP, GLOSSARY "PMP EP": "set only by non-derived Tile capabilities").
	PMPEPs = 4

	// MuxOwnEPs is the range the tile multiplexer reserves for its own traffic
	// (§4.6 EP allocator: "the multiplexer's own EPs").
	MuxOwnEPs = 2

	// StdEPsPerActivity is the fixed-size block create_activity reserves on every
	// activity it creates (§4.6, §6.2): syscall send+recv, upcall recv+reply, default
	// recv, pager send+recv.
	StdEPsPerActivity = 7
)

// epAllocator is the bitmap of TotalEPs endpoints on one tile (§4.6 EP allocator).
type epAllocator struct {
	used [tcu.TotalEPs]bool
}

func newEPAllocator() *epAllocator {
	a := &epAllocator{}
	for i := uint32(0); i < PMPEPs+MuxOwnEPs; i++ {
		a.used[i] = true
	}
	return a
}

// find returns the first aligned free run of length n (§4.6 "find_eps(n) returns the
// first aligned free run of length n").
func (a *epAllocator) find(n uint32) (uint32, error) {
	if n == 0 || n > tcu.TotalEPs {
		return 0, kerr.New(kerr.InvArgs, "alloc_ep: invalid run length")
	}
	for base := uint32(0); base+n <= tcu.TotalEPs; base += n {
		free := true
		for i := uint32(0); i < n; i++ {
			if a.used[base+i] {
				free = false
				break
			}
		}
		if free {
			return base, nil
		}
	}
	return 0, kerr.New(kerr.NoSpace, "alloc_ep: no free EP run of requested length")
}

func (a *epAllocator) reserve(base, n uint32) {
	for i := uint32(0); i < n; i++ {
		a.used[base+i] = true
	}
}

// alloc finds and reserves a run of n EPs in one step.
func (a *epAllocator) alloc(n uint32) (uint32, error) {
	base, err := a.find(n)
	if err != nil {
		return 0, err
	}
	a.reserve(base, n)
	return base, nil
}

// free releases the n EPs starting at base back to the bitmap.
func (a *epAllocator) free(base, n uint32) {
	for i := uint32(0); i < n; i++ {
		if base+i < tcu.TotalEPs {
			a.used[base+i] = false
		}
	}
}
