package tcu

import (
	"sync"

	"github.com/nestybox/m3kernel/internal/kerr"
)

// NetworkSim is a Bus implementation that routes Deliver/ReadMem/WriteMem
// calls directly to the target tile's in-process TCU. It stands in for
// the physical interconnect real TCU hardware rides on.
type NetworkSim struct {
	mu    sync.RWMutex
	tiles map[uint32]*TCU
}

// NewNetworkSim creates an empty bus.
func NewNetworkSim() *NetworkSim {
	return &NetworkSim{tiles: make(map[uint32]*TCU)}
}

// Register attaches a tile's TCU to the bus so other tiles can reach it.
func (n *NetworkSim) Register(t *TCU) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tiles[t.TileID] = t
}

func (n *NetworkSim) lookup(tile uint32) (*TCU, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tiles[tile]
	if !ok {
		return nil, kerr.New(kerr.NotFound, "bus: no such tile")
	}
	return t, nil
}

func (n *NetworkSim) Deliver(tile, ep uint32, msg Message) error {
	t, err := n.lookup(tile)
	if err != nil {
		return err
	}
	return t.Deliver(ep, msg)
}

func (n *NetworkSim) CreditSend(tile, ep uint32) error {
	t, err := n.lookup(tile)
	if err != nil {
		return err
	}
	return t.CreditSend(ep)
}

func (n *NetworkSim) ReadMem(tile uint32, addr uint64, size uint32) ([]byte, error) {
	t, err := n.lookup(tile)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.readAt(addr, uint64(size)), nil
}

func (n *NetworkSim) WriteMem(tile uint32, addr uint64, data []byte) error {
	t, err := n.lookup(tile)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.writeAt(addr, data)
	return nil
}
