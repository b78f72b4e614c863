package tcu

import "golang.org/x/sys/unix"

// backingStore is the host-memory stand-in for a tile's physical memory
// tile (used by Memory EPs and RecvGate buffers). It is backed by a real
// anonymous mmap the way the teacher's mount/idShiftUtils packages reach
// for golang.org/x/sys/unix directly instead of a pure-Go equivalent.
type backingStore struct {
	mem []byte
}

// newBackingStore allocates size bytes of anonymous, read/write memory.
func newBackingStore(size int) (*backingStore, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &backingStore{mem: b}, nil
}

func (b *backingStore) close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

func (b *backingStore) readAt(off, size uint64) []byte {
	out := make([]byte, size)
	copy(out, b.mem[off:off+size])
	return out
}

func (b *backingStore) writeAt(off uint64, data []byte) {
	copy(b.mem[off:off+uint64(len(data))], data)
}
