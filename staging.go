package rendergraph

import (
	"fmt"
	"sync/atomic"
)

// stagingAlign is the copy alignment every backend accepts.
const stagingAlign = 256

// stagingRing is a host-visible upload arena split into one partition per
// frame slot. A partition is reset when its frame slot is reused, after the
// slot's fence retired, so writes never land in memory the GPU still reads.
// Allocation is a single atomic add, safe from any goroutine.
type stagingRing struct {
	buffer  BufferHandle
	mem     []byte
	perSlot uint64
	heads   []atomic.Uint64
}

func newStagingRing(dev Device, totalBytes uint64, slots int) (*stagingRing, error) {
	perSlot := alignUp(totalBytes/uint64(slots), stagingAlign)
	total := perSlot * uint64(slots)
	buf, err := dev.CreateBuffer(DeviceBufferDesc{
		Label:       "staging-ring",
		Size:        total,
		Usage:       UsageTransferSrc,
		HostVisible: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging ring: %w", err)
	}
	mem, err := dev.MapBuffer(buf)
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("map staging ring: %w", err)
	}
	return &stagingRing{
		buffer:  buf,
		mem:     mem,
		perSlot: perSlot,
		heads:   make([]atomic.Uint64, slots),
	}, nil
}

// Reset rewinds a frame slot's partition. Only call after the slot's fence
// has retired.
func (s *stagingRing) Reset(slot int) {
	s.heads[slot].Store(0)
}

// Alloc carves size bytes out of the slot's partition and returns the
// buffer offset and the mapped window to write into. Returns ok=false when
// the partition is full; the caller decides whether to flush and retry.
func (s *stagingRing) Alloc(slot int, size uint64) (offset uint64, mem []byte, ok bool) {
	size = alignUp(size, stagingAlign)
	end := s.heads[slot].Add(size)
	if end > s.perSlot {
		// Roll back so a smaller allocation can still use the remainder.
		s.heads[slot].Add(^(size - 1))
		return 0, nil, false
	}
	base := uint64(slot)*s.perSlot + end - size
	return base, s.mem[base : base+size], true
}

func (s *stagingRing) destroy(dev Device) {
	dev.DestroyBuffer(s.buffer)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
