package rendergraph

import "sync/atomic"

const slotBuckets = 16

// slotAllocator hands out dense uint32 slots without locks. New slots come
// from a monotonic high-water counter; freed slots go onto per-bucket LIFO
// free lists and are preferred on the next allocation, so the dense range
// stays as small as the live set allows.
//
// Each bucket is a Treiber stack threaded through links: links[slot] holds
// the next freed slot below it, in the same slot+1 encoding as the head.
// The head word packs the top slot in its low half and a counter in its
// high half that bumps on every successful update, so a head that regains
// an old value after intervening pops cannot pass a stale CompareAndSwap.
// A slot always frees into bucket slot%slotBuckets, which keeps the lists
// disjoint across buckets.
type slotAllocator struct {
	capacity  uint32
	highWater atomic.Uint32
	lastFreed atomic.Uint32
	links     []atomic.Uint32
	heads     [slotBuckets]atomic.Uint64
}

func newSlotAllocator(capacity uint32) *slotAllocator {
	return &slotAllocator{
		capacity: capacity,
		links:    make([]atomic.Uint32, capacity),
	}
}

// Alloc returns a free slot, or InvalidSlot when capacity is exhausted.
// Safe for concurrent use.
func (a *slotAllocator) Alloc() uint32 {
	start := a.lastFreed.Load() % slotBuckets
	for i := uint32(0); i < slotBuckets; i++ {
		if slot, ok := a.pop((start + i) % slotBuckets); ok {
			return slot
		}
	}
	n := a.highWater.Add(1) - 1
	if n >= a.capacity {
		a.highWater.Add(^uint32(0))
		return InvalidSlot
	}
	return n
}

// Free returns a slot to its bucket. The slot must have been returned by
// Alloc and not already freed.
func (a *slotAllocator) Free(slot uint32) {
	b := slot % slotBuckets
	a.push(b, slot)
	a.lastFreed.Store(b)
}

// HighWater reports the densest upper bound ever handed out; uploads and
// dispatches only need to cover [0, HighWater).
func (a *slotAllocator) HighWater() uint32 {
	return a.highWater.Load()
}

func (a *slotAllocator) push(b, slot uint32) {
	for {
		h := a.heads[b].Load()
		a.links[slot].Store(uint32(h))
		if a.heads[b].CompareAndSwap(h, packHead(h, slot+1)) {
			return
		}
	}
}

func (a *slotAllocator) pop(b uint32) (uint32, bool) {
	for {
		h := a.heads[b].Load()
		top := uint32(h)
		if top == 0 {
			return 0, false
		}
		next := a.links[top-1].Load()
		if a.heads[b].CompareAndSwap(h, packHead(h, next)) {
			return top - 1, true
		}
	}
}

func packHead(old uint64, top uint32) uint64 {
	return (old>>32+1)<<32 | uint64(top)
}
