package rendergraph

import (
	"math/bits"
	"sync/atomic"
)

// dirtyTracker records modified slots at region granularity. Marking is an
// atomic Or on one word, so writers on any goroutine never contend on a
// lock; collection swaps each word to zero, which makes a flush consume
// exactly the marks made before it.
type dirtyTracker struct {
	regionShift uint32
	regionSlots uint32
	words       []atomic.Uint64
}

func newDirtyTracker(capacity, regionSlots uint32) *dirtyTracker {
	shift := uint32(bits.TrailingZeros32(regionSlots))
	regions := (capacity + regionSlots - 1) >> shift
	return &dirtyTracker{
		regionShift: shift,
		regionSlots: regionSlots,
		words:       make([]atomic.Uint64, (regions+63)/64),
	}
}

// Mark flags the region containing slot.
func (d *dirtyTracker) Mark(slot uint32) {
	region := slot >> d.regionShift
	d.words[region/64].Or(1 << (region % 64))
}

// MarkRange flags every region overlapping [first, first+count).
func (d *dirtyTracker) MarkRange(first, count uint32) {
	if count == 0 {
		return
	}
	lo := first >> d.regionShift
	hi := (first + count - 1) >> d.regionShift
	for r := lo; r <= hi; r++ {
		d.words[r/64].Or(1 << (r % 64))
	}
}

// Collect drains all dirty regions, invoking fn with the first slot and
// slot count of each. Marks made concurrently with Collect land in this
// flush or the next one, never both.
func (d *dirtyTracker) Collect(fn func(firstSlot, slotCount uint32)) {
	for w := range d.words {
		word := d.words[w].Swap(0)
		for word != 0 {
			bit := uint32(bits.TrailingZeros64(word))
			word &^= 1 << bit
			region := uint32(w)*64 + bit
			fn(region<<d.regionShift, d.regionSlots)
		}
	}
}

// Any reports whether at least one region is currently marked.
func (d *dirtyTracker) Any() bool {
	for w := range d.words {
		if d.words[w].Load() != 0 {
			return true
		}
	}
	return false
}
