package rendergraph

import (
	"encoding/binary"
	"sync/atomic"
)

// statsRecordSize is the visible-list counter header copied into the
// readback buffer each frame: visible count, occluded count, two reserved
// words.
const statsRecordSize = 16

// FrameStats is a retired frame's culling summary. Visible and Occluded
// come from the GPU and trail the submitting frame by the in-flight depth;
// the CPU-side fields belong to the same frame, so the snapshot is
// internally consistent.
type FrameStats struct {
	FrameIndex     uint64
	Instances      uint32
	Visible        uint32
	Occluded       uint32
	DrawCalls      uint32
	UploadBytes    uint64
	DroppedUploads uint32
	UploadErr      error
}

type frameStats struct {
	valid          bool
	frameIndex     uint64
	instances      uint32
	drawCalls      uint32
	uploadBytes    uint64
	droppedUploads uint32
	uploadErr      error
}

func (f *frameStats) reset() {
	*f = frameStats{}
}

type statsRing struct {
	frames []frameStats
	latest atomic.Pointer[FrameStats]
}

func (s *statsRing) init(slots int) {
	s.frames = make([]frameStats, slots)
	s.latest.Store(&FrameStats{})
}

func (s *statsRing) frame(slot int) *frameStats {
	return &s.frames[slot]
}

// resolveStats publishes the stats of the frame that last used this slot.
// Its fence retired before the slot was reissued, so the readback region
// is stable.
func (m *InstanceManager) resolveStats(slot int) {
	fr := m.stats.frame(slot)
	if !fr.valid {
		return
	}
	region := m.readbackMem[slot*statsRecordSize : (slot+1)*statsRecordSize]
	out := &FrameStats{
		FrameIndex:     fr.frameIndex,
		Instances:      fr.instances,
		Visible:        binary.LittleEndian.Uint32(region[0:]),
		Occluded:       binary.LittleEndian.Uint32(region[4:]),
		DrawCalls:      fr.drawCalls,
		UploadBytes:    fr.uploadBytes,
		DroppedUploads: fr.droppedUploads,
		UploadErr:      fr.uploadErr,
	}
	m.stats.latest.Store(out)
}

// Stats returns the most recently retired frame's summary. During the
// first frames in flight it is zero.
func (m *InstanceManager) Stats() FrameStats {
	return *m.stats.latest.Load()
}
