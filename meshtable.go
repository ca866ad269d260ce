package rendergraph

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// MaxLODLevels is the number of detail levels a mesh type can carry.
const MaxLODLevels = 8

// MeshLOD names one detail level's index range and the camera distance up
// to which it is used.
type MeshLOD struct {
	IndexCount   uint32
	FirstIndex   uint32
	VertexOffset int32
	// Threshold is the furthest biased distance this level serves.
	Threshold float32
}

// MeshTypeDesc describes a registered mesh type: its bounding sphere in
// local space and its detail chain, nearest level first.
type MeshTypeDesc struct {
	Name   string
	Sphere Sphere
	LODs   []MeshLOD
}

// SelectLOD picks the first level whose threshold covers the biased
// distance. Past the last threshold the coarsest level is kept rather than
// dropping the mesh; distance culling is a separate decision.
func (d *MeshTypeDesc) SelectLOD(distance, bias float32) int {
	bd := distance * bias
	for i := range d.LODs {
		if bd <= d.LODs[i].Threshold {
			return i
		}
	}
	return len(d.LODs) - 1
}

// meshTable holds registered mesh types. Registration copies the table and
// publishes the copy, so readers on the frame path never block; the version
// counter is odd while a publish is in flight and advances by two per
// publish, which lets the upload path skip re-packing an unchanged table.
type meshTable struct {
	mu          sync.Mutex
	version     atomic.Uint64
	entries     atomic.Pointer[[]MeshTypeDesc]
	limit       uint32
	bucketLimit uint32
	buckets     atomic.Uint32
}

func newMeshTable(limit, bucketLimit uint32) *meshTable {
	t := &meshTable{limit: limit, bucketLimit: bucketLimit}
	empty := []MeshTypeDesc{}
	t.entries.Store(&empty)
	return t
}

// Register adds a mesh type and reserves one indirect draw bucket per
// detail level. Bucket exhaustion is fatal for the registration; it never
// degrades into dropping levels.
func (t *meshTable) Register(desc MeshTypeDesc) (uint32, error) {
	if len(desc.LODs) == 0 || len(desc.LODs) > MaxLODLevels {
		return InvalidSlot, fmt.Errorf("mesh type %q: %d detail levels, want 1..%d", desc.Name, len(desc.LODs), MaxLODLevels)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.entries.Load()
	if uint32(len(cur)) >= t.limit {
		return InvalidSlot, ErrMeshTableFull
	}
	if t.buckets.Load()+uint32(len(desc.LODs)) > t.bucketLimit {
		return InvalidSlot, ErrDrawBucketsFull
	}
	next := make([]MeshTypeDesc, len(cur)+1)
	copy(next, cur)
	desc.LODs = append([]MeshLOD(nil), desc.LODs...)
	next[len(cur)] = desc

	t.version.Add(1)
	t.entries.Store(&next)
	t.buckets.Add(uint32(len(desc.LODs)))
	t.version.Add(1)
	return uint32(len(cur)), nil
}

// BucketCount is the number of reserved indirect draw buckets.
func (t *meshTable) BucketCount() uint32 {
	return t.buckets.Load()
}

// Snapshot returns the current table and its version. The slice is
// immutable once published.
func (t *meshTable) Snapshot() ([]MeshTypeDesc, uint64) {
	for {
		v := t.version.Load()
		if v%2 == 1 {
			continue
		}
		e := *t.entries.Load()
		if t.version.Load() == v {
			return e, v
		}
	}
}

func (t *meshTable) Lookup(meshType uint32) (MeshTypeDesc, bool) {
	e := *t.entries.Load()
	if meshType >= uint32(len(e)) {
		return MeshTypeDesc{}, false
	}
	return e[meshType], true
}

// meshRecordSize is the packed per-type record consumed by the culling
// dispatch.
//
//	Struct MeshType {
//	  sphere: vec4<f32>;            -- 16
//	  lod_count: u32;               -- 20
//	  bucket_base: u32;             -- 24
//	  pad: vec2<u32>;               -- 32
//	  lods: array<Lod, 8>;          -- 160  (index_count, first_index, vertex_offset, threshold)
//	} -> 160 bytes
//
// bucket_base is the first indirect draw bucket of the type; level l draws
// through bucket bucket_base+l.
const meshRecordSize = 32 + MaxLODLevels*16

func packMeshTable(buf []byte, entries []MeshTypeDesc) {
	base := uint32(0)
	for i, e := range entries {
		off := i * meshRecordSize
		binary.LittleEndian.PutUint32(buf[off+0:], math.Float32bits(e.Sphere.Center[0]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(e.Sphere.Center[1]))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(e.Sphere.Center[2]))
		binary.LittleEndian.PutUint32(buf[off+12:], math.Float32bits(e.Sphere.Radius))
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(e.LODs)))
		binary.LittleEndian.PutUint32(buf[off+20:], base)
		binary.LittleEndian.PutUint32(buf[off+24:], 0)
		binary.LittleEndian.PutUint32(buf[off+28:], 0)
		base += uint32(len(e.LODs))
		for l := 0; l < MaxLODLevels; l++ {
			lo := off + 32 + l*16
			if l < len(e.LODs) {
				lod := e.LODs[l]
				binary.LittleEndian.PutUint32(buf[lo+0:], lod.IndexCount)
				binary.LittleEndian.PutUint32(buf[lo+4:], lod.FirstIndex)
				binary.LittleEndian.PutUint32(buf[lo+8:], uint32(lod.VertexOffset))
				binary.LittleEndian.PutUint32(buf[lo+12:], math.Float32bits(lod.Threshold))
			} else {
				binary.LittleEndian.PutUint64(buf[lo+0:], 0)
				binary.LittleEndian.PutUint64(buf[lo+8:], 0)
			}
		}
	}
}
