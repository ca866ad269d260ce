package rendergraph

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// InstanceID identifies an instance across its lifetime. Slots are an
// internal detail; callers only ever hold IDs.
type InstanceID = uuid.UUID

// instanceRecordSize is the packed per-instance record the culling
// dispatch reads.
//
//	Struct Instance {
//	  model: mat4x4<f32>;   -- 64
//	  sphere: vec4<f32>;    -- 80   world-space, conservative
//	  mesh_type: u32;       -- 84
//	  flags: u32;           -- 88
//	  sort_key: u32;        -- 92
//	  pad: u32;             -- 96
//	  custom: vec8<f32>;    -- 128
//	} -> 128 bytes
const instanceRecordSize = 128

// InstanceCustomBytes is the free-form per-instance payload forwarded to
// shaders untouched.
const InstanceCustomBytes = 32

const instanceFlagEnabled = 1 << 0

// InstanceDesc is the caller-facing description of one instance.
type InstanceDesc struct {
	Transform mgl32.Mat4
	MeshType  uint32
	SortKey   uint32
	Custom    [InstanceCustomBytes]byte
}

// InstanceManager owns the GPU-resident instance table, the mesh type
// table and the indirect draw stream. Registration, updates and removal
// are safe from any goroutine; the frame path consumes the accumulated
// state when the manager's passes run.
type InstanceManager struct {
	device Device
	log    Logger
	cfg    Config

	alloc   *slotAllocator
	dirty   *dirtyTracker
	meshes  *meshTable
	ids     sync.Map // InstanceID -> uint32 slot
	count   atomic.Int64
	cullCfg atomic.Pointer[CullingConfig]

	records []byte // CPU shadow of the instance buffer

	staging *stagingRing

	instanceBuf  BufferHandle
	meshBuf      BufferHandle
	cameraBuf    BufferHandle
	visibleBuf   BufferHandle
	drawArgsBuf  BufferHandle
	drawCountBuf BufferHandle
	readbackBuf  BufferHandle
	readbackMem  []byte

	cullPipeline PipelineHandle
	cullSet      DescriptorSetHandle

	meshVersion uint64 // last uploaded mesh table version

	camMu  sync.Mutex
	camera CameraData
	hizW   uint32
	hizH   uint32

	stats statsRing
}

// NewInstanceManager creates the manager and its GPU-resident tables. The
// device must outlive the manager.
func NewInstanceManager(device Device, cfg Config, log Logger) (*InstanceManager, error) {
	if device == nil {
		return nil, ErrDeviceUnavailable
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &InstanceManager{
		device:  device,
		log:     orNopLogger(log),
		cfg:     cfg,
		alloc:   newSlotAllocator(cfg.MaxInstances),
		dirty:   newDirtyTracker(cfg.MaxInstances, cfg.RegionSlots),
		meshes:  newMeshTable(cfg.MaxMeshTypes, cfg.MaxDrawBuckets),
		records: make([]byte, int(cfg.MaxInstances)*instanceRecordSize),
	}
	culling := cfg.Culling
	m.cullCfg.Store(&culling)

	var err error
	m.staging, err = newStagingRing(device, cfg.StagingBytes, cfg.FramesInFlight)
	if err != nil {
		return nil, err
	}

	create := func(label string, size uint64, usage UsageFlags) BufferHandle {
		if err != nil {
			return NilBuffer
		}
		var h BufferHandle
		h, err = device.CreateBuffer(DeviceBufferDesc{Label: label, Size: size, Usage: usage})
		return h
	}
	m.instanceBuf = create("instances", uint64(cfg.MaxInstances)*instanceRecordSize, UsageStorage|UsageTransferDst)
	m.meshBuf = create("mesh-types", uint64(cfg.MaxMeshTypes)*meshRecordSize, UsageStorage|UsageTransferDst)
	m.cameraBuf = create("cull-camera", CameraBlockSize, UsageUniform|UsageTransferDst)
	m.visibleBuf = create("visible-list", 16+uint64(cfg.MaxInstances)*4, UsageStorage|UsageTransferDst|UsageTransferSrc)
	m.drawArgsBuf = create("draw-args", uint64(cfg.MaxDrawBuckets)*DrawArgsStride, UsageStorage|UsageIndirect|UsageTransferDst)
	m.drawCountBuf = create("draw-count", 4, UsageStorage|UsageIndirect|UsageTransferDst)
	if err != nil {
		m.destroyBuffers()
		return nil, fmt.Errorf("create instance tables: %w", err)
	}

	m.readbackBuf, err = device.CreateBuffer(DeviceBufferDesc{
		Label:       "cull-readback",
		Size:        uint64(cfg.FramesInFlight) * statsRecordSize,
		Usage:       UsageTransferDst,
		HostVisible: true,
	})
	if err != nil {
		m.destroyBuffers()
		return nil, fmt.Errorf("create readback: %w", err)
	}
	m.readbackMem, err = device.MapBuffer(m.readbackBuf)
	if err != nil {
		m.destroyBuffers()
		return nil, fmt.Errorf("map readback: %w", err)
	}
	m.stats.init(cfg.FramesInFlight)
	return m, nil
}

func (m *InstanceManager) destroyBuffers() {
	for _, h := range []BufferHandle{
		m.instanceBuf, m.meshBuf, m.cameraBuf,
		m.visibleBuf, m.drawArgsBuf, m.drawCountBuf, m.readbackBuf,
	} {
		if h != NilBuffer {
			m.device.DestroyBuffer(h)
		}
	}
	if m.staging != nil {
		m.staging.destroy(m.device)
	}
}

// Destroy releases every GPU resource the manager owns. The caller must
// ensure no frame using them is still in flight.
func (m *InstanceManager) Destroy() {
	m.destroyBuffers()
}

// RegisterMeshType adds a mesh type; the returned id goes into
// InstanceDesc.MeshType. Each detail level reserves one indirect draw
// bucket.
func (m *InstanceManager) RegisterMeshType(desc MeshTypeDesc) (uint32, error) {
	return m.meshes.Register(desc)
}

// Register adds or replaces the instance with the given id and returns its
// slot. Two goroutines registering the same id race benignly: both end up
// writing the same slot, and the loser's speculative slot goes back to the
// allocator.
func (m *InstanceManager) Register(id InstanceID, desc InstanceDesc) (uint32, error) {
	slot := m.alloc.Alloc()
	if slot == InvalidSlot {
		// A live id keeps its slot; exhaustion only rejects new ids.
		v, ok := m.ids.Load(id)
		if !ok {
			return InvalidSlot, ErrInstancesFull
		}
		if err := m.writeRecord(v.(uint32), &desc); err != nil {
			return v.(uint32), err
		}
		return v.(uint32), nil
	}
	actual, loaded := m.ids.LoadOrStore(id, slot)
	if loaded {
		m.alloc.Free(slot)
		slot = actual.(uint32)
	} else {
		m.count.Add(1)
	}
	if err := m.writeRecord(slot, &desc); err != nil {
		return slot, err
	}
	return slot, nil
}

// RegisterBatch registers many instances, stopping at the first capacity
// failure.
func (m *InstanceManager) RegisterBatch(ids []InstanceID, descs []InstanceDesc) error {
	for i := range ids {
		if _, err := m.Register(ids[i], descs[i]); err != nil {
			return fmt.Errorf("register %s: %w", ids[i], err)
		}
	}
	return nil
}

// Update rewrites the full record of a live instance.
func (m *InstanceManager) Update(id InstanceID, desc InstanceDesc) error {
	slot, ok := m.slotOf(id)
	if !ok {
		return fmt.Errorf("update %s: unknown instance", id)
	}
	return m.writeRecord(slot, &desc)
}

// UpdateTransform moves a live instance. Only the matrix and the derived
// world sphere are rewritten; mesh type, sort key and custom data stay.
func (m *InstanceManager) UpdateTransform(id InstanceID, transform mgl32.Mat4) error {
	slot, ok := m.slotOf(id)
	if !ok {
		return fmt.Errorf("move %s: unknown instance", id)
	}
	off := int(slot) * instanceRecordSize
	rec := m.records[off : off+instanceRecordSize]

	meshType := binary.LittleEndian.Uint32(rec[80:])
	local := Sphere{}
	if mt, ok := m.meshes.Lookup(meshType); ok {
		local = mt.Sphere
	}
	world := WorldSphere(local, transform)

	for i, v := range transform {
		binary.LittleEndian.PutUint32(rec[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(rec[64:], math.Float32bits(world.Center[0]))
	binary.LittleEndian.PutUint32(rec[68:], math.Float32bits(world.Center[1]))
	binary.LittleEndian.PutUint32(rec[72:], math.Float32bits(world.Center[2]))
	binary.LittleEndian.PutUint32(rec[76:], math.Float32bits(world.Radius))

	m.dirty.Mark(slot)
	return nil
}

// UpdateTransformBatch applies many moves; unknown ids are skipped and the
// first one is reported.
func (m *InstanceManager) UpdateTransformBatch(ids []InstanceID, transforms []mgl32.Mat4) error {
	var firstErr error
	for i := range ids {
		if err := m.UpdateTransform(ids[i], transforms[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unregister removes an instance. The record's enabled flag clears before
// the slot is recycled, so a dispatch racing the removal sees a disabled
// record, never a stale one under a new owner.
func (m *InstanceManager) Unregister(id InstanceID) {
	v, ok := m.ids.LoadAndDelete(id)
	if !ok {
		return
	}
	slot := v.(uint32)
	off := int(slot)*instanceRecordSize + 84
	binary.LittleEndian.PutUint32(m.records[off:], 0)
	m.dirty.Mark(slot)
	m.count.Add(-1)
	m.alloc.Free(slot)
}

// Count is the number of live instances.
func (m *InstanceManager) Count() int {
	return int(m.count.Load())
}

func (m *InstanceManager) slotOf(id InstanceID) (uint32, bool) {
	v, ok := m.ids.Load(id)
	if !ok {
		return InvalidSlot, false
	}
	return v.(uint32), true
}

func (m *InstanceManager) writeRecord(slot uint32, desc *InstanceDesc) error {
	mt, ok := m.meshes.Lookup(desc.MeshType)
	if !ok {
		return fmt.Errorf("mesh type %d not registered", desc.MeshType)
	}
	world := WorldSphere(mt.Sphere, desc.Transform)

	off := int(slot) * instanceRecordSize
	rec := m.records[off : off+instanceRecordSize]
	for i, v := range desc.Transform {
		binary.LittleEndian.PutUint32(rec[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(rec[64:], math.Float32bits(world.Center[0]))
	binary.LittleEndian.PutUint32(rec[68:], math.Float32bits(world.Center[1]))
	binary.LittleEndian.PutUint32(rec[72:], math.Float32bits(world.Center[2]))
	binary.LittleEndian.PutUint32(rec[76:], math.Float32bits(world.Radius))
	binary.LittleEndian.PutUint32(rec[80:], desc.MeshType)
	binary.LittleEndian.PutUint32(rec[84:], instanceFlagEnabled)
	binary.LittleEndian.PutUint32(rec[88:], desc.SortKey)
	binary.LittleEndian.PutUint32(rec[92:], 0)
	copy(rec[96:], desc.Custom[:])

	m.dirty.Mark(slot)
	return nil
}

// SetCamera installs the camera used by the next culling dispatch.
func (m *InstanceManager) SetCamera(cam CameraData) {
	m.camMu.Lock()
	m.camera = cam
	m.camMu.Unlock()
}

// SetHiZExtent tells the culling dispatch the hierarchical depth pyramid's
// mip-0 size.
func (m *InstanceManager) SetHiZExtent(w, h uint32) {
	m.hizW, m.hizH = w, h
}

// SetCullingConfig swaps the culling parameters; the next frame picks them
// up whole.
func (m *InstanceManager) SetCullingConfig(cfg CullingConfig) {
	m.cullCfg.Store(&cfg)
}

// CullingConfig returns the parameters the next frame will use.
func (m *InstanceManager) CullingConfig() CullingConfig {
	return *m.cullCfg.Load()
}

// SetCullPipeline installs the backend-compiled culling pipeline and its
// descriptor set. Until set, the visibility pass records only the resets.
func (m *InstanceManager) SetCullPipeline(p PipelineHandle, set DescriptorSetHandle) {
	m.cullPipeline = p
	m.cullSet = set
}

// InstanceBuffer exposes the GPU instance table for descriptor set layouts.
func (m *InstanceManager) InstanceBuffer() BufferHandle { return m.instanceBuf }

// MeshBuffer exposes the GPU mesh type table.
func (m *InstanceManager) MeshBuffer() BufferHandle { return m.meshBuf }

// CameraBuffer exposes the packed culling camera block.
func (m *InstanceManager) CameraBuffer() BufferHandle { return m.cameraBuf }

// VisibleBuffer exposes the counter-prefixed visible instance list.
func (m *InstanceManager) VisibleBuffer() BufferHandle { return m.visibleBuf }

// DrawArgsBuffer exposes the indirect draw argument stream.
func (m *InstanceManager) DrawArgsBuffer() BufferHandle { return m.drawArgsBuf }

// DrawCountBuffer exposes the GPU-written draw count.
func (m *InstanceManager) DrawCountBuffer() BufferHandle { return m.drawCountBuf }

// Attach registers the manager's frame passes on a graph: a transfer pass
// flushing dirty instance regions, the mesh table and the camera block,
// then the compute pass that fills the visible list and the indirect draw
// stream. The upload pass always runs; an empty frame still uploads the
// camera.
func (m *InstanceManager) Attach(g *Graph) error {
	instances, err := g.ImportBuffer("instances", m.instanceBuf,
		BufferDesc{Size: uint64(m.cfg.MaxInstances) * instanceRecordSize, Stride: instanceRecordSize}, StateCopyDst)
	if err != nil {
		return err
	}
	meshTypes, err := g.ImportBuffer("mesh-types", m.meshBuf,
		BufferDesc{Size: uint64(m.cfg.MaxMeshTypes) * meshRecordSize, Stride: meshRecordSize}, StateCopyDst)
	if err != nil {
		return err
	}
	camera, err := g.ImportBuffer("cull-camera", m.cameraBuf,
		BufferDesc{Size: CameraBlockSize}, StateCopyDst)
	if err != nil {
		return err
	}
	visible, err := g.ImportBuffer("visible-list", m.visibleBuf,
		BufferDesc{Size: 16 + uint64(m.cfg.MaxInstances)*4}, StateUndefined)
	if err != nil {
		return err
	}
	drawArgs, err := g.ImportBuffer("draw-args", m.drawArgsBuf,
		BufferDesc{Size: uint64(m.cfg.MaxDrawBuckets) * DrawArgsStride, Stride: DrawArgsStride}, StateUndefined)
	if err != nil {
		return err
	}
	drawCount, err := g.ImportBuffer("draw-count", m.drawCountBuf,
		BufferDesc{Size: 4}, StateUndefined)
	if err != nil {
		return err
	}

	g.AddTransferPass("instance-upload").
		Writes(instances, StateCopyDst).
		Writes(meshTypes, StateCopyDst).
		Writes(camera, StateCopyDst).
		NonCullable().
		Execute(m.recordUpload).
		Pass()

	g.AddComputePass("instance-cull").
		Reads(instances, StateShaderRead).
		Reads(meshTypes, StateShaderRead).
		Reads(camera, StateShaderRead).
		Writes(visible, StateUnorderedAccess).
		Writes(drawArgs, StateUnorderedAccess).
		Writes(drawCount, StateUnorderedAccess).
		NonCullable().
		Execute(m.recordCull).
		Pass()

	return nil
}
