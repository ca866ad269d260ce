package rendergraph

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManagerConfig() Config {
	return Config{
		FramesInFlight: 2,
		MaxInstances:   128,
		MaxMeshTypes:   8,
		MaxDrawBuckets: 16,
		RegionSlots:    4,
		StagingBytes:   1 << 16,
	}
}

func newTestManager(t *testing.T) (*InstanceManager, *fakeDevice) {
	t.Helper()
	d := newFakeDevice()
	m, err := NewInstanceManager(d, testManagerConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m, d
}

func registerRock(t *testing.T, m *InstanceManager) uint32 {
	t.Helper()
	id, err := m.RegisterMeshType(MeshTypeDesc{
		Name:   "rock",
		Sphere: Sphere{Center: mgl32.Vec3{0, 1, 0}, Radius: 2},
		LODs: []MeshLOD{
			{IndexCount: 3000, Threshold: 20},
			{IndexCount: 300, FirstIndex: 3000, Threshold: 200},
		},
	})
	require.NoError(t, err)
	return id
}

func uploadContext(m *InstanceManager, d *fakeDevice, slot int, frame uint64) *PassContext {
	return &PassContext{
		Device: d,
		CB:     d.AcquireCommandBuffer(slot, QueueTransfer),
		Frame:  &FrameContext{FrameIndex: frame, SlotIndex: slot},
	}
}

func TestInstanceManager_Register(t *testing.T) {
	m, _ := newTestManager(t)
	rock := registerRock(t, m)

	a := uuid.New()
	b := uuid.New()

	slotA, err := m.Register(a, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	slotB, err := m.Register(b, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	assert.NotEqual(t, slotA, slotB)
	assert.Equal(t, 2, m.Count())

	// Re-registering an id rewrites in place, same slot, same count.
	again, err := m.Register(a, InstanceDesc{Transform: mgl32.Translate3D(1, 0, 0), MeshType: rock})
	require.NoError(t, err)
	assert.Equal(t, slotA, again)
	assert.Equal(t, 2, m.Count())
}

func TestInstanceManager_UnknownMeshType(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: 99})
	assert.Error(t, err)
}

func TestInstanceManager_UnregisterReusesSlot(t *testing.T) {
	m, _ := newTestManager(t)
	rock := registerRock(t, m)

	a := uuid.New()
	slotA, err := m.Register(a, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)

	m.Unregister(a)
	assert.Equal(t, 1, m.Count())
	// The record is disabled immediately, before the slot recycles.
	flags := binary.LittleEndian.Uint32(m.records[int(slotA)*instanceRecordSize+84:])
	assert.Zero(t, flags)

	slotC, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	assert.Equal(t, slotA, slotC)
	assert.Equal(t, uint32(2), m.alloc.HighWater())

	// Unregistering an unknown id is a no-op.
	m.Unregister(uuid.New())
	assert.Equal(t, 2, m.Count())
}

func TestInstanceManager_CapacityBackpressure(t *testing.T) {
	d := newFakeDevice()
	cfg := testManagerConfig()
	cfg.MaxInstances = 2
	m, err := NewInstanceManager(d, cfg, nil)
	require.NoError(t, err)
	defer m.Destroy()
	rock := registerRock(t, m)

	_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)

	slot, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	assert.ErrorIs(t, err, ErrInstancesFull)
	assert.Equal(t, InvalidSlot, slot)
	assert.Equal(t, 2, m.Count())
}

func TestInstanceManager_ReRegisterAtCapacity(t *testing.T) {
	d := newFakeDevice()
	cfg := testManagerConfig()
	cfg.MaxInstances = 2
	m, err := NewInstanceManager(d, cfg, nil)
	require.NoError(t, err)
	defer m.Destroy()
	rock := registerRock(t, m)

	first := uuid.New()
	firstSlot, err := m.Register(first, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)

	// Re-registering a live id at full capacity keeps its slot and still
	// rewrites the record.
	desc := InstanceDesc{Transform: mgl32.Translate3D(5, 0, 0), MeshType: rock, SortKey: 7}
	slot, err := m.Register(first, desc)
	require.NoError(t, err)
	assert.Equal(t, firstSlot, slot)
	assert.Equal(t, 2, m.Count())

	rec := m.records[int(slot)*instanceRecordSize:]
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(rec[88:]))
}

func TestInstanceManager_RecordLayout(t *testing.T) {
	m, _ := newTestManager(t)
	rock := registerRock(t, m)

	var custom [InstanceCustomBytes]byte
	custom[0] = 0xDE
	custom[31] = 0xAD
	transform := mgl32.Translate3D(5, 0, 0)
	slot, err := m.Register(uuid.New(), InstanceDesc{
		Transform: transform,
		MeshType:  rock,
		SortKey:   0xCAFE,
		Custom:    custom,
	})
	require.NoError(t, err)

	rec := m.records[int(slot)*instanceRecordSize : (int(slot)+1)*instanceRecordSize]
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(rec[off:]) }
	f32 := func(off int) float32 { return math.Float32frombits(u32(off)) }

	for i, v := range transform {
		require.Equal(t, v, f32(i*4), "matrix element %d", i)
	}
	// World sphere: local center (0,1,0) translated by (5,0,0), radius kept.
	assert.Equal(t, float32(5), f32(64))
	assert.Equal(t, float32(1), f32(68))
	assert.Equal(t, float32(0), f32(72))
	assert.Equal(t, float32(2), f32(76))

	assert.Equal(t, rock, u32(80))
	assert.Equal(t, uint32(instanceFlagEnabled), u32(84))
	assert.Equal(t, uint32(0xCAFE), u32(88))
	assert.Equal(t, byte(0xDE), rec[96])
	assert.Equal(t, byte(0xAD), rec[127])
}

func TestInstanceManager_UpdateTransform(t *testing.T) {
	m, _ := newTestManager(t)
	rock := registerRock(t, m)

	id := uuid.New()
	slot, err := m.Register(id, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock, SortKey: 7})
	require.NoError(t, err)

	require.NoError(t, m.UpdateTransform(id, mgl32.Translate3D(0, 0, -8)))

	rec := m.records[int(slot)*instanceRecordSize:]
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(rec[off:]) }
	f32 := func(off int) float32 { return math.Float32frombits(u32(off)) }

	// Sphere follows the move; mesh type, flags and sort key are untouched.
	assert.Equal(t, float32(1), f32(68))
	assert.Equal(t, float32(-8), f32(72))
	assert.Equal(t, rock, u32(80))
	assert.Equal(t, uint32(instanceFlagEnabled), u32(84))
	assert.Equal(t, uint32(7), u32(88))

	assert.Error(t, m.UpdateTransform(uuid.New(), mgl32.Ident4()))
}

func TestInstanceManager_Upload(t *testing.T) {
	m, d := newTestManager(t)
	rock := registerRock(t, m)

	_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	m.SetCamera(CameraData{View: mgl32.Ident4(), Proj: mgl32.Ident4()})

	m.recordUpload(uploadContext(m, d, 0, 0))

	// One dirty region, the new mesh table, the camera block.
	instCopies := d.copiesTo(m.InstanceBuffer())
	require.Len(t, instCopies, 1)
	assert.Equal(t, uint64(0), instCopies[0].off)
	assert.Equal(t, uint64(instanceRecordSize), instCopies[0].size)
	assert.Len(t, d.copiesTo(m.MeshBuffer()), 1)
	camCopies := d.copiesTo(m.CameraBuffer())
	require.Len(t, camCopies, 1)
	assert.Equal(t, uint64(CameraBlockSize), camCopies[0].size)

	// A quiet frame uploads only the camera.
	d.clear()
	m.recordUpload(uploadContext(m, d, 1, 1))
	assert.Empty(t, d.copiesTo(m.InstanceBuffer()))
	assert.Empty(t, d.copiesTo(m.MeshBuffer()))
	assert.Len(t, d.copiesTo(m.CameraBuffer()), 1)
}

func TestInstanceManager_UploadClampsToHighWater(t *testing.T) {
	m, d := newTestManager(t)
	rock := registerRock(t, m)

	// Three instances in a 4-slot region: the copy covers live slots only.
	for i := 0; i < 3; i++ {
		_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
		require.NoError(t, err)
	}
	m.recordUpload(uploadContext(m, d, 0, 0))

	copies := d.copiesTo(m.InstanceBuffer())
	require.Len(t, copies, 1)
	assert.Equal(t, uint64(3*instanceRecordSize), copies[0].size)
}

func TestInstanceManager_StagingExhaustion(t *testing.T) {
	d := newFakeDevice()
	cfg := testManagerConfig()
	cfg.RegionSlots = 64
	// perSlot ends up at 1024: the camera and mesh table fit, but nine live
	// records (1152 bytes after the high-water clamp) do not.
	cfg.StagingBytes = 2048
	m, err := NewInstanceManager(d, cfg, nil)
	require.NoError(t, err)
	defer m.Destroy()
	rock := registerRock(t, m)

	for i := 0; i < 9; i++ {
		_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
		require.NoError(t, err)
	}

	m.recordUpload(uploadContext(m, d, 0, 0))
	assert.Empty(t, d.copiesTo(m.InstanceBuffer()))
	assert.Len(t, d.copiesTo(m.CameraBuffer()), 1)
	// The region stays dirty and retries next frame.
	assert.True(t, m.dirty.Any())

	// The dropped upload surfaces in the frame's stats once it retires.
	m.recordUpload(uploadContext(m, d, 0, 1))
	stats := m.Stats()
	assert.Equal(t, uint32(1), stats.DroppedUploads)
	assert.ErrorIs(t, stats.UploadErr, ErrStagingExhausted)
}

func TestInstanceManager_StatsReadback(t *testing.T) {
	m, d := newTestManager(t)
	rock := registerRock(t, m)
	_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)

	assert.Zero(t, m.Stats().FrameIndex)

	m.recordUpload(uploadContext(m, d, 0, 5))

	// The GPU wrote its counters by the time slot 0 comes around again.
	binary.LittleEndian.PutUint32(m.readbackMem[0:], 37) // visible
	binary.LittleEndian.PutUint32(m.readbackMem[4:], 5)  // occluded

	m.recordUpload(uploadContext(m, d, 0, 7))
	stats := m.Stats()
	assert.Equal(t, uint64(5), stats.FrameIndex)
	assert.Equal(t, uint32(37), stats.Visible)
	assert.Equal(t, uint32(5), stats.Occluded)
	assert.Equal(t, uint32(1), stats.Instances)
	assert.Positive(t, stats.UploadBytes)
	assert.NoError(t, stats.UploadErr)
}

func TestInstanceManager_Cull(t *testing.T) {
	m, d := newTestManager(t)
	rock := registerRock(t, m)
	_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	m.recordUpload(uploadContext(m, d, 0, 0))
	d.clear()

	// Without a pipeline the pass only clears and seeds the streams.
	m.recordCull(uploadContext(m, d, 0, 0))
	assert.Zero(t, d.count("dispatch"))
	assert.Equal(t, 3, d.count("fill-buffer"))
	assert.Len(t, d.copiesTo(m.DrawArgsBuffer()), 1)
	readback := d.copiesTo(m.readbackBuf)
	require.Len(t, readback, 1)
	assert.Equal(t, uint64(0), readback[0].off)

	d.clear()
	m.SetCullPipeline(PipelineHandle(7), DescriptorSetHandle(9))
	m.recordCull(uploadContext(m, d, 1, 1))

	assert.Equal(t, 1, d.count("bind-pipeline"))
	assert.Equal(t, 1, d.count("push-constants"))
	assert.Equal(t, 1, d.count("dispatch"))
	// high water of 1 instance -> a single workgroup
	for _, c := range d.cmds {
		if c.op == "dispatch" {
			assert.Equal(t, uint32(1), c.x)
		}
		if c.op == "push-constants" {
			require.Len(t, c.data, 8)
			assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(c.data[0:]))
			assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(c.data[4:]))
		}
	}
	readback = d.copiesTo(m.readbackBuf)
	require.Len(t, readback, 1)
	assert.Equal(t, uint64(statsRecordSize), readback[0].off)
}

func TestInstanceManager_CullTwoPhase(t *testing.T) {
	m, d := newTestManager(t)
	rock := registerRock(t, m)
	_, err := m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)

	cfg := m.CullingConfig()
	cfg.TwoPhase = true
	m.SetCullingConfig(cfg)
	m.SetCullPipeline(PipelineHandle(7), DescriptorSetHandle(9))

	m.recordUpload(uploadContext(m, d, 0, 0))
	m.recordCull(uploadContext(m, d, 0, 0))
	assert.Equal(t, 2, d.count("dispatch"))
}

func TestInstanceManager_SubmitDraws(t *testing.T) {
	m, d := newTestManager(t)
	registerRock(t, m) // two LODs -> two buckets

	m.SubmitDraws(uploadContext(m, d, 0, 0))
	assert.Equal(t, 2, d.count("draw-indirect"))
	assert.Zero(t, d.count("draw-indirect-count"))

	d.clear()
	d.caps.DrawIndirectCount = true
	m.SubmitDraws(uploadContext(m, d, 0, 0))
	assert.Zero(t, d.count("draw-indirect"))
	assert.Equal(t, 1, d.count("draw-indirect-count"))
}

func TestInstanceManager_SubmitDrawsEmpty(t *testing.T) {
	m, d := newTestManager(t)
	m.SubmitDraws(uploadContext(m, d, 0, 0))
	assert.Zero(t, d.count("draw-indirect"))
	assert.Zero(t, d.count("buffer-barrier"))
}

func TestInstanceManager_Attach(t *testing.T) {
	d := newFakeDevice()
	cfg := testManagerConfig()
	m, err := NewInstanceManager(d, cfg, nil)
	require.NoError(t, err)
	defer m.Destroy()
	g, err := NewGraph(d, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, m.Attach(g))

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"instance-upload", "instance-cull"}, g.CompiledOrder())

	rock := registerRock(t, m)
	_, err = m.Register(uuid.New(), InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock})
	require.NoError(t, err)
	m.SetCamera(CameraData{View: mgl32.Ident4(), Proj: mgl32.Ident4()})

	require.NoError(t, g.Execute(0.016, nil))
	assert.Len(t, d.copiesTo(m.InstanceBuffer()), 1)
	assert.Len(t, d.copiesTo(m.CameraBuffer()), 1)
}

func TestInstanceManager_ConcurrentRegister(t *testing.T) {
	m, _ := newTestManager(t)
	rock := registerRock(t, m)

	const workers = 8
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			var err error
			for i := 0; i < 8; i++ {
				id := uuid.New()
				if _, e := m.Register(id, InstanceDesc{Transform: mgl32.Ident4(), MeshType: rock}); e != nil {
					err = e
					break
				}
				if e := m.UpdateTransform(id, mgl32.Translate3D(1, 2, 3)); e != nil {
					err = e
					break
				}
				m.Unregister(id)
			}
			done <- err
		}()
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-done)
	}
	assert.Zero(t, m.Count())
	assert.LessOrEqual(t, m.alloc.HighWater(), uint32(workers*8))
}
