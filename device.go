package rendergraph

// Opaque device object handles. Zero is the nil handle for all of them, which
// lets descriptors distinguish "not yet allocated" without extra flags.
type (
	BufferHandle        uint64
	TextureHandle       uint64
	FenceHandle         uint64
	EventHandle         uint64
	PipelineHandle      uint64
	DescriptorSetHandle uint64
)

const (
	NilBuffer   BufferHandle   = 0
	NilTexture  TextureHandle  = 0
	NilFence    FenceHandle    = 0
	NilEvent    EventHandle    = 0
	NilPipeline PipelineHandle = 0
)

// CommandBuffer identifies one recording stream within a frame slot. Streams
// recorded concurrently are submitted in acquisition order.
type CommandBuffer uint64

// QueueClass is a submit hint derived from pass type. Backends with a single
// queue ignore it.
type QueueClass uint8

const (
	QueueGraphics QueueClass = iota
	QueueCompute
	QueueTransfer
)

// ResourceState is the synchronization state of a resource as last recorded.
// Barrier synthesis compares a pass's required state against it.
type ResourceState uint8

const (
	StateUndefined ResourceState = iota
	StateRenderTarget
	StateDepthWrite
	StateDepthRead
	StateShaderRead
	StateUnorderedAccess
	StateCopySrc
	StateCopyDst
	StateIndirectArgument
	StateVertexBuffer
	StateIndexBuffer
	StatePresent
)

func (s ResourceState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateRenderTarget:
		return "render-target"
	case StateDepthWrite:
		return "depth-write"
	case StateDepthRead:
		return "depth-read"
	case StateShaderRead:
		return "shader-read"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateCopySrc:
		return "copy-src"
	case StateCopyDst:
		return "copy-dst"
	case StateIndirectArgument:
		return "indirect-argument"
	case StateVertexBuffer:
		return "vertex-buffer"
	case StateIndexBuffer:
		return "index-buffer"
	case StatePresent:
		return "present"
	}
	return "unknown"
}

type UsageFlags uint32

const (
	UsageRenderTarget UsageFlags = 1 << iota
	UsageDepthStencil
	UsageSampled
	UsageStorage
	UsageTransferSrc
	UsageTransferDst
	UsageIndirect
	UsageUniform
	UsageVertex
	UsageIndex
	UsageAccelStruct
)

// DeviceBufferDesc describes a buffer allocation request to the backend.
type DeviceBufferDesc struct {
	Label       string
	Size        uint64
	Usage       UsageFlags
	HostVisible bool
}

// DeviceTextureDesc describes a texture allocation request to the backend.
type DeviceTextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	Depth     uint32
	Layers    uint32
	MipLevels uint32
	Format    TextureFormat
	Usage     UsageFlags
}

type DeviceCaps struct {
	// DrawIndirectCount selects the single multi-draw-with-device-side-count
	// submission path; without it draws fall back to one call per bucket.
	DrawIndirectCount bool
	MeshShading       bool
	AsyncCompute      bool
	Timestamps        bool
	SplitBarriers     bool
}

// Device is the injected graphics-API binding. The orchestrator never creates
// one itself and never touches a global; tests inject a fake.
type Device interface {
	Caps() DeviceCaps

	CreateBuffer(desc DeviceBufferDesc) (BufferHandle, error)
	CreateTexture(desc DeviceTextureDesc) (TextureHandle, error)
	DestroyBuffer(h BufferHandle)
	DestroyTexture(h TextureHandle)

	// MapBuffer returns a persistently mapped view of a host-visible buffer.
	// The mapping stays valid until the buffer is destroyed.
	MapBuffer(h BufferHandle) ([]byte, error)

	// AcquireCommandBuffer hands out a recording stream for the given frame
	// slot. ResetCommandBuffers recycles every stream of a slot at once, after
	// the slot's fence retired.
	AcquireCommandBuffer(slot int, queue QueueClass) CommandBuffer
	ResetCommandBuffers(slot int)

	CmdCopyBuffer(cb CommandBuffer, src BufferHandle, srcOff uint64, dst BufferHandle, dstOff uint64, size uint64)
	CmdFillBuffer(cb CommandBuffer, dst BufferHandle, off, size uint64, value uint32)

	CmdBufferBarrier(cb CommandBuffer, buf BufferHandle, src, dst ResourceState)
	CmdTextureBarrier(cb CommandBuffer, tex TextureHandle, src, dst ResourceState)

	// Split barriers: the producer releases with a signal, the consumer
	// acquires with a wait. Backends without native events may implement the
	// wait as a full barrier and report SplitBarriers false.
	CreateEvent() (EventHandle, error)
	DestroyEvent(ev EventHandle)
	CmdSignalEvent(cb CommandBuffer, ev EventHandle, state ResourceState)
	CmdWaitEvent(cb CommandBuffer, ev EventHandle, src, dst ResourceState)

	CmdBindComputePipeline(cb CommandBuffer, p PipelineHandle)
	CmdBindDescriptorSet(cb CommandBuffer, set DescriptorSetHandle, index uint32)
	CmdPushConstants(cb CommandBuffer, data []byte)
	CmdDispatch(cb CommandBuffer, x, y, z uint32)

	CmdDrawIndexedIndirect(cb CommandBuffer, args BufferHandle, offset uint64, drawCount, stride uint32)
	CmdDrawIndexedIndirectCount(cb CommandBuffer, args BufferHandle, offset uint64, count BufferHandle, countOff uint64, maxDrawCount, stride uint32)
	CmdDrawMeshTasksIndirect(cb CommandBuffer, args BufferHandle, offset uint64, drawCount, stride uint32)

	// Best-effort debug/profiling surface. Failures must never affect frame
	// correctness.
	CmdBeginDebugGroup(cb CommandBuffer, name string)
	CmdEndDebugGroup(cb CommandBuffer)
	CmdWriteTimestamp(cb CommandBuffer, slot int, query uint32)
	ReadTimestamps(slot int) ([]uint64, bool)

	CreateFence(signaled bool) (FenceHandle, error)
	DestroyFence(f FenceHandle)
	WaitFence(f FenceHandle, timeoutNs uint64) bool
	ResetFence(f FenceHandle)

	// Submit enqueues streams in order; completion signals the fence.
	Submit(queue QueueClass, cbs []CommandBuffer, fence FenceHandle) error
}
