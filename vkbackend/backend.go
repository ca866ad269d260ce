// Package vkbackend adapts a Vulkan device to the rendergraph Device
// interface. It sticks to core 1.0: indirect count draws and mesh shading
// are reported unsupported and the graph picks its fallbacks.
package vkbackend

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/gekko3d/rendergraph"
)

// Options carries the Vulkan objects the caller created during device
// setup. Compute and Transfer may repeat the graphics family on hardware
// without dedicated queues.
type Options struct {
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device

	GraphicsFamily uint32
	ComputeFamily  uint32
	TransferFamily uint32

	GraphicsQueue vk.Queue
	ComputeQueue  vk.Queue
	TransferQueue vk.Queue

	FramesInFlight int
	// TimestampQueries is the per-slot query pool size; two queries per
	// pass. Zero disables timestamps.
	TimestampQueries uint32
	TimestampPeriod  float32
}

type bufferEntry struct {
	buf    vk.Buffer
	mem    vk.DeviceMemory
	mapped []byte
	size   uint64
}

type imageEntry struct {
	img   vk.Image
	mem   vk.DeviceMemory
	depth bool
}

type pipelineEntry struct {
	pipeline vk.Pipeline
	layout   vk.PipelineLayout
}

type streamState struct {
	cb     vk.CommandBuffer
	pool   vk.CommandPool
	layout vk.PipelineLayout
}

// Backend implements rendergraph.Device on a Vulkan logical device.
type Backend struct {
	opts Options
	log  rendergraph.Logger

	mu      sync.Mutex
	next    uint64
	buffers map[rendergraph.BufferHandle]*bufferEntry
	images  map[rendergraph.TextureHandle]*imageEntry
	fences  map[rendergraph.FenceHandle]vk.Fence
	events  map[rendergraph.EventHandle]vk.Event
	streams map[rendergraph.CommandBuffer]*streamState
	pipes   map[rendergraph.PipelineHandle]pipelineEntry
	sets    map[rendergraph.DescriptorSetHandle]vk.DescriptorSet

	// one pool per frame slot and queue class, reset wholesale at slot reuse
	pools      map[poolKey]vk.CommandPool
	slotCBs    map[int][]rendergraph.CommandBuffer
	queryPools []vk.QueryPool
	queryReset []bool

	memProps vk.PhysicalDeviceMemoryProperties
}

var _ rendergraph.Device = (*Backend)(nil)

type poolKey struct {
	slot  int
	queue rendergraph.QueueClass
}

func New(opts Options, log rendergraph.Logger) (*Backend, error) {
	if opts.Device == nil {
		return nil, rendergraph.ErrDeviceUnavailable
	}
	if log == nil {
		log = rendergraph.NewNopLogger()
	}
	if opts.FramesInFlight == 0 {
		opts.FramesInFlight = 3
	}

	b := &Backend{
		opts:    opts,
		log:     log,
		buffers: make(map[rendergraph.BufferHandle]*bufferEntry),
		images:  make(map[rendergraph.TextureHandle]*imageEntry),
		fences:  make(map[rendergraph.FenceHandle]vk.Fence),
		events:  make(map[rendergraph.EventHandle]vk.Event),
		streams: make(map[rendergraph.CommandBuffer]*streamState),
		pipes:   make(map[rendergraph.PipelineHandle]pipelineEntry),
		sets:    make(map[rendergraph.DescriptorSetHandle]vk.DescriptorSet),
		pools:   make(map[poolKey]vk.CommandPool),
		slotCBs: make(map[int][]rendergraph.CommandBuffer),
	}
	vk.GetPhysicalDeviceMemoryProperties(opts.PhysicalDevice, &b.memProps)
	b.memProps.Deref()

	if opts.TimestampQueries > 0 {
		b.queryPools = make([]vk.QueryPool, opts.FramesInFlight)
		b.queryReset = make([]bool, opts.FramesInFlight)
		for i := range b.queryPools {
			var qp vk.QueryPool
			res := vk.CreateQueryPool(opts.Device, &vk.QueryPoolCreateInfo{
				SType:      vk.StructureTypeQueryPoolCreateInfo,
				QueryType:  vk.QueryTypeTimestamp,
				QueryCount: opts.TimestampQueries,
			}, nil, &qp)
			if res != vk.Success {
				return nil, fmt.Errorf("create query pool: %s", resultString(res))
			}
			b.queryPools[i] = qp
		}
	}
	return b, nil
}

// RegisterComputePipeline wraps a compiled pipeline and its layout in a
// handle the graph can carry. The layout is needed again at bind and push
// constant time.
func (b *Backend) RegisterComputePipeline(p vk.Pipeline, layout vk.PipelineLayout) rendergraph.PipelineHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := rendergraph.PipelineHandle(b.next)
	b.pipes[h] = pipelineEntry{pipeline: p, layout: layout}
	return h
}

// RegisterDescriptorSet wraps an allocated descriptor set.
func (b *Backend) RegisterDescriptorSet(s vk.DescriptorSet) rendergraph.DescriptorSetHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := rendergraph.DescriptorSetHandle(b.next)
	b.sets[h] = s
	return h
}

func (b *Backend) Caps() rendergraph.DeviceCaps {
	return rendergraph.DeviceCaps{
		AsyncCompute:  b.opts.ComputeFamily != b.opts.GraphicsFamily,
		Timestamps:    len(b.queryPools) > 0,
		SplitBarriers: true,
	}
}

func (b *Backend) handle() uint64 {
	b.next++
	return b.next
}

func (b *Backend) findMemoryIndex(typeFilter uint32, props vk.MemoryPropertyFlagBits) (uint32, bool) {
	for i := uint32(0); i < b.memProps.MemoryTypeCount; i++ {
		b.memProps.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && vk.MemoryPropertyFlagBits(b.memProps.MemoryTypes[i].PropertyFlags)&props == props {
			return i, true
		}
	}
	return 0, false
}

func bufferUsage(u rendergraph.UsageFlags) vk.BufferUsageFlags {
	var out vk.BufferUsageFlagBits
	if u&rendergraph.UsageStorage != 0 {
		out |= vk.BufferUsageStorageBufferBit
	}
	if u&rendergraph.UsageUniform != 0 {
		out |= vk.BufferUsageUniformBufferBit
	}
	if u&rendergraph.UsageTransferSrc != 0 {
		out |= vk.BufferUsageTransferSrcBit
	}
	if u&rendergraph.UsageTransferDst != 0 {
		out |= vk.BufferUsageTransferDstBit
	}
	if u&rendergraph.UsageIndirect != 0 {
		out |= vk.BufferUsageIndirectBufferBit
	}
	if u&rendergraph.UsageVertex != 0 {
		out |= vk.BufferUsageVertexBufferBit
	}
	if u&rendergraph.UsageIndex != 0 {
		out |= vk.BufferUsageIndexBufferBit
	}
	return vk.BufferUsageFlags(out)
}

func (b *Backend) CreateBuffer(desc rendergraph.DeviceBufferDesc) (rendergraph.BufferHandle, error) {
	dev := b.opts.Device

	var buf vk.Buffer
	res := vk.CreateBuffer(dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf)
	if res != vk.Success {
		return rendergraph.NilBuffer, fmt.Errorf("create buffer %s: %s", desc.Label, resultString(res))
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buf, &memReqs)
	memReqs.Deref()

	props := vk.MemoryPropertyDeviceLocalBit
	if desc.HostVisible {
		props = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	memType, ok := b.findMemoryIndex(memReqs.MemoryTypeBits, props)
	if !ok {
		vk.DestroyBuffer(dev, buf, nil)
		return rendergraph.NilBuffer, fmt.Errorf("create buffer %s: no suitable memory type", desc.Label)
	}

	var mem vk.DeviceMemory
	res = vk.AllocateMemory(dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &mem)
	if res != vk.Success {
		vk.DestroyBuffer(dev, buf, nil)
		return rendergraph.NilBuffer, fmt.Errorf("allocate %s: %s", desc.Label, resultString(res))
	}
	vk.BindBufferMemory(dev, buf, mem, 0)

	entry := &bufferEntry{buf: buf, mem: mem, size: desc.Size}
	if desc.HostVisible {
		var ptr unsafe.Pointer
		res = vk.MapMemory(dev, mem, 0, vk.DeviceSize(desc.Size), 0, &ptr)
		if res != vk.Success {
			vk.FreeMemory(dev, mem, nil)
			vk.DestroyBuffer(dev, buf, nil)
			return rendergraph.NilBuffer, fmt.Errorf("map %s: %s", desc.Label, resultString(res))
		}
		entry.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := rendergraph.BufferHandle(b.handle())
	b.buffers[h] = entry
	return h, nil
}

func formatToVk(f rendergraph.TextureFormat) vk.Format {
	switch f {
	case rendergraph.FormatRGBA8:
		return vk.FormatR8g8b8a8Unorm
	case rendergraph.FormatBGRA8:
		return vk.FormatB8g8r8a8Unorm
	case rendergraph.FormatRGBA16F:
		return vk.FormatR16g16b16a16Sfloat
	case rendergraph.FormatRG16F:
		return vk.FormatR16g16Sfloat
	case rendergraph.FormatR32F:
		return vk.FormatR32Sfloat
	case rendergraph.FormatR32Uint:
		return vk.FormatR32Uint
	case rendergraph.FormatDepth32:
		return vk.FormatD32Sfloat
	case rendergraph.FormatDepth24Stencil8:
		return vk.FormatD24UnormS8Uint
	}
	return vk.FormatR8g8b8a8Unorm
}

func imageUsage(u rendergraph.UsageFlags) vk.ImageUsageFlags {
	var out vk.ImageUsageFlagBits
	if u&rendergraph.UsageRenderTarget != 0 {
		out |= vk.ImageUsageColorAttachmentBit
	}
	if u&rendergraph.UsageDepthStencil != 0 {
		out |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if u&rendergraph.UsageSampled != 0 {
		out |= vk.ImageUsageSampledBit
	}
	if u&rendergraph.UsageStorage != 0 {
		out |= vk.ImageUsageStorageBit
	}
	if u&rendergraph.UsageTransferSrc != 0 {
		out |= vk.ImageUsageTransferSrcBit
	}
	if u&rendergraph.UsageTransferDst != 0 {
		out |= vk.ImageUsageTransferDstBit
	}
	return vk.ImageUsageFlags(out)
}

func (b *Backend) CreateTexture(desc rendergraph.DeviceTextureDesc) (rendergraph.TextureHandle, error) {
	dev := b.opts.Device

	imageType := vk.ImageType2d
	if desc.Depth > 1 {
		imageType = vk.ImageType3d
	}
	var img vk.Image
	res := vk.CreateImage(dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageType,
		Format:    formatToVk(desc.Format),
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  desc.Depth,
		},
		MipLevels:     desc.MipLevels,
		ArrayLayers:   desc.Layers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsage(desc.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &img)
	if res != vk.Success {
		return rendergraph.NilTexture, fmt.Errorf("create image %s: %s", desc.Label, resultString(res))
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, img, &memReqs)
	memReqs.Deref()

	memType, ok := b.findMemoryIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if !ok {
		vk.DestroyImage(dev, img, nil)
		return rendergraph.NilTexture, fmt.Errorf("create image %s: no suitable memory type", desc.Label)
	}
	var mem vk.DeviceMemory
	res = vk.AllocateMemory(dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &mem)
	if res != vk.Success {
		vk.DestroyImage(dev, img, nil)
		return rendergraph.NilTexture, fmt.Errorf("allocate image %s: %s", desc.Label, resultString(res))
	}
	vk.BindImageMemory(dev, img, mem, 0)

	depth := desc.Format == rendergraph.FormatDepth32 || desc.Format == rendergraph.FormatDepth24Stencil8

	b.mu.Lock()
	defer b.mu.Unlock()
	h := rendergraph.TextureHandle(b.handle())
	b.images[h] = &imageEntry{img: img, mem: mem, depth: depth}
	return h, nil
}

func (b *Backend) DestroyBuffer(h rendergraph.BufferHandle) {
	b.mu.Lock()
	e, ok := b.buffers[h]
	delete(b.buffers, h)
	b.mu.Unlock()
	if !ok {
		return
	}
	if e.mapped != nil {
		vk.UnmapMemory(b.opts.Device, e.mem)
	}
	vk.DestroyBuffer(b.opts.Device, e.buf, nil)
	vk.FreeMemory(b.opts.Device, e.mem, nil)
}

func (b *Backend) DestroyTexture(h rendergraph.TextureHandle) {
	b.mu.Lock()
	e, ok := b.images[h]
	delete(b.images, h)
	b.mu.Unlock()
	if !ok {
		return
	}
	vk.DestroyImage(b.opts.Device, e.img, nil)
	vk.FreeMemory(b.opts.Device, e.mem, nil)
}

func (b *Backend) MapBuffer(h rendergraph.BufferHandle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buffers[h]
	if !ok || e.mapped == nil {
		return nil, fmt.Errorf("buffer %d is not host visible", h)
	}
	return e.mapped, nil
}

// Destroy releases the backend's own pools; handles the caller still holds
// must be destroyed through their Destroy methods first.
func (b *Backend) Destroy() {
	dev := b.opts.Device
	for _, qp := range b.queryPools {
		vk.DestroyQueryPool(dev, qp, nil)
	}
	for _, pool := range b.pools {
		vk.DestroyCommandPool(dev, pool, nil)
	}
}

func resultString(r vk.Result) string {
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

func vkError(op string, r vk.Result) error {
	return fmt.Errorf("%s: %s", op, resultString(r))
}
