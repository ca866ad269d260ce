// Package wgpubackend adapts a WebGPU device to the rendergraph Device
// interface. WebGPU tracks hazards itself, so barriers and events are
// no-ops, and host-visible buffers are shadowed in CPU memory with queue
// writes standing in for staging copies.
package wgpubackend

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rendergraph"
)

// RenderPassFactory opens a render pass on the encoder with the caller's
// attachments and pipeline bound. The backend cannot know the frame's
// attachments; indirect draws are recorded into whatever pass the factory
// returns.
type RenderPassFactory func(enc *wgpu.CommandEncoder) *wgpu.RenderPassEncoder

type bufferEntry struct {
	buf    *wgpu.Buffer
	shadow []byte
	// pendingRead marks a host-visible destination touched since the last
	// fence wait; the wait resolves it back into shadow.
	pendingRead bool
	size        uint64
}

type cmdStream struct {
	enc   *wgpu.CommandEncoder
	cpass *wgpu.ComputePassEncoder
	rpass *wgpu.RenderPassEncoder
	slot  int
	done  bool
}

type fenceEntry struct {
	submitted bool
}

// Backend implements rendergraph.Device on a wgpu.Device.
type Backend struct {
	dev   *wgpu.Device
	queue *wgpu.Queue
	log   rendergraph.Logger

	mu       sync.Mutex
	next     uint64
	buffers  map[rendergraph.BufferHandle]*bufferEntry
	textures map[rendergraph.TextureHandle]*wgpu.Texture
	fences   map[rendergraph.FenceHandle]*fenceEntry
	streams  map[rendergraph.CommandBuffer]*cmdStream
	bySlot   map[int][]rendergraph.CommandBuffer

	pipelines map[rendergraph.PipelineHandle]*wgpu.ComputePipeline
	binds     map[rendergraph.DescriptorSetHandle]*wgpu.BindGroup

	renderPass RenderPassFactory

	// pushBuf backs CmdPushConstants; WebGPU has no push constants, so the
	// shader reads a small uniform block instead.
	pushBuf *wgpu.Buffer
}

var _ rendergraph.Device = (*Backend)(nil)

const pushBlockSize = 128

func New(dev *wgpu.Device, log rendergraph.Logger) (*Backend, error) {
	pushBuf, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "push-block",
		Size:  pushBlockSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create push block: %w", err)
	}
	if log == nil {
		log = rendergraph.NewNopLogger()
	}
	b := &Backend{
		dev:       dev,
		queue:     dev.GetQueue(),
		log:       log,
		buffers:   make(map[rendergraph.BufferHandle]*bufferEntry),
		textures:  make(map[rendergraph.TextureHandle]*wgpu.Texture),
		fences:    make(map[rendergraph.FenceHandle]*fenceEntry),
		streams:   make(map[rendergraph.CommandBuffer]*cmdStream),
		bySlot:    make(map[int][]rendergraph.CommandBuffer),
		pipelines: make(map[rendergraph.PipelineHandle]*wgpu.ComputePipeline),
		binds:     make(map[rendergraph.DescriptorSetHandle]*wgpu.BindGroup),
		pushBuf:   pushBuf,
	}
	return b, nil
}

// SetRenderPassFactory installs the pass opener used by indirect draws.
func (b *Backend) SetRenderPassFactory(f RenderPassFactory) { b.renderPass = f }

// RegisterComputePipeline wraps a compiled pipeline in a handle the graph
// can carry.
func (b *Backend) RegisterComputePipeline(p *wgpu.ComputePipeline) rendergraph.PipelineHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := rendergraph.PipelineHandle(b.next)
	b.pipelines[h] = p
	return h
}

// RegisterBindGroup wraps a bind group in a descriptor set handle.
func (b *Backend) RegisterBindGroup(g *wgpu.BindGroup) rendergraph.DescriptorSetHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := rendergraph.DescriptorSetHandle(b.next)
	b.binds[h] = g
	return h
}

// PushBlockBuffer exposes the uniform block CmdPushConstants writes, for
// bind group layouts.
func (b *Backend) PushBlockBuffer() *wgpu.Buffer { return b.pushBuf }

func (b *Backend) Caps() rendergraph.DeviceCaps {
	// WebGPU's core limits: no multi-draw count, no mesh shading, one
	// queue, implicit sync.
	return rendergraph.DeviceCaps{}
}

func (b *Backend) handle() uint64 {
	b.next++
	return b.next
}

func usageToWGPU(u rendergraph.UsageFlags) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&rendergraph.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&rendergraph.UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&rendergraph.UsageTransferSrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&rendergraph.UsageTransferDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&rendergraph.UsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	if u&rendergraph.UsageVertex != 0 {
		out |= wgpu.BufferUsageVertex
	}
	if u&rendergraph.UsageIndex != 0 {
		out |= wgpu.BufferUsageIndex
	}
	return out
}

func (b *Backend) CreateBuffer(desc rendergraph.DeviceBufferDesc) (rendergraph.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &bufferEntry{size: desc.Size}
	switch {
	case desc.HostVisible && desc.Usage&rendergraph.UsageTransferSrc != 0:
		// Upload staging: CPU shadow only. Copies out of it become queue
		// writes, which WebGPU orders before the frame's encoder work.
		entry.shadow = make([]byte, desc.Size)
	case desc.HostVisible:
		// Readback: a mappable buffer plus a shadow resolved at fence waits.
		buf, err := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  desc.Size,
			Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
		})
		if err != nil {
			return rendergraph.NilBuffer, fmt.Errorf("create %s: %w", desc.Label, err)
		}
		entry.buf = buf
		entry.shadow = make([]byte, desc.Size)
	default:
		buf, err := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  desc.Size,
			Usage: usageToWGPU(desc.Usage),
		})
		if err != nil {
			return rendergraph.NilBuffer, fmt.Errorf("create %s: %w", desc.Label, err)
		}
		entry.buf = buf
	}

	h := rendergraph.BufferHandle(b.handle())
	b.buffers[h] = entry
	return h, nil
}

func formatToWGPU(f rendergraph.TextureFormat) wgpu.TextureFormat {
	switch f {
	case rendergraph.FormatRGBA8:
		return wgpu.TextureFormatRGBA8Unorm
	case rendergraph.FormatBGRA8:
		return wgpu.TextureFormatBGRA8Unorm
	case rendergraph.FormatRGBA16F:
		return wgpu.TextureFormatRGBA16Float
	case rendergraph.FormatRG16F:
		return wgpu.TextureFormatRG16Float
	case rendergraph.FormatR32F:
		return wgpu.TextureFormatR32Float
	case rendergraph.FormatR32Uint:
		return wgpu.TextureFormatR32Uint
	case rendergraph.FormatDepth32:
		return wgpu.TextureFormatDepth32Float
	case rendergraph.FormatDepth24Stencil8:
		return wgpu.TextureFormatDepth24PlusStencil8
	}
	return wgpu.TextureFormatRGBA8Unorm
}

func (b *Backend) CreateTexture(desc rendergraph.DeviceTextureDesc) (rendergraph.TextureHandle, error) {
	usage := wgpu.TextureUsageTextureBinding
	if desc.Usage&rendergraph.UsageStorage != 0 {
		usage |= wgpu.TextureUsageStorageBinding
	}
	if desc.Usage&(rendergraph.UsageRenderTarget|rendergraph.UsageDepthStencil) != 0 {
		usage |= wgpu.TextureUsageRenderAttachment
	}
	if desc.Usage&rendergraph.UsageTransferSrc != 0 {
		usage |= wgpu.TextureUsageCopySrc
	}
	if desc.Usage&rendergraph.UsageTransferDst != 0 {
		usage |= wgpu.TextureUsageCopyDst
	}

	tex, err := b.dev.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.Depth, desc.Layers),
		},
		MipLevelCount: desc.MipLevels,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        formatToWGPU(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return rendergraph.NilTexture, fmt.Errorf("create %s: %w", desc.Label, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := rendergraph.TextureHandle(b.handle())
	b.textures[h] = tex
	return h, nil
}

func (b *Backend) DestroyBuffer(h rendergraph.BufferHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.buffers[h]; ok {
		if e.buf != nil {
			e.buf.Release()
		}
		delete(b.buffers, h)
	}
}

func (b *Backend) DestroyTexture(h rendergraph.TextureHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.textures[h]; ok {
		t.Release()
		delete(b.textures, h)
	}
}

func (b *Backend) MapBuffer(h rendergraph.BufferHandle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buffers[h]
	if !ok || e.shadow == nil {
		return nil, fmt.Errorf("buffer %d is not host visible", h)
	}
	return e.shadow, nil
}
