package wgpubackend

import (
	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rendergraph"
)

func (b *Backend) AcquireCommandBuffer(slot int, queue rendergraph.QueueClass) rendergraph.CommandBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	enc, err := b.dev.CreateCommandEncoder(nil)
	if err != nil {
		panic(err)
	}
	cb := rendergraph.CommandBuffer(b.handle())
	b.streams[cb] = &cmdStream{enc: enc, slot: slot}
	b.bySlot[slot] = append(b.bySlot[slot], cb)
	return cb
}

func (b *Backend) ResetCommandBuffers(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cb := range b.bySlot[slot] {
		if s, ok := b.streams[cb]; ok {
			if !s.done {
				s.closePasses()
				s.enc.Release()
			}
			delete(b.streams, cb)
		}
	}
	b.bySlot[slot] = b.bySlot[slot][:0]
}

func (b *Backend) stream(cb rendergraph.CommandBuffer) *cmdStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[cb]
}

func (s *cmdStream) closePasses() {
	if s.cpass != nil {
		s.cpass.End()
		s.cpass.Release()
		s.cpass = nil
	}
	if s.rpass != nil {
		s.rpass.End()
		s.rpass.Release()
		s.rpass = nil
	}
}

func (s *cmdStream) compute() *wgpu.ComputePassEncoder {
	if s.rpass != nil {
		s.rpass.End()
		s.rpass.Release()
		s.rpass = nil
	}
	if s.cpass == nil {
		s.cpass = s.enc.BeginComputePass(nil)
	}
	return s.cpass
}

// CmdCopyBuffer records a copy. Copies out of CPU-shadowed staging become
// queue writes: WebGPU executes all queue writes of a frame before its
// encoder work, and the graph's upload pass issues them before any
// dispatch reads the data.
func (b *Backend) CmdCopyBuffer(cb rendergraph.CommandBuffer, src rendergraph.BufferHandle, srcOff uint64, dst rendergraph.BufferHandle, dstOff, size uint64) {
	b.mu.Lock()
	s := b.buffers[src]
	d := b.buffers[dst]
	stream := b.streams[cb]
	b.mu.Unlock()

	if s.buf == nil {
		b.queue.WriteBuffer(d.buf, dstOff, s.shadow[srcOff:srcOff+size])
		return
	}
	stream.closePasses()
	stream.enc.CopyBufferToBuffer(s.buf, srcOff, d.buf, dstOff, size)
	if d.shadow != nil {
		d.pendingRead = true
	}
}

// CmdFillBuffer writes the fill through the queue rather than the encoder
// so it stays ordered against shadowed uploads of the same frame.
func (b *Backend) CmdFillBuffer(cb rendergraph.CommandBuffer, dst rendergraph.BufferHandle, off, size uint64, value uint32) {
	b.mu.Lock()
	d := b.buffers[dst]
	b.mu.Unlock()

	data := make([]byte, size)
	if value != 0 {
		for i := uint64(0); i+3 < size; i += 4 {
			data[i] = byte(value)
			data[i+1] = byte(value >> 8)
			data[i+2] = byte(value >> 16)
			data[i+3] = byte(value >> 24)
		}
	}
	b.queue.WriteBuffer(d.buf, off, data)
}

// Barriers and events are implicit in WebGPU.
func (b *Backend) CmdBufferBarrier(rendergraph.CommandBuffer, rendergraph.BufferHandle, rendergraph.ResourceState, rendergraph.ResourceState) {
}

func (b *Backend) CmdTextureBarrier(rendergraph.CommandBuffer, rendergraph.TextureHandle, rendergraph.ResourceState, rendergraph.ResourceState) {
}

func (b *Backend) CreateEvent() (rendergraph.EventHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return rendergraph.EventHandle(b.handle()), nil
}

func (b *Backend) DestroyEvent(rendergraph.EventHandle) {}

func (b *Backend) CmdSignalEvent(rendergraph.CommandBuffer, rendergraph.EventHandle, rendergraph.ResourceState) {
}

func (b *Backend) CmdWaitEvent(rendergraph.CommandBuffer, rendergraph.EventHandle, rendergraph.ResourceState, rendergraph.ResourceState) {
}

func (b *Backend) CmdBindComputePipeline(cb rendergraph.CommandBuffer, p rendergraph.PipelineHandle) {
	b.mu.Lock()
	pipe := b.pipelines[p]
	stream := b.streams[cb]
	b.mu.Unlock()
	if pipe == nil {
		return
	}
	stream.compute().SetPipeline(pipe)
}

func (b *Backend) CmdBindDescriptorSet(cb rendergraph.CommandBuffer, set rendergraph.DescriptorSetHandle, index uint32) {
	b.mu.Lock()
	bg := b.binds[set]
	stream := b.streams[cb]
	b.mu.Unlock()
	if bg == nil {
		return
	}
	stream.compute().SetBindGroup(index, bg, nil)
}

func (b *Backend) CmdPushConstants(cb rendergraph.CommandBuffer, data []byte) {
	if len(data) > pushBlockSize {
		data = data[:pushBlockSize]
	}
	b.queue.WriteBuffer(b.pushBuf, 0, data)
}

func (b *Backend) CmdDispatch(cb rendergraph.CommandBuffer, x, y, z uint32) {
	if s := b.stream(cb); s != nil {
		s.compute().DispatchWorkgroups(x, y, z)
	}
}

func (b *Backend) CmdDrawIndexedIndirect(cb rendergraph.CommandBuffer, args rendergraph.BufferHandle, offset uint64, drawCount, stride uint32) {
	if b.renderPass == nil {
		b.log.Warnf("indirect draw dropped: no render pass factory installed")
		return
	}
	b.mu.Lock()
	a := b.buffers[args]
	s := b.streams[cb]
	b.mu.Unlock()

	if s.cpass != nil {
		s.cpass.End()
		s.cpass.Release()
		s.cpass = nil
	}
	if s.rpass == nil {
		s.rpass = b.renderPass(s.enc)
	}
	for i := uint32(0); i < drawCount; i++ {
		s.rpass.DrawIndexedIndirect(a.buf, offset+uint64(i)*uint64(stride))
	}
}

func (b *Backend) CmdDrawIndexedIndirectCount(cb rendergraph.CommandBuffer, args rendergraph.BufferHandle, offset uint64, count rendergraph.BufferHandle, countOff uint64, maxDrawCount, stride uint32) {
	// Caps().DrawIndirectCount is false; the graph never takes this path.
	b.log.Errorf("draw indirect count is not supported by this backend")
}

func (b *Backend) CmdDrawMeshTasksIndirect(cb rendergraph.CommandBuffer, args rendergraph.BufferHandle, offset uint64, drawCount, stride uint32) {
	b.log.Errorf("mesh shading is not supported by this backend")
}

func (b *Backend) CmdBeginDebugGroup(cb rendergraph.CommandBuffer, name string) {}
func (b *Backend) CmdEndDebugGroup(cb rendergraph.CommandBuffer)                {}

// Timestamps are unsupported; Caps().Timestamps is false.
func (b *Backend) CmdWriteTimestamp(cb rendergraph.CommandBuffer, slot int, query uint32) {}

func (b *Backend) ReadTimestamps(slot int) ([]uint64, bool) { return nil, false }
