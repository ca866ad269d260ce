package wgpubackend

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rendergraph"
)

func (b *Backend) CreateFence(signaled bool) (rendergraph.FenceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := rendergraph.FenceHandle(b.handle())
	b.fences[h] = &fenceEntry{submitted: signaled}
	return h, nil
}

func (b *Backend) DestroyFence(h rendergraph.FenceHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fences, h)
}

func (b *Backend) ResetFence(h rendergraph.FenceHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.fences[h]; ok {
		f.submitted = false
	}
}

// WaitFence drains the queue. WebGPU exposes no per-submit fence, so the
// wait is coarser than Vulkan's; with the graph's frames-in-flight pacing
// the difference only costs overlap, never correctness. Pending readbacks
// resolve into their shadows here, while the buffers are quiescent.
func (b *Backend) WaitFence(h rendergraph.FenceHandle, timeoutNs uint64) bool {
	b.mu.Lock()
	f, ok := b.fences[h]
	submitted := ok && f.submitted
	b.mu.Unlock()
	if !submitted {
		return true
	}

	b.dev.Poll(true, nil)
	b.resolveReadbacks()
	return true
}

func (b *Backend) resolveReadbacks() {
	b.mu.Lock()
	var pending []*bufferEntry
	for _, e := range b.buffers {
		if e.pendingRead {
			pending = append(pending, e)
		}
	}
	b.mu.Unlock()

	for _, e := range pending {
		done := false
		e.buf.MapAsync(wgpu.MapModeRead, 0, e.buf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
			if status == wgpu.BufferMapAsyncStatusSuccess {
				data := e.buf.GetMappedRange(0, uint(e.size))
				copy(e.shadow, data)
			}
			done = true
		})
		for !done {
			b.dev.Poll(true, nil)
		}
		e.buf.Unmap()
		e.pendingRead = false
	}
}

func (b *Backend) Submit(queue rendergraph.QueueClass, cbs []rendergraph.CommandBuffer, fence rendergraph.FenceHandle) error {
	cmds := make([]*wgpu.CommandBuffer, 0, len(cbs))
	for _, cb := range cbs {
		b.mu.Lock()
		s := b.streams[cb]
		b.mu.Unlock()
		if s == nil || s.done {
			continue
		}
		s.closePasses()
		cmd, err := s.enc.Finish(nil)
		if err != nil {
			return fmt.Errorf("finish command buffer: %w", err)
		}
		s.done = true
		cmds = append(cmds, cmd)
	}
	if len(cmds) > 0 {
		b.queue.Submit(cmds...)
		for _, c := range cmds {
			c.Release()
		}
	}
	b.mu.Lock()
	if f, ok := b.fences[fence]; ok {
		f.submitted = true
	}
	b.mu.Unlock()
	return nil
}
