package vkbackend

import (
	vk "github.com/goki/vulkan"

	"github.com/gekko3d/rendergraph"
)

func (b *Backend) CreateFence(signaled bool) (rendergraph.FenceHandle, error) {
	info := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var f vk.Fence
	res := vk.CreateFence(b.opts.Device, &info, nil, &f)
	if res != vk.Success {
		return 0, vkError("create fence", res)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := rendergraph.FenceHandle(b.handle())
	b.fences[h] = f
	return h, nil
}

func (b *Backend) DestroyFence(h rendergraph.FenceHandle) {
	b.mu.Lock()
	f, ok := b.fences[h]
	delete(b.fences, h)
	b.mu.Unlock()
	if ok {
		vk.DestroyFence(b.opts.Device, f, nil)
	}
}

func (b *Backend) WaitFence(h rendergraph.FenceHandle, timeoutNs uint64) bool {
	b.mu.Lock()
	f, ok := b.fences[h]
	b.mu.Unlock()
	if !ok {
		return false
	}
	res := vk.WaitForFences(b.opts.Device, 1, []vk.Fence{f}, vk.True, timeoutNs)
	switch res {
	case vk.Success:
		return true
	case vk.Timeout:
		b.log.Warnf("fence wait timed out after %dns", timeoutNs)
	default:
		b.log.Errorf("fence wait failed: %s", resultString(res))
	}
	return false
}

func (b *Backend) ResetFence(h rendergraph.FenceHandle) {
	b.mu.Lock()
	f, ok := b.fences[h]
	b.mu.Unlock()
	if ok {
		vk.ResetFences(b.opts.Device, 1, []vk.Fence{f})
	}
}

func (b *Backend) Submit(queue rendergraph.QueueClass, cbs []rendergraph.CommandBuffer, fence rendergraph.FenceHandle) error {
	handles := make([]vk.CommandBuffer, 0, len(cbs))
	b.mu.Lock()
	for _, h := range cbs {
		if s, ok := b.streams[h]; ok {
			handles = append(handles, s.cb)
		}
	}
	f := b.fences[fence]
	b.mu.Unlock()

	for _, cb := range handles {
		if res := vk.EndCommandBuffer(cb); res != vk.Success {
			return vkError("end command buffer", res)
		}
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}
	if res := vk.QueueSubmit(b.queueFor(queue), 1, []vk.SubmitInfo{submitInfo}, f); res != vk.Success {
		return vkError("queue submit", res)
	}
	return nil
}
