package rendergraph

import (
	"fmt"
	"sync"
)

// fakeDevice records every command handed to it so tests can assert on the
// exact sequence. Recording may happen from several goroutines, so every
// method takes the mutex.
type fakeDevice struct {
	mu   sync.Mutex
	caps DeviceCaps

	next uint64

	buffers   map[BufferHandle]*fakeBuffer
	textures  map[TextureHandle]DeviceTextureDesc
	failLabel string // CreateBuffer/CreateTexture with this label fails

	createdTextures   int
	destroyedTextures int
	destroyedBuffers  int

	cmds     []fakeCmd
	acquired int
	resets   []int
	events   int

	waited  []FenceHandle
	submits []fakeSubmit

	ts map[int][]uint64 // retired timestamps per frame slot
}

type fakeBuffer struct {
	desc DeviceBufferDesc
	mem  []byte
}

type fakeCmd struct {
	cb    CommandBuffer
	op    string
	buf   BufferHandle
	tex   TextureHandle
	from  ResourceState
	to    ResourceState
	off   uint64
	size  uint64
	value uint32
	data  []byte
	x     uint32
	y     uint32
	z     uint32
	label string
	query uint32
}

type fakeSubmit struct {
	queue QueueClass
	cbs   []CommandBuffer
	fence FenceHandle
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		buffers:  make(map[BufferHandle]*fakeBuffer),
		textures: make(map[TextureHandle]DeviceTextureDesc),
		ts:       make(map[int][]uint64),
	}
}

func (d *fakeDevice) handle() uint64 {
	d.next++
	return d.next
}

func (d *fakeDevice) record(c fakeCmd) {
	d.mu.Lock()
	d.cmds = append(d.cmds, c)
	d.mu.Unlock()
}

func (d *fakeDevice) Caps() DeviceCaps { return d.caps }

func (d *fakeDevice) CreateBuffer(desc DeviceBufferDesc) (BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failLabel != "" && desc.Label == d.failLabel {
		return NilBuffer, fmt.Errorf("out of memory: %s", desc.Label)
	}
	h := BufferHandle(d.handle())
	b := &fakeBuffer{desc: desc}
	if desc.HostVisible {
		b.mem = make([]byte, desc.Size)
	}
	d.buffers[h] = b
	return h, nil
}

func (d *fakeDevice) CreateTexture(desc DeviceTextureDesc) (TextureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failLabel != "" && desc.Label == d.failLabel {
		return NilTexture, fmt.Errorf("out of memory: %s", desc.Label)
	}
	h := TextureHandle(d.handle())
	d.textures[h] = desc
	d.createdTextures++
	return h, nil
}

func (d *fakeDevice) DestroyBuffer(h BufferHandle) {
	d.mu.Lock()
	delete(d.buffers, h)
	d.destroyedBuffers++
	d.mu.Unlock()
}

func (d *fakeDevice) DestroyTexture(h TextureHandle) {
	d.mu.Lock()
	delete(d.textures, h)
	d.destroyedTextures++
	d.mu.Unlock()
}

func (d *fakeDevice) MapBuffer(h BufferHandle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok || b.mem == nil {
		return nil, fmt.Errorf("buffer %d not host visible", h)
	}
	return b.mem, nil
}

func (d *fakeDevice) AcquireCommandBuffer(slot int, queue QueueClass) CommandBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquired++
	return CommandBuffer(d.handle())
}

func (d *fakeDevice) ResetCommandBuffers(slot int) {
	d.mu.Lock()
	d.resets = append(d.resets, slot)
	d.mu.Unlock()
}

func (d *fakeDevice) CmdCopyBuffer(cb CommandBuffer, src BufferHandle, srcOff uint64, dst BufferHandle, dstOff uint64, size uint64) {
	d.record(fakeCmd{cb: cb, op: "copy-buffer", buf: dst, off: dstOff, size: size})
}

func (d *fakeDevice) CmdFillBuffer(cb CommandBuffer, dst BufferHandle, off, size uint64, value uint32) {
	d.record(fakeCmd{cb: cb, op: "fill-buffer", buf: dst, off: off, size: size, value: value})
}

func (d *fakeDevice) CmdBufferBarrier(cb CommandBuffer, buf BufferHandle, src, dst ResourceState) {
	d.record(fakeCmd{cb: cb, op: "buffer-barrier", buf: buf, from: src, to: dst})
}

func (d *fakeDevice) CmdTextureBarrier(cb CommandBuffer, tex TextureHandle, src, dst ResourceState) {
	d.record(fakeCmd{cb: cb, op: "texture-barrier", tex: tex, from: src, to: dst})
}

func (d *fakeDevice) CreateEvent() (EventHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events++
	return EventHandle(d.handle()), nil
}

func (d *fakeDevice) DestroyEvent(ev EventHandle) {}

func (d *fakeDevice) CmdSignalEvent(cb CommandBuffer, ev EventHandle, state ResourceState) {
	d.record(fakeCmd{cb: cb, op: "signal-event", to: state})
}

func (d *fakeDevice) CmdWaitEvent(cb CommandBuffer, ev EventHandle, src, dst ResourceState) {
	d.record(fakeCmd{cb: cb, op: "wait-event", from: src, to: dst})
}

func (d *fakeDevice) CmdBindComputePipeline(cb CommandBuffer, p PipelineHandle) {
	d.record(fakeCmd{cb: cb, op: "bind-pipeline"})
}

func (d *fakeDevice) CmdBindDescriptorSet(cb CommandBuffer, set DescriptorSetHandle, index uint32) {
	d.record(fakeCmd{cb: cb, op: "bind-set"})
}

func (d *fakeDevice) CmdPushConstants(cb CommandBuffer, data []byte) {
	d.record(fakeCmd{cb: cb, op: "push-constants", data: append([]byte(nil), data...)})
}

func (d *fakeDevice) CmdDispatch(cb CommandBuffer, x, y, z uint32) {
	d.record(fakeCmd{cb: cb, op: "dispatch", x: x, y: y, z: z})
}

func (d *fakeDevice) CmdDrawIndexedIndirect(cb CommandBuffer, args BufferHandle, offset uint64, drawCount, stride uint32) {
	d.record(fakeCmd{cb: cb, op: "draw-indirect", buf: args, off: offset, x: drawCount})
}

func (d *fakeDevice) CmdDrawIndexedIndirectCount(cb CommandBuffer, args BufferHandle, offset uint64, count BufferHandle, countOff uint64, maxDrawCount, stride uint32) {
	d.record(fakeCmd{cb: cb, op: "draw-indirect-count", buf: args, x: maxDrawCount})
}

func (d *fakeDevice) CmdDrawMeshTasksIndirect(cb CommandBuffer, args BufferHandle, offset uint64, drawCount, stride uint32) {
	d.record(fakeCmd{cb: cb, op: "draw-mesh-tasks", buf: args, x: drawCount})
}

func (d *fakeDevice) CmdBeginDebugGroup(cb CommandBuffer, name string) {
	d.record(fakeCmd{cb: cb, op: "begin-group", label: name})
}

func (d *fakeDevice) CmdEndDebugGroup(cb CommandBuffer) {
	d.record(fakeCmd{cb: cb, op: "end-group"})
}

func (d *fakeDevice) CmdWriteTimestamp(cb CommandBuffer, slot int, query uint32) {
	d.record(fakeCmd{cb: cb, op: "timestamp", query: query})
}

func (d *fakeDevice) ReadTimestamps(slot int) ([]uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ticks, ok := d.ts[slot]
	return ticks, ok
}

func (d *fakeDevice) CreateFence(signaled bool) (FenceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return FenceHandle(d.handle()), nil
}

func (d *fakeDevice) DestroyFence(f FenceHandle) {}

func (d *fakeDevice) WaitFence(f FenceHandle, timeoutNs uint64) bool {
	d.mu.Lock()
	d.waited = append(d.waited, f)
	d.mu.Unlock()
	return true
}

func (d *fakeDevice) ResetFence(f FenceHandle) {}

func (d *fakeDevice) Submit(queue QueueClass, cbs []CommandBuffer, fence FenceHandle) error {
	d.mu.Lock()
	d.submits = append(d.submits, fakeSubmit{queue: queue, cbs: append([]CommandBuffer(nil), cbs...), fence: fence})
	d.mu.Unlock()
	return nil
}

// count returns how many commands with the given op were recorded.
func (d *fakeDevice) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.cmds {
		if c.op == op {
			n++
		}
	}
	return n
}

// opsFor returns the op sequence recorded into one command buffer.
func (d *fakeDevice) opsFor(cb CommandBuffer) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.cmds {
		if c.cb == cb {
			out = append(out, c.op)
		}
	}
	return out
}

// barriersFor returns the "from->to" transitions recorded for one buffer.
func (d *fakeDevice) barriersFor(buf BufferHandle) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.cmds {
		if c.op == "buffer-barrier" && c.buf == buf {
			out = append(out, c.from.String()+"->"+c.to.String())
		}
	}
	return out
}

// copiesTo returns every buffer copy targeting dst.
func (d *fakeDevice) copiesTo(dst BufferHandle) []fakeCmd {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fakeCmd
	for _, c := range d.cmds {
		if c.op == "copy-buffer" && c.buf == dst {
			out = append(out, c)
		}
	}
	return out
}

// clear drops the recorded command log, keeping created objects.
func (d *fakeDevice) clear() {
	d.mu.Lock()
	d.cmds = nil
	d.mu.Unlock()
}
