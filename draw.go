package rendergraph

// DrawArgsStride is the byte stride of one indexed indirect draw record:
// indexCount, instanceCount, firstIndex, vertexOffset, firstInstance.
const DrawArgsStride = 20

// SubmitDraws records the indirect draw stream into the caller's graphics
// pass. With the draw-count capability one call consumes the whole stream
// and the GPU-written count skips empty buckets; without it, every
// reserved bucket is drawn and empty ones degenerate to zero instances.
// The caller binds its pipeline and vertex/index streams first.
func (m *InstanceManager) SubmitDraws(ctx *PassContext) {
	dev := ctx.Device
	cb := ctx.CB

	buckets := m.meshes.BucketCount()
	if buckets == 0 {
		return
	}

	dev.CmdBufferBarrier(cb, m.drawArgsBuf, StateUnorderedAccess, StateIndirectArgument)
	dev.CmdBufferBarrier(cb, m.drawCountBuf, StateUnorderedAccess, StateIndirectArgument)

	if dev.Caps().DrawIndirectCount {
		dev.CmdDrawIndexedIndirectCount(cb, m.drawArgsBuf, 0, m.drawCountBuf, 0, buckets, DrawArgsStride)
	} else {
		for b := uint32(0); b < buckets; b++ {
			dev.CmdDrawIndexedIndirect(cb, m.drawArgsBuf, uint64(b)*DrawArgsStride, 1, DrawArgsStride)
		}
	}

	fr := m.stats.frame(ctx.Frame.SlotIndex)
	fr.drawCalls = buckets
}

// SubmitMeshDraws is the mesh shading variant of SubmitDraws. Falls back
// to the indexed path when the capability is absent.
func (m *InstanceManager) SubmitMeshDraws(ctx *PassContext) {
	if !ctx.Device.Caps().MeshShading {
		m.SubmitDraws(ctx)
		return
	}
	buckets := m.meshes.BucketCount()
	if buckets == 0 {
		return
	}
	ctx.Device.CmdBufferBarrier(ctx.CB, m.drawArgsBuf, StateUnorderedAccess, StateIndirectArgument)
	ctx.Device.CmdDrawMeshTasksIndirect(ctx.CB, m.drawArgsBuf, 0, buckets, DrawArgsStride)
	m.stats.frame(ctx.Frame.SlotIndex).drawCalls = buckets
}
