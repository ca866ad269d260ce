package rendergraph

import "encoding/binary"

// cullWorkgroupSize matches the culling shader's workgroup declaration.
const cullWorkgroupSize = 64

// FlushDirtyRegions records the frame's upload work into the caller's
// transfer pass. Attach wires it up automatically; call it directly only
// when driving passes by hand.
func (m *InstanceManager) FlushDirtyRegions(ctx *PassContext) { m.recordUpload(ctx) }

// DispatchVisibility records the culling dispatch into the caller's compute
// pass. Same contract as FlushDirtyRegions.
func (m *InstanceManager) DispatchVisibility(ctx *PassContext) { m.recordCull(ctx) }

// recordUpload flushes dirty instance regions, the mesh table when it
// changed, and the camera block. Runs on the graph's transfer pass; the
// frame slot's staging partition was rewound by the fence wait that
// preceded it.
func (m *InstanceManager) recordUpload(ctx *PassContext) {
	dev := ctx.Device
	cb := ctx.CB
	slot := ctx.Frame.SlotIndex
	m.staging.Reset(slot)

	m.resolveStats(slot)
	fr := m.stats.frame(slot)
	fr.reset()
	fr.valid = true
	fr.frameIndex = ctx.Frame.FrameIndex

	high := m.alloc.HighWater()
	regionBytes := uint64(m.cfg.RegionSlots) * instanceRecordSize

	m.dirty.Collect(func(firstSlot, slotCount uint32) {
		if firstSlot >= high {
			return
		}
		if firstSlot+slotCount > high {
			slotCount = high - firstSlot
		}
		size := uint64(slotCount) * instanceRecordSize
		off, mem, ok := m.staging.Alloc(slot, size)
		if !ok {
			// Partition full. The region stays dirty and flushes next
			// frame; losing an upload would freeze instances forever.
			m.dirty.MarkRange(firstSlot, slotCount)
			fr.droppedUploads++
			if fr.uploadErr == nil {
				fr.uploadErr = ErrStagingExhausted
				m.log.Warnf("staging exhausted, deferring %d-slot region (%.1f KiB)", slotCount, float64(regionBytes)/1024)
			}
			return
		}
		src := uint64(firstSlot) * instanceRecordSize
		copy(mem, m.records[src:src+size])
		dev.CmdCopyBuffer(cb, m.staging.buffer, off, m.instanceBuf, src, size)
		fr.uploadBytes += size
	})

	if entries, version := m.meshes.Snapshot(); version != m.meshVersion {
		size := uint64(len(entries)) * meshRecordSize
		if size > 0 {
			off, mem, ok := m.staging.Alloc(slot, size)
			if ok {
				packMeshTable(mem, entries)
				dev.CmdCopyBuffer(cb, m.staging.buffer, off, m.meshBuf, 0, size)
				fr.uploadBytes += size
				m.meshVersion = version
			} else {
				fr.droppedUploads++
			}
		} else {
			m.meshVersion = version
		}
	}

	m.camMu.Lock()
	cam := m.camera
	m.camMu.Unlock()
	cfg := m.cullCfg.Load()
	if off, mem, ok := m.staging.Alloc(slot, CameraBlockSize); ok {
		packCameraBlock(mem, &cam, cfg, high, m.hizW, m.hizH)
		dev.CmdCopyBuffer(cb, m.staging.buffer, off, m.cameraBuf, 0, CameraBlockSize)
		fr.uploadBytes += CameraBlockSize
	} else {
		fr.droppedUploads++
	}

	fr.instances = uint32(m.count.Load())
}

// recordCull resets the visible counter and the draw stream, then runs one
// culling workgroup per 64 instance slots up to the allocator's high water
// mark. Whatever the dispatch rejects simply never increments a bucket, so
// a culled instance costs nothing downstream.
func (m *InstanceManager) recordCull(ctx *PassContext) {
	dev := ctx.Device
	cb := ctx.CB

	// visible counter and draw stream start at zero every frame
	dev.CmdBufferBarrier(cb, m.visibleBuf, StateUnorderedAccess, StateCopyDst)
	dev.CmdBufferBarrier(cb, m.drawCountBuf, StateUnorderedAccess, StateCopyDst)
	dev.CmdBufferBarrier(cb, m.drawArgsBuf, StateUnorderedAccess, StateCopyDst)
	dev.CmdFillBuffer(cb, m.visibleBuf, 0, 16, 0)
	dev.CmdFillBuffer(cb, m.drawCountBuf, 0, 4, 0)
	dev.CmdFillBuffer(cb, m.drawArgsBuf, 0, uint64(m.cfg.MaxDrawBuckets)*DrawArgsStride, 0)
	m.seedDrawArgs(ctx)
	dev.CmdBufferBarrier(cb, m.visibleBuf, StateCopyDst, StateUnorderedAccess)
	dev.CmdBufferBarrier(cb, m.drawCountBuf, StateCopyDst, StateUnorderedAccess)
	dev.CmdBufferBarrier(cb, m.drawArgsBuf, StateCopyDst, StateUnorderedAccess)

	high := m.alloc.HighWater()
	if m.cullPipeline != NilPipeline && high > 0 {
		dev.CmdBindComputePipeline(cb, m.cullPipeline)
		dev.CmdBindDescriptorSet(cb, m.cullSet, 0)

		var pc [8]byte
		binary.LittleEndian.PutUint32(pc[0:], high)
		binary.LittleEndian.PutUint32(pc[4:], uint32(ctx.Frame.SlotIndex))
		dev.CmdPushConstants(cb, pc[:])

		groups := (high + cullWorkgroupSize - 1) / cullWorkgroupSize
		dev.CmdDispatch(cb, groups, 1, 1)

		if cfg := m.cullCfg.Load(); cfg.TwoPhase {
			// Second phase re-tests last frame's occluded set against the
			// fresh depth pyramid; the same pipeline runs with the phase
			// bit in the camera flags driving the shader.
			dev.CmdBufferBarrier(cb, m.visibleBuf, StateUnorderedAccess, StateUnorderedAccess)
			dev.CmdDispatch(cb, groups, 1, 1)
		}
	}

	// counter readback lands two frames later, off the critical path
	dev.CmdBufferBarrier(cb, m.visibleBuf, StateUnorderedAccess, StateCopySrc)
	dev.CmdCopyBuffer(cb, m.visibleBuf, 0, m.readbackBuf, uint64(ctx.Frame.SlotIndex)*statsRecordSize, statsRecordSize)
	dev.CmdBufferBarrier(cb, m.visibleBuf, StateCopySrc, StateUnorderedAccess)
}

// seedDrawArgs writes each bucket's static fields (index count, first
// index, vertex offset, first instance) so the dispatch only has to bump
// instance counts.
func (m *InstanceManager) seedDrawArgs(ctx *PassContext) {
	entries, version := m.meshes.Snapshot()
	if version == 0 || len(entries) == 0 {
		return
	}
	size := uint64(m.meshes.BucketCount()) * DrawArgsStride
	off, mem, ok := m.staging.Alloc(ctx.Frame.SlotIndex, size)
	if !ok {
		m.stats.frame(ctx.Frame.SlotIndex).droppedUploads++
		return
	}
	bucket := 0
	for _, e := range entries {
		for _, lod := range e.LODs {
			o := bucket * DrawArgsStride
			binary.LittleEndian.PutUint32(mem[o+0:], lod.IndexCount)
			binary.LittleEndian.PutUint32(mem[o+4:], 0) // instanceCount, GPU-written
			binary.LittleEndian.PutUint32(mem[o+8:], lod.FirstIndex)
			binary.LittleEndian.PutUint32(mem[o+12:], uint32(lod.VertexOffset))
			binary.LittleEndian.PutUint32(mem[o+16:], 0) // firstInstance
			bucket++
		}
	}
	ctx.Device.CmdCopyBuffer(ctx.CB, m.staging.buffer, off, m.drawArgsBuf, 0, size)
}
