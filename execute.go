package rendergraph

import (
	"fmt"
	"sync"
	"time"
)

const fenceWaitForever = ^uint64(0)

type barrierOp struct {
	res  *Resource
	from ResourceState
	to   ResourceState
}

type eventOp struct {
	res  *Resource
	from ResourceState
	to   ResourceState
}

type passPlan struct {
	pass     *Pass
	cb       CommandBuffer
	pre      []barrierOp
	waits    []eventOp
	signals  []eventOp
	follower bool // merged into the previous plan's command buffer
	skip     bool
	hasTS    bool
	q0       uint32
}

// attached reports whether plan continues the previous plan's merged chain.
// A follower whose leader was skipped starts a chain of its own.
func attached(b []*passPlan, i int) bool {
	return b[i].follower && i > 0 && b[i-1].pass.mergedNext == b[i].pass
}

// Execute runs one frame. The only blocking point is the fence wait when a
// frame slot is reused; everything else, including parallel recording, stays
// off the caller's critical path. Allocation failures poison only the passes
// that depend on the failed resource and are reported in the returned error.
func (g *Graph) Execute(deltaTime float64, userData any) error {
	if g.dirty {
		if err := g.Compile(); err != nil {
			return err
		}
	}

	n := len(g.frames)
	slot := int(g.frameIndex % uint64(n))
	fs := g.frames[slot]

	if fs.submitted {
		g.device.WaitFence(fs.fence, fenceWaitForever)
		g.device.ResetFence(fs.fence)
		fs.submitted = false
	}

	// This slot's previous submission retired N frames ago; its timestamp
	// queries are safe to reclaim without stalling on in-flight work.
	g.resolveTimestamps(slot)

	g.device.ResetCommandBuffers(slot)
	fs.cbs = fs.cbs[:0]

	frame := &FrameContext{
		FrameIndex: g.frameIndex,
		SlotIndex:  slot,
		DeltaTime:  deltaTime,
		UserData:   userData,
	}

	poisoned, allocErr := g.allocateResources(slot)

	plans := g.plan(frame, slot, poisoned)
	batches := g.batch(plans)
	g.record(batches, frame, slot, fs)

	if err := g.device.Submit(QueueGraphics, fs.cbs, fs.fence); err != nil {
		return fmt.Errorf("submit frame %d: %w", g.frameIndex, err)
	}
	fs.submitted = true
	g.frameIndex++
	return allocErr
}

// allocateResources lazily creates any used resource without a live handle.
// Imported resources and aliases are skipped; aliases inherit their target's
// handle. A failed allocation is recorded and its dependents skip the frame.
func (g *Graph) allocateResources(slot int) (map[*Resource]bool, error) {
	var firstErr error
	var poisoned map[*Resource]bool

	fail := func(r *Resource, err error) {
		if poisoned == nil {
			poisoned = make(map[*Resource]bool)
		}
		poisoned[r] = true
		g.log.Errorf("allocation of %q failed: %v", r.Name, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("allocate %q: %w", r.Name, err)
		}
	}

	ensure := func(r *Resource) {
		if r.imported || r.aliasOf != nil || r.allocated() {
			return
		}
		if err := g.allocate(r); err != nil {
			fail(r, err)
		}
	}
	for _, p := range g.compiled {
		for chain := p; chain != nil; chain = chain.mergedNext {
			for _, in := range chain.inputs {
				ensure(in.Resource)
			}
			for _, out := range chain.outputs {
				ensure(out.Resource)
			}
		}
	}
	_ = slot
	return poisoned, firstErr
}

func (g *Graph) allocate(r *Resource) error {
	if r.IsTexture() {
		desc := DeviceTextureDesc{
			Label:     r.Name,
			Width:     r.Texture.Width,
			Height:    r.Texture.Height,
			Depth:     max32(r.Texture.Depth, 1),
			Layers:    max32(r.Texture.Layers, 1),
			MipLevels: max32(r.Texture.MipLevels, 1),
			Format:    r.Texture.Format,
			Usage:     r.Usage,
		}
		if r.Lifetime == LifetimeHistory {
			r.history = make([]TextureHandle, len(g.frames))
			for i := range r.history {
				desc.Label = fmt.Sprintf("%s[%d]", r.Name, i)
				h, err := g.device.CreateTexture(desc)
				if err != nil {
					return err
				}
				r.history[i] = h
			}
			return nil
		}
		h, err := g.device.CreateTexture(desc)
		if err != nil {
			return err
		}
		r.texture = h
		return nil
	}

	h, err := g.device.CreateBuffer(DeviceBufferDesc{
		Label:       r.Name,
		Size:        r.Buffer.Size,
		Usage:       r.Usage,
		HostVisible: r.Buffer.HostVisible,
	})
	if err != nil {
		return err
	}
	r.buffer = h
	return nil
}

// plan evaluates predicates and synthesizes barriers sequentially over the
// compiled order. Current-state updates happen here, so a resource's writer
// for the frame is uniquely determined before any parallel recording starts.
func (g *Graph) plan(frame *FrameContext, slot int, poisoned map[*Resource]bool) []*passPlan {
	caps := g.device.Caps()
	splitOK := g.cfg.SplitBarriers && caps.SplitBarriers

	plans := make([]*passPlan, 0, len(g.compiled))
	planOf := make(map[*Pass]*passPlan, len(g.compiled))

	for _, lead := range g.compiled {
		follower := false
		for p := lead; p != nil; p = p.mergedNext {
			plan := &passPlan{pass: p, follower: follower}
			follower = true

			p.culled = false
			if p.predicate != nil && !p.predicate(frame) {
				// Skipped passes record nothing: no barriers, no state updates.
				p.culled = true
				plan.skip = true
				plans = append(plans, plan)
				planOf[p] = plan
				continue
			}
			if g.isPoisoned(p, poisoned) {
				p.culled = true
				plan.skip = true
				plans = append(plans, plan)
				planOf[p] = plan
				continue
			}

			for _, in := range p.inputs {
				r := in.Resource
				if r.state == in.State {
					continue
				}
				prod := r.producer
				if splitOK && prod != nil && prod != p && !prod.culled && p.order-prod.order > 1 {
					if prodPlan, ok := planOf[prod]; ok {
						if r.event == NilEvent {
							ev, err := g.device.CreateEvent()
							if err == nil {
								r.event = ev
							}
						}
						if r.event != NilEvent {
							op := eventOp{res: r, from: r.state, to: in.State}
							prodPlan.signals = append(prodPlan.signals, op)
							plan.waits = append(plan.waits, op)
							r.state = in.State
							continue
						}
					}
				}
				plan.pre = append(plan.pre, barrierOp{res: r, from: r.state, to: in.State})
				r.state = in.State
			}
			for _, out := range p.outputs {
				r := out.Resource
				if r.state != out.State {
					plan.pre = append(plan.pre, barrierOp{res: r, from: r.state, to: out.State})
					r.state = out.State
				}
			}

			plans = append(plans, plan)
			planOf[p] = plan
		}
	}
	_ = slot
	return plans
}

func (g *Graph) isPoisoned(p *Pass, poisoned map[*Resource]bool) bool {
	if len(poisoned) == 0 {
		return false
	}
	for _, in := range p.inputs {
		if poisoned[in.Resource.aliasRoot()] {
			return true
		}
	}
	for _, out := range p.outputs {
		if poisoned[out.Resource.aliasRoot()] {
			return true
		}
	}
	return false
}

// batch groups consecutive plans with no intra-group read-after-write hazard.
// A pass opens a new batch when one of its resources was already written
// within the current batch. Merged followers stay with their leader.
func (g *Graph) batch(plans []*passPlan) [][]*passPlan {
	var batches [][]*passPlan
	var cur []*passPlan
	written := make(map[*Resource]bool)

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			written = make(map[*Resource]bool)
		}
	}

	for _, plan := range plans {
		if plan.skip {
			continue
		}
		p := plan.pass
		hazard := false
		if !plan.follower {
			for _, in := range p.inputs {
				if written[in.Resource.aliasRoot()] {
					hazard = true
					break
				}
			}
			if !hazard {
				for _, out := range p.outputs {
					if written[out.Resource.aliasRoot()] {
						hazard = true
						break
					}
				}
			}
		}
		if hazard {
			flush()
		}
		cur = append(cur, plan)
		for _, out := range p.outputs {
			written[out.Resource.aliasRoot()] = true
		}
	}
	flush()
	return batches
}

// record acquires command buffers and timestamp queries in submission order
// up front, then records each batch, concurrently when the frame is large
// enough. Submission order never depends on recording completion order.
func (g *Graph) record(batches [][]*passPlan, frame *FrameContext, slot int, fs *frameSlot) {
	useTS := g.device.Caps().Timestamps && !g.tsWarned

	total := 0
	query := uint32(0)
	fs.tsPasses = fs.tsPasses[:0]
	for _, b := range batches {
		for i, plan := range b {
			total++
			if attached(b, i) {
				plan.cb = b[i-1].cb
			} else {
				plan.cb = g.device.AcquireCommandBuffer(slot, plan.pass.queue)
				fs.cbs = append(fs.cbs, plan.cb)
			}
			if useTS {
				plan.q0 = query
				plan.hasTS = true
				query += 2
				fs.tsPasses = append(fs.tsPasses, plan.pass)
			}
		}
	}

	parallel := total >= g.cfg.ParallelThreshold && g.cfg.RecordWorkers > 1

	scratch := make(chan []byte, len(g.scratch))
	for _, s := range g.scratch {
		scratch <- s
	}

	for _, b := range batches {
		// Merged followers share the leader's command buffer and must record
		// after it, so the parallel units are the leader chains.
		chains := chainsOf(b)
		if parallel && len(chains) > 1 {
			var wg sync.WaitGroup
			sem := make(chan struct{}, g.cfg.RecordWorkers)
			for _, chain := range chains {
				wg.Add(1)
				sem <- struct{}{}
				go func(chain []*passPlan) {
					defer wg.Done()
					defer func() { <-sem }()
					buf := <-scratch
					for _, plan := range chain {
						g.recordPass(plan, frame, slot, buf)
					}
					scratch <- buf
				}(chain)
			}
			wg.Wait()
		} else {
			buf := <-scratch
			for _, plan := range b {
				g.recordPass(plan, frame, slot, buf)
			}
			scratch <- buf
		}
	}
}

func chainsOf(b []*passPlan) [][]*passPlan {
	var chains [][]*passPlan
	for i, plan := range b {
		if attached(b, i) {
			last := len(chains) - 1
			chains[last] = append(chains[last], plan)
			continue
		}
		chains = append(chains, []*passPlan{plan})
	}
	return chains
}

func (g *Graph) recordPass(plan *passPlan, frame *FrameContext, slot int, scratch []byte) {
	p := plan.pass
	cb := plan.cb
	dev := g.device

	dev.CmdBeginDebugGroup(cb, p.Name)
	if plan.hasTS {
		dev.CmdWriteTimestamp(cb, slot, plan.q0)
	}

	for _, w := range plan.waits {
		dev.CmdWaitEvent(cb, w.res.event, w.from, w.to)
	}
	for _, bo := range plan.pre {
		if bo.res.IsTexture() {
			dev.CmdTextureBarrier(cb, bo.res.TextureHandle(slot), bo.from, bo.to)
		} else {
			dev.CmdBufferBarrier(cb, bo.res.BufferHandle(), bo.from, bo.to)
		}
	}

	start := time.Now()
	if p.execute != nil {
		p.execute(&PassContext{
			Device:  dev,
			CB:      cb,
			Frame:   frame,
			Graph:   g,
			Pass:    p,
			Scratch: scratch,
		})
	}
	p.cpuTime = time.Since(start)

	for _, s := range plan.signals {
		dev.CmdSignalEvent(cb, s.res.event, s.to)
	}

	if plan.hasTS {
		dev.CmdWriteTimestamp(cb, slot, plan.q0+1)
	}
	dev.CmdEndDebugGroup(cb)
}

// resolveTimestamps turns last-retired queries of a slot into per-pass GPU
// times. Purely best-effort: a backend without timestamps disables the path.
func (g *Graph) resolveTimestamps(slot int) {
	if !g.device.Caps().Timestamps || g.tsWarned {
		return
	}
	fs := g.frames[slot]
	if len(fs.tsPasses) == 0 {
		return
	}
	ticks, ok := g.device.ReadTimestamps(slot)
	if !ok {
		g.tsWarned = true
		g.log.Warnf("timestamp readback unavailable, gpu timings disabled")
		return
	}
	for i, p := range fs.tsPasses {
		if 2*i+1 < len(ticks) {
			p.gpuTime = time.Duration(ticks[2*i+1] - ticks[2*i])
		}
	}
	fs.tsPasses = fs.tsPasses[:0]
}
