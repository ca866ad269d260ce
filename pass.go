package rendergraph

import "time"

type PassType uint8

const (
	PassGraphics PassType = iota
	PassCompute
	PassAsyncCompute
	PassTransfer
	PassRayTracing
	PassPresent
)

type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessReadWrite
)

type LoadOp uint8

const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

// PassResource is one declared access: which resource, how, in which state,
// bound at which slot.
type PassResource struct {
	Resource *Resource
	Access   AccessMode
	State    ResourceState
	Slot     uint32
	Load     LoadOp
	Clear    [4]float32
}

// FrameContext is handed to predicates and execution callbacks once per frame.
type FrameContext struct {
	FrameIndex uint64
	SlotIndex  int
	DeltaTime  float64
	UserData   any
}

// PassContext is the recording environment of one pass execution.
type PassContext struct {
	Device  Device
	CB      CommandBuffer
	Frame   *FrameContext
	Graph   *Graph
	Pass    *Pass
	Scratch []byte // per-worker scratch arena, valid for this callback only
}

// Pass is one scheduling unit. Authored once, reused across frames; the
// profiling fields are written only by the executor.
type Pass struct {
	id   uint32
	Name string
	Type PassType

	inputs  []PassResource
	outputs []PassResource

	dependsOn []*Pass

	execute   func(*PassContext)
	predicate func(*FrameContext) bool

	sideEffect bool
	queue      QueueClass
	priority   int
	estCost    float64
	viewport   [4]float32

	// compiler state
	required   bool
	order      int
	mergedNext *Pass
	mergedAway bool

	// executor-owned profiling
	cpuTime time.Duration
	gpuTime time.Duration
	culled  bool
}

// ID returns the monotonically assigned pass id.
func (p *Pass) ID() uint32 { return p.id }

// CPUTime is the last frame's recording time for this pass.
func (p *Pass) CPUTime() time.Duration { return p.cpuTime }

// GPUTime is the last resolved GPU duration, zero when timestamps are off.
func (p *Pass) GPUTime() time.Duration { return p.gpuTime }

// Culled reports whether the last frame skipped the pass (predicate false) or
// compilation eliminated it.
func (p *Pass) Culled() bool { return p.culled }

func (p *Pass) reads(r *Resource) bool {
	for _, in := range p.inputs {
		if in.Resource == r {
			return true
		}
	}
	return false
}

func (p *Pass) writes(r *Resource) bool {
	for _, out := range p.outputs {
		if out.Resource == r {
			return true
		}
	}
	return false
}

// PassBuilder declares a pass fluently; every method returns the builder.
type PassBuilder struct {
	graph *Graph
	pass  *Pass
}

// Reads declares an input consumed in the given state.
func (b *PassBuilder) Reads(r *Resource, state ResourceState) *PassBuilder {
	return b.ReadsSlot(r, state, uint32(len(b.pass.inputs)))
}

// ReadsSlot declares an input with an explicit binding slot.
func (b *PassBuilder) ReadsSlot(r *Resource, state ResourceState, slot uint32) *PassBuilder {
	b.pass.inputs = append(b.pass.inputs, PassResource{Resource: r, Access: AccessRead, State: state, Slot: slot})
	b.graph.markDirty()
	return b
}

// Writes declares an output produced in the given state, loading prior contents.
func (b *PassBuilder) Writes(r *Resource, state ResourceState) *PassBuilder {
	b.pass.outputs = append(b.pass.outputs, PassResource{
		Resource: r, Access: AccessWrite, State: state,
		Slot: uint32(len(b.pass.outputs)), Load: LoadOpLoad,
	})
	b.graph.markDirty()
	return b
}

// Clears declares an output cleared to the given value before the pass runs.
func (b *PassBuilder) Clears(r *Resource, state ResourceState, clear [4]float32) *PassBuilder {
	b.pass.outputs = append(b.pass.outputs, PassResource{
		Resource: r, Access: AccessWrite, State: state,
		Slot: uint32(len(b.pass.outputs)), Load: LoadOpClear, Clear: clear,
	})
	b.graph.markDirty()
	return b
}

// ReadsWrites declares an in-place read-modify-write access.
func (b *PassBuilder) ReadsWrites(r *Resource, state ResourceState) *PassBuilder {
	pr := PassResource{Resource: r, Access: AccessReadWrite, State: state, Load: LoadOpLoad}
	pr.Slot = uint32(len(b.pass.inputs))
	b.pass.inputs = append(b.pass.inputs, pr)
	b.pass.outputs = append(b.pass.outputs, pr)
	b.graph.markDirty()
	return b
}

// DependsOn adds an explicit ordering edge not implied by resource access.
func (b *PassBuilder) DependsOn(p *Pass) *PassBuilder {
	b.pass.dependsOn = append(b.pass.dependsOn, p)
	b.graph.markDirty()
	return b
}

// Execute sets the recording callback.
func (b *PassBuilder) Execute(fn func(*PassContext)) *PassBuilder {
	b.pass.execute = fn
	return b
}

// OnlyIf sets a per-frame predicate; false skips the pass entirely.
func (b *PassBuilder) OnlyIf(pred func(*FrameContext) bool) *PassBuilder {
	b.pass.predicate = pred
	return b
}

// NonCullable exempts the pass from dead-pass elimination.
func (b *PassBuilder) NonCullable() *PassBuilder {
	b.pass.sideEffect = true
	return b
}

// Viewport sets the viewport hint (x, y, width, height).
func (b *PassBuilder) Viewport(x, y, w, h float32) *PassBuilder {
	b.pass.viewport = [4]float32{x, y, w, h}
	return b
}

// Priority sets the scheduling priority hint.
func (b *PassBuilder) Priority(p int) *PassBuilder {
	b.pass.priority = p
	return b
}

// Cost sets the estimated cost hint.
func (b *PassBuilder) Cost(c float64) *PassBuilder {
	b.pass.estCost = c
	return b
}

// Pass returns the underlying descriptor.
func (b *PassBuilder) Pass() *Pass { return b.pass }
