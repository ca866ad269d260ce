package rendergraph

import (
	"fmt"

	"github.com/google/uuid"
)

// Graph is the top-level driver: passes and resources are authored on it
// single-threaded, Compile is re-run only when topology changed, Execute runs
// one frame against N-buffered frame slots.
type Graph struct {
	device  Device
	log     Logger
	cfg     Config
	buildID uuid.UUID

	passes    []*Pass
	resources []*Resource
	byName    map[string]*Resource
	passSeq   uint32

	dirty    bool
	compiled []*Pass

	frames     []*frameSlot
	frameIndex uint64

	scratch  [][]byte // one arena per recording worker, sized once
	tsWarned bool
}

type frameSlot struct {
	fence     FenceHandle
	submitted bool
	cbs       []CommandBuffer
	tsPasses  []*Pass // passes with retired timestamp query pairs, in query order
}

func NewGraph(device Device, cfg Config, logger Logger) (*Graph, error) {
	if device == nil {
		return nil, ErrDeviceUnavailable
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("graph config: %w", err)
	}

	g := &Graph{
		device:  device,
		log:     orNopLogger(logger),
		cfg:     cfg,
		buildID: uuid.New(),
		byName:  make(map[string]*Resource),
		dirty:   true,
	}

	g.frames = make([]*frameSlot, cfg.FramesInFlight)
	for i := range g.frames {
		fence, err := device.CreateFence(false)
		if err != nil {
			return nil, fmt.Errorf("create frame fence %d: %w", i, err)
		}
		g.frames[i] = &frameSlot{fence: fence}
	}

	g.scratch = make([][]byte, cfg.RecordWorkers)
	for i := range g.scratch {
		g.scratch[i] = make([]byte, cfg.ScratchBytes)
	}

	g.log.Debugf("graph %s created, %d frame slots", g.buildID, cfg.FramesInFlight)
	return g, nil
}

func (g *Graph) markDirty() { g.dirty = true }

// FrameIndex returns the number of frames executed so far.
func (g *Graph) FrameIndex() uint64 { return g.frameIndex }

func (g *Graph) addPass(name string, typ PassType) *PassBuilder {
	p := &Pass{id: g.passSeq, Name: name, Type: typ}
	g.passSeq++
	if typ == PassPresent {
		p.sideEffect = true
	}
	g.passes = append(g.passes, p)
	g.dirty = true
	return &PassBuilder{graph: g, pass: p}
}

// AddPass records a graphics pass.
func (g *Graph) AddPass(name string) *PassBuilder { return g.addPass(name, PassGraphics) }

func (g *Graph) AddComputePass(name string) *PassBuilder { return g.addPass(name, PassCompute) }

func (g *Graph) AddAsyncComputePass(name string) *PassBuilder {
	return g.addPass(name, PassAsyncCompute)
}

func (g *Graph) AddTransferPass(name string) *PassBuilder { return g.addPass(name, PassTransfer) }

func (g *Graph) AddRayTracingPass(name string) *PassBuilder {
	return g.addPass(name, PassRayTracing)
}

// AddPresentPass records a present pass; present passes are never culled.
func (g *Graph) AddPresentPass(name string) *PassBuilder { return g.addPass(name, PassPresent) }

func (g *Graph) addResource(r *Resource) (*Resource, error) {
	if len(g.resources) >= g.cfg.MaxResources {
		return nil, fmt.Errorf("%w: %d", ErrTooManyResources, g.cfg.MaxResources)
	}
	if r.Lifetime == LifetimeHistory && !r.IsTexture() {
		return nil, fmt.Errorf("resource %q: history lifetime requires a texture", r.Name)
	}
	if _, ok := g.byName[r.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateResource, r.Name)
	}
	r.id = uint32(len(g.resources))
	r.firstUse = -1
	r.lastUse = -1
	g.resources = append(g.resources, r)
	g.byName[r.Name] = r
	g.dirty = true
	return r, nil
}

// CreateTexture2D declares an owned 2D texture, allocated lazily on first use.
func (g *Graph) CreateTexture2D(name string, w, h uint32, format TextureFormat, usage UsageFlags, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceTexture2D, Lifetime: lifetime, Usage: usage,
		Texture: TextureDesc{Width: w, Height: h, Depth: 1, Layers: 1, MipLevels: 1, Format: format},
	})
}

func (g *Graph) CreateTexture3D(name string, w, h, d uint32, format TextureFormat, usage UsageFlags, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceTexture3D, Lifetime: lifetime, Usage: usage,
		Texture: TextureDesc{Width: w, Height: h, Depth: d, Layers: 1, MipLevels: 1, Format: format},
	})
}

func (g *Graph) CreateTextureCube(name string, size uint32, format TextureFormat, usage UsageFlags, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceTextureCube, Lifetime: lifetime, Usage: usage,
		Texture: TextureDesc{Width: size, Height: size, Depth: 1, Layers: 6, MipLevels: 1, Format: format},
	})
}

func (g *Graph) CreateTextureArray(name string, w, h, layers uint32, format TextureFormat, usage UsageFlags, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceTextureArray, Lifetime: lifetime, Usage: usage,
		Texture: TextureDesc{Width: w, Height: h, Depth: 1, Layers: layers, MipLevels: 1, Format: format},
	})
}

// CreateBuffer declares an owned buffer.
func (g *Graph) CreateBuffer(name string, size uint64, stride uint32, usage UsageFlags, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceBuffer, Lifetime: lifetime, Usage: usage,
		Buffer: BufferDesc{Size: size, Stride: stride},
	})
}

func (g *Graph) CreateAccelStruct(name string, size uint64, lifetime Lifetime) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceAccelStruct, Lifetime: lifetime, Usage: UsageAccelStruct | UsageStorage,
		Buffer: BufferDesc{Size: size},
	})
}

// ImportTexture registers an externally owned texture. The graph transitions
// its state but never destroys it.
func (g *Graph) ImportTexture(name string, handle TextureHandle, desc TextureDesc, state ResourceState) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceTexture2D, Lifetime: LifetimeImported,
		Texture: desc, texture: handle, state: state, imported: true,
	})
}

// ImportBuffer registers an externally owned buffer.
func (g *Graph) ImportBuffer(name string, handle BufferHandle, desc BufferDesc, state ResourceState) (*Resource, error) {
	return g.addResource(&Resource{
		Name: name, Type: ResourceBuffer, Lifetime: LifetimeImported,
		Buffer: desc, buffer: handle, state: state, imported: true,
	})
}

// Resource looks a declared resource up by name.
func (g *Graph) Resource(name string) (*Resource, error) {
	r, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return r, nil
}

// Destroy releases every owned allocation exactly once and the frame fences.
// Imported handles are left untouched; aliased descriptors never release.
func (g *Graph) Destroy() {
	released := make(map[*Resource]bool)
	for _, r := range g.resources {
		root := r.aliasRoot()
		if root.imported || released[root] {
			continue
		}
		released[root] = true
		if root.buffer != NilBuffer {
			g.device.DestroyBuffer(root.buffer)
			root.buffer = NilBuffer
		}
		if root.texture != NilTexture {
			g.device.DestroyTexture(root.texture)
			root.texture = NilTexture
		}
		for _, h := range root.history {
			g.device.DestroyTexture(h)
		}
		root.history = nil
	}
	for _, r := range g.resources {
		if r.event != NilEvent {
			g.device.DestroyEvent(r.event)
			r.event = NilEvent
		}
	}
	for _, fs := range g.frames {
		g.device.DestroyFence(fs.fence)
	}
	g.log.Debugf("graph %s destroyed", g.buildID)
}
