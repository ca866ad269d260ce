package rendergraph

type ResourceType uint8

const (
	ResourceTexture2D ResourceType = iota
	ResourceTexture3D
	ResourceTextureCube
	ResourceTextureArray
	ResourceBuffer
	ResourceAccelStruct
)

// Lifetime classifies who owns an allocation and how long it lives.
type Lifetime uint8

const (
	// LifetimeTransient resources live within a single frame's execution and
	// are eligible for memory aliasing.
	LifetimeTransient Lifetime = iota
	// LifetimePersistent resources survive across frames in one allocation.
	LifetimePersistent
	// LifetimeImported resources are externally owned; the graph never
	// allocates or destroys them.
	LifetimeImported
	// LifetimeHistory textures are N-buffered so a pass can read last frame's
	// contents (e.g. the previous depth pyramid for temporal occlusion).
	// Only textures may be declared with this lifetime.
	LifetimeHistory
)

type TextureFormat uint8

const (
	FormatRGBA8 TextureFormat = iota
	FormatBGRA8
	FormatRGBA16F
	FormatRG16F
	FormatR32F
	FormatR32Uint
	FormatDepth32
	FormatDepth24Stencil8
)

// FormatSize returns bytes per texel, for aliasing size computation.
func FormatSize(f TextureFormat) uint64 {
	switch f {
	case FormatRGBA8, FormatBGRA8, FormatR32F, FormatR32Uint, FormatDepth32, FormatDepth24Stencil8, FormatRG16F:
		return 4
	case FormatRGBA16F:
		return 8
	}
	return 4
}

type TextureDesc struct {
	Width     uint32
	Height    uint32
	Depth     uint32
	Layers    uint32
	MipLevels uint32
	Format    TextureFormat
}

type BufferDesc struct {
	Size        uint64
	Stride      uint32
	HostVisible bool
}

// Resource is one descriptor in a graph build. Identity is the name, unique
// within the build. Descriptors are authored single-threaded; during steady
// state only the state field mutates, written by the uniquely determined
// per-frame writer.
type Resource struct {
	id       uint32
	Name     string
	Type     ResourceType
	Lifetime Lifetime
	Texture  TextureDesc
	Buffer   BufferDesc
	Usage    UsageFlags

	// state is the current synchronization state, the sole source of truth
	// consulted by the next frame's barrier synthesis.
	state ResourceState

	// aliasOf points at the earlier, larger resource whose allocation this
	// transient shares. Aliasing descriptors never independently destroy.
	aliasOf *Resource

	producer  *Pass
	consumers []*Pass

	// [firstUse, lastUse] interval over compiled pass order, for aliasing.
	firstUse int
	lastUse  int

	imported bool

	// Live handles. History textures carry one handle per frame slot.
	buffer  BufferHandle
	texture TextureHandle
	history []TextureHandle

	event EventHandle // split-barrier event, allocated on demand
}

// IsTexture reports whether the descriptor allocates a texture.
func (r *Resource) IsTexture() bool {
	return r.Type != ResourceBuffer && r.Type != ResourceAccelStruct
}

// State returns the resource's current synchronization state.
func (r *Resource) State() ResourceState { return r.state }

// ByteSize is the allocation size used for first-fit aliasing.
func (r *Resource) ByteSize() uint64 {
	if r.IsTexture() {
		t := r.Texture
		d := max32(t.Depth, 1)
		l := max32(t.Layers, 1)
		return uint64(t.Width) * uint64(t.Height) * uint64(d) * uint64(l) * FormatSize(t.Format)
	}
	return r.Buffer.Size
}

// aliasRoot follows the alias chain to the owning allocation.
func (r *Resource) aliasRoot() *Resource {
	root := r
	for root.aliasOf != nil {
		root = root.aliasOf
	}
	return root
}

// BufferHandle returns the live buffer handle, resolving aliases.
func (r *Resource) BufferHandle() BufferHandle { return r.aliasRoot().buffer }

// TextureHandle returns the live texture handle for the slot, resolving
// aliases. Non-history resources ignore the slot.
func (r *Resource) TextureHandle(slot int) TextureHandle {
	root := r.aliasRoot()
	if root.Lifetime == LifetimeHistory && len(root.history) > 0 {
		return root.history[slot%len(root.history)]
	}
	return root.texture
}

// HistoryHandle returns the previous frame slot's texture for a history
// resource, so temporal passes read last frame's contents.
func (r *Resource) HistoryHandle(slot int) TextureHandle {
	root := r.aliasRoot()
	if root.Lifetime != LifetimeHistory || len(root.history) == 0 {
		return root.texture
	}
	n := len(root.history)
	return root.history[(slot+n-1)%n]
}

func (r *Resource) allocated() bool {
	root := r.aliasRoot()
	return root.buffer != NilBuffer || root.texture != NilTexture || len(root.history) > 0
}

// overlaps reports whether two lifetime intervals intersect.
func (r *Resource) overlaps(o *Resource) bool {
	return r.firstUse <= o.lastUse && o.firstUse <= r.lastUse
}

func (r *Resource) aliasable() bool {
	return r.Lifetime == LifetimeTransient && !r.imported
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
