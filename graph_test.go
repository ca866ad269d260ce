package rendergraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDeferredGraph(t *testing.T, d *fakeDevice) *Graph {
	t.Helper()
	g, err := NewGraph(d, Config{}, nil)
	require.NoError(t, err)

	shadowMap, err := g.CreateTexture2D("shadow-map", 2048, 2048, FormatDepth32, UsageDepthStencil|UsageSampled, LifetimeTransient)
	require.NoError(t, err)
	gbuffer, err := g.CreateTexture2D("gbuffer", 1920, 1080, FormatRGBA16F, UsageRenderTarget|UsageSampled, LifetimeTransient)
	require.NoError(t, err)
	hdr, err := g.CreateTexture2D("hdr", 1920, 1080, FormatRGBA16F, UsageRenderTarget|UsageSampled, LifetimeTransient)
	require.NoError(t, err)
	backbuffer, err := g.CreateTexture2D("backbuffer", 1920, 1080, FormatBGRA8, UsageRenderTarget, LifetimePersistent)
	require.NoError(t, err)

	g.AddPass("shadow").Writes(shadowMap, StateDepthWrite)
	g.AddPass("geometry").Writes(gbuffer, StateRenderTarget)
	g.AddPass("lighting").
		Reads(shadowMap, StateShaderRead).
		Reads(gbuffer, StateShaderRead).
		Writes(hdr, StateRenderTarget)
	g.AddPresentPass("present").
		Reads(hdr, StateShaderRead).
		Writes(backbuffer, StateRenderTarget)
	return g
}

func TestGraph_CompileOrder(t *testing.T) {
	g := buildDeferredGraph(t, newFakeDevice())
	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"shadow", "geometry", "lighting", "present"}, g.CompiledOrder())
}

func TestGraph_CompileIdempotent(t *testing.T) {
	g := buildDeferredGraph(t, newFakeDevice())
	require.NoError(t, g.Compile())
	first := g.CompiledOrder()
	require.NoError(t, g.Compile())
	assert.Equal(t, first, g.CompiledOrder())
}

func TestGraph_CycleDetection(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	a, err := g.CreateBuffer("ping", 1024, 0, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	b, err := g.CreateBuffer("pong", 1024, 0, UsageStorage, LifetimeTransient)
	require.NoError(t, err)

	g.AddComputePass("forward").Reads(b, StateShaderRead).Writes(a, StateUnorderedAccess).NonCullable()
	g.AddComputePass("backward").Reads(a, StateShaderRead).Writes(b, StateUnorderedAccess).NonCullable()

	err = g.Compile()
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Empty(t, g.CompiledOrder())
}

func TestGraph_DeadPassElimination(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	scratch, err := g.CreateBuffer("scratch", 1024, 0, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	out, err := g.CreateBuffer("out", 1024, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	dead := g.AddComputePass("orphan").Writes(scratch, StateUnorderedAccess).Pass()
	live := g.AddComputePass("tonemap").Writes(out, StateUnorderedAccess).Pass()

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"tonemap"}, g.CompiledOrder())
	assert.True(t, dead.Culled())
	assert.False(t, live.Culled())
}

func TestGraph_ExplicitDependencyRetains(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	scratch, err := g.CreateBuffer("scratch", 1024, 0, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	out, err := g.CreateBuffer("out", 1024, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	warm := g.AddComputePass("warm-cache").Writes(scratch, StateUnorderedAccess).Pass()
	g.AddComputePass("main").Writes(out, StateUnorderedAccess).DependsOn(warm)

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"warm-cache", "main"}, g.CompiledOrder())
}

func TestGraph_DuplicateResource(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	_, err = g.CreateBuffer("instances", 1024, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)
	_, err = g.CreateBuffer("instances", 2048, 0, UsageStorage, LifetimePersistent)
	assert.ErrorIs(t, err, ErrDuplicateResource)
}

func TestGraph_HistoryBufferRejected(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	_, err = g.CreateBuffer("feedback", 1024, 0, UsageStorage, LifetimeHistory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history lifetime requires a texture")

	_, err = g.CreateAccelStruct("tlas", 4096, LifetimeHistory)
	require.Error(t, err)

	// Textures still take the history lifetime.
	_, err = g.CreateTexture2D("depth-pyramid", 512, 512, FormatR32F, UsageStorage|UsageSampled, LifetimeHistory)
	assert.NoError(t, err)
}

func TestGraph_ResourceLimit(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{MaxResources: 1}, nil)
	require.NoError(t, err)

	_, err = g.CreateBuffer("a", 64, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)
	_, err = g.CreateBuffer("b", 64, 0, UsageStorage, LifetimePersistent)
	assert.ErrorIs(t, err, ErrTooManyResources)
}

func TestGraph_PassLimit(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{MaxPasses: 2}, nil)
	require.NoError(t, err)

	out, err := g.CreateBuffer("out", 64, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)
	g.AddComputePass("a").Writes(out, StateUnorderedAccess)
	g.AddComputePass("b").Reads(out, StateShaderRead)
	g.AddComputePass("c").Reads(out, StateShaderRead)

	assert.ErrorIs(t, g.Compile(), ErrTooManyPasses)
}

func TestGraph_UnknownResource(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)
	_, err = g.Resource("missing")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestGraph_TransientAliasing(t *testing.T) {
	d := newFakeDevice()
	g, err := NewGraph(d, Config{}, nil)
	require.NoError(t, err)

	// Two same-shaped transients with disjoint lifetimes share one texture.
	early, err := g.CreateTexture2D("blur-early", 512, 512, FormatRGBA8, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	late, err := g.CreateTexture2D("blur-late", 512, 512, FormatRGBA8, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	mid, err := g.CreateBuffer("mid", 256, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)
	out, err := g.CreateBuffer("out", 256, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	g.AddComputePass("blur-h").Writes(early, StateUnorderedAccess)
	g.AddComputePass("reduce").Reads(early, StateShaderRead).Writes(mid, StateUnorderedAccess)
	g.AddComputePass("blur-v").Writes(late, StateUnorderedAccess)
	g.AddComputePass("resolve").Reads(late, StateShaderRead).Writes(out, StateUnorderedAccess)

	require.NoError(t, g.Compile())
	assert.Same(t, early, late.aliasOf)

	require.NoError(t, g.Execute(0, nil))
	assert.Equal(t, 1, d.createdTextures)
	assert.Equal(t, early.TextureHandle(0), late.TextureHandle(0))

	// Destroy releases the shared allocation exactly once.
	g.Destroy()
	assert.Equal(t, 1, d.destroyedTextures)
}

func TestGraph_AliasingRespectsOverlap(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{}, nil)
	require.NoError(t, err)

	a, err := g.CreateTexture2D("a", 512, 512, FormatRGBA8, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	b, err := g.CreateTexture2D("b", 512, 512, FormatRGBA8, UsageStorage, LifetimeTransient)
	require.NoError(t, err)
	out, err := g.CreateBuffer("out", 256, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	// b is produced while a is still live, so the intervals intersect.
	g.AddComputePass("produce-a").Writes(a, StateUnorderedAccess)
	g.AddComputePass("transform").Reads(a, StateShaderRead).Writes(b, StateUnorderedAccess)
	g.AddComputePass("consume-b").Reads(b, StateShaderRead).Writes(out, StateUnorderedAccess)

	require.NoError(t, g.Compile())
	assert.Nil(t, a.aliasOf)
	assert.Nil(t, b.aliasOf)
}

func TestGraph_MergeAdjacent(t *testing.T) {
	d := newFakeDevice()
	g, err := NewGraph(d, Config{MergePasses: true}, nil)
	require.NoError(t, err)

	target, err := g.CreateBuffer("gbuffer-ids", 4096, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	var order []string
	mark := func(name string) func(*PassContext) {
		return func(*PassContext) { order = append(order, name) }
	}
	g.AddComputePass("gbuffer-base").Writes(target, StateUnorderedAccess).Execute(mark("gbuffer-base"))
	g.AddComputePass("gbuffer-decals").Writes(target, StateUnorderedAccess).Execute(mark("gbuffer-decals"))

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"gbuffer-base", "gbuffer-decals"}, g.CompiledOrder())

	require.NoError(t, g.Execute(0, nil))
	assert.Equal(t, []string{"gbuffer-base", "gbuffer-decals"}, order)
	// Both passes recorded into a single stream.
	assert.Equal(t, 1, d.acquired)
	assert.Len(t, g.frames[0].cbs, 1)
}

func TestGraph_MergeRejectsClear(t *testing.T) {
	g, err := NewGraph(newFakeDevice(), Config{MergePasses: true}, nil)
	require.NoError(t, err)

	target, err := g.CreateBuffer("accum", 4096, 0, UsageStorage, LifetimePersistent)
	require.NoError(t, err)

	g.AddComputePass("first").Writes(target, StateUnorderedAccess)
	g.AddComputePass("second").Clears(target, StateUnorderedAccess, [4]float32{})

	require.NoError(t, g.Compile())
	for _, p := range g.compiled {
		assert.Nil(t, p.mergedNext)
	}
	assert.Len(t, g.compiled, 2)
}

func TestGraph_NilDevice(t *testing.T) {
	_, err := NewGraph(nil, Config{}, nil)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestGraph_InvalidConfig(t *testing.T) {
	d := newFakeDevice()
	_, err := NewGraph(d, Config{FramesInFlight: 9}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames_in_flight")
}
