package rendergraph

import (
	"fmt"
	"sort"
)

// Compile builds the executable pass order. It is idempotent: authored
// topology is only re-processed when a builder marked the graph dirty.
// A cyclic dependency is fatal and leaves no partial ordering behind.
func (g *Graph) Compile() error {
	if !g.dirty {
		return nil
	}
	if len(g.passes) > g.cfg.MaxPasses {
		return fmt.Errorf("%w: %d passes, limit %d", ErrTooManyPasses, len(g.passes), g.cfg.MaxPasses)
	}

	g.resetCompileState()
	g.attachConsumers()
	retained := g.eliminateDeadPasses()

	order, err := g.topoSort(retained)
	if err != nil {
		g.compiled = nil
		return err
	}

	for i, p := range order {
		p.order = i
	}
	g.computeLifetimes(order)

	if g.cfg.MergePasses {
		order = g.mergeAdjacent(order)
	}
	g.aliasTransients(order)

	for _, p := range order {
		p.queue = queueFor(p.Type)
	}

	g.compiled = order
	g.dirty = false
	g.log.Debugf("graph %s compiled: %d/%d passes retained", g.buildID, len(order), len(g.passes))
	return nil
}

func (g *Graph) resetCompileState() {
	for _, r := range g.resources {
		r.producer = nil
		r.consumers = r.consumers[:0]
		r.firstUse = -1
		r.lastUse = -1
		r.aliasOf = nil
	}
	for _, p := range g.passes {
		p.required = false
		p.mergedNext = nil
		p.mergedAway = false
		p.culled = false
		p.order = -1
	}
}

// attachConsumers wires each resource's producer and consumer lists from the
// declared accesses. The first writer is the producer; a read-modify-write
// chains later writers through the consumer edge instead.
func (g *Graph) attachConsumers() {
	for _, p := range g.passes {
		for _, out := range p.outputs {
			r := out.Resource
			if r.producer == nil {
				r.producer = p
			} else if r.producer != p && !p.reads(r) {
				g.log.Warnf("resource %q written by %q and %q without a read between them",
					r.Name, r.producer.Name, p.Name)
			}
		}
		for _, in := range p.inputs {
			in.Resource.consumers = append(in.Resource.consumers, p)
		}
	}
}

// eliminateDeadPasses seeds required-ness from externally observable writes
// (imported, persistent, history outputs) and non-cullable passes, then
// propagates backward through producer edges and explicit dependencies.
func (g *Graph) eliminateDeadPasses() []*Pass {
	var queue []*Pass
	for _, p := range g.passes {
		if p.sideEffect {
			p.required = true
			queue = append(queue, p)
			continue
		}
		for _, out := range p.outputs {
			r := out.Resource
			if r.imported || r.Lifetime == LifetimePersistent || r.Lifetime == LifetimeHistory {
				p.required = true
				queue = append(queue, p)
				break
			}
		}
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		mark := func(dep *Pass) {
			if dep != nil && !dep.required {
				dep.required = true
				queue = append(queue, dep)
			}
		}
		for _, in := range p.inputs {
			mark(in.Resource.producer)
		}
		for _, dep := range p.dependsOn {
			mark(dep)
		}
	}

	retained := make([]*Pass, 0, len(g.passes))
	for _, p := range g.passes {
		if p.required {
			retained = append(retained, p)
		} else {
			p.culled = true
			g.log.Debugf("pass %q eliminated: no required consumer", p.Name)
		}
	}
	return retained
}

// topoSort orders the retained passes depth-first. The inProgress set detects
// cycles, which abort compilation.
func (g *Graph) topoSort(retained []*Pass) ([]*Pass, error) {
	const (
		unvisited  = 0
		inProgress = 1
		done       = 2
	)
	state := make(map[*Pass]int, len(retained))
	order := make([]*Pass, 0, len(retained))

	var visit func(p *Pass, chain []string) error
	visit = func(p *Pass, chain []string) error {
		switch state[p] {
		case done:
			return nil
		case inProgress:
			return fmt.Errorf("%w: %v -> %s", ErrCyclicDependency, chain, p.Name)
		}
		state[p] = inProgress
		chain = append(chain, p.Name)
		for _, in := range p.inputs {
			if prod := in.Resource.producer; prod != nil && prod != p && prod.required {
				if err := visit(prod, chain); err != nil {
					return err
				}
			}
		}
		for _, dep := range p.dependsOn {
			if dep.required {
				if err := visit(dep, chain); err != nil {
					return err
				}
			}
		}
		state[p] = done
		order = append(order, p)
		return nil
	}

	for _, p := range retained {
		if err := visit(p, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// computeLifetimes derives each used resource's [first-write, last-read]
// interval over the compiled order, the input to aliasing.
func (g *Graph) computeLifetimes(order []*Pass) {
	touch := func(r *Resource, at int) {
		if r.firstUse < 0 || at < r.firstUse {
			r.firstUse = at
		}
		if at > r.lastUse {
			r.lastUse = at
		}
	}
	for _, p := range order {
		for _, out := range p.outputs {
			touch(out.Resource, p.order)
		}
		for _, in := range p.inputs {
			touch(in.Resource, p.order)
		}
	}
}

// mergeAdjacent folds a pass into its predecessor when both write the same
// output set, the follower loads (not clears) the shared outputs and does not
// write any of the leader's inputs. The follower records immediately after
// the leader in the leader's batch.
func (g *Graph) mergeAdjacent(order []*Pass) []*Pass {
	merged := make([]*Pass, 0, len(order))
	for i := 0; i < len(order); i++ {
		lead := order[i]
		merged = append(merged, lead)
		for i+1 < len(order) && canMerge(lead, order[i+1]) {
			next := order[i+1]
			lead.mergedNext = next
			next.mergedAway = true
			g.log.Debugf("merged pass %q into %q", next.Name, lead.Name)
			lead = next
			i++
		}
	}
	return merged
}

func canMerge(a, b *Pass) bool {
	if a.Type != b.Type || len(a.outputs) != len(b.outputs) {
		return false
	}
	outs := make(map[*Resource]bool, len(a.outputs))
	for _, out := range a.outputs {
		outs[out.Resource] = true
	}
	for _, out := range b.outputs {
		if !outs[out.Resource] {
			return false
		}
		if out.Load == LoadOpClear {
			return false
		}
	}
	for _, in := range a.inputs {
		if b.writes(in.Resource) && in.Access == AccessRead {
			return false
		}
	}
	return true
}

// aliasTransients shares allocations between transient resources with
// disjoint lifetimes: candidates sorted by descending size, first-fit against
// an earlier (larger) candidate. Textures only alias an identical descriptor
// since handles, not raw memory ranges, are shared with the backend.
func (g *Graph) aliasTransients(order []*Pass) {
	var cands []*Resource
	for _, r := range g.resources {
		if r.aliasable() && r.firstUse >= 0 {
			cands = append(cands, r)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].ByteSize() > cands[j].ByteSize()
	})

	// every interval already bound to the target's allocation
	groups := make(map[*Resource][]*Resource)

	for i, c := range cands {
		for j := 0; j < i; j++ {
			t := cands[j]
			if t.aliasOf != nil {
				continue
			}
			if t.ByteSize() < c.ByteSize() {
				continue
			}
			if !aliasCompatible(t, c) {
				continue
			}
			conflict := c.overlaps(t)
			for _, member := range groups[t] {
				if conflict {
					break
				}
				conflict = c.overlaps(member)
			}
			if conflict {
				continue
			}
			c.aliasOf = t
			groups[t] = append(groups[t], c)
			g.log.Debugf("aliased %q onto %q (%d bytes)", c.Name, t.Name, t.ByteSize())
			break
		}
	}
}

func aliasCompatible(t, c *Resource) bool {
	if t.IsTexture() != c.IsTexture() {
		return false
	}
	if !t.IsTexture() {
		return true
	}
	return t.Texture == c.Texture
}

func queueFor(t PassType) QueueClass {
	switch t {
	case PassAsyncCompute:
		return QueueCompute
	case PassTransfer:
		return QueueTransfer
	default:
		return QueueGraphics
	}
}

// CompiledOrder exposes the execution order of the last successful Compile,
// mainly for inspection and tests.
func (g *Graph) CompiledOrder() []string {
	names := make([]string, 0, len(g.compiled))
	for _, p := range g.compiled {
		names = append(names, p.Name)
		for m := p.mergedNext; m != nil; m = m.mergedNext {
			names = append(names, m.Name)
		}
	}
	return names
}
