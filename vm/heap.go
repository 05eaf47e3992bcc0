package vm

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/runtime"
)

// ErrCollectionDeferred is returned by Collect while a DeferGC scope is open.
var ErrCollectionDeferred = errors.New("vm: collection deferred")

// CollectionStats holds statistics from a single collection.
type CollectionStats struct {
	Marked     int
	CodeBlocks int
	Jettisoned int
	Dropped    int
	Duration   time.Duration
	Timestamp  time.Time
}

// Heap tracks the code blocks of one VM and runs collections over them.
//
// The heap does not own object memory. A collection marks what the given
// roots, the global variables and the code blocks keep alive, then lets every
// code block drop caches and optimized code that refer to dead cells.
type Heap struct {
	vm *VM

	deferred atomic.Int32

	mu     sync.Mutex
	blocks map[*codeblock.CodeBlock]struct{}

	collections atomic.Uint64
	lastStats   atomic.Value // CollectionStats
}

func newHeap(vm *VM) *Heap {
	return &Heap{vm: vm, blocks: make(map[*codeblock.CodeBlock]struct{})}
}

// DeferGC suspends collection until the returned function is called. Scopes
// nest; the returned function is idempotent.
func (h *Heap) DeferGC() func() {
	h.deferred.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { h.deferred.Add(-1) })
	}
}

// IsDeferred reports whether a DeferGC scope is open.
func (h *Heap) IsDeferred() bool { return h.deferred.Load() > 0 }

// Collections returns how many collections ran.
func (h *Heap) Collections() uint64 { return h.collections.Load() }

// LastStats returns the statistics of the most recent collection.
func (h *Heap) LastStats() CollectionStats {
	s, _ := h.lastStats.Load().(CollectionStats)
	return s
}

func (h *Heap) register(cb *codeblock.CodeBlock) {
	h.mu.Lock()
	h.blocks[cb] = struct{}{}
	h.mu.Unlock()
}

// CodeBlocks returns every tracked code block, oldest first.
func (h *Heap) CodeBlocks() []*codeblock.CodeBlock {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*codeblock.CodeBlock, 0, len(h.blocks))
	for cb := range h.blocks {
		out = append(out, cb)
	}
	sortByID(out)
	return out
}

// Collect runs a collection. roots are cells the embedder keeps alive beyond
// the global variables. Weak references of blocks with executing frames are
// treated as strong.
func (h *Heap) Collect(roots ...any) (CollectionStats, error) {
	if h.IsDeferred() {
		return CollectionStats{}, ErrCollectionDeferred
	}
	start := time.Now()

	blocks := h.CodeBlocks()
	m := newMarker()
	m.mark(h.vm.objectStructure)
	m.mark(h.vm.arrayStructure)
	for _, r := range roots {
		m.mark(r)
	}
	for _, v := range h.vm.global.Variables() {
		m.mark(v.Get())
	}
	for _, cb := range blocks {
		cb.VisitStrongReferences(m)
		if cb.MayBeExecuting() {
			cb.VisitWeakReferences(m)
		}
	}
	m.drain()

	stats := CollectionStats{Marked: len(m.live), CodeBlocks: len(blocks), Timestamp: start}
	for _, cb := range blocks {
		if cb.FinalizeUnconditionally(m.isLive) {
			stats.Jettisoned++
		}
	}

	// Jettisoned blocks that are no longer current or an alternative of the
	// current block are unreachable.
	reachable := make(map[*codeblock.CodeBlock]struct{})
	for _, exe := range h.vm.Executables() {
		for _, kind := range []codeblock.SpecializationKind{codeblock.CodeForCall, codeblock.CodeForConstruct} {
			for c := exe.CodeBlockFor(kind); c != nil; c = c.Alternative() {
				reachable[c] = struct{}{}
			}
		}
	}
	h.mu.Lock()
	for cb := range h.blocks {
		if _, ok := reachable[cb]; !ok && !cb.MayBeExecuting() {
			delete(h.blocks, cb)
			stats.Dropped++
		}
	}
	h.mu.Unlock()

	stats.Duration = time.Since(start)
	h.collections.Add(1)
	h.lastStats.Store(stats)
	h.vm.log.Debugf("collection: %d cells marked, %d blocks, %d jettisoned, %d dropped in %s",
		stats.Marked, stats.CodeBlocks, stats.Jettisoned, stats.Dropped, stats.Duration)
	return stats, nil
}

// marker is a runtime.SlotVisitor that traces objects, structures and
// functions transitively.
type marker struct {
	live    runtime.CellSet
	pending []any
}

func newMarker() *marker {
	return &marker{live: make(runtime.CellSet)}
}

// Append implements runtime.SlotVisitor.
func (m *marker) Append(cell any) { m.mark(cell) }

func (m *marker) mark(cell any) {
	switch cell.(type) {
	case nil, int32, float64, bool, string, runtime.UndefinedType, runtime.NullType:
		return
	}
	if m.live.Contains(cell) {
		return
	}
	m.live.Append(cell)
	m.pending = append(m.pending, cell)
}

func (m *marker) drain() {
	for len(m.pending) > 0 {
		cell := m.pending[len(m.pending)-1]
		m.pending = m.pending[:len(m.pending)-1]
		switch c := cell.(type) {
		case *runtime.Object:
			m.mark(c.Structure())
			for _, name := range c.Structure().PropertyNames() {
				v, _ := c.GetOwn(name)
				m.mark(v)
			}
			for i := 0; i < c.Length(); i++ {
				v, _ := c.GetIndex(i)
				m.mark(v)
			}
		case *runtime.Structure:
			if p := c.Prototype(); p != nil {
				m.mark(p)
			}
			if prev := c.Previous(); prev != nil {
				m.mark(prev)
			}
		}
	}
}

func (m *marker) isLive(cell any) bool {
	return m.live.Contains(cell)
}

func sortByID(blocks []*codeblock.CodeBlock) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID() < blocks[j].ID() })
}
