// Package worklist runs optimizing compilations on a fixed pool of compiler
// threads shared by every VM of the process.
package worklist

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tierup/codeblock"
)

var log = commonlog.GetLogger("tierup.worklist")

// State is what a VM can learn about one key.
type State uint8

const (
	StateNotKnown State = iota
	StateCompiling
	StateCompiled
)

func (s State) String() string {
	switch s {
	case StateCompiling:
		return "Compiling"
	case StateCompiled:
		return "Compiled"
	}
	return "NotKnown"
}

// Stats holds worklist statistics.
type Stats struct {
	Threads   int
	Queued    int
	Active    int
	Ready     int
	Compiled  uint64
	Failed    uint64
	Finalized uint64
	Cancelled uint64
	Time      time.Duration // total time spent in compile steps
}

// Worklist owns the compiler threads, the queue of plans, the map of known
// plans and the list of ready plans. One mutex guards all three; compile steps
// run without it.
type Worklist struct {
	log commonlog.Logger

	mu           sync.Mutex
	planEnqueued *sync.Cond
	planCompiled *sync.Cond

	queue []*Plan // FIFO; a nil entry stops one thread
	plans map[Key]*Plan
	ready []*Plan

	numThreads            int
	numberOfActiveThreads int
	shutdown              bool
	threads               sync.WaitGroup

	compiled, failed, finalized, cancelled uint64
	compileTime                            time.Duration
}

// New starts a worklist with numThreads compiler threads (at least one).
// A nil logger uses the package logger.
func New(numThreads int, logger commonlog.Logger) *Worklist {
	if numThreads < 1 {
		numThreads = 1
	}
	if logger == nil {
		logger = log
	}
	w := &Worklist{
		log:        logger,
		plans:      make(map[Key]*Plan),
		numThreads: numThreads,
	}
	w.planEnqueued = sync.NewCond(&w.mu)
	w.planCompiled = sync.NewCond(&w.mu)

	w.threads.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		go w.runThread(i)
	}
	w.log.Infof("worklist started with %d threads", numThreads)
	return w
}

// Enqueue queues p. It panics if a plan for the same key is already known or
// the worklist was shut down.
func (w *Worklist) Enqueue(p *Plan) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdown {
		panic(fmt.Sprintf("worklist: enqueue of %s after shutdown", p.key))
	}
	if _, ok := w.plans[p.key]; ok {
		panic(fmt.Sprintf("worklist: duplicate plan for %s", p.key))
	}
	p.enqueuedAt = time.Now()
	p.setStage(Queued)
	w.plans[p.key] = p
	w.queue = append(w.queue, p)
	w.log.Debugf("enqueued %s", p)
	w.planEnqueued.Signal()
}

// CompilationState reports whether key is unknown, still compiling, or
// compiled and waiting to be finalized.
func (w *Worklist) CompilationState(key Key) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked(key)
}

func (w *Worklist) stateLocked(key Key) State {
	p, ok := w.plans[key]
	switch {
	case !ok:
		return StateNotKnown
	case p.Stage() == Ready:
		return StateCompiled
	}
	return StateCompiling
}

// WaitUntilAllPlansForVM blocks until every plan vm has queued is ready.
// Plans of other VMs do not delay it. Collection is deferred while waiting.
func (w *Worklist) WaitUntilAllPlansForVM(vm VM) {
	release := vm.DeferGC()
	defer release()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.hasUnreadyPlansLocked(vm) {
		w.planCompiled.Wait()
	}
}

func (w *Worklist) hasUnreadyPlansLocked(vm VM) bool {
	for key, p := range w.plans {
		if key.VM != vm {
			continue
		}
		if s := p.Stage(); s == Queued || s == Compiling {
			return true
		}
	}
	return false
}

// CompleteAllReadyPlansForVM finalizes every ready plan of vm, most recently
// ready first. Callbacks run on the calling thread without the lock. It
// reports the state of requested: StateCompiled if it was just finalized,
// StateCompiling if it is still queued or compiling, StateNotKnown otherwise.
func (w *Worklist) CompleteAllReadyPlansForVM(vm VM, requested Key) State {
	release := vm.DeferGC()
	defer release()

	w.mu.Lock()
	var drained []*Plan
	kept := w.ready[:0]
	for i := len(w.ready) - 1; i >= 0; i-- {
		if p := w.ready[i]; p.key.VM == vm {
			drained = append(drained, p)
			delete(w.plans, p.key)
		}
	}
	for _, p := range w.ready {
		if p.key.VM != vm {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(w.ready); i++ {
		w.ready[i] = nil
	}
	w.ready = kept
	w.finalized += uint64(len(drained))
	w.mu.Unlock()

	state := StateNotKnown
	for _, p := range drained {
		if p.key == requested {
			state = StateCompiled
		}
		w.log.Debugf("finalizing %s: %s", p, p.result)
		p.finalize()
	}
	if state == StateCompiled {
		return state
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked(requested)
}

// CompleteAllPlansForVM waits for every plan of vm and finalizes them.
func (w *Worklist) CompleteAllPlansForVM(vm VM) {
	w.WaitUntilAllPlansForVM(vm)
	w.CompleteAllReadyPlansForVM(vm, Key{})
}

// Abandon gives up on the plan for key. A queued plan is skipped, a compiling
// plan has its result discarded, and a ready plan is dropped. The plan's
// callback never runs. It reports whether a plan was known.
func (w *Worklist) Abandon(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.plans[key]
	if !ok {
		return false
	}
	w.cancelLocked(p)
	return true
}

// RemoveAllPlansForVM abandons every plan of vm. It returns how many plans
// were abandoned.
func (w *Worklist) RemoveAllPlansForVM(vm VM) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for key, p := range w.plans {
		if key.VM == vm {
			w.cancelLocked(p)
			n++
		}
	}
	return n
}

func (w *Worklist) cancelLocked(p *Plan) {
	if p.Stage() == Ready {
		for i, r := range w.ready {
			if r == p {
				w.ready = append(w.ready[:i], w.ready[i+1:]...)
				break
			}
		}
	}
	p.setStage(Cancelled)
	delete(w.plans, p.key)
	w.cancelled++
	w.log.Debugf("abandoned %s", p)
	w.planCompiled.Broadcast()
}

// QueueLength returns the number of plans waiting for a thread.
func (w *Worklist) QueueLength() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, p := range w.queue {
		if p != nil && p.Stage() == Queued {
			n++
		}
	}
	return n
}

// ActiveThreadCount returns the number of threads inside a compile step.
func (w *Worklist) ActiveThreadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numberOfActiveThreads
}

// Stats returns worklist statistics.
func (w *Worklist) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		Threads:   w.numThreads,
		Active:    w.numberOfActiveThreads,
		Ready:     len(w.ready),
		Compiled:  w.compiled,
		Failed:    w.failed,
		Finalized: w.finalized,
		Cancelled: w.cancelled,
		Time:      w.compileTime,
	}
	for _, p := range w.queue {
		if p != nil && p.Stage() == Queued {
			s.Queued++
		}
	}
	return s
}

// Dump describes every known plan.
func (w *Worklist) Dump() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "worklist: %d threads, %d active, %d ready\n", w.numThreads, w.numberOfActiveThreads, len(w.ready))
	for _, p := range w.plans {
		fmt.Fprintf(&sb, "  %s\n", p)
	}
	return sb.String()
}

// Shutdown stops every thread after the plans queued before it. It panics if
// a thread is still active afterwards. Calling it twice is a no-op.
func (w *Worklist) Shutdown() {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}
	w.shutdown = true
	for i := 0; i < w.numThreads; i++ {
		w.queue = append(w.queue, nil)
	}
	w.planEnqueued.Broadcast()
	w.mu.Unlock()

	w.threads.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.numberOfActiveThreads != 0 {
		panic(fmt.Sprintf("worklist: %d threads active after shutdown", w.numberOfActiveThreads))
	}
	w.log.Infof("worklist stopped")
}

func (w *Worklist) makeReadyLocked(p *Plan, result codeblock.CompilationResult) {
	p.result = result
	p.setStage(Ready)
	w.ready = append(w.ready, p)
}

func (w *Worklist) runThread(id int) {
	defer w.threads.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.planEnqueued.Wait()
		}
		p := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		if p == nil {
			w.mu.Unlock()
			return
		}
		if p.Stage() == Cancelled {
			w.mu.Unlock()
			continue
		}
		p.setStage(Compiling)
		w.numberOfActiveThreads++
		w.mu.Unlock()

		w.log.Debugf("thread %d compiling %s", id, p.key)
		result := p.run()

		w.mu.Lock()
		w.numberOfActiveThreads--
		w.compileTime += p.compileTime
		switch {
		case p.Stage() == Cancelled:
			w.log.Debugf("thread %d discarded abandoned %s", id, p.key)
		case p.err != nil:
			w.failed++
			w.log.Warningf("compile of %s failed: %s", p.key, p.err)
			w.makeReadyLocked(p, result)
		default:
			w.compiled++
			w.makeReadyLocked(p, result)
		}
		w.planCompiled.Broadcast()
		w.mu.Unlock()
	}
}
