package profile

import (
	"math"
	"sync/atomic"
)

type counterState uint8

const (
	counterArmed counterState = iota
	counterFired
	counterDeferred
)

// parkedWindow is the window used while the counter is disarmed or deferred.
// The hot path then needs 2^31 increments before it reaches the next checkpoint.
const parkedWindow = int64(1) << 31

// ExecutionCounter counts weighted executions (function entries, loop back
// edges) toward a threshold.
//
// The hot path is Add, which reports when a checkpoint is reached. Checkpoints
// are at most maxBetweenCheckpoints executions apart; at each one the engine
// calls CheckIfThresholdCrossedAndSet, which either reports the threshold as
// crossed or arms the next checkpoint.
//
// Add may be called from any thread. The remaining methods belong to the thread
// executing the owning code block.
type ExecutionCounter struct {
	maxBetweenCheckpoints int32

	// Counts up from -window; a value >= 0 is a checkpoint.
	counter atomic.Int32

	base       float64 // executions counted before the current window
	window     int64
	threshold  int32
	state      counterState
	generation uint32
}

// NewExecutionCounter returns a deferred counter.
func NewExecutionCounter(maxBetweenCheckpoints int32) *ExecutionCounter {
	if maxBetweenCheckpoints <= 0 {
		maxBetweenCheckpoints = math.MaxInt32
	}
	c := &ExecutionCounter{maxBetweenCheckpoints: maxBetweenCheckpoints}
	c.DeferIndefinitely()
	return c
}

// Add adds n executions and reports whether a checkpoint was reached.
func (c *ExecutionCounter) Add(n int32) bool {
	return c.counter.Add(n) >= 0
}

// Count returns the executions counted since the threshold was last set.
func (c *ExecutionCounter) Count() float64 {
	return c.base + float64(c.window+int64(c.counter.Load()))
}

// Threshold returns the active threshold; zero when deferred.
func (c *ExecutionCounter) Threshold() int32 {
	return c.threshold
}

// Generation increments every time the threshold is set or deferred.
func (c *ExecutionCounter) Generation() uint32 {
	return c.generation
}

// IsDeferred reports whether the counter was deferred indefinitely.
func (c *ExecutionCounter) IsDeferred() bool {
	return c.state == counterDeferred
}

// SetNewThreshold resets the count and arms the counter to cross after
// threshold executions. A threshold <= 0 crosses at the next checkpoint check.
func (c *ExecutionCounter) SetNewThreshold(threshold int32) {
	c.generation++
	c.base = 0
	c.threshold = threshold
	c.state = counterArmed
	if threshold <= 0 {
		c.window = 0
		c.counter.Store(0)
		return
	}
	c.arm(float64(threshold))
}

// DeferIndefinitely resets the count and disarms the counter until the next
// SetNewThreshold.
func (c *ExecutionCounter) DeferIndefinitely() {
	c.generation++
	c.base = 0
	c.threshold = 0
	c.state = counterDeferred
	c.park()
}

// CheckIfThresholdCrossedAndSet folds the pending count and reports whether the
// threshold was crossed. It reports true once per generation; afterwards the
// counter stays disarmed until re-armed. Otherwise it arms the next checkpoint.
func (c *ExecutionCounter) CheckIfThresholdCrossedAndSet() bool {
	c.flush()
	if c.state != counterArmed {
		c.park()
		return false
	}
	if c.base >= float64(c.threshold) {
		c.state = counterFired
		c.park()
		return true
	}
	c.arm(float64(c.threshold) - c.base)
	return false
}

func (c *ExecutionCounter) flush() {
	c.base += float64(c.window + int64(c.counter.Load()))
	c.window = 0
	c.counter.Store(0)
}

func (c *ExecutionCounter) arm(remaining float64) {
	w := int64(c.maxBetweenCheckpoints)
	if remaining < float64(w) {
		w = int64(math.Ceil(remaining))
	}
	c.window = w
	c.counter.Store(int32(-w))
}

func (c *ExecutionCounter) park() {
	c.window = parkedWindow
	c.counter.Store(math.MinInt32)
}
