package profile

import (
	"sync/atomic"

	"github.com/chazu/tierup/runtime"
)

// ValueProfile records the types of values produced at one instruction (or
// passed as one argument).
type ValueProfile struct {
	bytecodeOffset int

	// Types seen since the last fold. Written by the executing thread.
	bucket atomic.Uint32

	// Folded state; guarded by the owning code block's lock.
	prediction                  SpeculatedType
	numberOfSamplesInPrediction uint32
}

// NewValueProfile creates a profile for the instruction at offset. Argument
// profiles use a negative offset and are not kept in Slots.
func NewValueProfile(offset int) *ValueProfile {
	return &ValueProfile{bytecodeOffset: offset}
}

// BytecodeOffset implements Slot.
func (p *ValueProfile) BytecodeOffset() int {
	return p.bytecodeOffset
}

// Observe records v.
func (p *ValueProfile) Observe(v runtime.Value) {
	p.bucket.Or(uint32(SpeculationFromValue(v)))
}

// ComputeUpdatedPrediction folds observations made since the last call into
// the prediction and returns it. Calling it again without new observations
// returns the same prediction.
func (p *ValueProfile) ComputeUpdatedPrediction() SpeculatedType {
	if bits := p.bucket.Swap(0); bits != 0 {
		p.numberOfSamplesInPrediction++
		p.prediction = p.prediction.Merge(SpeculatedType(bits))
	}
	return p.prediction
}

// Prediction returns the folded prediction without folding.
func (p *ValueProfile) Prediction() SpeculatedType {
	return p.prediction
}

// NumberOfSamples counts folds that contributed data, plus one for unfolded data.
func (p *ValueProfile) NumberOfSamples() uint32 {
	n := p.numberOfSamplesInPrediction
	if p.bucket.Load() != 0 {
		n++
	}
	return n
}

// IsLive reports whether the instruction has ever produced a value.
func (p *ValueProfile) IsLive() bool {
	return p.NumberOfSamples() > 0
}
