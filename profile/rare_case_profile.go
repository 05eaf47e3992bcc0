package profile

import "sync/atomic"

// RareCaseProfile counts how often an instruction took its slow case.
type RareCaseProfile struct {
	bytecodeOffset int
	counter        atomic.Uint32
}

// NewRareCaseProfile creates a profile for the instruction at offset.
func NewRareCaseProfile(offset int) *RareCaseProfile {
	return &RareCaseProfile{bytecodeOffset: offset}
}

// BytecodeOffset implements Slot.
func (p *RareCaseProfile) BytecodeOffset() int {
	return p.bytecodeOffset
}

// Increment records one slow-case execution, saturating.
func (p *RareCaseProfile) Increment() {
	for {
		c := p.counter.Load()
		if c == ^uint32(0) || p.counter.CompareAndSwap(c, c+1) {
			return
		}
	}
}

// Count returns the number of slow-case executions.
func (p *RareCaseProfile) Count() uint32 {
	return p.counter.Load()
}
