package codeblock

import (
	"math"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/profile"
)

// Coefficients of the threshold scaling curve: larger functions wait longer
// before they are optimized.
const (
	scaleA = 0.061504
	scaleB = 1.02406
	scaleC = 0.825914
)

func (cb *CodeBlock) codeTypeThresholdMultiplier() int32 {
	if cb.code.CodeType == bytecode.EvalCode {
		return cb.opts.Optimizer.EvalThresholdMultiplier
	}
	return 1
}

// OptimizationThresholdScalingFactor scales optimization thresholds by code
// size and code type.
func (cb *CodeBlock) OptimizationThresholdScalingFactor() float64 {
	n := float64(cb.InstructionCount())
	return (scaleA*math.Sqrt(n+scaleB) + scaleC) * float64(cb.codeTypeThresholdMultiplier())
}

// AdjustedCounterValue scales a desired threshold by code size and doubles it
// for every failed optimization so far, clipped to [1, MaxInt32].
func (cb *CodeBlock) AdjustedCounterValue(desired int32) int32 {
	retries := cb.BaselineAlternative().reoptimizationRetryCounter
	v := float64(desired) * cb.OptimizationThresholdScalingFactor() * math.Exp2(float64(retries))
	switch {
	case v < 1:
		return 1
	case v > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(v)
}

// ExecuteCounter is the baseline to optimized tier-up counter.
func (cb *CodeBlock) ExecuteCounter() *profile.ExecutionCounter { return cb.executeCounter }

// JITExecuteCounter is the interpreter to baseline tier-up counter.
func (cb *CodeBlock) JITExecuteCounter() *profile.ExecutionCounter { return cb.jitExecuteCounter }

// JITAfterWarmUp arms the baseline compile for after the normal warm-up.
func (cb *CodeBlock) JITAfterWarmUp() {
	cb.jitExecuteCounter.SetNewThreshold(cb.opts.JIT.ThresholdForJITAfterWarmUp * cb.codeTypeThresholdMultiplier())
}

// JITSoon arms the baseline compile for a short warm-up.
func (cb *CodeBlock) JITSoon() {
	cb.jitExecuteCounter.SetNewThreshold(cb.opts.JIT.ThresholdForJITSoon * cb.codeTypeThresholdMultiplier())
}

// DontJITAnytimeSoon stops asking for a baseline compile.
func (cb *CodeBlock) DontJITAnytimeSoon() {
	cb.jitExecuteCounter.DeferIndefinitely()
}

// CheckIfJITThresholdReached is called at a baseline-counter checkpoint.
func (cb *CodeBlock) CheckIfJITThresholdReached() bool {
	return cb.jitExecuteCounter.CheckIfThresholdCrossedAndSet()
}

// OptimizeNextInvocation makes the next checkpoint cross the threshold.
func (cb *CodeBlock) OptimizeNextInvocation() {
	cb.executeCounter.SetNewThreshold(0)
}

// DontOptimizeAnytimeSoon stops asking for an optimizing compile.
func (cb *CodeBlock) DontOptimizeAnytimeSoon() {
	cb.executeCounter.DeferIndefinitely()
}

func (cb *CodeBlock) OptimizeAfterWarmUp() {
	cb.executeCounter.SetNewThreshold(cb.AdjustedCounterValue(cb.opts.Optimizer.ThresholdForOptimizeAfterWarmUp))
}

func (cb *CodeBlock) OptimizeAfterLongWarmUp() {
	cb.executeCounter.SetNewThreshold(cb.AdjustedCounterValue(cb.opts.Optimizer.ThresholdForOptimizeAfterLongWarmUp))
}

func (cb *CodeBlock) OptimizeSoon() {
	cb.executeCounter.SetNewThreshold(cb.AdjustedCounterValue(cb.opts.Optimizer.ThresholdForOptimizeSoon))
}

// CheckIfOptimizationThresholdReached is called at an optimization-counter
// checkpoint.
func (cb *CodeBlock) CheckIfOptimizationThresholdReached() bool {
	return cb.executeCounter.CheckIfThresholdCrossedAndSet()
}

// OptimizationDelayCounter counts how often ShouldOptimizeNow postponed.
func (cb *CodeBlock) OptimizationDelayCounter() uint32 { return cb.optimizationDelayCounter }

// ShouldOptimizeNow folds every profile and decides whether enough of them
// are populated to optimize. When not, it rearms the warm-up and counts a
// delay; after MaximumOptimizationDelay delays it always agrees.
func (cb *CodeBlock) ShouldOptimizeNow() bool {
	if cb.optimizationDelayCounter >= cb.opts.Optimizer.MaximumOptimizationDelay {
		return true
	}

	liveNonArgument, samples := cb.UpdateAllPredictions()
	total := cb.NumberOfValueProfiles() + cb.NumberOfArgumentValueProfiles()

	liveEnough := cb.NumberOfValueProfiles() == 0 ||
		float64(liveNonArgument)/float64(cb.NumberOfValueProfiles()) >= cb.opts.Optimizer.DesiredProfileLivenessRate
	fullEnough := total == 0 ||
		float64(samples)/float64(total) >= cb.opts.Optimizer.DesiredProfileFullnessRate
	if liveEnough && fullEnough {
		return true
	}

	cb.optimizationDelayCounter++
	log.Debugf("%s: delaying optimization (%d live of %d profiles, %d sampled)",
		cb, liveNonArgument, cb.NumberOfValueProfiles(), samples)
	cb.OptimizeAfterWarmUp()
	return false
}

// UpdateAllPredictions folds every value and array profile. It returns the
// number of live non-argument value profiles and the number of value profiles
// holding samples.
func (cb *CodeBlock) UpdateAllPredictions() (liveNonArgument, samples int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, p := range cb.argumentValueProfiles {
		p.ComputeUpdatedPrediction()
		if p.NumberOfSamples() > 0 {
			samples++
		}
	}
	for _, p := range cb.valueProfiles.All() {
		if p.ComputeUpdatedPrediction() != profile.SpecNone {
			liveNonArgument++
		}
		if p.NumberOfSamples() > 0 {
			samples++
		}
	}
	for _, p := range cb.arrayProfiles.All() {
		p.ComputeUpdatedPrediction()
	}
	return liveNonArgument, samples
}

// SetOptimizationThresholdBasedOnCompilationResult reacts to the outcome of an
// optimizing compilation of this block.
func (cb *CodeBlock) SetOptimizationThresholdBasedOnCompilationResult(result CompilationResult) {
	switch result {
	case CompilationSuccessful:
		cb.OptimizeNextInvocation()
	case CompilationFailed:
		cb.DontOptimizeAnytimeSoon()
	case CompilationDeferred:
		cb.OptimizeAfterWarmUp()
	case CompilationInvalidated:
		cb.CountReoptimization()
		cb.OptimizeAfterWarmUp()
	}
}

// ReoptimizationRetryCounter counts optimized code thrown away for this block.
func (cb *CodeBlock) ReoptimizationRetryCounter() uint32 { return cb.reoptimizationRetryCounter }

// CountReoptimization increments the retry counter, saturating at
// ReoptimizationRetryCounterMax.
func (cb *CodeBlock) CountReoptimization() {
	if cb.reoptimizationRetryCounter < cb.opts.OSR.ReoptimizationRetryCounterMax {
		cb.reoptimizationRetryCounter++
	}
}

// OSRExitCounter counts exits taken from this optimized block.
func (cb *CodeBlock) OSRExitCounter() uint32 { return cb.osrExitCounter }

// CountOSRExit increments the exit counter, saturating.
func (cb *CodeBlock) CountOSRExit() {
	if cb.osrExitCounter != math.MaxUint32 {
		cb.osrExitCounter++
	}
}

// AdjustedExitCountThreshold doubles desired for every reoptimization of the
// baseline block, saturating at MaxUint32.
func (cb *CodeBlock) AdjustedExitCountThreshold(desired uint32) uint32 {
	retries := cb.BaselineAlternative().reoptimizationRetryCounter
	if retries >= 32 {
		if desired == 0 {
			return 0
		}
		return math.MaxUint32
	}
	v := uint64(desired) << retries
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func (cb *CodeBlock) ExitCountThresholdForReoptimization() uint32 {
	return cb.AdjustedExitCountThreshold(cb.opts.OSR.OSRExitCountForReoptimization * uint32(cb.codeTypeThresholdMultiplier()))
}

func (cb *CodeBlock) ExitCountThresholdForReoptimizationFromLoop() uint32 {
	return cb.AdjustedExitCountThreshold(cb.opts.OSR.OSRExitCountForReoptimizationFromLoop * uint32(cb.codeTypeThresholdMultiplier()))
}

// ShouldReoptimizeNow reports whether exits reached the reoptimization
// threshold.
func (cb *CodeBlock) ShouldReoptimizeNow() bool {
	return cb.osrExitCounter >= cb.ExitCountThresholdForReoptimization()
}

// ShouldReoptimizeFromLoopNow is ShouldReoptimizeNow for exits observed at a
// loop header.
func (cb *CodeBlock) ShouldReoptimizeFromLoopNow() bool {
	return cb.osrExitCounter >= cb.ExitCountThresholdForReoptimizationFromLoop()
}

// CountExit records one taken exit on the exit and the block, and adds the
// site to the baseline exit profile once it exceeds FrequentExitSiteThreshold.
// It reports whether the block should now be reoptimized.
func (cb *CodeBlock) CountExit(exit *OSRExit) bool {
	exit.count++
	cb.CountOSRExit()
	if exit.count >= cb.opts.OSR.FrequentExitSiteThreshold && exit.Kind != Uncountable {
		cb.BaselineAlternative().AddFrequentExitSite(FrequentExitSite{BytecodeOffset: exit.BytecodeIndex, Kind: exit.Kind})
	}
	return cb.ShouldReoptimizeNow()
}
