// Package config handles tierup.toml tuning options for the tiering engine.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the options file looked up by Load and FindAndLoad.
const FileName = "tierup.toml"

// ErrInvalidOption is wrapped by every Validate failure.
var ErrInvalidOption = errors.New("invalid option")

// Options holds every tunable used by the tiering engine.
type Options struct {
	JIT       JIT       `toml:"jit"`
	Optimizer Optimizer `toml:"optimizer"`
	OSR       OSR       `toml:"osr"`
	Profiling Profiling `toml:"profiling"`
	Worklist  Worklist  `toml:"worklist"`
	Journal   Journal   `toml:"journal"`

	// Dir is the directory containing the tierup.toml file (set at load time).
	Dir string `toml:"-"`
}

// JIT configures interpreter to baseline tier-up.
type JIT struct {
	UseJIT                     bool  `toml:"use-jit"`
	ThresholdForJITAfterWarmUp int32 `toml:"threshold-after-warm-up"`
	ThresholdForJITSoon        int32 `toml:"threshold-soon"`
}

// Optimizer configures baseline to optimized tier-up.
type Optimizer struct {
	UseDFGJIT                                    bool    `toml:"use-dfg-jit"`
	ThresholdForOptimizeAfterWarmUp              int32   `toml:"threshold-after-warm-up"`
	ThresholdForOptimizeAfterLongWarmUp          int32   `toml:"threshold-after-long-warm-up"`
	ThresholdForOptimizeSoon                     int32   `toml:"threshold-soon"`
	ExecutionCounterIncrementForLoop             int32   `toml:"increment-for-loop"`
	ExecutionCounterIncrementForEntry            int32   `toml:"increment-for-entry"`
	MaximumExecutionCountsBetweenCheckpoints     int32   `toml:"max-counts-between-checkpoints"`
	DesiredProfileLivenessRate                   float64 `toml:"desired-profile-liveness-rate"`
	DesiredProfileFullnessRate                   float64 `toml:"desired-profile-fullness-rate"`
	MaximumOptimizationDelay                     uint32  `toml:"max-optimization-delay"`
	MaximumOptimizationCandidateInstructionCount int     `toml:"max-candidate-instruction-count"`
	EvalThresholdMultiplier                      int32   `toml:"eval-threshold-multiplier"`
	MaximumPolymorphicAccessSize                 int     `toml:"max-polymorphic-access-size"`
}

// OSR configures on-stack replacement and reoptimization.
type OSR struct {
	UseOSREntry                           bool   `toml:"use-osr-entry"`
	OSRExitCountForReoptimization         uint32 `toml:"exit-count-for-reoptimization"`
	OSRExitCountForReoptimizationFromLoop uint32 `toml:"exit-count-for-reoptimization-from-loop"`
	ReoptimizationRetryCounterMax         uint32 `toml:"reoptimization-retry-counter-max"`
	FrequentExitSiteThreshold             uint32 `toml:"frequent-exit-site-threshold"`
}

// Profiling configures slow-case heuristics.
type Profiling struct {
	LikelyToTakeSlowCaseMinimumCount uint32 `toml:"likely-slow-case-minimum-count"`
	CouldTakeSlowCaseMinimumCount    uint32 `toml:"could-slow-case-minimum-count"`
}

// Worklist configures the background compiler threads. Zero threads makes
// every compilation synchronous.
type Worklist struct {
	NumberOfCompilerThreads int `toml:"compiler-threads"`
}

// Journal configures the compilation journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Default returns the built-in options.
func Default() *Options {
	return &Options{
		JIT: JIT{
			UseJIT:                     true,
			ThresholdForJITAfterWarmUp: 500,
			ThresholdForJITSoon:        100,
		},
		Optimizer: Optimizer{
			UseDFGJIT:                                    true,
			ThresholdForOptimizeAfterWarmUp:              1000,
			ThresholdForOptimizeAfterLongWarmUp:          5000,
			ThresholdForOptimizeSoon:                     1000,
			ExecutionCounterIncrementForLoop:             1,
			ExecutionCounterIncrementForEntry:            15,
			MaximumExecutionCountsBetweenCheckpoints:     1000,
			DesiredProfileLivenessRate:                   0.75,
			DesiredProfileFullnessRate:                   0.35,
			MaximumOptimizationDelay:                     5,
			MaximumOptimizationCandidateInstructionCount: 10000,
			EvalThresholdMultiplier:                      10,
			MaximumPolymorphicAccessSize:                 4,
		},
		OSR: OSR{
			UseOSREntry:                           true,
			OSRExitCountForReoptimization:         100,
			OSRExitCountForReoptimizationFromLoop: 5,
			ReoptimizationRetryCounterMax:         18,
			FrequentExitSiteThreshold:             1,
		},
		Profiling: Profiling{
			LikelyToTakeSlowCaseMinimumCount: 100,
			CouldTakeSlowCaseMinimumCount:    10,
		},
		Worklist: Worklist{
			NumberOfCompilerThreads: 2,
		},
	}
}

// Load parses a tierup.toml file from the given directory. Keys missing from
// the file keep their Default values.
func Load(dir string) (*Options, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	o := Default()
	if err := toml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	o.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if o.Journal.Path != "" && !filepath.IsAbs(o.Journal.Path) {
		o.Journal.Path = filepath.Join(o.Dir, o.Journal.Path)
	}

	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// FindAndLoad walks up from startDir to find a tierup.toml file, then loads
// it. Returns Default options if no file is found.
func FindAndLoad(startDir string) (*Options, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	switch {
	case o.JIT.ThresholdForJITAfterWarmUp < 0 || o.JIT.ThresholdForJITSoon < 0:
		return fmt.Errorf("%w: jit thresholds must not be negative", ErrInvalidOption)
	case o.Optimizer.ThresholdForOptimizeAfterWarmUp < 0,
		o.Optimizer.ThresholdForOptimizeAfterLongWarmUp < 0,
		o.Optimizer.ThresholdForOptimizeSoon < 0:
		return fmt.Errorf("%w: optimizer thresholds must not be negative", ErrInvalidOption)
	case o.Optimizer.ExecutionCounterIncrementForLoop <= 0 || o.Optimizer.ExecutionCounterIncrementForEntry <= 0:
		return fmt.Errorf("%w: execution counter increments must be positive", ErrInvalidOption)
	case o.Optimizer.MaximumExecutionCountsBetweenCheckpoints <= 0:
		return fmt.Errorf("%w: max-counts-between-checkpoints must be positive", ErrInvalidOption)
	case !isRate(o.Optimizer.DesiredProfileLivenessRate) || !isRate(o.Optimizer.DesiredProfileFullnessRate):
		return fmt.Errorf("%w: profile rates must be within [0, 1]", ErrInvalidOption)
	case o.Optimizer.MaximumOptimizationCandidateInstructionCount <= 0:
		return fmt.Errorf("%w: max-candidate-instruction-count must be positive", ErrInvalidOption)
	case o.Optimizer.EvalThresholdMultiplier <= 0:
		return fmt.Errorf("%w: eval-threshold-multiplier must be positive", ErrInvalidOption)
	case o.Optimizer.MaximumPolymorphicAccessSize < 1:
		return fmt.Errorf("%w: max-polymorphic-access-size must be at least 1", ErrInvalidOption)
	case o.OSR.ReoptimizationRetryCounterMax > 30:
		return fmt.Errorf("%w: reoptimization-retry-counter-max must be at most 30", ErrInvalidOption)
	case o.OSR.FrequentExitSiteThreshold == 0:
		return fmt.Errorf("%w: frequent-exit-site-threshold must be positive", ErrInvalidOption)
	case o.Worklist.NumberOfCompilerThreads < 0:
		return fmt.Errorf("%w: compiler-threads must not be negative", ErrInvalidOption)
	}
	return nil
}

func isRate(f float64) bool {
	return f >= 0 && f <= 1
}

// Encode writes the options as TOML.
func (o *Options) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(o)
}
