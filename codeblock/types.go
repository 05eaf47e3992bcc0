package codeblock

import "fmt"

// Tier is a level of compiled code.
type Tier uint8

const (
	TierInterpreter Tier = iota // bytecode interpreter with inline caches
	TierBaseline                // baseline JIT: stub infos and call links
	TierOptimized               // speculative optimized code with OSR exits
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// SpecializationKind distinguishes code compiled for calls from code
// compiled for construction.
type SpecializationKind uint8

const (
	CodeForCall SpecializationKind = iota
	CodeForConstruct
)

func (k SpecializationKind) String() string {
	if k == CodeForConstruct {
		return "construct"
	}
	return "call"
}

// CompileResult is the outcome of an in-place JIT request.
type CompileResult uint8

const (
	AlreadyCompiled CompileResult = iota
	CompiledSuccessfully
	CouldNotCompile
)

func (r CompileResult) String() string {
	switch r {
	case AlreadyCompiled:
		return "AlreadyCompiled"
	case CompiledSuccessfully:
		return "CompiledSuccessfully"
	case CouldNotCompile:
		return "CouldNotCompile"
	}
	return fmt.Sprintf("CompileResult(%d)", uint8(r))
}

// CompilationResult is the outcome of an optimizing compilation.
type CompilationResult uint8

const (
	CompilationFailed CompilationResult = iota
	CompilationSuccessful
	CompilationDeferred
	CompilationInvalidated
)

func (r CompilationResult) String() string {
	switch r {
	case CompilationFailed:
		return "CompilationFailed"
	case CompilationSuccessful:
		return "CompilationSuccessful"
	case CompilationDeferred:
		return "CompilationDeferred"
	case CompilationInvalidated:
		return "CompilationInvalidated"
	}
	return fmt.Sprintf("CompilationResult(%d)", uint8(r))
}

// JettisonReason records why optimized code was thrown away.
type JettisonReason uint8

const (
	JettisonDueToOSRExit JettisonReason = iota // reoptimization after too many exits
	JettisonDueToWatchpoint
	JettisonDueToGC
	JettisonDueToReplacement
)

func (r JettisonReason) String() string {
	switch r {
	case JettisonDueToOSRExit:
		return "osr-exit"
	case JettisonDueToWatchpoint:
		return "watchpoint"
	case JettisonDueToGC:
		return "gc"
	case JettisonDueToReplacement:
		return "replacement"
	}
	return fmt.Sprintf("JettisonReason(%d)", uint8(r))
}

// countsReoptimization reports whether a jettison for r should back off the
// next optimization attempt.
func (r JettisonReason) countsReoptimization() bool {
	return r == JettisonDueToOSRExit || r == JettisonDueToWatchpoint
}

// Observer receives lifecycle events for code blocks. Implementations must not
// block.
type Observer interface {
	CodeBlockInstalled(cb *CodeBlock)
	CodeBlockJettisoned(cb *CodeBlock, reason JettisonReason)
}
