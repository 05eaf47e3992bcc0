// Package icstatus turns the inline-cache and profiling state of a profiled
// code block into the point-in-time facts the optimizing compiler speculates
// on. Resolvers never mutate the code block and always return a valid status.
package icstatus

import (
	"fmt"

	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/runtime"
)

// CallState is the discriminant of a CallLinkStatus.
type CallState uint8

const (
	CallNoInformation CallState = iota
	CallMonomorphic
	CallTakesSlowPath
)

func (s CallState) String() string {
	switch s {
	case CallNoInformation:
		return "NoInformation"
	case CallMonomorphic:
		return "Monomorphic"
	case CallTakesSlowPath:
		return "TakesSlowPath"
	}
	return fmt.Sprintf("CallState(%d)", uint8(s))
}

// CallLinkStatus is what the optimizer may assume about one call site.
//
// A monomorphic status either names the callee (check the function identity)
// or, for a closure call, only the executable (check the code, not the
// identity). Executable is nil when the callee is a host function; the
// optimizer must then treat the call as opaque.
type CallLinkStatus struct {
	state            CallState
	callee           *runtime.FunctionObject
	executable       *codeblock.Executable
	isClosureCall    bool
	staticallyProved bool
}

func (s CallLinkStatus) State() CallState                  { return s.state }
func (s CallLinkStatus) Callee() *runtime.FunctionObject   { return s.callee }
func (s CallLinkStatus) Executable() *codeblock.Executable { return s.executable }
func (s CallLinkStatus) IsClosureCall() bool               { return s.isClosureCall }
func (s CallLinkStatus) IsStaticallyProved() bool          { return s.staticallyProved }
func (s CallLinkStatus) IsSet() bool                       { return s.state != CallNoInformation }
func (s CallLinkStatus) TakesSlowPath() bool               { return s.state == CallTakesSlowPath }

// CanOptimize reports whether the call can be specialized.
func (s CallLinkStatus) CanOptimize() bool {
	return s.state == CallMonomorphic && s.executable != nil
}

func (s CallLinkStatus) String() string {
	switch {
	case s.state != CallMonomorphic:
		return s.state.String()
	case s.isClosureCall:
		return fmt.Sprintf("Monomorphic(closure %s)", s.executable.Name())
	case s.staticallyProved:
		return fmt.Sprintf("Monomorphic(%s, proved)", s.callee)
	}
	return fmt.Sprintf("Monomorphic(%s)", s.callee)
}

func monomorphicCall(callee *runtime.FunctionObject) CallLinkStatus {
	exe, _ := callee.Executable().(*codeblock.Executable)
	return CallLinkStatus{state: CallMonomorphic, callee: callee, executable: exe}
}

// CallLinkStatusForConstant is the status of a call whose callee is a known
// constant.
func CallLinkStatusForConstant(callee *runtime.FunctionObject) CallLinkStatus {
	s := monomorphicCall(callee)
	s.staticallyProved = true
	return s
}

// ComputeCallLinkStatus resolves the call at bytecodeIndex of profiled. The
// first matching rule wins:
//
//  1. the site exited with BadFunction or BadExecutable, or the collector
//     cleared its stub: TakesSlowPath;
//  2. a polymorphic stub: TakesSlowPath;
//  3. a closure call stub or a last seen callee: Monomorphic;
//  4. otherwise NoInformation.
func ComputeCallLinkStatus(profiled *codeblock.CodeBlock, bytecodeIndex int) CallLinkStatus {
	if hasExitSite(profiled, bytecodeIndex, codeblock.BadFunction, codeblock.BadExecutable) {
		return CallLinkStatus{state: CallTakesSlowPath}
	}

	profiled.Lock()
	defer profiled.Unlock()

	info := profiled.CallLinkInfoForBytecodeOffset(bytecodeIndex)
	if info == nil {
		return CallLinkStatus{}
	}
	if info.ClearedByGC() {
		return CallLinkStatus{state: CallTakesSlowPath}
	}

	// The stub and last seen callee are atomic loads. They may be stale but
	// never torn: the collector only clears them at a safepoint.
	if stub := info.Stub(); stub != nil {
		if stub.Kind == codeblock.PolymorphicCallStub {
			return CallLinkStatus{state: CallTakesSlowPath}
		}
		return CallLinkStatus{state: CallMonomorphic, executable: stub.Executable, isClosureCall: true}
	}
	if callee := info.LastSeenCallee(); callee != nil {
		return monomorphicCall(callee)
	}
	return CallLinkStatus{}
}

// hasExitSite reports whether the baseline of profiled recorded any of kinds
// at bytecodeIndex.
func hasExitSite(profiled *codeblock.CodeBlock, bytecodeIndex int, kinds ...codeblock.ExitKind) bool {
	baseline := profiled.BaselineAlternative()
	baseline.Lock()
	defer baseline.Unlock()
	for _, k := range kinds {
		if baseline.ExitProfile().HasExitSite(bytecodeIndex, k) {
			return true
		}
	}
	return false
}
