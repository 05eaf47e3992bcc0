// Package codeblock holds the compiled-code records of the tiering engine: a
// CodeBlock per tier per function, the Executable that owns the current one,
// the profiling and inline-cache state the tiers share with the optimizer,
// and the OSR tables of optimized code.
package codeblock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/profile"
	"github.com/chazu/tierup/runtime"
)

var log = commonlog.GetLogger("tierup.codeblock")

var nextCodeBlockID atomic.Uint64

// CodeBlock is one tier of compiled code for one function, program or eval
// unit.
//
// The concurrent lock (Lock/Unlock) guards folding of profiles, stub infos,
// the exit profile, incoming calls, and rare data. Profile writes from the
// executing thread do not take it. Compiler threads take it while reading.
type CodeBlock struct {
	mu sync.Mutex

	id         uint64
	executable *Executable
	kind       SpecializationKind
	code       *bytecode.UnlinkedCode
	constants  []runtime.Value
	opts       *config.Options

	// Owned by the executing thread.
	tier    Tier
	jitCode *JITCode
	frozen  bool

	alternative atomic.Pointer[CodeBlock]

	jitExecuteCounter          *profile.ExecutionCounter
	executeCounter             *profile.ExecutionCounter
	osrExitCounter             uint32
	reoptimizationRetryCounter uint32
	optimizationDelayCounter   uint32

	argumentValueProfiles   []*profile.ValueProfile
	valueProfiles           profile.Slots[*profile.ValueProfile]
	arrayProfiles           profile.Slots[*profile.ArrayProfile]
	rareCaseProfiles        profile.Slots[*profile.RareCaseProfile]
	specialFastCaseProfiles profile.Slots[*profile.RareCaseProfile]
	callLinkInfos           profile.Slots[*CallLinkInfo]
	stubInfos               profile.Slots[*StructureStubInfo]
	propertyCaches          profile.Slots[*PropertyCache]

	incomingCalls map[*CallLinkInfo]struct{}

	osrExits    []*OSRExit
	osrEntries  []OSREntry
	exitProfile ExitProfile
	rareData    *RareData

	watchpoints []*jettisoningWatchpoint
	jettisoned  atomic.Bool
	executing   atomic.Int32
}

// New creates an interpreter-tier code block for exe.
func New(exe *Executable, kind SpecializationKind) *CodeBlock {
	cb := newCodeBlock(exe, kind, TierInterpreter)
	cb.JITAfterWarmUp()
	cb.OptimizeAfterWarmUp()
	return cb
}

// NewOptimized creates an empty optimized code block whose alternative is
// profiled. The compiler fills in its OSR tables and JIT code before Freeze.
func NewOptimized(profiled *CodeBlock) *CodeBlock {
	cb := newCodeBlock(profiled.executable, profiled.kind, TierOptimized)
	cb.SetAlternative(profiled)
	return cb
}

func newCodeBlock(exe *Executable, kind SpecializationKind, tier Tier) *CodeBlock {
	opts := exe.opts
	cb := &CodeBlock{
		id:            nextCodeBlockID.Add(1),
		executable:    exe,
		kind:          kind,
		code:          exe.code,
		opts:          opts,
		tier:          tier,
		incomingCalls: make(map[*CallLinkInfo]struct{}),
	}
	cb.constants = append([]runtime.Value(nil), exe.code.Constants...)
	cb.jitExecuteCounter = profile.NewExecutionCounter(opts.Optimizer.MaximumExecutionCountsBetweenCheckpoints)
	cb.executeCounter = profile.NewExecutionCounter(opts.Optimizer.MaximumExecutionCountsBetweenCheckpoints)

	for i := 0; i < exe.code.NumParameters; i++ {
		cb.argumentValueProfiles = append(cb.argumentValueProfiles, profile.NewValueProfile(-1-i))
	}
	for off, in := range exe.code.Instructions {
		cb.addProfilingSlots(off, in)
	}
	return cb
}

// addProfilingSlots allocates the slots instruction in needs. Instructions are
// visited in order, so every collection stays sorted by offset.
func (cb *CodeBlock) addProfilingSlots(off int, in bytecode.Instruction) {
	op := in.Op
	if op.Has(bytecode.HasValueProfile) {
		cb.valueProfiles.Add(profile.NewValueProfile(off))
	}
	if op.Has(bytecode.HasArrayProfile) {
		cb.arrayProfiles.Add(profile.NewArrayProfile(off))
	}
	if op.Has(bytecode.HasRareCaseProfile) {
		cb.rareCaseProfiles.Add(profile.NewRareCaseProfile(off))
		cb.specialFastCaseProfiles.Add(profile.NewRareCaseProfile(off))
	}
	if op.Has(bytecode.HasCallLinkInfo) {
		cb.callLinkInfos.Add(newCallLinkInfo(cb, off, op == bytecode.OpConstruct))
	}
	if op.Has(bytecode.HasPropertyCache) {
		cb.stubInfos.Add(newStructureStubInfo(off))
		cb.propertyCaches.Add(newPropertyCache(off))
	}
}

// Lock acquires the concurrent lock.
func (cb *CodeBlock) Lock() { cb.mu.Lock() }

// Unlock releases the concurrent lock.
func (cb *CodeBlock) Unlock() { cb.mu.Unlock() }

func (cb *CodeBlock) ID() uint64                           { return cb.id }
func (cb *CodeBlock) Executable() *Executable              { return cb.executable }
func (cb *CodeBlock) Kind() SpecializationKind             { return cb.kind }
func (cb *CodeBlock) Tier() Tier                           { return cb.tier }
func (cb *CodeBlock) Unlinked() *bytecode.UnlinkedCode     { return cb.code }
func (cb *CodeBlock) Instructions() []bytecode.Instruction { return cb.code.Instructions }
func (cb *CodeBlock) InstructionCount() int                { return len(cb.code.Instructions) }
func (cb *CodeBlock) NumParameters() int                   { return cb.code.NumParameters }
func (cb *CodeBlock) NumRegisters() int                    { return cb.code.NumRegisters }
func (cb *CodeBlock) CodeType() bytecode.CodeType          { return cb.code.CodeType }
func (cb *CodeBlock) Options() *config.Options             { return cb.opts }
func (cb *CodeBlock) Global() *runtime.GlobalObject        { return cb.executable.global }
func (cb *CodeBlock) JITCode() *JITCode                    { return cb.jitCode }

// IsConstructor, NeedsFullScopeChain, UsesEval and IsStrictMode report the
// unlinked code's flags.
func (cb *CodeBlock) IsConstructor() bool       { return cb.code.Has(bytecode.IsConstructor) }
func (cb *CodeBlock) NeedsFullScopeChain() bool { return cb.code.Has(bytecode.NeedsFullScopeChain) }
func (cb *CodeBlock) UsesEval() bool            { return cb.code.Has(bytecode.UsesEval) }
func (cb *CodeBlock) IsStrictMode() bool        { return cb.code.Has(bytecode.IsStrictMode) }

// Constant returns constant-pool entry i.
func (cb *CodeBlock) Constant(i int) runtime.Value { return cb.constants[i] }

// ConstantString returns constant i as an identifier.
func (cb *CodeBlock) ConstantString(i int) string { return cb.code.ConstantString(i) }

func (cb *CodeBlock) String() string {
	return fmt.Sprintf("%s#%d/%s/%s", cb.executable.Name(), cb.id, cb.kind, cb.tier)
}

// Alternative returns the next-older tier, or nil at the bottom tier.
func (cb *CodeBlock) Alternative() *CodeBlock {
	return cb.alternative.Load()
}

// SetAlternative installs alt as the next-older tier. It panics if that would
// make the chain cyclic.
func (cb *CodeBlock) SetAlternative(alt *CodeBlock) {
	for c := alt; c != nil; c = c.Alternative() {
		if c == cb {
			panic(fmt.Sprintf("codeblock: alternative of %s would form a cycle", cb))
		}
	}
	cb.alternative.Store(alt)
}

// ReleaseAlternative detaches and returns the next-older tier. The caller owns
// the result and must reattach or discard it.
func (cb *CodeBlock) ReleaseAlternative() *CodeBlock {
	return cb.alternative.Swap(nil)
}

// BaselineAlternative walks the chain to the bottom tier.
func (cb *CodeBlock) BaselineAlternative() *CodeBlock {
	c := cb
	for alt := c.Alternative(); alt != nil; alt = c.Alternative() {
		c = alt
	}
	return c
}

// Replacement returns the executable's current code block for this
// block's kind.
func (cb *CodeBlock) Replacement() *CodeBlock {
	return cb.executable.CodeBlockFor(cb.kind)
}

// HasOptimizedReplacement reports whether the executable currently runs
// optimized code for this block's kind.
func (cb *CodeBlock) HasOptimizedReplacement() bool {
	r := cb.Replacement()
	return r != nil && r != cb && r.tier == TierOptimized
}

// JITCompile upgrades the block in place to target. Only the interpreter to
// baseline upgrade happens in place; optimized code is a separate block.
func (cb *CodeBlock) JITCompile(target Tier) CompileResult {
	if cb.tier >= target {
		return AlreadyCompiled
	}
	if target != TierBaseline {
		log.Warningf("%s: cannot compile in place to %s", cb, target)
		return CouldNotCompile
	}
	if !cb.opts.JIT.UseJIT {
		cb.DontJITAnytimeSoon()
		return CouldNotCompile
	}
	cb.tier = TierBaseline
	cb.jitExecuteCounter.DeferIndefinitely()
	cb.OptimizeAfterWarmUp()
	log.Infof("%s: compiled baseline", cb)
	return CompiledSuccessfully
}

// SetJITCode attaches optimized code. It panics on a non-optimized block.
func (cb *CodeBlock) SetJITCode(code *JITCode) {
	if cb.tier != TierOptimized {
		panic(fmt.Sprintf("codeblock: jit code on %s", cb))
	}
	cb.jitCode = code
}

// Freeze ends compilation: the OSR tables become read-only.
func (cb *CodeBlock) Freeze() {
	cb.frozen = true
}

// IsFrozen reports whether the OSR tables are read-only.
func (cb *CodeBlock) IsFrozen() bool { return cb.frozen }

// AppendOSRExit adds an exit and returns its index.
func (cb *CodeBlock) AppendOSRExit(exit OSRExit) int {
	if cb.tier != TierOptimized {
		panic(fmt.Sprintf("codeblock: osr exit on %s", cb))
	}
	if cb.frozen {
		panic(fmt.Sprintf("codeblock: osr exit appended to frozen %s", cb))
	}
	exit.count = 0
	cb.osrExits = append(cb.osrExits, &exit)
	return len(cb.osrExits) - 1
}

// OSRExit returns exit i.
func (cb *CodeBlock) OSRExit(i int) *OSRExit { return cb.osrExits[i] }

// NumberOfOSRExits returns the size of the exit table.
func (cb *CodeBlock) NumberOfOSRExits() int { return len(cb.osrExits) }

// AppendOSREntry adds an entry point.
func (cb *CodeBlock) AppendOSREntry(entry OSREntry) {
	if cb.frozen {
		panic(fmt.Sprintf("codeblock: osr entry appended to frozen %s", cb))
	}
	cb.osrEntries = append(cb.osrEntries, entry)
}

// OSREntryFor returns the entry at bytecodeIndex.
func (cb *CodeBlock) OSREntryFor(bytecodeIndex int) (OSREntry, bool) {
	for _, e := range cb.osrEntries {
		if e.BytecodeIndex == bytecodeIndex {
			return e, true
		}
	}
	return OSREntry{}, false
}

// NumberOfOSREntries returns the size of the entry table.
func (cb *CodeBlock) NumberOfOSREntries() int { return len(cb.osrEntries) }

// ExitProfile returns the exit-site history. The caller must hold the lock.
func (cb *CodeBlock) ExitProfile() *ExitProfile { return &cb.exitProfile }

// AddFrequentExitSite records site on this block's exit profile.
func (cb *CodeBlock) AddFrequentExitSite(site FrequentExitSite) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.exitProfile.Add(site)
}

// Profiling slot lookups return nil when the instruction has none.

func (cb *CodeBlock) ValueProfileForBytecodeOffset(off int) *profile.ValueProfile {
	p, _ := cb.valueProfiles.Find(off)
	return p
}

func (cb *CodeBlock) ArrayProfileForBytecodeOffset(off int) *profile.ArrayProfile {
	p, _ := cb.arrayProfiles.Find(off)
	return p
}

func (cb *CodeBlock) RareCaseProfileForBytecodeOffset(off int) *profile.RareCaseProfile {
	p, _ := cb.rareCaseProfiles.Find(off)
	return p
}

func (cb *CodeBlock) SpecialFastCaseProfileForBytecodeOffset(off int) *profile.RareCaseProfile {
	p, _ := cb.specialFastCaseProfiles.Find(off)
	return p
}

func (cb *CodeBlock) CallLinkInfoForBytecodeOffset(off int) *CallLinkInfo {
	c, _ := cb.callLinkInfos.Find(off)
	return c
}

func (cb *CodeBlock) StubInfoForBytecodeOffset(off int) *StructureStubInfo {
	s, _ := cb.stubInfos.Find(off)
	return s
}

func (cb *CodeBlock) PropertyCacheForBytecodeOffset(off int) *PropertyCache {
	p, _ := cb.propertyCaches.Find(off)
	return p
}

// ArgumentValueProfile returns the profile of parameter i (0 is this).
func (cb *CodeBlock) ArgumentValueProfile(i int) *profile.ValueProfile {
	if i < 0 || i >= len(cb.argumentValueProfiles) {
		return nil
	}
	return cb.argumentValueProfiles[i]
}

func (cb *CodeBlock) NumberOfArgumentValueProfiles() int     { return len(cb.argumentValueProfiles) }
func (cb *CodeBlock) NumberOfValueProfiles() int             { return cb.valueProfiles.Len() }
func (cb *CodeBlock) ValueProfiles() []*profile.ValueProfile { return cb.valueProfiles.All() }
func (cb *CodeBlock) ArrayProfiles() []*profile.ArrayProfile { return cb.arrayProfiles.All() }
func (cb *CodeBlock) CallLinkInfos() []*CallLinkInfo         { return cb.callLinkInfos.All() }
func (cb *CodeBlock) StubInfos() []*StructureStubInfo        { return cb.stubInfos.All() }

// LikelyToTakeSlowCase reports whether the instruction at off usually takes
// its slow case.
func (cb *CodeBlock) LikelyToTakeSlowCase(off int) bool {
	p := cb.RareCaseProfileForBytecodeOffset(off)
	return p != nil && p.Count() >= cb.opts.Profiling.LikelyToTakeSlowCaseMinimumCount
}

// CouldTakeSlowCase reports whether the instruction at off took its slow case
// more than rarely.
func (cb *CodeBlock) CouldTakeSlowCase(off int) bool {
	p := cb.RareCaseProfileForBytecodeOffset(off)
	return p != nil && p.Count() >= cb.opts.Profiling.CouldTakeSlowCaseMinimumCount
}

// LikelyToTakeSpecialFastCase reports whether int32 arithmetic at off
// overflowed often.
func (cb *CodeBlock) LikelyToTakeSpecialFastCase(off int) bool {
	p := cb.SpecialFastCaseProfileForBytecodeOffset(off)
	return p != nil && p.Count() >= cb.opts.Profiling.CouldTakeSlowCaseMinimumCount
}

// ICStats counts call sites and property stubs by state.
type ICStats struct {
	MonomorphicCalls  int
	PolymorphicCalls  int
	UnlinkedCalls     int
	CachedAccesses    int
	PolymorphicAccess int
	GenericAccesses   int
}

// ICStats returns inline cache statistics.
func (cb *CodeBlock) ICStats() ICStats {
	var s ICStats
	for _, c := range cb.callLinkInfos.All() {
		switch {
		case c.Stub() != nil:
			s.PolymorphicCalls++
		case c.IsLinked() || c.LastSeenCallee() != nil:
			s.MonomorphicCalls++
		default:
			s.UnlinkedCalls++
		}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, si := range cb.stubInfos.All() {
		switch si.AccessType() {
		case AccessUnset:
		case AccessGetByIDList, AccessPutByIDList:
			s.PolymorphicAccess++
		case AccessGeneric:
			s.GenericAccesses++
		default:
			s.CachedAccesses++
		}
	}
	return s
}
