package codeblock

import "fmt"

// ExitKind classifies why optimized code left speculation.
type ExitKind uint8

const (
	ExitKindUnset ExitKind = iota
	BadType
	BadFunction
	BadExecutable
	BadCache
	BadCacheWatchpoint
	BadIndexingType
	Overflow
	OutOfBounds
	Uncountable
)

var exitKindNames = [...]string{
	ExitKindUnset:      "Unset",
	BadType:            "BadType",
	BadFunction:        "BadFunction",
	BadExecutable:      "BadExecutable",
	BadCache:           "BadCache",
	BadCacheWatchpoint: "BadCacheWatchpoint",
	BadIndexingType:    "BadIndexingType",
	Overflow:           "Overflow",
	OutOfBounds:        "OutOfBounds",
	Uncountable:        "Uncountable",
}

func (k ExitKind) String() string {
	if int(k) < len(exitKindNames) {
		return exitKindNames[k]
	}
	return fmt.Sprintf("ExitKind(%d)", uint8(k))
}

// FrequentExitSite is a bytecode site that has made optimized code exit often
// enough that the next compilation should not repeat the speculation.
type FrequentExitSite struct {
	BytecodeOffset int
	Kind           ExitKind
}

func (s FrequentExitSite) String() string {
	return fmt.Sprintf("bc#%d:%s", s.BytecodeOffset, s.Kind)
}

// ExitProfile is the exit-site history kept on a baseline code block. All
// methods require the owning code block's lock.
type ExitProfile struct {
	sites map[FrequentExitSite]struct{}
}

// Add records site and reports whether it was new.
func (p *ExitProfile) Add(site FrequentExitSite) bool {
	if p.sites == nil {
		p.sites = make(map[FrequentExitSite]struct{})
	}
	if _, ok := p.sites[site]; ok {
		return false
	}
	p.sites[site] = struct{}{}
	return true
}

// HasExitSite reports whether offset exited with kind.
func (p *ExitProfile) HasExitSite(offset int, kind ExitKind) bool {
	_, ok := p.sites[FrequentExitSite{BytecodeOffset: offset, Kind: kind}]
	return ok
}

// Len returns the number of recorded sites.
func (p *ExitProfile) Len() int {
	return len(p.sites)
}

// Sites returns a copy of the recorded sites in no particular order.
func (p *ExitProfile) Sites() []FrequentExitSite {
	out := make([]FrequentExitSite, 0, len(p.sites))
	for s := range p.sites {
		out = append(out, s)
	}
	return out
}
