package icstatus

import (
	"fmt"
	"strings"

	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/runtime"
)

// GetState is the discriminant of a GetByIdStatus.
type GetState uint8

const (
	GetNoInformation GetState = iota
	GetSimple
	GetTakesSlowPath
)

func (s GetState) String() string {
	switch s {
	case GetNoInformation:
		return "NoInformation"
	case GetSimple:
		return "Simple"
	case GetTakesSlowPath:
		return "TakesSlowPath"
	}
	return fmt.Sprintf("GetState(%d)", uint8(s))
}

// GetByIdStatus is what the optimizer may assume about one named load. A
// simple load reads own property Offset of objects whose structure is in
// Structures.
type GetByIdStatus struct {
	state      GetState
	structures []*runtime.Structure
	offset     int
}

func (s GetByIdStatus) State() GetState                  { return s.state }
func (s GetByIdStatus) Structures() []*runtime.Structure { return s.structures }
func (s GetByIdStatus) Offset() int                      { return s.offset }
func (s GetByIdStatus) IsSet() bool                      { return s.state != GetNoInformation }
func (s GetByIdStatus) IsSimple() bool                   { return s.state == GetSimple }
func (s GetByIdStatus) TakesSlowPath() bool              { return s.state == GetTakesSlowPath }

func (s GetByIdStatus) String() string {
	if s.state != GetSimple {
		return s.state.String()
	}
	names := make([]string, len(s.structures))
	for i, st := range s.structures {
		names[i] = st.String()
	}
	return fmt.Sprintf("Simple([%s], %d)", strings.Join(names, " "), s.offset)
}

// simpleGet folds cached structures into one status. All of them must hold
// name at the same offset.
func simpleGet(name string, structures ...*runtime.Structure) GetByIdStatus {
	offset := -1
	for _, st := range structures {
		off, ok := st.Get(name)
		if !ok || st.IsDictionary() || (offset >= 0 && off != offset) {
			return GetByIdStatus{state: GetTakesSlowPath}
		}
		offset = off
	}
	return GetByIdStatus{state: GetSimple, structures: structures, offset: offset}
}

// ComputeGetByIdStatus resolves the get_by_id of name at bytecodeIndex of
// profiled.
func ComputeGetByIdStatus(profiled *codeblock.CodeBlock, bytecodeIndex int, name string) GetByIdStatus {
	if hasExitSite(profiled, bytecodeIndex, codeblock.BadCache) {
		return GetByIdStatus{state: GetTakesSlowPath}
	}

	profiled.Lock()
	defer profiled.Unlock()

	if si := profiled.StubInfoForBytecodeOffset(bytecodeIndex); si != nil && si.Seen() {
		if si.ResetByGC() {
			return GetByIdStatus{state: GetTakesSlowPath}
		}
		switch a := si.Access().(type) {
		case codeblock.GetByIDSelf:
			return simpleGet(name, a.Structure)
		case codeblock.GetByIDList:
			structures := make([]*runtime.Structure, len(a.Cases))
			for i, c := range a.Cases {
				structures[i] = c.Structure
			}
			return simpleGet(name, structures...)
		case nil:
		default:
			return GetByIdStatus{state: GetTakesSlowPath}
		}
	}

	pc := profiled.PropertyCacheForBytecodeOffset(bytecodeIndex)
	if pc == nil {
		return GetByIdStatus{}
	}
	if e := pc.Entry(); e != nil {
		return simpleGet(name, e.Structure)
	}
	return GetByIdStatus{}
}
