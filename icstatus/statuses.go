package icstatus

import (
	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
)

// Map is a point-in-time snapshot of every inline-cache status of one code
// block, keyed by bytecode index. The compiler resolves it once before parsing
// so the parse sees a consistent view while the block keeps running.
type Map struct {
	Calls map[int]CallLinkStatus
	Gets  map[int]GetByIdStatus
	Puts  map[int]PutByIdStatus
}

// ComputeAll resolves every call, get_by_id and put_by_id of profiled.
func ComputeAll(profiled *codeblock.CodeBlock) *Map {
	m := &Map{
		Calls: make(map[int]CallLinkStatus),
		Gets:  make(map[int]GetByIdStatus),
		Puts:  make(map[int]PutByIdStatus),
	}
	for off, in := range profiled.Instructions() {
		switch in.Op {
		case bytecode.OpCall, bytecode.OpConstruct:
			m.Calls[off] = ComputeCallLinkStatus(profiled, off)
		case bytecode.OpGetById:
			m.Gets[off] = ComputeGetByIdStatus(profiled, off, profiled.ConstantString(in.C))
		case bytecode.OpPutById:
			m.Puts[off] = ComputePutByIdStatus(profiled, off, profiled.ConstantString(in.B))
		}
	}
	return m
}
