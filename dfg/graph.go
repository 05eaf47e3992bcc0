// Package dfg is the optimizing tier's front end. Parse turns a profiled code
// block and a snapshot of its inline-cache statuses into a Graph of
// speculations; Compile lowers the graph into an optimized code block with
// OSR exits, OSR entries and the watchpoints the code depends on.
package dfg

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/icstatus"
	"github.com/chazu/tierup/profile"
	"github.com/chazu/tierup/runtime"
)

var log = commonlog.GetLogger("tierup.dfg")

// NodeKind is the operation of a graph node.
type NodeKind uint8

const (
	NodeBytecode        NodeKind = iota // the instruction with generic semantics
	NodeCheckFunction                   // Register holds exactly Function
	NodeCheckExecutable                 // Register holds a function running Executable
	NodeCheckStructure                  // Register holds an object with Structure
	NodeCheckInt32                      // Register holds an int32
	NodeCheckArray                      // Register holds an array with Indexing
	NodeSpeculativeAdd                  // int32 add that exits on overflow
	NodeConstantGlobal                  // global load folded to Value
	NodeLoopEntry                       // OSR entry point
)

var nodeKindNames = [...]string{
	NodeBytecode:        "Bytecode",
	NodeCheckFunction:   "CheckFunction",
	NodeCheckExecutable: "CheckExecutable",
	NodeCheckStructure:  "CheckStructure",
	NodeCheckInt32:      "CheckInt32",
	NodeCheckArray:      "CheckArray",
	NodeSpeculativeAdd:  "SpeculativeAdd",
	NodeConstantGlobal:  "ConstantGlobal",
	NodeLoopEntry:       "LoopEntry",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// IsCheck reports whether nodes of kind k guard a speculation with an exit.
func (k NodeKind) IsCheck() bool {
	switch k {
	case NodeCheckFunction, NodeCheckExecutable, NodeCheckStructure, NodeCheckInt32, NodeCheckArray:
		return true
	}
	return false
}

// Node is one operation of the graph. Only the fields its kind uses are set.
type Node struct {
	Kind          NodeKind
	BytecodeIndex int
	Op            bytecode.Opcode

	Register   int
	Prediction profile.SpeculatedType

	Function   *runtime.FunctionObject
	Executable *codeblock.Executable
	Structure  *runtime.Structure
	Indexing   runtime.IndexingType
	Global     *runtime.GlobalVariable
	Value      runtime.Value

	// Int32Registers of a loop entry.
	Int32Registers []int
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeBytecode:
		if n.Prediction != profile.SpecNone {
			return fmt.Sprintf("bc#%d %s pred=%s", n.BytecodeIndex, n.Op, n.Prediction)
		}
		return fmt.Sprintf("bc#%d %s", n.BytecodeIndex, n.Op)
	case NodeCheckFunction:
		return fmt.Sprintf("bc#%d CheckFunction r%d %s", n.BytecodeIndex, n.Register, n.Function)
	case NodeCheckExecutable:
		return fmt.Sprintf("bc#%d CheckExecutable r%d %s", n.BytecodeIndex, n.Register, n.Executable.Name())
	case NodeCheckStructure:
		return fmt.Sprintf("bc#%d CheckStructure r%d %s", n.BytecodeIndex, n.Register, n.Structure)
	case NodeCheckArray:
		return fmt.Sprintf("bc#%d CheckArray r%d %s", n.BytecodeIndex, n.Register, n.Indexing)
	case NodeConstantGlobal:
		return fmt.Sprintf("bc#%d ConstantGlobal %s = %v", n.BytecodeIndex, n.Global.Name(), n.Value)
	case NodeLoopEntry:
		return fmt.Sprintf("bc#%d LoopEntry int32=%v", n.BytecodeIndex, n.Int32Registers)
	}
	return fmt.Sprintf("bc#%d %s r%d", n.BytecodeIndex, n.Kind, n.Register)
}

// Graph is the parsed form of one code block.
type Graph struct {
	Profiled *codeblock.CodeBlock
	Statuses *icstatus.Map
	Nodes    []*Node

	// Sets whose invalidation breaks an assumption the nodes make.
	Watchpoints *DesiredWatchpoints
}

func (g *Graph) add(n *Node) *Node {
	g.Nodes = append(g.Nodes, n)
	return n
}

// NodesOfKind returns the nodes of kind k in order.
func (g *Graph) NodesOfKind(k NodeKind) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// NumberOfChecks counts the nodes that can exit.
func (g *Graph) NumberOfChecks() int {
	c := 0
	for _, n := range g.Nodes {
		if n.Kind.IsCheck() || n.Kind == NodeSpeculativeAdd {
			c++
		}
	}
	return c
}

// Dump renders the graph one node per line.
func (g *Graph) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph for %s\n", g.Profiled)
	for _, n := range g.Nodes {
		sb.WriteString("  ")
		sb.WriteString(n.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
