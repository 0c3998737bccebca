package ir

import (
	"fmt"
	"strings"
)

// ============================================================================
// 节点种类
// ============================================================================

// Kind 节点操作类型
type Kind uint8

const (
	KindInvalid Kind = iota

	// 控制
	KindStart
	KindEnd
	KindRegion
	KindGoto
	KindBranch
	KindProj

	// 叶子
	KindIntConst
	KindFloatConst
	KindSymbol

	// 整数运算
	KindAdd
	KindSub
	KindMul
	KindAnd
	KindOr
	KindXor
	KindUDiv
	KindSDiv
	KindUMod
	KindSMod

	// 浮点运算
	KindFAdd
	KindFSub
	KindFMul
	KindFDiv

	// 比较
	KindCmpEq
	KindCmpNe
	KindCmpSLt
	KindCmpSLe
	KindCmpULt
	KindCmpULe

	// 内存与调用
	KindLoad
	KindStore
	KindCall
	KindSyscall

	kindCount
)

var kindNames = [kindCount]string{
	KindInvalid:    "invalid",
	KindStart:      "start",
	KindEnd:        "end",
	KindRegion:     "region",
	KindGoto:       "goto",
	KindBranch:     "branch",
	KindProj:       "proj",
	KindIntConst:   "iconst",
	KindFloatConst: "fconst",
	KindSymbol:     "symbol",
	KindAdd:        "add",
	KindSub:        "sub",
	KindMul:        "mul",
	KindAnd:        "and",
	KindOr:         "or",
	KindXor:        "xor",
	KindUDiv:       "udiv",
	KindSDiv:       "sdiv",
	KindUMod:       "umod",
	KindSMod:       "smod",
	KindFAdd:       "fadd",
	KindFSub:       "fsub",
	KindFMul:       "fmul",
	KindFDiv:       "fdiv",
	KindCmpEq:      "cmp.eq",
	KindCmpNe:      "cmp.ne",
	KindCmpSLt:     "cmp.slt",
	KindCmpSLe:     "cmp.sle",
	KindCmpULt:     "cmp.ult",
	KindCmpULe:     "cmp.ule",
	KindLoad:       "load",
	KindStore:      "store",
	KindCall:       "call",
	KindSyscall:    "syscall",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsBlockHead 块的起始节点
func (k Kind) IsBlockHead() bool { return k == KindStart || k == KindRegion }

// IsTerminator 块的终结节点
func (k Kind) IsTerminator() bool { return k == KindEnd || k == KindGoto || k == KindBranch }

// IsLeaf 没有输入的值节点，可以在每个使用块中重新物化
func (k Kind) IsLeaf() bool {
	return k == KindIntConst || k == KindFloatConst || k == KindSymbol
}

// IsBinary 双操作数算术
func (k Kind) IsBinary() bool { return k >= KindAdd && k <= KindFDiv }

// IsCompare 比较运算
func (k Kind) IsCompare() bool { return k >= KindCmpEq && k <= KindCmpULe }

// HasSideEffects 需要保持相对顺序的节点
func (k Kind) HasSideEffects() bool {
	return k == KindLoad || k == KindStore || k == KindCall || k == KindSyscall
}

// IsTuple 结果通过投影读取的节点
func (k Kind) IsTuple() bool {
	return k == KindStart || k == KindCall
}

// ============================================================================
// 节点与图
// ============================================================================

// NodeID 节点在图中的索引，0 保留为空
type NodeID int32

// NoNode 空节点
const NoNode NodeID = 0

// SourceLoc 源码位置
type SourceLoc struct {
	File string
	Line int
}

// IsZero 是否未设置
func (l SourceLoc) IsZero() bool { return l.File == "" && l.Line == 0 }

// Node IR 节点
//
// Inputs[0] 对非叶子节点是控制输入：块头（Start/Region）或同一块中前一个
// 有副作用的节点。Region 的输入是前驱块的终结节点。
type Node struct {
	ID     NodeID
	Kind   Kind
	Type   DataType
	Inputs []NodeID

	// Int 是整数常量的值，或投影的下标
	Int   int64
	Float float64
	Sym   *Symbol

	// Targets 是 Goto（只用 [0]）和 Branch（真/假）的目标 Region
	Targets [2]NodeID

	Loc SourceLoc
}

// Input 返回第 i 个输入，越界时返回 NoNode
func (n *Node) Input(i int) NodeID {
	if i < 0 || i >= len(n.Inputs) {
		return NoNode
	}
	return n.Inputs[i]
}

// Graph 一个函数的 IR 图
type Graph struct {
	Name   string
	Sym    *Symbol
	Params []DataType
	Result []DataType
	Start  NodeID

	nodes []Node
}

// NewGraph 创建空图，下标 0 是占位节点
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		nodes: make([]Node, 1, 64),
	}
}

// Node 按 ID 取节点
func (g *Graph) Node(id NodeID) *Node {
	if id <= NoNode || int(id) >= len(g.nodes) {
		return nil
	}
	return &g.nodes[id]
}

// Len 节点数量（含占位节点）
func (g *Graph) Len() int { return len(g.nodes) }

// Each 按创建顺序遍历所有节点
func (g *Graph) Each(fn func(n *Node)) {
	for i := 1; i < len(g.nodes); i++ {
		fn(&g.nodes[i])
	}
}

func (g *Graph) add(n Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return n.ID
}

// String 以文本形式打印图
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s(", g.Name)
	for i, p := range g.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(")\n")

	g.Each(func(n *Node) {
		fmt.Fprintf(&sb, "  %%%d = %s", n.ID, n.Kind)
		if !n.Type.IsVoid() {
			fmt.Fprintf(&sb, ".%s", n.Type)
		}
		for _, in := range n.Inputs {
			fmt.Fprintf(&sb, " %%%d", in)
		}
		switch n.Kind {
		case KindIntConst, KindProj:
			fmt.Fprintf(&sb, " #%d", n.Int)
		case KindFloatConst:
			fmt.Fprintf(&sb, " #%g", n.Float)
		case KindSymbol:
			fmt.Fprintf(&sb, " @%s", n.Sym.Name)
		case KindGoto:
			fmt.Fprintf(&sb, " -> %%%d", n.Targets[0])
		case KindBranch:
			fmt.Fprintf(&sb, " -> %%%d, %%%d", n.Targets[0], n.Targets[1])
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}
