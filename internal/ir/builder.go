package ir

import (
	"errors"
	"fmt"
)

// Builder 按块构造 IR 图
//
// 纯运算节点锚定在当前块头；有副作用的节点串在当前块的控制链上，
// 后端据此保持内存操作的相对顺序。
type Builder struct {
	g      *Graph
	head   NodeID // 当前块头
	ctrl   NodeID // 控制链末尾
	loc    SourceLoc
	params []NodeID
	open   bool // 当前块还没有终结节点
	err    error
}

// NewBuilder 创建函数构造器
func NewBuilder(name string, sym *Symbol, params []DataType, results ...DataType) *Builder {
	g := NewGraph(name)
	g.Sym = sym
	g.Params = append([]DataType(nil), params...)
	g.Result = append([]DataType(nil), results...)

	b := &Builder{g: g}
	g.Start = g.add(Node{Kind: KindStart})
	b.head, b.ctrl, b.open = g.Start, g.Start, true

	for i, t := range params {
		b.params = append(b.params, g.add(Node{
			Kind:   KindProj,
			Type:   t,
			Inputs: []NodeID{g.Start},
			Int:    int64(i),
		}))
	}
	return b
}

func (b *Builder) fail(format string, args ...interface{}) NodeID {
	if b.err == nil {
		b.err = fmt.Errorf("ir builder %s: %s", b.g.Name, fmt.Sprintf(format, args...))
	}
	return NoNode
}

func (b *Builder) node(n Node) NodeID {
	if !b.open && !n.Kind.IsLeaf() && n.Kind != KindRegion {
		return b.fail("%s emitted after block terminator", n.Kind)
	}
	n.Loc = b.loc
	return b.g.add(n)
}

func (b *Builder) typeOf(id NodeID) DataType {
	if n := b.g.Node(id); n != nil {
		return n.Type
	}
	b.fail("unknown node %%%d", id)
	return Void
}

// Graph 返回正在构造的图
func (b *Builder) Graph() *Graph { return b.g }

// Param 第 i 个参数
func (b *Builder) Param(i int) NodeID {
	if i < 0 || i >= len(b.params) {
		return b.fail("parameter %d out of range", i)
	}
	return b.params[i]
}

// SetLoc 设置后续节点的源码位置
func (b *Builder) SetLoc(file string, line int) {
	b.loc = SourceLoc{File: file, Line: line}
}

// Int 整数常量
func (b *Builder) Int(t DataType, v int64) NodeID {
	if !t.IsInteger() {
		return b.fail("integer constant of type %s", t)
	}
	return b.node(Node{Kind: KindIntConst, Type: t, Int: v})
}

// Float 浮点常量
func (b *Builder) Float(t DataType, v float64) NodeID {
	if !t.IsFloat() {
		return b.fail("float constant of type %s", t)
	}
	return b.node(Node{Kind: KindFloatConst, Type: t, Float: v})
}

// Symbol 符号地址
func (b *Builder) Symbol(sym *Symbol) NodeID {
	if sym == nil {
		return b.fail("nil symbol")
	}
	return b.node(Node{Kind: KindSymbol, Type: Ptr, Sym: sym})
}

// Binary 双操作数运算，结果类型取左操作数的类型
func (b *Builder) Binary(k Kind, lhs, rhs NodeID) NodeID {
	if !k.IsBinary() {
		return b.fail("%s is not a binary operation", k)
	}
	t := b.typeOf(lhs)
	if rt := b.typeOf(rhs); rt != t {
		return b.fail("%s operands disagree: %s vs %s", k, t, rt)
	}
	isFloatOp := k >= KindFAdd
	if isFloatOp != t.IsFloat() {
		return b.fail("%s applied to %s", k, t)
	}
	return b.node(Node{Kind: k, Type: t, Inputs: []NodeID{b.head, lhs, rhs}})
}

// Add lhs + rhs
func (b *Builder) Add(lhs, rhs NodeID) NodeID { return b.Binary(KindAdd, lhs, rhs) }

// Sub lhs - rhs
func (b *Builder) Sub(lhs, rhs NodeID) NodeID { return b.Binary(KindSub, lhs, rhs) }

// Mul lhs * rhs
func (b *Builder) Mul(lhs, rhs NodeID) NodeID { return b.Binary(KindMul, lhs, rhs) }

// Compare 整数比较，结果为 Bool
func (b *Builder) Compare(k Kind, lhs, rhs NodeID) NodeID {
	if !k.IsCompare() {
		return b.fail("%s is not a comparison", k)
	}
	t := b.typeOf(lhs)
	if !t.IsInteger() || b.typeOf(rhs) != t {
		return b.fail("%s on %s", k, t)
	}
	return b.node(Node{Kind: k, Type: Bool, Inputs: []NodeID{b.head, lhs, rhs}})
}

func (b *Builder) effect(n Node) NodeID {
	n.Inputs = append([]NodeID{b.ctrl}, n.Inputs...)
	id := b.node(n)
	if id != NoNode {
		b.ctrl = id
	}
	return id
}

// Load 从 addr 读取 t 类型的值
func (b *Builder) Load(t DataType, addr NodeID) NodeID {
	if t.IsVoid() {
		return b.fail("load of void")
	}
	return b.effect(Node{Kind: KindLoad, Type: t, Inputs: []NodeID{addr}})
}

// Store 把 val 写到 addr
func (b *Builder) Store(addr, val NodeID) NodeID {
	return b.effect(Node{Kind: KindStore, Inputs: []NodeID{addr, val}})
}

// Call 调用 target，返回每个结果的投影
func (b *Builder) Call(target NodeID, results []DataType, args ...NodeID) []NodeID {
	if len(results) > 2 {
		b.fail("call with %d results", len(results))
		return nil
	}
	call := b.effect(Node{Kind: KindCall, Inputs: append([]NodeID{target}, args...)})
	if call == NoNode {
		return nil
	}
	projs := make([]NodeID, len(results))
	for i, t := range results {
		projs[i] = b.node(Node{Kind: KindProj, Type: t, Inputs: []NodeID{call}, Int: int64(i)})
	}
	return projs
}

// Syscall 系统调用，返回 RAX 中的结果
func (b *Builder) Syscall(num NodeID, args ...NodeID) NodeID {
	if len(args) > 6 {
		return b.fail("syscall with %d arguments", len(args))
	}
	return b.effect(Node{Kind: KindSyscall, Type: I64, Inputs: append([]NodeID{num}, args...)})
}

// Region 创建新的块头，使用 SetBlock 切换到该块
func (b *Builder) Region() NodeID {
	return b.node(Node{Kind: KindRegion})
}

// SetBlock 开始向 region 块追加节点
func (b *Builder) SetBlock(region NodeID) {
	n := b.g.Node(region)
	if n == nil || n.Kind != KindRegion {
		b.fail("%%%d is not a region", region)
		return
	}
	if b.open {
		b.fail("block %%%d switched before it was terminated", b.head)
		return
	}
	b.head, b.ctrl, b.open = region, region, true
}

func (b *Builder) terminate(n Node) NodeID {
	id := b.effect(n)
	b.open = false
	return id
}

func (b *Builder) link(pred, region NodeID) {
	r := b.g.Node(region)
	if r == nil || r.Kind != KindRegion {
		b.fail("jump target %%%d is not a region", region)
		return
	}
	r.Inputs = append(r.Inputs, pred)
}

// Goto 无条件跳转
func (b *Builder) Goto(region NodeID) {
	id := b.terminate(Node{Kind: KindGoto, Targets: [2]NodeID{region}})
	if id != NoNode {
		b.link(id, region)
	}
}

// Branch cond 非零时跳到 ifTrue，否则跳到 ifFalse
func (b *Builder) Branch(cond, ifTrue, ifFalse NodeID) {
	if !b.typeOf(cond).IsInteger() {
		b.fail("branch on non-integer")
		return
	}
	id := b.terminate(Node{Kind: KindBranch, Inputs: []NodeID{cond}, Targets: [2]NodeID{ifTrue, ifFalse}})
	if id != NoNode {
		b.link(id, ifTrue)
		b.link(id, ifFalse)
	}
}

// Return 结束函数
func (b *Builder) Return(vals ...NodeID) {
	if len(vals) != len(b.g.Result) {
		b.fail("return of %d values, function has %d results", len(vals), len(b.g.Result))
		return
	}
	for i, v := range vals {
		if t := b.typeOf(v); t != b.g.Result[i] {
			b.fail("return value %d has type %s, want %s", i, t, b.g.Result[i])
			return
		}
	}
	b.terminate(Node{Kind: KindEnd, Inputs: vals})
}

// ErrUnterminated 最后一个块没有终结节点
var ErrUnterminated = errors.New("ir builder: block is not terminated")

// Finish 结束构造
func (b *Builder) Finish() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.open {
		return nil, ErrUnterminated
	}
	return b.g, nil
}
