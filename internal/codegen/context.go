package codegen

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/tb/internal/ir"
)

// ============================================================================
// 目标接口
// ============================================================================

// Target 具体指令集的代码生成协作者
type Target interface {
	Name() string

	// Init 填写寄存器数量、可分配寄存器、被调用者保存寄存器和 ABI 下标
	Init(ctx *Context)

	// Select 为节点 n 填写瓦片 t，返回输出寄存器约束
	// 可以调用 ctx.Fold 把子节点折叠进 t，调用 ctx.SetInputs 设置输入槽
	Select(ctx *Context, t *Tile, n *ir.Node) RegMask

	// InputRule 节点第 i 个输入的寄存器约束，以及编码是否允许读栈槽
	InputRule(ctx *Context, t *Tile, n *ir.Node, i int) (RegMask, bool)

	// Clobbers 瓦片执行时破坏的寄存器
	Clobbers(ctx *Context, t *Tile) ([NumClasses]uint64, bool)

	// Layout 分配完成后计算栈帧大小
	Layout(ctx *Context)

	// EmitTile 发射一个已分配的瓦片
	EmitTile(ctx *Context, e *Emitter, t *Tile)

	// Unwind 生成平台展开信息，不需要时返回 nil
	Unwind(ctx *Context, out *FunctionOutput) []byte

	// Disassemble 把输出反汇编成文本行
	Disassemble(out *FunctionOutput) []TraceLine
}

// Options 单个函数的编译选项
type Options struct {
	FramePointer bool
	EmitUnwind   bool

	// Chkstk 栈探测帮助函数，帧超过 ABI 阈值时调用
	Chkstk *ir.Symbol

	// Inspect 在分配和栈帧布局完成后调用，用于调试输出和测试
	Inspect func(ctx *Context)
}

// ============================================================================
// 基本块与上下文
// ============================================================================

// Block 控制流基本块
type Block struct {
	Index int
	Head  ir.NodeID
	Term  ir.NodeID
	Succs []int
	Nodes []ir.NodeID

	// Tiles 选择阶段产生的瓦片，调度后是线性顺序
	Tiles []TileID
	// Order 插入溢出移动后的最终发射顺序
	Order []TileID

	First, Last int // 位置范围
}

// UnwindOp 序言中需要被展开的动作
type UnwindOp uint8

const (
	UnwindPushReg UnwindOp = iota
	UnwindSetFrame
	UnwindAlloc
)

// UnwindEvent 序言动作，Offset 是该指令结束时相对函数起点的字节偏移
type UnwindEvent struct {
	Op     UnwindOp
	Offset int
	Reg    int
	Size   int
}

// Context 单个函数编译过程中的全部状态
type Context struct {
	Func   string
	Graph  *ir.Graph
	Target Target
	Opts   Options
	Log    *zap.Logger

	NumRegs     [NumClasses]int
	Allocatable [NumClasses]uint64
	CalleeSaved [NumClasses]uint64
	ABIIndex    int

	Blocks []Block

	// 分配器结果
	UsedRegs   [NumClasses]uint64
	SpillBytes int
	SpillMoves int

	// 由 Target.Layout 填写
	StackUsage   int
	OutgoingArgs int
	HasCalls     bool
	SavedRegs    []int

	// 由发射阶段填写
	PrologueLength int
	Unwinds        []UnwindEvent

	backEdges [][2]int // 回边的 (头位置, 跳转位置)
	remat     map[rematKey]TileID
	scratch   *Scratch
}

type rematKey struct {
	block int
	node  ir.NodeID
}

func newContext(target Target, g *ir.Graph, opts Options, log *zap.Logger, s *Scratch) *Context {
	s.prepare(g.Len())
	return &Context{
		Func:    g.Name,
		Graph:   g,
		Target:  target,
		Opts:    opts,
		Log:     log,
		remat:   make(map[rematKey]TileID),
		scratch: s,
	}
}

// Node 取 IR 节点
func (ctx *Context) Node(id ir.NodeID) *ir.Node { return ctx.Graph.Node(id) }

// Tile 按下标取瓦片
func (ctx *Context) Tile(id TileID) *Tile { return ctx.scratch.tiles.at(int(id)) }

// NumTiles 瓦片数量
func (ctx *Context) NumTiles() int { return ctx.scratch.tiles.len() }

// Interval 按下标取活跃区间
func (ctx *Context) Interval(id IntervalID) *LiveInterval {
	return ctx.scratch.intervals.at(int(id))
}

// NumIntervals 活跃区间数量
func (ctx *Context) NumIntervals() int { return ctx.scratch.intervals.len() }

// Uses 节点的数据使用次数
func (ctx *Context) Uses(id ir.NodeID) int { return int(ctx.scratch.uses[id]) }

// BlockOf 节点所在块，叶子和不可达节点返回 -1
func (ctx *Context) BlockOf(id ir.NodeID) int {
	return int(ctx.scratch.blockOf[id])
}

// NextBlock 布局中紧随其后的块
func (ctx *Context) NextBlock(b int) int {
	if b+1 < len(ctx.Blocks) {
		return b + 1
	}
	return -1
}

func (ctx *Context) newTile(block int, node ir.NodeID) *Tile {
	t, idx := ctx.scratch.tiles.alloc()
	t.ID = TileID(idx)
	t.Node = node
	t.Block = block
	t.Interval = NoInterval
	if n := ctx.Node(node); n != nil {
		t.Type = n.Type
	}
	if block >= 0 {
		b := &ctx.Blocks[block]
		b.Tiles = append(b.Tiles, t.ID)
	}
	return t
}

// NewAuxTile 为节点 n 额外创建一个瓦片，例如调用前的栈参数写入
// 新瓦片排在 before 之前
func (ctx *Context) NewAuxTile(before *Tile, op int) *Tile {
	t := ctx.newTile(before.Block, before.Node)
	t.Op = op
	t.Type = ir.Void
	before.Deps = append(before.Deps, t.ID)
	return t
}

// Fold 把子节点折叠进父瓦片，不再单独物化
func (ctx *Context) Fold(id ir.NodeID) {
	ctx.scratch.folded[id] = true
}

// IsFolded 子节点是否已折叠
func (ctx *Context) IsFolded(id ir.NodeID) bool { return ctx.scratch.folded[id] }

// SetInputs 把节点 [from, to) 的输入设为瓦片的输入槽
func (ctx *Context) SetInputs(t *Tile, n *ir.Node, from, to int) {
	if to > len(n.Inputs) {
		to = len(n.Inputs)
	}
	for i := from; i < to; i++ {
		if n.Inputs[i] == ir.NoNode {
			continue
		}
		mask, memOK := ctx.Target.InputRule(ctx, t, n, i)
		ctx.AddInput(t, n.Inputs[i], i, mask, memOK)
	}
}

// AddInput 追加一个输入槽
func (ctx *Context) AddInput(t *Tile, operand ir.NodeID, index int, mask RegMask, memOK bool) {
	t.Ins = append(t.Ins, Input{
		Node:  operand,
		Index: index,
		Src:   NoTile,
		Mask:  mask,
		MemOK: memOK,
		Val:   NoInterval,
	})
}

// ============================================================================
// 输出
// ============================================================================

// PatchKind 重定位种类
type PatchKind uint8

const (
	// PatchCall call rel32
	PatchCall PatchKind = iota
	// PatchRIP RIP 相对寻址的 rel32
	PatchRIP
)

func (k PatchKind) String() string {
	if k == PatchCall {
		return "call-rel32"
	}
	return "rip-rel32"
}

// Patch 重定位补丁，Offset 指向 4 字节位移字段
type Patch struct {
	Offset   int
	Target   *ir.Symbol
	Kind     PatchKind
	Internal bool
}

// Location 源码位置流中的一项
type Location struct {
	Offset int
	Block  int
	Loc    ir.SourceLoc
}

// FunctionOutput 单个函数的编译结果
type FunctionOutput struct {
	Name           string
	Sym            *ir.Symbol
	Code           []byte
	Patches        []Patch
	Labels         []int
	Locations      []Location
	StackUsage     int
	PrologueLength int
	Unwind         []byte

	Tiles      int
	Intervals  int
	SpillMoves int
}

// TraceLine 反汇编输出的一行
type TraceLine struct {
	Block  int
	Offset int
	Text   string
}
