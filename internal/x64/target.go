// target.go - x86-64 指令选择规则
//
// 每个 IR 节点对应一个瓦片。能折叠成立即数的整数常量直接编码进父瓦片，
// 只被分支使用一次的比较折叠进分支，符号地址折叠进调用和访存的 RIP 操作数。

package x64

import (
	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
)

// 辅助瓦片的操作码
const (
	opArgStore = 1 + iota // 调用前把参数写到出参区
)

// Target x86-64 代码生成目标
// 不保存单个函数的状态，可以被多个编译 goroutine 共享
type Target struct {
	ABI *ABI
}

// New 创建使用给定调用约定的目标
func New(abi *ABI) *Target {
	if abi == nil {
		abi = SystemV
	}
	return &Target{ABI: abi}
}

// Name 目标名
func (x *Target) Name() string { return "x64-" + x.ABI.Name }

// Init 填写寄存器文件
func (x *Target) Init(ctx *codegen.Context) {
	ctx.NumRegs = [codegen.NumClasses]int{NumGPRs, NumXMMs}
	ctx.Allocatable[codegen.ClassGPR] = allGPRs
	// 被调用者保存的 XMM 需要完整的 128 位保存，不参与分配
	ctx.Allocatable[codegen.ClassXMM] = x.ABI.CallerSaved[codegen.ClassXMM]
	ctx.CalleeSaved = x.ABI.CalleeSaved
	ctx.ABIIndex = x.ABI.index()
}

func classOf(t ir.DataType) codegen.RegClass {
	if t.IsFloat() {
		return codegen.ClassXMM
	}
	return codegen.ClassGPR
}

func anyReg(t ir.DataType) codegen.RegMask { return codegen.Mask(classOf(t), 0) }

var gprAny = codegen.Mask(codegen.ClassGPR, 0)

// ============================================================================
// 选择
// ============================================================================

// Select 为节点填写瓦片
func (x *Target) Select(ctx *codegen.Context, t *codegen.Tile, n *ir.Node) codegen.RegMask {
	switch k := n.Kind; {
	case k == ir.KindStart || k == ir.KindRegion:
		return codegen.RegEmpty

	case k == ir.KindProj:
		return x.selectProj(ctx, t, n)

	case k == ir.KindIntConst:
		t.Imm = n.Int
		return gprAny

	case k == ir.KindSymbol:
		t.Sym = n.Sym
		return gprAny

	case k == ir.KindUDiv || k == ir.KindSDiv || k == ir.KindUMod || k == ir.KindSMod:
		if n.Type.Bits < 32 {
			codegen.Unimplemented("%s on %s", k, n.Type)
		}
		ctx.SetInputs(t, n, 1, 3)
		if k == ir.KindUMod || k == ir.KindSMod {
			return codegen.Fixed(codegen.ClassGPR, RDX)
		}
		return codegen.Fixed(codegen.ClassGPR, RAX)

	case k.IsBinary() && n.Type.IsFloat():
		ctx.SetInputs(t, n, 1, 3)
		t.AvoidIns = 1 << 1
		return codegen.Mask(codegen.ClassXMM, 0)

	case k.IsBinary():
		ctx.SetInputs(t, n, 1, 2)
		x.selectRHS(ctx, t, n, n.Type)
		return gprAny

	case k.IsCompare():
		lhs := ctx.Node(n.Inputs[1])
		t.Aux = packCmp(condCode(k), lhs.Type.Size())
		ctx.SetInputs(t, n, 1, 2)
		x.selectRHS(ctx, t, n, lhs.Type)
		t.AvoidIns = 0
		return gprAny

	case k == ir.KindBranch:
		x.selectBranch(ctx, t, n)
		return codegen.RegEmpty

	case k == ir.KindGoto:
		t.Tag = codegen.TileGoto
		return codegen.RegEmpty

	case k == ir.KindEnd:
		ctx.SetInputs(t, n, 1, len(n.Inputs))
		return codegen.RegEmpty

	case k == ir.KindLoad:
		if sym := foldSymbol(ctx, n.Inputs[1]); sym != nil {
			t.Sym = sym
		} else {
			ctx.SetInputs(t, n, 1, 2)
		}
		return anyReg(n.Type)

	case k == ir.KindStore:
		x.selectStore(ctx, t, n)
		return codegen.RegEmpty

	case k == ir.KindCall:
		x.selectCall(ctx, t, n)
		return codegen.RegEmpty

	case k == ir.KindSyscall:
		if len(n.Inputs)-2 > len(Syscall.ParamGPRs) {
			codegen.Unimplemented("syscall with %d arguments", len(n.Inputs)-2)
		}
		ctx.SetInputs(t, n, 1, len(n.Inputs))
		return codegen.Fixed(codegen.ClassGPR, RAX)
	}

	codegen.Unimplemented("no x64 selection rule for %s (%%%d)", n.Kind, n.ID)
	return codegen.RegEmpty
}

// selectRHS 右操作数能放进 imm32 时折叠，否则作为输入槽
func (x *Target) selectRHS(ctx *codegen.Context, t *codegen.Tile, n *ir.Node, typ ir.DataType) {
	if imm, ok := foldImm(ctx, n.Inputs[2], typ); ok {
		t.Tag = codegen.TileFoldedImm
		t.Imm = imm
		return
	}
	ctx.SetInputs(t, n, 2, 3)
	t.AvoidIns = 1 << 1
}

// foldImm 常量截断到操作宽度后再符号扩展，必须与 imm32 的含义一致
func foldImm(ctx *codegen.Context, id ir.NodeID, typ ir.DataType) (int64, bool) {
	c := ctx.Node(id)
	if c == nil || c.Kind != ir.KindIntConst {
		return 0, false
	}
	switch typ.Bits {
	case 8:
		return int64(int8(c.Int)), true
	case 16:
		return int64(int16(c.Int)), true
	case 32:
		return int64(int32(c.Int)), true
	}
	return c.Int, fitsInt32(c.Int)
}

func foldSymbol(ctx *codegen.Context, id ir.NodeID) *ir.Symbol {
	if c := ctx.Node(id); c != nil && c.Kind == ir.KindSymbol {
		return c.Sym
	}
	return nil
}

func (x *Target) selectProj(ctx *codegen.Context, t *codegen.Tile, n *ir.Node) codegen.RegMask {
	parent := ctx.Node(n.Inputs[0])
	switch parent.Kind {
	case ir.KindStart:
		loc := x.ABI.Assign(ctx.Graph.Params)[n.Int]
		if loc.Reg >= 0 {
			return codegen.Fixed(loc.Class, loc.Reg)
		}
		t.Aux = loc.Stack + 1
		return codegen.Mask(loc.Class, 0)
	case ir.KindCall:
		return returnReg(n.Type, int(n.Int))
	}
	codegen.Unimplemented("projection of %s", parent.Kind)
	return codegen.RegEmpty
}

func (x *Target) selectBranch(ctx *codegen.Context, t *codegen.Tile, n *ir.Node) {
	cond := ctx.Node(n.Inputs[1])
	if cond.Kind.IsCompare() && ctx.Uses(cond.ID) == 1 && ctx.BlockOf(cond.ID) == ctx.BlockOf(n.ID) {
		ctx.Fold(cond.ID)
		lhs := ctx.Node(cond.Inputs[1])
		t.Aux = packCmp(condCode(cond.Kind), lhs.Type.Size())
		ctx.SetInputs(t, cond, 1, 2)
		x.selectRHS(ctx, t, cond, lhs.Type)
		t.AvoidIns = 0
		return
	}
	// cond != 0
	t.Aux = packCmp(ccNE, cond.Type.Size())
	t.Tag = codegen.TileFoldedImm
	t.Imm = 0
	ctx.SetInputs(t, n, 1, 2)
}

func (x *Target) selectStore(ctx *codegen.Context, t *codegen.Tile, n *ir.Node) {
	val := ctx.Node(n.Inputs[2])
	t.Type = val.Type
	if sym := foldSymbol(ctx, n.Inputs[1]); sym != nil {
		t.Sym = sym
	} else {
		ctx.SetInputs(t, n, 1, 2)
	}
	// RIP 相对地址的位移必须是指令最后四个字节，此时不折叠立即数
	if t.Sym == nil && val.Type.IsInteger() {
		if imm, ok := foldImm(ctx, val.ID, val.Type); ok {
			t.Tag = codegen.TileFoldedImm
			t.Imm = imm
			return
		}
	}
	ctx.SetInputs(t, n, 2, 3)
}

func (x *Target) selectCall(ctx *codegen.Context, t *codegen.Tile, n *ir.Node) {
	if sym := foldSymbol(ctx, n.Inputs[1]); sym != nil {
		t.Sym = sym
	} else {
		ctx.SetInputs(t, n, 1, 2)
	}

	args := n.Inputs[2:]
	locs := x.ABI.Assign(x.argTypes(ctx, n))
	stack := 0
	for k, loc := range locs {
		if loc.Reg >= 0 {
			ctx.AddInput(t, args[k], 2+k, codegen.Fixed(loc.Class, loc.Reg), false)
			continue
		}
		aux := ctx.NewAuxTile(t, opArgStore)
		aux.Type = ctx.Node(args[k]).Type
		aux.Aux = loc.Stack
		ctx.AddInput(aux, args[k], 2+k, codegen.Mask(loc.Class, 0), false)
		stack++
	}

	ctx.HasCalls = true
	if out := x.ABI.ShadowSpace + 8*stack; out > ctx.OutgoingArgs {
		ctx.OutgoingArgs = out
	}
}

func (x *Target) argTypes(ctx *codegen.Context, n *ir.Node) []ir.DataType {
	types := make([]ir.DataType, 0, len(n.Inputs)-2)
	for _, a := range n.Inputs[2:] {
		types = append(types, ctx.Node(a).Type)
	}
	return types
}

// ============================================================================
// 输入约束
// ============================================================================

// InputRule 节点第 i 个输入的寄存器约束
func (x *Target) InputRule(ctx *codegen.Context, t *codegen.Tile, n *ir.Node, i int) (codegen.RegMask, bool) {
	switch k := n.Kind; {
	case k == ir.KindUDiv || k == ir.KindSDiv || k == ir.KindUMod || k == ir.KindSMod:
		if i == 1 {
			return codegen.Fixed(codegen.ClassGPR, RAX), false
		}
		return codegen.Mask(codegen.ClassGPR, allGPRsNoRAXRDX), true

	case k.IsBinary():
		return anyReg(n.Type), true

	case k.IsCompare():
		// cmp r, r/m
		return gprAny, i == 2

	case k == ir.KindBranch:
		return gprAny, true

	case k == ir.KindEnd:
		v := ctx.Node(n.Inputs[i])
		return returnReg(v.Type, i-1), false

	case k == ir.KindLoad:
		return gprAny, false

	case k == ir.KindStore:
		if i == 1 {
			return gprAny, false
		}
		return anyReg(ctx.Node(n.Inputs[i]).Type), false

	case k == ir.KindCall:
		if i == 1 {
			return gprAny, true
		}
		loc := x.ABI.Assign(x.argTypes(ctx, n))[i-2]
		if loc.Reg < 0 {
			return codegen.Mask(loc.Class, 0), false
		}
		return codegen.Fixed(loc.Class, loc.Reg), false

	case k == ir.KindSyscall:
		if i == 1 {
			return codegen.Fixed(codegen.ClassGPR, RAX), false
		}
		if ctx.Node(n.Inputs[i]).Type.IsFloat() {
			codegen.Unimplemented("float syscall argument")
		}
		return codegen.Fixed(codegen.ClassGPR, Syscall.ParamGPRs[i-2]), false
	}
	return codegen.RegEmpty, false
}

// Clobbers 调用、除法和系统调用改写的寄存器
func (x *Target) Clobbers(ctx *codegen.Context, t *codegen.Tile) ([codegen.NumClasses]uint64, bool) {
	var regs [codegen.NumClasses]uint64
	if t.Op != 0 || t.Tag == codegen.TileSpillMove {
		return regs, false
	}
	n := ctx.Node(t.Node)
	if n == nil {
		return regs, false
	}
	switch n.Kind {
	case ir.KindCall:
		return x.ABI.CallerSaved, true
	case ir.KindUDiv, ir.KindSDiv, ir.KindUMod, ir.KindSMod:
		regs[codegen.ClassGPR] = regBits(RAX, RDX)
		return regs, true
	case ir.KindSyscall:
		regs[codegen.ClassGPR] = syscallClobbers
		return regs, true
	}
	return regs, false
}

// ============================================================================
// 栈帧
// ============================================================================

// Layout 计算栈帧
//
// 从高地址到低地址：返回地址、保存的 RBP（有帧时）、被调用者保存寄存器、
// 溢出槽、对齐填充、出参区（RSP 处）。
func (x *Target) Layout(ctx *codegen.Context) {
	ctx.SavedRegs = ctx.SavedRegs[:0]
	saved := ctx.UsedRegs[codegen.ClassGPR] & x.ABI.CalleeSaved[codegen.ClassGPR]
	for r := 0; r < NumGPRs; r++ {
		if saved&(1<<uint(r)) != 0 {
			ctx.SavedRegs = append(ctx.SavedRegs, r)
		}
	}
	ctx.StackUsage = alignUp(ctx.SpillBytes+ctx.OutgoingArgs+8*len(ctx.SavedRegs), 16)
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

// hasFrame 是否建立 RBP 帧；有调用时总是建立，保证调用点 RSP 16 字节对齐
func hasFrame(ctx *codegen.Context) bool {
	return (ctx.Opts.FramePointer && ctx.StackUsage > 0) || ctx.HasCalls
}

// allocSize 序言中 sub rsp 的大小
func allocSize(ctx *codegen.Context) int {
	return ctx.StackUsage - 8*len(ctx.SavedRegs)
}

// slot 溢出槽的地址：帧基址（被调用者保存区的下方）减去偏移
func slot(ctx *codegen.Context, offset int) operand {
	return memOp(RSP, int32(allocSize(ctx)-offset))
}

// incomingArg 第 j 个栈参数的地址
func (x *Target) incomingArg(ctx *codegen.Context, j int) operand {
	off := allocSize(ctx) + 8*len(ctx.SavedRegs) + 8 + x.ABI.ShadowSpace + 8*j
	if hasFrame(ctx) {
		off += 8
	}
	return memOp(RSP, int32(off))
}

// loc 存放处对应的操作数
func loc(ctx *codegen.Context, s codegen.Storage) operand {
	if s.Spill {
		return slot(ctx, s.Offset)
	}
	return regOp(s.Reg)
}

// ============================================================================
// 比较
// ============================================================================

func condCode(k ir.Kind) byte {
	switch k {
	case ir.KindCmpEq:
		return ccE
	case ir.KindCmpNe:
		return ccNE
	case ir.KindCmpSLt:
		return ccL
	case ir.KindCmpSLe:
		return ccLE
	case ir.KindCmpULt:
		return ccB
	case ir.KindCmpULe:
		return ccBE
	}
	codegen.Unimplemented("%s is not a comparison", k)
	return 0
}

// packCmp 把条件码和操作数宽度放进 Tile.Aux
func packCmp(cc byte, size int) int { return int(cc) | size<<8 }

func unpackCmp(aux int) (cc byte, size int) { return byte(aux & 0xFF), aux >> 8 }
