// emit.go - 已分配瓦片的机器码发射
//
// 发射时所有输入都已经解析到寄存器或栈槽；需要固定寄存器的输入由分配器
// 插入的复制瓦片保证，这里不再做任何寄存器选择。

package x64

import (
	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
)

// EmitTile 发射一个瓦片
func (x *Target) EmitTile(ctx *codegen.Context, e *codegen.Emitter, t *codegen.Tile) {
	a := asm{e: e}

	if t.Tag == codegen.TileSpillMove {
		emitMove(ctx, a, t)
		return
	}
	if t.Op == opArgStore {
		out := memOp(RSP, int32(x.ABI.ShadowSpace+8*t.Aux))
		if t.Type.IsFloat() {
			a.sseStore(t.Type, out, t.Ins[0].Loc.Reg)
		} else {
			a.store(8, out, t.Ins[0].Loc.Reg)
		}
		return
	}

	n := ctx.Node(t.Node)
	switch k := n.Kind; {
	case k == ir.KindStart:
		x.prologue(ctx, a)

	case k == ir.KindRegion:

	case k == ir.KindProj:
		if t.Aux > 0 {
			src := x.incomingArg(ctx, t.Aux-1)
			if t.Type.IsFloat() {
				a.sseMov(t.Type, t.Dst.Reg, src)
			} else {
				a.load(8, t.Dst.Reg, src)
			}
		}

	case k == ir.KindIntConst:
		a.movRI(t.Type.Size(), t.Dst.Reg, t.Imm)

	case k == ir.KindSymbol:
		a.leaRIP(t.Dst.Reg, t.Sym)

	case k == ir.KindUDiv || k == ir.KindSDiv || k == ir.KindUMod || k == ir.KindSMod:
		signed := k == ir.KindSDiv || k == ir.KindSMod
		size := t.Type.Size()
		if signed {
			a.signExtendAcc(size)
		} else {
			a.alu(aluXor, 4, RDX, regOp(RDX))
		}
		a.div(signed, size, loc(ctx, input(t, 2).Loc))

	case k.IsBinary() && t.Type.IsFloat():
		dst := t.Dst.Reg
		if lhs := input(t, 1).Loc; !lhs.Same(t.Dst) {
			a.sseMov(t.Type, dst, loc(ctx, lhs))
		}
		a.sseOp(sseOpcode(k), t.Type, dst, loc(ctx, input(t, 2).Loc))

	case k.IsBinary():
		emitIntBinary(ctx, a, t, k)

	case k.IsCompare():
		cc, size := unpackCmp(t.Aux)
		emitCompare(ctx, a, t, size)
		a.setcc(cc, t.Dst.Reg)

	case k == ir.KindBranch:
		cc, size := unpackCmp(t.Aux)
		emitCompare(ctx, a, t, size)
		yes, no := ctx.BlockOf(n.Targets[0]), ctx.BlockOf(n.Targets[1])
		next := ctx.NextBlock(t.Block)
		switch {
		case yes == next:
			a.jcc(cc^1, no)
		case no == next:
			a.jcc(cc, yes)
		default:
			a.jcc(cc, yes)
			a.jmp(no)
		}

	case k == ir.KindGoto:
		if to := ctx.BlockOf(n.Targets[0]); to != ctx.NextBlock(t.Block) {
			a.jmp(to)
		}

	case k == ir.KindLoad:
		src := x.address(ctx, t)
		if t.Type.IsFloat() {
			a.sseMov(t.Type, t.Dst.Reg, src)
		} else {
			a.load(t.Type.Size(), t.Dst.Reg, src)
		}

	case k == ir.KindStore:
		dst := x.address(ctx, t)
		switch {
		case t.Tag == codegen.TileFoldedImm:
			a.storeImm(t.Type.Size(), dst, t.Imm)
		case t.Type.IsFloat():
			a.sseStore(t.Type, dst, input(t, 2).Loc.Reg)
		default:
			a.store(t.Type.Size(), dst, input(t, 2).Loc.Reg)
		}

	case k == ir.KindCall:
		if t.Sym != nil {
			a.callSym(t.Sym)
		} else {
			a.callRM(loc(ctx, input(t, 1).Loc))
		}

	case k == ir.KindSyscall:
		a.syscall()

	case k == ir.KindEnd:
		x.epilogue(ctx, a)

	default:
		codegen.Unimplemented("no x64 emitter for %s", k)
	}
}

// input 按节点输入下标找输入槽
func input(t *codegen.Tile, index int) *codegen.Input {
	for i := range t.Ins {
		if t.Ins[i].Index == index {
			return &t.Ins[i]
		}
	}
	codegen.Unimplemented("%s has no input %d", t, index)
	return nil
}

// address 访存瓦片的地址操作数
func (x *Target) address(ctx *codegen.Context, t *codegen.Tile) operand {
	if t.Sym != nil {
		return ripOp(t.Sym)
	}
	return memOp(input(t, 1).Loc.Reg, 0)
}

func sseOpcode(k ir.Kind) byte {
	switch k {
	case ir.KindFAdd:
		return 0x58
	case ir.KindFMul:
		return 0x59
	case ir.KindFSub:
		return 0x5C
	}
	return 0x5E
}

func aluOpcode(k ir.Kind) byte {
	switch k {
	case ir.KindAdd:
		return aluAdd
	case ir.KindSub:
		return aluSub
	case ir.KindAnd:
		return aluAnd
	case ir.KindOr:
		return aluOr
	}
	return aluXor
}

func emitIntBinary(ctx *codegen.Context, a asm, t *codegen.Tile, k ir.Kind) {
	dst := t.Dst.Reg
	size := t.Type.Size()
	lhs := input(t, 1).Loc

	if k == ir.KindMul && t.Tag == codegen.TileFoldedImm {
		a.imulImm(size, dst, loc(ctx, lhs), t.Imm)
		return
	}

	if !lhs.Same(t.Dst) {
		if lhs.Spill {
			a.load(aluSize(size), dst, loc(ctx, lhs))
		} else {
			a.movRR(size, dst, lhs.Reg)
		}
	}

	switch {
	case k == ir.KindMul:
		a.imul(size, dst, loc(ctx, input(t, 2).Loc))
	case t.Tag == codegen.TileFoldedImm:
		a.aluImm(aluOpcode(k), aluSize(size), regOp(dst), t.Imm)
	default:
		a.alu(aluOpcode(k), size, dst, loc(ctx, input(t, 2).Loc))
	}
}

// emitCompare cmp lhs, rhs 或 cmp lhs, imm
func emitCompare(ctx *codegen.Context, a asm, t *codegen.Tile, size int) {
	lhs := loc(ctx, t.Ins[0].Loc)
	if t.Tag == codegen.TileFoldedImm {
		a.aluImm(aluCmp, size, lhs, t.Imm)
		return
	}
	a.cmp(size, lhs.reg, loc(ctx, t.Ins[1].Loc))
}

// emitMove 寄存器/栈之间的复制、重载和溢出写入
func emitMove(ctx *codegen.Context, a asm, t *codegen.Tile) {
	src, dst := t.Ins[0].Loc, t.Dst
	if src.Same(dst) {
		return
	}
	if src.Spill && dst.Spill {
		codegen.Unimplemented("memory to memory move in %s", t)
	}

	if src.Class == codegen.ClassXMM {
		if dst.Spill {
			a.sseStore(t.Type, loc(ctx, dst), src.Reg)
		} else {
			a.sseMov(t.Type, dst.Reg, loc(ctx, src))
		}
		return
	}

	// 32 位以内的整数在栈槽中占 4 字节
	size := aluSize(t.Type.Size())
	switch {
	case dst.Spill:
		a.store(size, loc(ctx, dst), src.Reg)
	case src.Spill:
		a.load(size, dst.Reg, loc(ctx, src))
	default:
		a.movRR(size, dst.Reg, src.Reg)
	}
}

// ============================================================================
// 序言与尾声
// ============================================================================

// prologue 建立栈帧
//
//	push rbp; mov rbp, rsp       有帧时
//	push <callee-saved>...
//	sub rsp, N                   或 mov eax, N; call __chkstk; sub rsp, rax
func (x *Target) prologue(ctx *codegen.Context, a asm) {
	e := a.e
	start := e.Len()
	mark := func(op codegen.UnwindOp, reg, size int) {
		ctx.Unwinds = append(ctx.Unwinds, codegen.UnwindEvent{Op: op, Offset: e.Len() - start, Reg: reg, Size: size})
	}

	if hasFrame(ctx) {
		a.push(RBP)
		mark(codegen.UnwindPushReg, RBP, 0)
		a.movRR(8, RBP, RSP)
		mark(codegen.UnwindSetFrame, RBP, 0)
	}
	for _, r := range ctx.SavedRegs {
		a.push(r)
		mark(codegen.UnwindPushReg, r, 0)
	}

	if n := allocSize(ctx); n > 0 {
		if n >= x.ABI.ChkstkLimit && ctx.Opts.Chkstk != nil {
			a.movRI(4, RAX, int64(n))
			a.callSym(ctx.Opts.Chkstk)
			a.encode(enc{size: 8, opc: []byte{0x2B}, r: RSP, rIsReg: true, rm: regOp(RAX)})
		} else {
			a.aluImm(aluSub, 8, regOp(RSP), int64(n))
		}
		mark(codegen.UnwindAlloc, -1, n)
	}
	ctx.PrologueLength = e.Len() - start
}

// epilogue 撤销栈帧并返回
func (x *Target) epilogue(ctx *codegen.Context, a asm) {
	if n := allocSize(ctx); n > 0 {
		a.aluImm(aluAdd, 8, regOp(RSP), int64(n))
	}
	for i := len(ctx.SavedRegs) - 1; i >= 0; i-- {
		a.pop(ctx.SavedRegs[i])
	}
	if hasFrame(ctx) {
		a.pop(RBP)
	}
	a.ret()
}
