// asm.go - x86-64 指令编码
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段（这里不使用变址寄存器）
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段
//
// RIP 相对寻址的位移总是指令的最后四个字节，重定位按 target-(pos+4) 计算。

package x64

import (
	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
)

// ============================================================================
// 操作数
// ============================================================================

type opKind uint8

const (
	opReg opKind = iota
	opMem
	opRIP
)

// operand 寄存器或内存操作数
type operand struct {
	kind opKind
	reg  int // opReg
	base int // opMem
	disp int32
	sym  *ir.Symbol // opRIP
}

func regOp(r int) operand { return operand{kind: opReg, reg: r} }

func memOp(base int, disp int32) operand { return operand{kind: opMem, base: base, disp: disp} }

func ripOp(sym *ir.Symbol) operand { return operand{kind: opRIP, sym: sym} }

// 条件码（Jcc/SETcc 的低 4 位）
const (
	ccB  = 0x2
	ccAE = 0x3
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6
	ccA  = 0x7
	ccL  = 0xC
	ccGE = 0xD
	ccLE = 0xE
	ccG  = 0xF
)

// ALU 组的 /digit，同时是 op*8 形式操作码的基数
const (
	aluAdd = 0
	aluOr  = 1
	aluAnd = 4
	aluSub = 5
	aluXor = 6
	aluCmp = 7
)

// ============================================================================
// 编码器
// ============================================================================

// asm 在代码缓冲上写 x86-64 指令
type asm struct {
	e *codegen.Emitter
}

// enc 一条 ModR/M 形式的指令
type enc struct {
	pre    byte // 强制前缀 F2/F3，0 表示没有
	size   int  // 操作数字节数：1/2/4/8
	opc    []byte
	r      int  // ModR/M.reg：寄存器或 /digit
	rIsReg bool // r 是字节寄存器时需要考虑 REX
	byteRM bool // r/m 是字节寄存器
	rm     operand
}

// rex 构造 REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

func (a asm) encode(p enc) {
	e := a.e
	if p.size == 2 {
		e.Emit1(0x66)
	}
	if p.pre != 0 {
		e.Emit1(p.pre)
	}

	w := p.size == 8
	r := p.r >= 8
	b := false
	switch p.rm.kind {
	case opReg:
		b = p.rm.reg >= 8
	case opMem:
		b = p.rm.base >= 8
	}
	need := w || r || b
	if p.size == 1 || p.byteRM {
		// spl/bpl/sil/dil 只能通过 REX 访问
		if p.rIsReg && p.size == 1 && p.r >= 4 && p.r < 8 {
			need = true
		}
		if p.rm.kind == opReg && p.rm.reg >= 4 && p.rm.reg < 8 {
			need = true
		}
	}
	if need {
		e.Emit1(rex(w, r, false, b))
	}
	e.Emit(p.opc...)
	a.modrmTail(byte(p.r), p.rm)
}

// modrmTail 写 ModR/M、SIB 和位移
func (a asm) modrmTail(reg byte, rm operand) {
	e := a.e
	switch rm.kind {
	case opReg:
		e.Emit1(modrm(3, reg, byte(rm.reg)))
	case opRIP:
		e.Emit1(modrm(0, reg, 5))
		e.Reloc(rm.sym, codegen.PatchRIP)
	case opMem:
		low := byte(rm.base) & 7
		// RSP/R12 作为基址需要 SIB；RBP/R13 没有 mod=00 形式
		needSIB := low == 4
		switch {
		case rm.disp == 0 && low != 5:
			if needSIB {
				e.Emit(modrm(0, reg, 4), 0x24)
			} else {
				e.Emit1(modrm(0, reg, low))
			}
		case rm.disp >= -128 && rm.disp <= 127:
			if needSIB {
				e.Emit(modrm(1, reg, 4), 0x24)
			} else {
				e.Emit1(modrm(1, reg, low))
			}
			e.Emit1(byte(rm.disp))
		default:
			if needSIB {
				e.Emit(modrm(2, reg, 4), 0x24)
			} else {
				e.Emit1(modrm(2, reg, low))
			}
			e.Emit4(uint32(rm.disp))
		}
	}
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func fitsInt32(v int64) bool { return v >= -1<<31 && v <= 1<<31-1 }

// aluSize 小于 32 位的整数运算在 32 位寄存器中完成
func aluSize(size int) int {
	if size < 4 {
		return 4
	}
	return size
}

// ============================================================================
// 数据移动
// ============================================================================

// movRR mov dst, src
func (a asm) movRR(size, dst, src int) {
	a.encode(enc{size: aluSize(size), opc: []byte{0x89}, r: src, rIsReg: true, rm: regOp(dst)})
}

// load 从内存读取 size 字节，窄整数零扩展到 32 位
func (a asm) load(size, dst int, src operand) {
	switch size {
	case 1:
		a.encode(enc{size: 4, opc: []byte{0x0F, 0xB6}, r: dst, rIsReg: true, byteRM: true, rm: src})
	case 2:
		a.encode(enc{size: 4, opc: []byte{0x0F, 0xB7}, r: dst, rIsReg: true, rm: src})
	default:
		a.encode(enc{size: size, opc: []byte{0x8B}, r: dst, rIsReg: true, rm: src})
	}
}

// store 向内存写入 size 字节
func (a asm) store(size int, dst operand, src int) {
	opc := byte(0x89)
	if size == 1 {
		opc = 0x88
	}
	a.encode(enc{size: size, opc: []byte{opc}, r: src, rIsReg: true, rm: dst})
}

// storeImm mov [dst], imm
func (a asm) storeImm(size int, dst operand, imm int64) {
	switch size {
	case 1:
		a.encode(enc{size: 1, opc: []byte{0xC6}, r: 0, rm: dst})
		a.e.Emit1(byte(imm))
	case 2:
		a.encode(enc{size: 2, opc: []byte{0xC7}, r: 0, rm: dst})
		a.e.Emit2(uint16(imm))
	default:
		a.encode(enc{size: size, opc: []byte{0xC7}, r: 0, rm: dst})
		a.e.Emit4(uint32(imm))
	}
}

// movRI 加载常量，选最短的编码
func (a asm) movRI(size, dst int, imm int64) {
	e := a.e
	switch {
	case size == 8 && !fitsInt32(imm) && (imm < 0 || imm > 0xFFFFFFFF):
		e.Emit(rex(true, false, false, dst >= 8), 0xB8+byte(dst&7))
		e.Emit8(uint64(imm))
	case size == 8 && imm < 0:
		a.encode(enc{size: 8, opc: []byte{0xC7}, r: 0, rm: regOp(dst)})
		e.Emit4(uint32(imm))
	default:
		// 32 位写入会清零高位
		if dst >= 8 {
			e.Emit1(rex(false, false, false, true))
		}
		e.Emit1(0xB8 + byte(dst&7))
		e.Emit4(uint32(imm))
	}
}

// leaRIP lea dst, [rip+sym]
func (a asm) leaRIP(dst int, sym *ir.Symbol) {
	a.encode(enc{size: 8, opc: []byte{0x8D}, r: dst, rIsReg: true, rm: ripOp(sym)})
}

// ============================================================================
// 算术
// ============================================================================

// alu op dst, src（dst 为寄存器，src 可以是内存）
func (a asm) alu(op byte, size, dst int, src operand) {
	a.encode(enc{size: aluSize(size), opc: []byte{op*8 + 3}, r: dst, rIsReg: true, rm: src})
}

// aluImm op dst, imm
func (a asm) aluImm(op byte, size int, dst operand, imm int64) {
	if size == 1 {
		a.encode(enc{size: 1, opc: []byte{0x80}, r: int(op), rm: dst})
		a.e.Emit1(byte(imm))
		return
	}
	if fitsInt8(imm) {
		a.encode(enc{size: size, opc: []byte{0x83}, r: int(op), rm: dst})
		a.e.Emit1(byte(imm))
		return
	}
	a.encode(enc{size: size, opc: []byte{0x81}, r: int(op), rm: dst})
	if size == 2 {
		a.e.Emit2(uint16(imm))
	} else {
		a.e.Emit4(uint32(imm))
	}
}

// cmp 精确宽度比较：cmp lhs, rhs
func (a asm) cmp(size, lhs int, rhs operand) {
	opc := byte(0x3B)
	if size == 1 {
		opc = 0x3A
	}
	a.encode(enc{size: size, opc: []byte{opc}, r: lhs, rIsReg: true, byteRM: size == 1, rm: rhs})
}

// imul dst, src
func (a asm) imul(size, dst int, src operand) {
	a.encode(enc{size: aluSize(size), opc: []byte{0x0F, 0xAF}, r: dst, rIsReg: true, rm: src})
}

// imulImm dst, src, imm
func (a asm) imulImm(size, dst int, src operand, imm int64) {
	if fitsInt8(imm) {
		a.encode(enc{size: aluSize(size), opc: []byte{0x6B}, r: dst, rIsReg: true, rm: src})
		a.e.Emit1(byte(imm))
		return
	}
	a.encode(enc{size: aluSize(size), opc: []byte{0x69}, r: dst, rIsReg: true, rm: src})
	a.e.Emit4(uint32(imm))
}

// signExtendAcc cdq / cqo
func (a asm) signExtendAcc(size int) {
	if size == 8 {
		a.e.Emit1(rex(true, false, false, false))
	}
	a.e.Emit1(0x99)
}

// div 无符号（/6）或有符号（/7）除法
func (a asm) div(signed bool, size int, src operand) {
	digit := 6
	if signed {
		digit = 7
	}
	a.encode(enc{size: size, opc: []byte{0xF7}, r: digit, rm: src})
}

// setcc 按条件写入字节寄存器，再零扩展到 32 位
func (a asm) setcc(cc byte, dst int) {
	a.encode(enc{size: 1, opc: []byte{0x0F, 0x90 + cc}, r: 0, rm: regOp(dst)})
	a.encode(enc{size: 4, opc: []byte{0x0F, 0xB6}, r: dst, rIsReg: true, byteRM: true, rm: regOp(dst)})
}

// ============================================================================
// SSE
// ============================================================================

func ssePrefix(t ir.DataType) byte {
	if t.Bits == 64 {
		return 0xF2
	}
	return 0xF3
}

// sseMov movss/movsd dst, src
func (a asm) sseMov(t ir.DataType, dst int, src operand) {
	a.encode(enc{pre: ssePrefix(t), size: 4, opc: []byte{0x0F, 0x10}, r: dst, rm: src})
}

// sseStore movss/movsd [dst], src
func (a asm) sseStore(t ir.DataType, dst operand, src int) {
	a.encode(enc{pre: ssePrefix(t), size: 4, opc: []byte{0x0F, 0x11}, r: src, rm: dst})
}

// sseOp addss/mulss/subss/divss 及其双精度形式
func (a asm) sseOp(op byte, t ir.DataType, dst int, src operand) {
	a.encode(enc{pre: ssePrefix(t), size: 4, opc: []byte{0x0F, op}, r: dst, rm: src})
}

// ============================================================================
// 控制转移与栈
// ============================================================================

func (a asm) push(r int) {
	if r >= 8 {
		a.e.Emit1(rex(false, false, false, true))
	}
	a.e.Emit1(0x50 + byte(r&7))
}

func (a asm) pop(r int) {
	if r >= 8 {
		a.e.Emit1(rex(false, false, false, true))
	}
	a.e.Emit1(0x58 + byte(r&7))
}

// callSym call rel32，目标由补丁回填
func (a asm) callSym(sym *ir.Symbol) {
	a.e.Emit1(0xE8)
	a.e.Reloc(sym, codegen.PatchCall)
}

// callRM call r/m64
func (a asm) callRM(target operand) {
	a.encode(enc{size: 4, opc: []byte{0xFF}, r: 2, rm: target})
}

// jmp jmp rel32 到块 b
func (a asm) jmp(b int) {
	a.e.Emit1(0xE9)
	a.e.Rel32Label(b)
}

// jcc 条件跳转到块 b
func (a asm) jcc(cc byte, b int) {
	a.e.Emit(0x0F, 0x80+cc)
	a.e.Rel32Label(b)
}

func (a asm) ret() { a.e.Emit1(0xC3) }

func (a asm) syscall() { a.e.Emit(0x0F, 0x05) }
