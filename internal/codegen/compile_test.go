package codegen_test

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
	"github.com/tangzhangming/tb/internal/x64"
)

// snapshot 分配完成后的状态副本
type snapshot struct {
	intervals  []codegen.LiveInterval
	nodes      []ir.NodeID // 每个区间定义瓦片对应的节点
	spillBytes int
	blocks     []codegen.Block
	clobbers   []clobber
}

type clobber struct {
	pos  int
	regs [codegen.NumClasses]uint64
}

func compile(t *testing.T, abi *x64.ABI, g *ir.Graph, opts codegen.Options) (*codegen.FunctionOutput, *snapshot) {
	t.Helper()
	snap := &snapshot{}
	opts.Inspect = func(ctx *codegen.Context) {
		for i := 0; i < ctx.NumIntervals(); i++ {
			li := ctx.Interval(codegen.IntervalID(i))
			snap.intervals = append(snap.intervals, *li)
			snap.nodes = append(snap.nodes, ctx.Tile(li.Tile).Node)
		}
		snap.spillBytes = ctx.SpillBytes
		snap.blocks = append(snap.blocks, ctx.Blocks...)
		for _, b := range ctx.Blocks {
			for _, id := range b.Order {
				tile := ctx.Tile(id)
				if regs, ok := ctx.Target.Clobbers(ctx, tile); ok {
					snap.clobbers = append(snap.clobbers, clobber{pos: tile.Pos, regs: regs})
				}
			}
		}
	}
	out, err := codegen.CompileFunction(x64.New(abi), g, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("CompileFunction(%s): %v", g.Name, err)
	}
	return out, snap
}

func finish(t *testing.T, b *ir.Builder) *ir.Graph {
	t.Helper()
	g, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return g
}

// instructions 去掉标签和源码行后的指令文本
func instructions(out *codegen.FunctionOutput) []string {
	var insts []string
	for _, l := range x64.Disassemble(out) {
		if strings.HasPrefix(l.Text, "  ") && !strings.HasPrefix(l.Text, "  //") {
			insts = append(insts, strings.TrimSpace(l.Text))
		}
	}
	return insts
}

func mnemonics(out *codegen.FunctionOutput) []string {
	var ops []string
	for _, inst := range instructions(out) {
		ops = append(ops, strings.Fields(inst)[0])
	}
	return ops
}

func contains(insts []string, want string) bool {
	for _, s := range insts {
		if s == want {
			return true
		}
	}
	return false
}

func regEnd(li *codegen.LiveInterval) int {
	if li.IsSpill {
		return li.RegEnd
	}
	return li.End
}

// checkAllocation 检查分配结果的基本性质
func checkAllocation(t *testing.T, snap *snapshot) {
	t.Helper()
	ivs := snap.intervals

	for i := range ivs {
		a := &ivs[i]
		if a.Reg < 0 {
			t.Errorf("interval %d has no register", a.ID)
			continue
		}
		for j := i + 1; j < len(ivs); j++ {
			b := &ivs[j]
			if a.Mask.Class != b.Mask.Class || a.Reg != b.Reg {
				continue
			}
			if a.Start < regEnd(b) && b.Start < regEnd(a) {
				t.Errorf("intervals %d [%d,%d) and %d [%d,%d) share %s%d",
					a.ID, a.Start, regEnd(a), b.ID, b.Start, regEnd(b), a.Mask.Class, a.Reg)
			}
		}
	}

	seen := make(map[int]codegen.IntervalID)
	for i := range ivs {
		li := &ivs[i]
		if !li.IsSpill {
			continue
		}
		align := li.Type.Size()
		if align < 4 {
			align = 4
		}
		if li.SpillOffset%align != 0 || li.SpillOffset > snap.spillBytes || li.SpillOffset <= 0 {
			t.Errorf("interval %d spill offset %d (align %d, area %d)", li.ID, li.SpillOffset, align, snap.spillBytes)
		}
		if prev, ok := seen[li.SpillOffset]; ok {
			t.Errorf("intervals %d and %d share spill slot %d", prev, li.ID, li.SpillOffset)
		}
		seen[li.SpillOffset] = li.ID
		if li.RegEnd <= li.Start {
			t.Errorf("interval %d spilled before its definition was stored", li.ID)
		}
	}

	for _, c := range snap.clobbers {
		for i := range ivs {
			li := &ivs[i]
			if li.Start < c.pos && li.End > c.pos && regEnd(li) > c.pos && c.regs[li.Mask.Class]&(1<<uint(li.Reg)) != 0 {
				t.Errorf("interval %d keeps clobbered %s%d across position %d", li.ID, li.Mask.Class, li.Reg, c.pos)
			}
		}
	}
}

// ============================================================================
// 用例
// ============================================================================

// TestCompileAdd int add(int a, int b) 在 System V 下只需要三条指令
func TestCompileAdd(t *testing.T) {
	b := ir.NewBuilder("add", nil, []ir.DataType{ir.I32, ir.I32}, ir.I32)
	b.Return(b.Add(b.Param(0), b.Param(1)))
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})

	want := []string{"mov eax, edi", "add eax, esi", "ret"}
	got := instructions(out)
	if strings.Join(got, "; ") != strings.Join(want, "; ") {
		t.Errorf("instructions = %q, want %q", got, want)
	}
	if ops := mnemonics(out); strings.Join(ops, " ") != "mov add ret" {
		t.Errorf("mnemonics = %v", ops)
	}
	if out.StackUsage != 0 || out.PrologueLength != 0 || len(out.Patches) != 0 {
		t.Errorf("unexpected frame: usage=%d prologue=%d patches=%d", out.StackUsage, out.PrologueLength, len(out.Patches))
	}
	checkAllocation(t, snap)
}

// TestImmediateFolding 能放进 imm32 的常量折叠进指令
func TestImmediateFolding(t *testing.T) {
	b := ir.NewBuilder("inc", nil, []ir.DataType{ir.I32}, ir.I32)
	b.Return(b.Add(b.Param(0), b.Int(ir.I32, 5)))
	out, _ := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	if insts := instructions(out); !contains(insts, "add eax, 5") {
		t.Errorf("expected folded immediate, got %q", insts)
	}

	// 64 位常量超出 imm32 时必须先物化
	b = ir.NewBuilder("big", nil, []ir.DataType{ir.I64}, ir.I64)
	b.Return(b.Add(b.Param(0), b.Int(ir.I64, 1<<40)))
	out, _ = compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	insts := instructions(out)
	found := false
	for _, s := range insts {
		if strings.HasPrefix(s, "mov ") && strings.HasSuffix(s, ", 1099511627776") {
			found = true
		}
		if strings.HasPrefix(s, "add") && strings.HasSuffix(s, "1099511627776") {
			t.Errorf("64-bit immediate folded into %q", s)
		}
	}
	if !found {
		t.Errorf("expected mov of 64-bit constant, got %q", insts)
	}

	// 负数在 64 位运算中按符号扩展折叠
	b = ir.NewBuilder("dec", nil, []ir.DataType{ir.I64}, ir.I64)
	b.Return(b.Sub(b.Param(0), b.Int(ir.I64, -1)))
	out, _ = compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	if insts := instructions(out); !contains(insts, "sub rax, -1") {
		t.Errorf("expected sign-extended imm8, got %q", insts)
	}
}

// TestRegisterPressure 活跃值多于寄存器时溢出
func TestRegisterPressure(t *testing.T) {
	const n = 20
	b := ir.NewBuilder("pressure", nil, []ir.DataType{ir.I64}, ir.I64)
	vals := make([]ir.NodeID, n)
	for i := range vals {
		vals[i] = b.Mul(b.Param(0), b.Int(ir.I64, int64(i+2)))
	}
	sum := vals[n-1]
	for i := n - 2; i >= 0; i-- {
		sum = b.Add(sum, vals[i])
	}
	b.Return(sum)
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})

	if out.SpillMoves == 0 || snap.spillBytes == 0 {
		t.Fatalf("expected spills, got moves=%d bytes=%d", out.SpillMoves, snap.spillBytes)
	}
	if out.StackUsage%16 != 0 || out.StackUsage < snap.spillBytes {
		t.Errorf("stack usage %d does not cover %d spill bytes", out.StackUsage, snap.spillBytes)
	}
	for _, l := range x64.Disassemble(out) {
		if l.Text == "  ERROR" {
			t.Fatalf("undecodable instruction at %#x", l.Offset)
		}
	}
	checkAllocation(t, snap)
}

// TestCallClobbers 跨调用的值不能留在调用者保存寄存器中
func TestCallClobbers(t *testing.T) {
	syms := ir.NewSymbolTable()
	g := syms.Define("g", ir.SymbolExternal)

	b := ir.NewBuilder("f", nil, []ir.DataType{ir.I32}, ir.I32)
	r := b.Call(b.Symbol(g), []ir.DataType{ir.I32}, b.Param(0))
	b.Return(b.Add(r[0], b.Param(0)))
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})

	insts := instructions(out)
	if !contains(insts, "call g") || !contains(insts, "push rbp") {
		t.Errorf("instructions = %q", insts)
	}
	if len(out.Patches) != 1 || out.Patches[0].Kind != codegen.PatchCall || out.Patches[0].Target != g {
		t.Fatalf("patches = %+v", out.Patches)
	}
	if p := out.Patches[0].Offset; out.Code[p-1] != 0xE8 {
		t.Errorf("call patch at %d does not follow E8", p)
	}
	if out.StackUsage%16 != 0 {
		t.Errorf("stack usage %d is not 16-byte aligned", out.StackUsage)
	}
	checkAllocation(t, snap)
}

// TestDivision 除法使用 RAX/RDX
func TestDivision(t *testing.T) {
	b := ir.NewBuilder("sdiv", nil, []ir.DataType{ir.I64, ir.I64}, ir.I64)
	b.Return(b.Binary(ir.KindSDiv, b.Param(0), b.Param(1)))
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	insts := instructions(out)
	if !contains(insts, "cqo") || !contains(insts, "idiv rsi") {
		t.Errorf("sdiv = %q", insts)
	}
	checkAllocation(t, snap)

	b = ir.NewBuilder("umod", nil, []ir.DataType{ir.I32, ir.I32}, ir.I32)
	b.Return(b.Binary(ir.KindUMod, b.Param(1), b.Param(0)))
	out, snap = compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	insts = instructions(out)
	if !contains(insts, "xor edx, edx") || !contains(insts, "div edi") {
		t.Errorf("umod = %q", insts)
	}
	checkAllocation(t, snap)
}

// TestNarrowDivisionUnimplemented 8 位除法没有选择规则
func TestNarrowDivisionUnimplemented(t *testing.T) {
	b := ir.NewBuilder("div8", nil, []ir.DataType{ir.I8, ir.I8}, ir.I8)
	b.Return(b.Binary(ir.KindUDiv, b.Param(0), b.Param(1)))
	_, err := codegen.CompileFunction(x64.New(x64.SystemV), finish(t, b), codegen.Options{}, zaptest.NewLogger(t))

	var f *codegen.Fault
	if !errors.As(err, &f) || f.Kind != codegen.FaultUnimplemented || f.Func != "div8" {
		t.Fatalf("err = %v", err)
	}
}

// TestFloatConstUnimplemented 浮点常量不支持
func TestFloatConstUnimplemented(t *testing.T) {
	b := ir.NewBuilder("fc", nil, []ir.DataType{ir.F64}, ir.F64)
	b.Return(b.Binary(ir.KindFAdd, b.Param(0), b.Float(ir.F64, 1.5)))
	_, err := codegen.CompileFunction(x64.New(x64.SystemV), finish(t, b), codegen.Options{}, nil)

	var f *codegen.Fault
	if !errors.As(err, &f) || f.Kind != codegen.FaultUnimplemented {
		t.Fatalf("err = %v", err)
	}
}

// TestFloatArithmetic 浮点运算使用 SSE
func TestFloatArithmetic(t *testing.T) {
	b := ir.NewBuilder("fmul", nil, []ir.DataType{ir.F64, ir.F64}, ir.F64)
	b.Return(b.Binary(ir.KindFMul, b.Param(0), b.Param(1)))
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	insts := instructions(out)
	if !contains(insts, "mulsd xmm0, xmm1") || !contains(insts, "ret") {
		t.Errorf("fmul = %q", insts)
	}
	checkAllocation(t, snap)
}

// TestLoop 回边上的值在整个循环中保持活跃
func TestLoop(t *testing.T) {
	b := ir.NewBuilder("count", nil, []ir.DataType{ir.I64, ir.Ptr}, ir.I64)
	n, p := b.Param(0), b.Param(1)
	loop, body, exit := b.Region(), b.Region(), b.Region()
	b.Goto(loop)

	b.SetBlock(loop)
	b.SetLoc("count.c", 3)
	i := b.Load(ir.I64, p)
	b.Branch(b.Compare(ir.KindCmpSLt, i, n), body, exit)

	b.SetBlock(body)
	b.SetLoc("count.c", 4)
	j := b.Load(ir.I64, p)
	b.Store(p, b.Add(j, b.Int(ir.I64, 1)))
	b.Goto(loop)

	b.SetBlock(exit)
	b.Return(n)

	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	if len(out.Labels) != 4 {
		t.Fatalf("labels = %v", out.Labels)
	}
	checkAllocation(t, snap)

	// 参数 n 必须活到回边之后
	var jump int
	for _, blk := range snap.blocks {
		for _, s := range blk.Succs {
			if s <= blk.Index {
				jump = blk.Last
			}
		}
	}
	if jump == 0 {
		t.Fatal("no back edge found")
	}
	found := false
	for i, node := range snap.nodes {
		if node != n {
			continue
		}
		found = true
		if li := snap.intervals[i]; li.End <= jump {
			t.Errorf("loop-carried interval ends at %d, back edge at %d", li.End, jump)
		}
	}
	if !found {
		t.Error("no interval for the loop-carried parameter")
	}

	text := x64.FormatTrace(x64.Disassemble(out))
	for _, want := range []string{".bb1:", "jl .bb3", "jmp .bb1", "// count.c : line 3"} {
		if !strings.Contains(text, want) {
			t.Errorf("trace missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "ERROR") {
		t.Errorf("trace has undecodable bytes:\n%s", text)
	}
}

// TestStackParams 第七个整数参数起从栈上读取
func TestStackParams(t *testing.T) {
	params := make([]ir.DataType, 8)
	for i := range params {
		params[i] = ir.I64
	}
	b := ir.NewBuilder("p7", nil, params, ir.I64)
	b.Return(b.Param(7))
	out, _ := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	if insts := instructions(out); !contains(insts, "mov rax, qword [rsp+16]") {
		t.Errorf("p7 = %q", insts)
	}
}

// TestWin64Unwind 有调用的 Win64 函数生成 UNWIND_INFO
func TestWin64Unwind(t *testing.T) {
	syms := ir.NewSymbolTable()
	g := syms.Define("g", ir.SymbolExternal)
	b := ir.NewBuilder("f", nil, nil)
	b.Call(b.Symbol(g), nil)
	b.Return()

	out, _ := compile(t, x64.Win64, finish(t, b), codegen.Options{EmitUnwind: true})
	if out.StackUsage != 32 || out.PrologueLength != 8 {
		t.Fatalf("usage=%d prologue=%d", out.StackUsage, out.PrologueLength)
	}
	want := []byte{0x01, 8, 3, 5, 8, 0x32, 4, 0x03, 1, 0x50, 0, 0}
	if string(out.Unwind) != string(want) {
		t.Errorf("unwind = % x, want % x", out.Unwind, want)
	}
}

// TestChkstk 帧超过 4096 字节时调用栈探测函数
func TestChkstk(t *testing.T) {
	syms := ir.NewSymbolTable()
	callee := syms.Define("many", ir.SymbolExternal)
	chkstk := syms.Define("__chkstk", ir.SymbolExternal)

	b := ir.NewBuilder("big_frame", nil, nil)
	zero := b.Int(ir.I64, 0)
	args := make([]ir.NodeID, 520)
	for i := range args {
		args[i] = zero
	}
	b.Call(b.Symbol(callee), nil, args...)
	b.Return()

	out, _ := compile(t, x64.Win64, finish(t, b), codegen.Options{Chkstk: chkstk})
	insts := instructions(out)
	for _, want := range []string{"call __chkstk", "sub rsp, rax", "call many"} {
		if !contains(insts, want) {
			t.Errorf("missing %q among %d instructions", want, len(insts))
		}
	}
	if len(out.Patches) != 2 {
		t.Errorf("patches = %d, want 2", len(out.Patches))
	}
}

// TestSyscall 系统调用号在 RAX，参数按系统调用约定
func TestSyscall(t *testing.T) {
	b := ir.NewBuilder("exit", nil, []ir.DataType{ir.I64}, ir.I64)
	b.Return(b.Syscall(b.Int(ir.I64, 60), b.Param(0)))
	out, snap := compile(t, x64.SystemV, finish(t, b), codegen.Options{})
	insts := instructions(out)
	if !contains(insts, "mov eax, 60") || !contains(insts, "syscall") {
		t.Errorf("syscall = %q", insts)
	}
	checkAllocation(t, snap)
}

// TestDeterministic 相同输入产生相同字节
func TestDeterministic(t *testing.T) {
	build := func() *ir.Graph {
		b := ir.NewBuilder("mix", nil, []ir.DataType{ir.I32, ir.I32, ir.I32}, ir.I32)
		x := b.Mul(b.Param(0), b.Param(1))
		y := b.Sub(x, b.Param(2))
		b.Return(b.Binary(ir.KindXor, y, b.Int(ir.I32, 0x55)))
		return finish(t, b)
	}
	a, _ := compile(t, x64.Win64, build(), codegen.Options{})
	c, _ := compile(t, x64.Win64, build(), codegen.Options{})
	if string(a.Code) != string(c.Code) {
		t.Errorf("nondeterministic output:\n% x\n% x", a.Code, c.Code)
	}
}
