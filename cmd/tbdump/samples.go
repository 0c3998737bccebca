package main

import (
	"github.com/tangzhangming/tb/internal/ir"
	"github.com/tangzhangming/tb/internal/module"
)

// buildSamples 构造一组覆盖各类节点的示例函数
func buildSamples(m *module.Module) error {
	add := m.Declare("add", ir.SymbolFunction)
	puts := m.Declare("puts", ir.SymbolExternal)
	counter := m.Declare("counter", ir.SymbolGlobal)

	var builders []*ir.Builder

	// int add(int a, int b)
	b := ir.NewBuilder("add", add, []ir.DataType{ir.I32, ir.I32}, ir.I32)
	b.SetLoc("samples.c", 1)
	b.Return(b.Add(b.Param(0), b.Param(1)))
	builders = append(builders, b)

	// long sum(long n): for (i = 0; i < n; i++) counter += i
	b = ir.NewBuilder("sum", nil, []ir.DataType{ir.I64}, ir.I64)
	loop, body, exit := b.Region(), b.Region(), b.Region()
	b.SetLoc("samples.c", 5)
	b.Store(b.Symbol(counter), b.Int(ir.I64, 0))
	b.Goto(loop)
	b.SetBlock(loop)
	b.SetLoc("samples.c", 6)
	i := b.Load(ir.I64, b.Symbol(counter))
	b.Branch(b.Compare(ir.KindCmpSLt, i, b.Param(0)), body, exit)
	b.SetBlock(body)
	b.SetLoc("samples.c", 7)
	b.Store(b.Symbol(counter), b.Add(b.Load(ir.I64, b.Symbol(counter)), b.Int(ir.I64, 1)))
	b.Goto(loop)
	b.SetBlock(exit)
	b.Return(b.Load(ir.I64, b.Symbol(counter)))
	builders = append(builders, b)

	// int twice(int x) { puts(); return add(x, x) + x; }
	b = ir.NewBuilder("twice", nil, []ir.DataType{ir.I32}, ir.I32)
	b.Call(b.Symbol(puts), nil)
	r := b.Call(b.Symbol(add), []ir.DataType{ir.I32}, b.Param(0), b.Param(0))
	b.Return(b.Add(r[0], b.Param(0)))
	builders = append(builders, b)

	// long divmod(long a, long b) { return a / b + a % b; }
	b = ir.NewBuilder("divmod", nil, []ir.DataType{ir.I64, ir.I64}, ir.I64)
	q := b.Binary(ir.KindSDiv, b.Param(0), b.Param(1))
	rem := b.Binary(ir.KindSMod, b.Param(0), b.Param(1))
	b.Return(b.Add(q, rem))
	builders = append(builders, b)

	// double lerp(double a, double b, double t)
	b = ir.NewBuilder("lerp", nil, []ir.DataType{ir.F64, ir.F64, ir.F64}, ir.F64)
	d := b.Binary(ir.KindFSub, b.Param(1), b.Param(0))
	b.Return(b.Binary(ir.KindFAdd, b.Param(0), b.Binary(ir.KindFMul, d, b.Param(2))))
	builders = append(builders, b)

	// long sys_exit(long code)
	b = ir.NewBuilder("sys_exit", nil, []ir.DataType{ir.I64}, ir.I64)
	b.Return(b.Syscall(b.Int(ir.I64, 60), b.Param(0)))
	builders = append(builders, b)

	for _, b := range builders {
		g, err := b.Finish()
		if err != nil {
			return err
		}
		if _, err := m.AddFunction(g, ""); err != nil {
			return err
		}
	}
	return nil
}
