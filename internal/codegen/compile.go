package codegen

import (
	"errors"

	"go.uber.org/zap"

	"github.com/tangzhangming/tb/internal/ir"
)

// ErrNoGraph 没有可编译的函数体
var ErrNoGraph = errors.New("codegen: nil graph")

// CompileFunction 把一个函数的 IR 图编译成机器码
//
// 流程：基本块发现 -> 指令选择 -> 调度 -> 寄存器分配 -> 栈帧布局 -> 发射。
// 各阶段发现的故障以 *Fault 返回，临时内存在所有路径上归还。
func CompileFunction(target Target, g *ir.Graph, opts Options, log *zap.Logger) (out *FunctionOutput, err error) {
	if g == nil {
		return nil, ErrNoGraph
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := AcquireScratch()
	defer s.Release()
	defer recoverFault(g.Name, &err)

	ctx := newContext(target, g, opts, log.With(zap.String("target", target.Name())), s)
	target.Init(ctx)

	buildBlocks(ctx)
	selectTiles(ctx)
	schedule(ctx)
	ctx.Log.Debug("tiles selected",
		zap.String("func", ctx.Func),
		zap.Int("blocks", len(ctx.Blocks)),
		zap.Int("tiles", ctx.NumTiles()))

	allocate(ctx)
	target.Layout(ctx)
	if opts.Inspect != nil {
		opts.Inspect(ctx)
	}

	e := NewEmitter(len(ctx.Blocks))
	for bi := range ctx.Blocks {
		b := &ctx.Blocks[bi]
		e.BindLabel(bi)
		for _, id := range b.Order {
			t := ctx.Tile(id)
			if n := ctx.Node(t.Node); n != nil {
				e.MarkLoc(n.Loc)
			}
			target.EmitTile(ctx, e, t)
		}
	}
	e.finish()

	out = &FunctionOutput{
		Name:           g.Name,
		Sym:            g.Sym,
		Code:           e.code,
		Patches:        e.patches,
		Labels:         append([]int(nil), e.labels...),
		Locations:      e.locs,
		StackUsage:     ctx.StackUsage,
		PrologueLength: ctx.PrologueLength,
		Tiles:          ctx.NumTiles(),
		Intervals:      ctx.NumIntervals(),
		SpillMoves:     ctx.SpillMoves,
	}
	if opts.EmitUnwind {
		out.Unwind = target.Unwind(ctx, out)
	}

	ctx.Log.Debug("function emitted",
		zap.String("func", ctx.Func),
		zap.Int("code_bytes", len(out.Code)),
		zap.Int("stack_usage", out.StackUsage),
		zap.Int("patches", len(out.Patches)))
	return out, nil
}
