// Package module 管理一组函数的编译：符号表、并发编译、段布局和重定位
package module

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/config"
	"github.com/tangzhangming/tb/internal/ir"
	"github.com/tangzhangming/tb/internal/x64"
)

// DefaultSection 未指定段时函数所在的段
const DefaultSection = ".text"

var (
	ErrDuplicateFunction = errors.New("module: duplicate function")
	ErrNotCompiled       = errors.New("module: function not compiled")
	ErrUnknownFunction   = errors.New("module: unknown function")
)

// ============================================================================
// 选项
// ============================================================================

// Options 模块编译选项
type Options struct {
	Target codegen.Target
	Func   codegen.Options

	// Chkstk 栈探测函数名，非空时作为外部符号声明
	Chkstk string

	// Workers 并发编译数，0 表示 GOMAXPROCS
	Workers int

	// FailFast 第一个函数失败后不再开始新的编译
	FailFast bool

	// Disasm 编译后保存反汇编文本
	Disasm bool

	Log *zap.Logger
}

// FromConfig 由配置文件生成选项
func FromConfig(cfg *config.Config, log *zap.Logger) (Options, error) {
	abi, err := x64.ParseABI(cfg.Target.ABI)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Target: x64.New(abi),
		Func: codegen.Options{
			FramePointer: cfg.Target.FramePointer,
			EmitUnwind:   cfg.Target.Unwind,
		},
		Chkstk:  cfg.Target.Chkstk,
		Workers: cfg.Build.Workers,
		Disasm:  cfg.Build.Disasm,
		Log:     log,
	}, nil
}

// ============================================================================
// 模块
// ============================================================================

// Function 模块中的一个函数
type Function struct {
	Sym     *ir.Symbol
	Graph   *ir.Graph
	Section string

	// 编译结果
	Output *codegen.FunctionOutput
	Trace  []codegen.TraceLine
	Err    error
}

// Stats 编译统计，由并发 worker 更新
type Stats struct {
	Compiled   atomic.Int64
	Failed     atomic.Int64
	CodeBytes  atomic.Int64
	Tiles      atomic.Int64
	Intervals  atomic.Int64
	SpillMoves atomic.Int64
}

// StatsSnapshot 某一时刻的统计值
type StatsSnapshot struct {
	Compiled   int64
	Failed     int64
	CodeBytes  int64
	Tiles      int64
	Intervals  int64
	SpillMoves int64
}

// Module 一个编译单元
type Module struct {
	Name    string
	Symbols *ir.SymbolTable

	opts Options
	log  *zap.Logger

	mu     sync.RWMutex
	funcs  []*Function
	bySym  map[*ir.Symbol]*Function
	stats  Stats
	chkstk *ir.Symbol
}

// New 创建模块；未指定目标时使用 System V x64
func New(name string, opts Options) *Module {
	if opts.Target == nil {
		opts.Target = x64.New(nil)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	m := &Module{
		Name:    name,
		Symbols: ir.NewSymbolTable(),
		opts:    opts,
		log:     opts.Log.With(zap.String("module", name)),
		bySym:   make(map[*ir.Symbol]*Function),
	}
	if opts.Chkstk != "" {
		m.chkstk = m.Symbols.Define(opts.Chkstk, ir.SymbolExternal)
		m.opts.Func.Chkstk = m.chkstk
	}
	return m
}

// Target 模块的目标
func (m *Module) Target() codegen.Target { return m.opts.Target }

// Declare 声明符号
func (m *Module) Declare(name string, kind ir.SymbolKind) *ir.Symbol {
	return m.Symbols.Define(name, kind)
}

// AddFunction 加入一个函数体；图没有符号时按名字定义
func (m *Module) AddFunction(g *ir.Graph, section string) (*Function, error) {
	if g == nil {
		return nil, codegen.ErrNoGraph
	}
	if section == "" {
		section = DefaultSection
	}
	if g.Sym == nil {
		g.Sym = m.Symbols.Define(g.Name, ir.SymbolFunction)
	} else if g.Sym.Kind == ir.SymbolExternal {
		g.Sym = m.Symbols.Define(g.Sym.Name, ir.SymbolFunction)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySym[g.Sym]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFunction, g.Sym)
	}
	g.Sym.Section = section
	f := &Function{Sym: g.Sym, Graph: g, Section: section}
	m.funcs = append(m.funcs, f)
	m.bySym[g.Sym] = f
	return f, nil
}

// Functions 按加入顺序返回函数
func (m *Module) Functions() []*Function {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Function(nil), m.funcs...)
}

// Function 按名字查找函数
func (m *Module) Function(name string) (*Function, bool) {
	sym, ok := m.Symbols.Lookup(name)
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.bySym[sym]
	return f, ok
}

// Stats 返回统计快照
func (m *Module) Stats() StatsSnapshot {
	return StatsSnapshot{
		Compiled:   m.stats.Compiled.Load(),
		Failed:     m.stats.Failed.Load(),
		CodeBytes:  m.stats.CodeBytes.Load(),
		Tiles:      m.stats.Tiles.Load(),
		Intervals:  m.stats.Intervals.Load(),
		SpillMoves: m.stats.SpillMoves.Load(),
	}
}

// ============================================================================
// 并发编译
// ============================================================================

// Compile 编译所有尚未编译的函数
//
// 每个函数在独立的 worker 中编译，互不共享可变状态。返回的错误按函数
// 加入顺序合并；FailFast 时第一个失败会取消尚未开始的编译。
func (m *Module) Compile(ctx context.Context) error {
	funcs := lo.Filter(m.Functions(), func(f *Function, _ int) bool { return f.Output == nil })
	workers := m.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	errs := make([]error, len(funcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range funcs {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			errs[i] = m.compileOne(f)
			if m.opts.FailFast {
				return errs[i]
			}
			return nil
		})
	}
	waitErr := g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return err
	}
	return waitErr
}

func (m *Module) compileOne(f *Function) error {
	out, err := codegen.CompileFunction(m.opts.Target, f.Graph, m.opts.Func, m.log)
	if err != nil {
		f.Err = fmt.Errorf("compile %s: %w", f.Sym, err)
		m.stats.Failed.Inc()
		m.log.Error("function failed", zap.String("func", f.Sym.Name), zap.Error(err))
		return f.Err
	}

	f.Output, f.Err = out, nil
	if m.opts.Disasm {
		f.Trace = m.opts.Target.Disassemble(out)
	}
	m.stats.Compiled.Inc()
	m.stats.CodeBytes.Add(int64(len(out.Code)))
	m.stats.Tiles.Add(int64(out.Tiles))
	m.stats.Intervals.Add(int64(out.Intervals))
	m.stats.SpillMoves.Add(int64(out.SpillMoves))
	m.log.Debug("function compiled",
		zap.String("func", f.Sym.Name),
		zap.String("section", f.Section),
		zap.Int("bytes", len(out.Code)),
		zap.Int("stack", out.StackUsage))
	return nil
}

// Disassemble 返回函数的反汇编文本
func (m *Module) Disassemble(name string) ([]codegen.TraceLine, error) {
	f, ok := m.Function(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if f.Output == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, name)
	}
	if f.Trace != nil {
		return f.Trace, nil
	}
	return m.opts.Target.Disassemble(f.Output), nil
}
