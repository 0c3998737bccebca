package ir

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

// TestBuilderAdd 测试简单函数的构造
func TestBuilderAdd(t *testing.T) {
	b := NewBuilder("add", nil, []DataType{I32, I32}, I32)
	sum := b.Add(b.Param(0), b.Param(1))
	b.Return(sum)
	g, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	n := g.Node(sum)
	if n.Kind != KindAdd || n.Type != I32 || len(n.Inputs) != 3 || n.Inputs[0] != g.Start {
		t.Errorf("add node = %+v", n)
	}
	if g.Node(NoNode) != nil || g.Node(NodeID(g.Len())) != nil {
		t.Error("out-of-range ids should return nil")
	}

	var kinds []string
	g.Each(func(n *Node) { kinds = append(kinds, n.Kind.String()) })
	if got := strings.Join(kinds, " "); got != "start proj proj add end" {
		t.Errorf("nodes = %s", got)
	}
}

// TestBuilderErrors 第一个错误被保留，之后的调用不再覆盖
func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  string
	}{
		{"param range", func(b *Builder) { b.Param(5) }, "parameter 5 out of range"},
		{"mixed types", func(b *Builder) { b.Add(b.Param(0), b.Int(I64, 1)) }, "operands disagree"},
		{"float op on int", func(b *Builder) { b.Binary(KindFAdd, b.Param(0), b.Param(0)) }, "fadd applied to i32"},
		{"int const type", func(b *Builder) { b.Int(F64, 1) }, "integer constant of type f64"},
		{"return arity", func(b *Builder) { b.Return() }, "return of 0 values"},
		{"return type", func(b *Builder) { b.Return(b.Int(I64, 0)) }, "return value 0 has type i64"},
		{"after terminator", func(b *Builder) {
			b.Return(b.Param(0))
			b.Add(b.Param(0), b.Param(0))
		}, "add emitted after block terminator"},
		{"bad region", func(b *Builder) { b.Goto(b.Param(0)) }, "is not a region"},
	}
	for _, tt := range tests {
		b := NewBuilder("f", nil, []DataType{I32}, I32)
		tt.build(b)
		b.Return(b.Int(I64, 0)) // 已有错误时不应覆盖
		_, err := b.Finish()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}

	b := NewBuilder("open", nil, nil)
	b.Int(I32, 1)
	if _, err := b.Finish(); !errors.Is(err, ErrUnterminated) {
		t.Errorf("unterminated block: %v", err)
	}
}

// TestBuilderControlFlow Region 的输入是前驱终结节点，副作用按顺序串联
func TestBuilderControlFlow(t *testing.T) {
	b := NewBuilder("cf", nil, []DataType{Ptr, I64}, I64)
	yes, no := b.Region(), b.Region()
	st := b.Store(b.Param(0), b.Param(1))
	ld := b.Load(I64, b.Param(0))
	b.Branch(b.Compare(KindCmpEq, ld, b.Param(1)), yes, no)

	b.SetBlock(yes)
	b.Return(ld)
	b.SetBlock(no)
	b.SetLoc("cf.c", 9)
	b.Return(b.Int(I64, 0))

	g, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if in := g.Node(ld).Inputs; in[0] != st {
		t.Errorf("load control input = %%%d, want store %%%d", in[0], st)
	}
	ry, rn := g.Node(yes), g.Node(no)
	if len(ry.Inputs) != 1 || ry.Inputs[0] != rn.Inputs[0] {
		t.Errorf("regions should share the branch as predecessor: %v %v", ry.Inputs, rn.Inputs)
	}
	br := g.Node(ry.Inputs[0])
	if br.Kind != KindBranch || br.Targets != [2]NodeID{yes, no} {
		t.Errorf("branch = %+v", br)
	}

	var loc SourceLoc
	g.Each(func(n *Node) {
		if n.Kind == KindIntConst {
			loc = n.Loc
		}
	})
	if loc != (SourceLoc{File: "cf.c", Line: 9}) {
		t.Errorf("constant location = %+v", loc)
	}
}

// TestBuilderCall 调用结果是投影
func TestBuilderCall(t *testing.T) {
	syms := NewSymbolTable()
	f := syms.Define("f", SymbolExternal)
	b := NewBuilder("g", nil, nil, I64)
	r := b.Call(b.Symbol(f), []DataType{I64, I64}, b.Int(I64, 1))
	b.Return(b.Add(r[0], r[1]))
	g, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	p1 := g.Node(r[1])
	if p1.Kind != KindProj || p1.Int != 1 || g.Node(p1.Inputs[0]).Kind != KindCall {
		t.Errorf("projection = %+v", p1)
	}

	b = NewBuilder("h", nil, nil)
	if r := b.Call(b.Symbol(f), []DataType{I64, I64, I64}); r != nil {
		t.Error("call with three results accepted")
	}
}

// TestDataType 测试类型大小与名字
func TestDataType(t *testing.T) {
	tests := []struct {
		t     DataType
		size  int
		align int
		name  string
	}{
		{Void, 0, 1, "void"},
		{Bool, 1, 1, "i8"},
		{I16, 2, 2, "i16"},
		{I64, 8, 8, "i64"},
		{Ptr, 8, 8, "ptr"},
		{F32, 4, 4, "f32"},
	}
	for _, tt := range tests {
		if tt.t.Size() != tt.size || tt.t.Align() != tt.align || tt.t.String() != tt.name {
			t.Errorf("%v: size=%d align=%d", tt.t, tt.t.Size(), tt.t.Align())
		}
	}
	if !Ptr.IsInteger() || F64.IsInteger() || !F64.IsFloat() {
		t.Error("type predicates are wrong")
	}
}

// TestSymbolTable 外部符号可以被定义覆盖，并发定义得到同一个符号
func TestSymbolTable(t *testing.T) {
	st := NewSymbolTable()
	ext := st.Define("memcpy", SymbolExternal)
	fn := st.Define("memcpy", SymbolFunction)
	if ext != fn || fn.Kind != SymbolFunction {
		t.Errorf("redefinition = %+v", fn)
	}
	if again := st.Define("memcpy", SymbolExternal); again.Kind != SymbolFunction {
		t.Error("external declaration downgraded a definition")
	}

	anon := st.Define("", SymbolGlobal)
	if anon.String() != "sym1" {
		t.Errorf("anonymous symbol = %s", anon)
	}

	var wg sync.WaitGroup
	got := make([]*Symbol, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = st.Define("shared", SymbolGlobal)
		}(i)
	}
	wg.Wait()
	for _, s := range got[1:] {
		if s != got[0] {
			t.Fatal("concurrent Define returned different symbols")
		}
	}
	if st.Len() != 3 || strings.Join(st.Names(), ",") != "memcpy,shared" {
		t.Errorf("table = %d %v", st.Len(), st.Names())
	}
	if _, ok := st.Lookup("missing"); ok {
		t.Error("Lookup found a missing symbol")
	}
}
