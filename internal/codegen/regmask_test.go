package codegen

import (
	"errors"
	"testing"
)

// TestRegMaskIntersect 测试约束收紧
func TestRegMaskIntersect(t *testing.T) {
	anyGPR := Mask(ClassGPR, 0)
	rax := Fixed(ClassGPR, 0)
	low := Mask(ClassGPR, 0b1111)
	high := Mask(ClassGPR, 0b1111_0000)

	tests := []struct {
		name string
		a, b RegMask
		want RegMask
		ok   bool
	}{
		{"any&fixed", anyGPR, rax, rax, true},
		{"fixed&any", rax, anyGPR, rax, true},
		{"empty&fixed", RegEmpty, rax, rax, true},
		{"overlap", low, Mask(ClassGPR, 0b0110_0110), Mask(ClassGPR, 0b0110), true},
		{"disjoint", low, high, RegEmpty, false},
		{"class mismatch", rax, Fixed(ClassXMM, 0), RegEmpty, false},
	}
	for _, tt := range tests {
		got, ok := tt.a.Intersect(tt.b)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: got (%s, %v), want (%s, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

// TestRegMaskQueries 测试单寄存器、成员和展开
func TestRegMaskQueries(t *testing.T) {
	rdx := Fixed(ClassGPR, 2)
	if r, ok := rdx.Single(); !ok || r != 2 {
		t.Errorf("Single() = %d, %v; want 2, true", r, ok)
	}
	if _, ok := Mask(ClassGPR, 0).Single(); ok {
		t.Error("any-register mask should not be single")
	}
	if !rdx.Has(2) || rdx.Has(0) {
		t.Error("Has() disagrees with fixed mask")
	}
	if !Mask(ClassGPR, 0).Has(13) {
		t.Error("any-register mask should contain every register")
	}
	if RegEmpty.Has(0) {
		t.Error("empty mask should contain nothing")
	}
	if got := Mask(ClassGPR, 0).Expand(0xFFCF); got != 0xFFCF {
		t.Errorf("Expand(any) = %#x", got)
	}
	if got := Mask(ClassGPR, 0b1_0001).Expand(0b1_0000); got != 0b1_0000 {
		t.Errorf("Expand(mask) = %#x", got)
	}
	if !Mask(ClassXMM, 0).IsAny() || rdx.IsAny() || !RegEmpty.IsEmpty() {
		t.Error("IsAny/IsEmpty predicates are wrong")
	}
}

// TestRegMaskUnion 测试合并
func TestRegMaskUnion(t *testing.T) {
	got := Fixed(ClassGPR, 0).Union(Fixed(ClassGPR, 2))
	if got != Mask(ClassGPR, 0b101) {
		t.Errorf("Union = %s", got)
	}
	if got := Fixed(ClassGPR, 0).Union(Mask(ClassGPR, 0)); !got.IsAny() {
		t.Errorf("Union with any = %s", got)
	}
	if got := RegEmpty.Union(Fixed(ClassXMM, 1)); got != Fixed(ClassXMM, 1) {
		t.Errorf("Union with empty = %s", got)
	}
}

// TestMustIntersectFault 空交集抛出约束故障
func TestMustIntersectFault(t *testing.T) {
	err := func() (err error) {
		defer recoverFault("f", &err)
		MustIntersect(Fixed(ClassGPR, 0), Fixed(ClassGPR, 1))
		return nil
	}()

	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if f.Kind != FaultConstraint || f.Func != "f" {
		t.Errorf("fault = %+v", f)
	}
}

// TestRecoverFaultRepanics 非故障的 panic 不被吞掉
func TestRecoverFaultRepanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	func() (err error) {
		defer recoverFault("f", &err)
		panic("boom")
	}()
}

// TestArenaStablePointers 分块分配的指针在扩容后保持有效
func TestArenaStablePointers(t *testing.T) {
	var a arena[Tile]
	first, _ := a.alloc()
	first.Imm = 42
	for i := 0; i < 3*chunkSize; i++ {
		a.alloc()
	}
	if a.at(0) != first || first.Imm != 42 {
		t.Fatal("pointer moved after arena growth")
	}
	if a.len() != 3*chunkSize+1 {
		t.Errorf("len = %d", a.len())
	}
	a.reset()
	if a.len() != 0 || first.Imm != 0 {
		t.Error("reset should clear the arena")
	}
}
