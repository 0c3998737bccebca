package x64

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
)

// TestAssign 测试参数位置
func TestAssign(t *testing.T) {
	types := []ir.DataType{ir.I64, ir.F64, ir.I32, ir.F32, ir.I64}
	tests := []struct {
		abi  *ABI
		want []ArgLoc
	}{
		{SystemV, []ArgLoc{
			{codegen.ClassGPR, RDI, 0},
			{codegen.ClassXMM, XMM0, 0},
			{codegen.ClassGPR, RSI, 0},
			{codegen.ClassXMM, XMM1, 0},
			{codegen.ClassGPR, RDX, 0},
		}},
		// Win64 按位置分配，第五个参数起走栈
		{Win64, []ArgLoc{
			{codegen.ClassGPR, RCX, 0},
			{codegen.ClassXMM, XMM1, 0},
			{codegen.ClassGPR, R8, 0},
			{codegen.ClassXMM, XMM3, 0},
			{codegen.ClassGPR, -1, 0},
		}},
	}
	for _, tt := range tests {
		got := tt.abi.Assign(types)
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s arg %d = %+v, want %+v", tt.abi.Name, i, got[i], tt.want[i])
			}
		}
	}

	ints := make([]ir.DataType, 8)
	for i := range ints {
		ints[i] = ir.I64
	}
	locs := SystemV.Assign(ints)
	if locs[6].Reg != -1 || locs[6].Stack != 0 || locs[7].Stack != 1 {
		t.Errorf("stack args = %+v %+v", locs[6], locs[7])
	}
	if locs := Syscall.Assign(ints[:4]); locs[3].Reg != R10 {
		t.Errorf("syscall arg 3 in %d, want r10", locs[3].Reg)
	}
}

// TestAssignFloatSyscall 系统调用约定没有浮点参数
func TestAssignFloatSyscall(t *testing.T) {
	defer func() {
		var f *codegen.Fault
		err, _ := recover().(error)
		if !errors.As(err, &f) || f.Kind != codegen.FaultUnimplemented {
			t.Errorf("recovered %v", err)
		}
	}()
	Syscall.Assign([]ir.DataType{ir.F64})
	t.Error("float syscall argument accepted")
}

// TestParseABI 测试按名字查找
func TestParseABI(t *testing.T) {
	for name, want := range map[string]*ABI{"win64": Win64, "SysV": SystemV, "syscall": Syscall} {
		abi, err := ParseABI(name)
		if err != nil || abi != want {
			t.Errorf("ParseABI(%q) = %v, %v", name, abi, err)
		}
	}
	if _, err := ParseABI("fastcall"); err == nil {
		t.Error("unknown abi accepted")
	}
	if New(nil).ABI != SystemV {
		t.Error("default abi should be sysv")
	}
}

// TestSavedSets 调用者保存与被调用者保存互不相交
func TestSavedSets(t *testing.T) {
	for _, abi := range ABIs {
		for c := codegen.RegClass(0); c < codegen.NumClasses; c++ {
			if abi.CallerSaved[c]&abi.CalleeSaved[c] != 0 {
				t.Errorf("%s class %d: overlapping saved sets", abi.Name, c)
			}
		}
		if abi.CalleeSaved[codegen.ClassGPR]&regBits(RSP) != 0 {
			t.Errorf("%s: rsp is callee-saved", abi.Name)
		}
	}
	if Win64.CalleeSaved[codegen.ClassGPR]&regBits(RSI, RDI) != regBits(RSI, RDI) {
		t.Error("win64 must preserve rsi and rdi")
	}
}

// TestBuildUnwindInfo 展开码逆序排列，长分配使用两个槽
func TestBuildUnwindInfo(t *testing.T) {
	events := []codegen.UnwindEvent{
		{Op: codegen.UnwindPushReg, Offset: 1, Reg: RBX},
		{Op: codegen.UnwindPushReg, Offset: 3, Reg: R12},
		{Op: codegen.UnwindAlloc, Offset: 10, Reg: -1, Size: 200},
	}
	got := BuildUnwindInfo(events, 10)
	want := []byte{0x01, 10, 4, 0, 10, 0x01, 25, 0, 3, 0xC0, 1, 0x30}
	if !bytes.Equal(got, want) {
		t.Errorf("unwind = % x, want % x", got, want)
	}

	// 奇数个展开码补齐
	got = BuildUnwindInfo(events[:1], 1)
	want = []byte{0x01, 1, 1, 0, 1, 0x30, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("unwind = % x, want % x", got, want)
	}
}
