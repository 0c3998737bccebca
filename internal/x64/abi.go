// abi.go - 调用约定描述
//
// 每个 ABI 描述参数寄存器、调用者/被调用者保存寄存器、阴影空间和栈探测阈值。
// 同一个函数中调用其他函数时使用与自身相同的约定。

package x64

import (
	"fmt"
	"math"
	"strings"

	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
)

// ABI 调用约定
type ABI struct {
	Name string

	// ParamGPRs 整数参数寄存器（按顺序）
	ParamGPRs []int
	// ParamXMMs 浮点参数寄存器数量，从 XMM0 开始
	ParamXMMs int
	// Positional 整数与浮点参数共用位置编号（Win64）
	Positional bool

	CallerSaved [codegen.NumClasses]uint64
	CalleeSaved [codegen.NumClasses]uint64

	// ShadowSpace 调用者在栈参数之前为被调用者预留的字节数
	ShadowSpace int
	// ChkstkLimit 帧达到该大小时需要调用栈探测函数
	ChkstkLimit int
	// UnwindInfo 是否生成 Win64 UNWIND_INFO
	UnwindInfo bool
}

// Win64 Windows x64 调用约定
var Win64 = &ABI{
	Name:       "win64",
	ParamGPRs:  []int{RCX, RDX, R8, R9},
	ParamXMMs:  4,
	Positional: true,
	CallerSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RAX, RCX, RDX, R8, R9, R10, R11),
		codegen.ClassXMM: regBits(0, 1, 2, 3, 4, 5),
	},
	CalleeSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RBX, RSI, RDI, R12, R13, R14, R15),
		codegen.ClassXMM: allXMMs &^ regBits(0, 1, 2, 3, 4, 5),
	},
	ShadowSpace: 32,
	ChkstkLimit: 4096,
	UnwindInfo:  true,
}

// SystemV System V AMD64 调用约定 (Linux/macOS)
var SystemV = &ABI{
	Name:      "sysv",
	ParamGPRs: []int{RDI, RSI, RDX, RCX, R8, R9},
	ParamXMMs: 8,
	CallerSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11),
		codegen.ClassXMM: allXMMs,
	},
	CalleeSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RBX, R12, R13, R14, R15),
	},
	ChkstkLimit: math.MaxInt32,
}

// Syscall Linux 系统调用约定：第四个参数在 R10，没有浮点参数
var Syscall = &ABI{
	Name:      "syscall",
	ParamGPRs: []int{RDI, RSI, RDX, R10, R8, R9},
	CallerSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11),
		codegen.ClassXMM: allXMMs,
	},
	CalleeSaved: [codegen.NumClasses]uint64{
		codegen.ClassGPR: regBits(RBX, R12, R13, R14, R15),
	},
	ChkstkLimit: math.MaxInt32,
}

// syscallClobbers syscall 指令本身改写的寄存器
var syscallClobbers = regBits(RAX, RCX, R11)

// ABIs 按注册顺序排列，下标即 Context.ABIIndex
var ABIs = []*ABI{Win64, SystemV, Syscall}

// ParseABI 按名字查找调用约定
func ParseABI(name string) (*ABI, error) {
	for _, abi := range ABIs {
		if strings.EqualFold(abi.Name, name) {
			return abi, nil
		}
	}
	return nil, fmt.Errorf("x64: unknown abi %q", name)
}

func (abi *ABI) index() int {
	for i, a := range ABIs {
		if a == abi {
			return i
		}
	}
	return -1
}

// ArgLoc 参数的传递位置
type ArgLoc struct {
	Class codegen.RegClass
	Reg   int // 寄存器编号，-1 表示栈
	Stack int // 栈参数下标
}

// Assign 计算一组参数的传递位置
func (abi *ABI) Assign(types []ir.DataType) []ArgLoc {
	locs := make([]ArgLoc, len(types))
	gi, xi, si := 0, 0, 0
	for i, t := range types {
		loc := ArgLoc{Class: codegen.ClassGPR, Reg: -1}
		if t.IsFloat() {
			loc.Class = codegen.ClassXMM
		}
		if abi.Positional {
			gi, xi = i, i
		}
		switch {
		case loc.Class == codegen.ClassXMM && xi < abi.ParamXMMs:
			loc.Reg = XMM0 + xi
			xi++
		case loc.Class == codegen.ClassGPR && gi < len(abi.ParamGPRs):
			loc.Reg = abi.ParamGPRs[gi]
			gi++
		default:
			if loc.Class == codegen.ClassXMM && abi.ParamXMMs == 0 {
				codegen.Unimplemented("abi %s has no float parameters", abi.Name)
			}
			loc.Stack = si
			si++
		}
		locs[i] = loc
	}
	return locs
}

// returnReg 第 i 个返回值的寄存器
func returnReg(t ir.DataType, i int) codegen.RegMask {
	if i > 1 {
		codegen.Unimplemented("more than two return values")
	}
	if t.IsFloat() {
		return codegen.Fixed(codegen.ClassXMM, XMM0+i)
	}
	return codegen.Fixed(codegen.ClassGPR, []int{RAX, RDX}[i])
}
