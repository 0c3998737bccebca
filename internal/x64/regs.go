// regs.go - x86-64 寄存器定义

package x64

import (
	"fmt"

	"github.com/tangzhangming/tb/internal/codegen"
)

// 通用寄存器编号，与指令编码一致
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGPRs = 16
	NumXMMs = 16
)

// XMM 寄存器编号
const (
	XMM0 = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

var gpr64 = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var gpr32 = [NumGPRs]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}

var gpr16 = [NumGPRs]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
}

var gpr8 = [NumGPRs]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

// 没有 REX 前缀时 4-7 号字节寄存器是高 8 位
var gpr8High = [4]string{"ah", "ch", "dh", "bh"}

// RegName 按操作数字节数返回通用寄存器名
func RegName(reg, size int) string {
	if reg < 0 || reg >= NumGPRs {
		return "???"
	}
	switch size {
	case 1:
		return gpr8[reg]
	case 2:
		return gpr16[reg]
	case 4:
		return gpr32[reg]
	}
	return gpr64[reg]
}

// XMMName XMM 寄存器名
func XMMName(reg int) string { return fmt.Sprintf("xmm%d", reg) }

// StorageName 存放处的可读名字
func StorageName(s codegen.Storage, size int) string {
	if s.Spill {
		return fmt.Sprintf("[frame-%d]", s.Offset)
	}
	if s.Class == codegen.ClassXMM {
		return XMMName(s.Reg)
	}
	return RegName(s.Reg, size)
}

func regBits(regs ...int) uint64 {
	var m uint64
	for _, r := range regs {
		m |= 1 << uint(r)
	}
	return m
}

// allGPRs 可分配的通用寄存器：除去 RSP 和 RBP
var allGPRs = regBits(RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15)

// allGPRsNoRAXRDX 除数可用的寄存器
var allGPRsNoRAXRDX = allGPRs &^ regBits(RAX, RDX)

const allXMMs = uint64(1)<<NumXMMs - 1
