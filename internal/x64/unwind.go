// unwind.go - Win64 展开信息
//
// UNWIND_INFO 结构（版本 1）：
//
//	byte 0: Version(3 位) | Flags(5 位)
//	byte 1: SizeOfProlog
//	byte 2: CountOfCodes
//	byte 3: FrameRegister(4 位) | FrameOffset(4 位)
//	UNWIND_CODE[CountOfCodes]，按序言中的逆序排列，总数补齐到偶数
//
// 每个 UNWIND_CODE 两字节：序言内偏移（指令结束处），UnwindOp(4 位) | OpInfo(4 位)

package x64

import (
	"encoding/binary"

	"github.com/tangzhangming/tb/internal/codegen"
)

// UNWIND_CODE 操作
const (
	uwopPushNonvol = 0
	uwopAllocLarge = 1
	uwopAllocSmall = 2
	uwopSetFPReg   = 3
)

// Unwind 生成 UNWIND_INFO；不需要展开信息的 ABI 返回 nil
func (x *Target) Unwind(ctx *codegen.Context, out *codegen.FunctionOutput) []byte {
	if !x.ABI.UnwindInfo {
		return nil
	}
	return BuildUnwindInfo(ctx.Unwinds, out.PrologueLength)
}

// BuildUnwindInfo 由序言事件构造 UNWIND_INFO
func BuildUnwindInfo(events []codegen.UnwindEvent, prologue int) []byte {
	var codes []byte
	frameReg := byte(0)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		off := byte(ev.Offset)
		switch ev.Op {
		case codegen.UnwindPushReg:
			codes = append(codes, off, uwopPushNonvol|byte(ev.Reg)<<4)
		case codegen.UnwindSetFrame:
			frameReg = byte(ev.Reg)
			codes = append(codes, off, uwopSetFPReg)
		case codegen.UnwindAlloc:
			codes = appendAlloc(codes, off, ev.Size)
		}
	}

	count := len(codes) / 2
	buf := make([]byte, 0, 4+len(codes)+2)
	buf = append(buf, 1, byte(prologue), byte(count), frameReg)
	buf = append(buf, codes...)
	if count%2 != 0 {
		buf = append(buf, 0, 0)
	}
	return buf
}

// appendAlloc 栈分配的展开码：8..128 字节用短形式，否则用长形式
func appendAlloc(codes []byte, off byte, size int) []byte {
	switch {
	case size <= 128:
		return append(codes, off, uwopAllocSmall|byte(size/8-1)<<4)
	case size <= 512*1024-8:
		codes = append(codes, off, uwopAllocLarge)
		return binary.LittleEndian.AppendUint16(codes, uint16(size/8))
	}
	codes = append(codes, off, uwopAllocLarge|1<<4)
	return binary.LittleEndian.AppendUint32(codes, uint32(size))
}
