package codegen

import (
	"encoding/binary"

	"github.com/tangzhangming/tb/internal/ir"
)

// ============================================================================
// 代码缓冲
// ============================================================================

// Emitter 函数机器码缓冲，记录块标签、跳转回填和外部补丁
type Emitter struct {
	code    []byte
	labels  []int // 块下标 -> 代码偏移，-1 表示尚未绑定
	fixups  []labelFixup
	patches []Patch
	locs    []Location

	block   int
	lastLoc ir.SourceLoc
}

// labelFixup 块内跳转的 rel32 回填
type labelFixup struct {
	offset int // 位移字段偏移
	block  int
}

// NewEmitter 创建发射器，blocks 是基本块数量
func NewEmitter(blocks int) *Emitter {
	e := &Emitter{
		code:   make([]byte, 0, 256),
		labels: make([]int, blocks),
	}
	for i := range e.labels {
		e.labels[i] = -1
	}
	return e
}

// Len 当前代码长度
func (e *Emitter) Len() int { return len(e.code) }

// Bytes 已经发射的代码（回填前）
func (e *Emitter) Bytes() []byte { return e.code }

// Emit1 写入一个字节
func (e *Emitter) Emit1(b byte) { e.code = append(e.code, b) }

// Emit 写入多个字节
func (e *Emitter) Emit(bs ...byte) { e.code = append(e.code, bs...) }

// Emit2 写入 16 位值（小端序）
func (e *Emitter) Emit2(v uint16) {
	e.code = binary.LittleEndian.AppendUint16(e.code, v)
}

// Emit4 写入 32 位值（小端序）
func (e *Emitter) Emit4(v uint32) {
	e.code = binary.LittleEndian.AppendUint32(e.code, v)
}

// Emit8 写入 64 位值（小端序）
func (e *Emitter) Emit8(v uint64) {
	e.code = binary.LittleEndian.AppendUint64(e.code, v)
}

// Patch4 改写 pos 处的 32 位值
func (e *Emitter) Patch4(pos int, v uint32) {
	binary.LittleEndian.PutUint32(e.code[pos:], v)
}

// BindLabel 把块 b 的标签绑定到当前位置
func (e *Emitter) BindLabel(b int) {
	e.labels[b] = len(e.code)
	e.block = b
}

// Label 块的代码偏移，未绑定时返回 -1
func (e *Emitter) Label(b int) int { return e.labels[b] }

// Rel32Label 写入指向块 b 的 rel32，位移相对于字段末尾
func (e *Emitter) Rel32Label(b int) {
	if at := e.Label(b); at >= 0 {
		e.Emit4(uint32(int32(at - (len(e.code) + 4))))
		return
	}
	e.fixups = append(e.fixups, labelFixup{offset: len(e.code), block: b})
	e.Emit4(0)
}

// Reloc 写入一个指向符号的 rel32 占位并记录补丁
func (e *Emitter) Reloc(sym *ir.Symbol, kind PatchKind) {
	e.patches = append(e.patches, Patch{Offset: len(e.code), Target: sym, Kind: kind})
	e.Emit4(0)
}

// MarkLoc 记录当前位置对应的源码行，与上一项相同时跳过
func (e *Emitter) MarkLoc(loc ir.SourceLoc) {
	if loc.IsZero() || loc == e.lastLoc {
		return
	}
	e.lastLoc = loc
	e.locs = append(e.locs, Location{Offset: len(e.code), Block: e.block, Loc: loc})
}

// finish 回填所有块内跳转
func (e *Emitter) finish() {
	for _, f := range e.fixups {
		at := e.Label(f.block)
		if at < 0 {
			constraintFault("jump to unplaced block %d", f.block)
		}
		e.Patch4(f.offset, uint32(int32(at-(f.offset+4))))
	}
	e.fixups = e.fixups[:0]
}
