package codegen

import (
	"fmt"

	"github.com/tangzhangming/tb/internal/ir"
)

// TileID 瓦片在函数上下文中的索引
type TileID int32

// NoTile 空瓦片
const NoTile TileID = -1

// TileTag 瓦片种类
type TileTag uint8

const (
	// TileNormal 普通指令
	TileNormal TileTag = iota
	// TileFoldedImm 右操作数常量已折叠为立即数
	TileFoldedImm
	// TileSpillMove 分配器插入的寄存器/栈之间的移动
	TileSpillMove
	// TileGoto 需要跳转目标回填的控制转移
	TileGoto
)

func (t TileTag) String() string {
	switch t {
	case TileNormal:
		return "normal"
	case TileFoldedImm:
		return "folded-imm"
	case TileSpillMove:
		return "spill-move"
	case TileGoto:
		return "goto"
	}
	return "???"
}

// Storage 值在某个位置的存放处
type Storage struct {
	Class  RegClass
	Spill  bool
	Reg    int
	Offset int // 溢出槽相对帧基址的偏移
}

// InReg 寄存器存放
func InReg(class RegClass, reg int) Storage {
	return Storage{Class: class, Reg: reg}
}

// OnStack 栈槽存放
func OnStack(class RegClass, offset int) Storage {
	return Storage{Class: class, Spill: true, Reg: -1, Offset: offset}
}

// Same 两个存放处是否相同
func (s Storage) Same(o Storage) bool {
	if s.Spill != o.Spill || s.Class != o.Class {
		return false
	}
	if s.Spill {
		return s.Offset == o.Offset
	}
	return s.Reg == o.Reg
}

func (s Storage) String() string {
	if s.Spill {
		return fmt.Sprintf("[frame-%d]", s.Offset)
	}
	return fmt.Sprintf("%s%d", s.Class, s.Reg)
}

// Input 瓦片的输入槽
type Input struct {
	Node  ir.NodeID // 操作数节点
	Index int       // 在节点输入中的下标
	Src   TileID    // 产生该值的瓦片

	Mask  RegMask // 读取时要求的寄存器
	MemOK bool    // 编码允许直接读栈槽

	// 由分配器填写
	Val IntervalID
	Pos int
	Loc Storage
}

// Tile 一条选择出来的工作单元
type Tile struct {
	ID    TileID
	Tag   TileTag
	Op    int // 目标私有操作码，0 表示按节点种类发射
	Node  ir.NodeID
	Block int
	Type  ir.DataType

	Ins  []Input
	Deps []TileID // 只约束顺序的依赖

	Out RegMask
	// AvoidIns 输出不能与这些输入槽共用寄存器（按位）
	AvoidIns uint32

	Imm int64
	Sym *ir.Symbol
	Aux int

	Interval IntervalID
	Dst      Storage
	Pos      int
}

func (t *Tile) String() string {
	s := fmt.Sprintf("t%d(%s", t.ID, t.Tag)
	if t.Node != ir.NoNode {
		s += fmt.Sprintf(" %%%d", t.Node)
	}
	for _, in := range t.Ins {
		s += fmt.Sprintf(" t%d", in.Src)
	}
	return s + ")"
}
