package codegen

import (
	"fmt"
	"math/bits"
)

// RegClass 寄存器类
type RegClass uint8

const (
	ClassGPR RegClass = iota
	ClassXMM
	NumClasses

	// ClassNone 表示不需要寄存器（没有输出或输入）
	ClassNone RegClass = 0xFF
)

func (c RegClass) String() string {
	switch c {
	case ClassGPR:
		return "gpr"
	case ClassXMM:
		return "xmm"
	case ClassNone:
		return "none"
	}
	return fmt.Sprintf("class(%d)", c)
}

// RegMask 寄存器约束：寄存器类 + 允许的物理寄存器位图
// Mask 为 0 表示该类中任意寄存器
type RegMask struct {
	Class RegClass
	Mask  uint64
}

// RegEmpty 不需要寄存器
var RegEmpty = RegMask{Class: ClassNone}

// Mask 构造寄存器约束
func Mask(class RegClass, mask uint64) RegMask {
	return RegMask{Class: class, Mask: mask}
}

// Fixed 固定到单个物理寄存器
func Fixed(class RegClass, reg int) RegMask {
	return RegMask{Class: class, Mask: 1 << uint(reg)}
}

// IsEmpty 不需要寄存器
func (m RegMask) IsEmpty() bool { return m.Class == ClassNone }

// IsAny 类中任意寄存器
func (m RegMask) IsAny() bool { return m.Class != ClassNone && m.Mask == 0 }

// Single 约束只允许一个寄存器时返回它
func (m RegMask) Single() (int, bool) {
	if m.Class == ClassNone || bits.OnesCount64(m.Mask) != 1 {
		return -1, false
	}
	return bits.TrailingZeros64(m.Mask), true
}

// Has 寄存器 reg 是否满足约束
func (m RegMask) Has(reg int) bool {
	if m.Class == ClassNone || reg < 0 {
		return false
	}
	return m.Mask == 0 || m.Mask&(1<<uint(reg)) != 0
}

// Expand 把"任意寄存器"展开成 all 位图
func (m RegMask) Expand(all uint64) uint64 {
	if m.Mask == 0 {
		return all
	}
	return m.Mask & all
}

// Intersect 收紧约束；类不同或结果为空时 ok 为 false
func (m RegMask) Intersect(o RegMask) (RegMask, bool) {
	switch {
	case m.Class == ClassNone:
		return o, true
	case o.Class == ClassNone:
		return m, true
	case m.Class != o.Class:
		return RegEmpty, false
	case m.Mask == 0:
		return o, true
	case o.Mask == 0:
		return m, true
	}
	r := m.Mask & o.Mask
	if r == 0 {
		return RegEmpty, false
	}
	return RegMask{Class: m.Class, Mask: r}, true
}

// Union 合并约束，类必须相同
func (m RegMask) Union(o RegMask) RegMask {
	switch {
	case m.Class == ClassNone:
		return o
	case o.Class == ClassNone:
		return m
	case m.Class != o.Class:
		constraintFault("union of %s and %s", m, o)
	case m.Mask == 0 || o.Mask == 0:
		return RegMask{Class: m.Class}
	}
	return RegMask{Class: m.Class, Mask: m.Mask | o.Mask}
}

// MustIntersect 收紧约束，失败时抛出约束冲突故障
func MustIntersect(a, b RegMask) RegMask {
	r, ok := a.Intersect(b)
	if !ok {
		constraintFault("empty register mask: %s & %s", a, b)
	}
	return r
}

func (m RegMask) String() string {
	switch {
	case m.Class == ClassNone:
		return "{}"
	case m.Mask == 0:
		return fmt.Sprintf("%s:*", m.Class)
	}
	return fmt.Sprintf("%s:%#x", m.Class, m.Mask)
}
