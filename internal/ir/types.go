// Package ir 定义代码生成后端消费的中间表示
//
// 图中的节点由前端创建，后端只读。节点存放在 Graph 的稠密数组中，
// 通过 NodeID 引用，不使用指针互相链接。
package ir

import "fmt"

// ============================================================================
// 数据类型
// ============================================================================

// TypeKind 数据类型种类
type TypeKind uint8

const (
	TypeVoid TypeKind = iota
	TypeInt
	TypeFloat
	TypePtr
)

// DataType 节点结果的数据类型
// Bits 对整数表示位宽，对浮点表示 32 或 64
type DataType struct {
	Kind TypeKind
	Bits uint8
}

// 常用类型
var (
	Void = DataType{Kind: TypeVoid}
	Bool = DataType{Kind: TypeInt, Bits: 8}
	I8   = DataType{Kind: TypeInt, Bits: 8}
	I16  = DataType{Kind: TypeInt, Bits: 16}
	I32  = DataType{Kind: TypeInt, Bits: 32}
	I64  = DataType{Kind: TypeInt, Bits: 64}
	Ptr  = DataType{Kind: TypePtr, Bits: 64}
	F32  = DataType{Kind: TypeFloat, Bits: 32}
	F64  = DataType{Kind: TypeFloat, Bits: 64}
)

// IsVoid 是否无结果
func (t DataType) IsVoid() bool { return t.Kind == TypeVoid }

// IsFloat 是否浮点类型
func (t DataType) IsFloat() bool { return t.Kind == TypeFloat }

// IsInteger 整数或指针
func (t DataType) IsInteger() bool { return t.Kind == TypeInt || t.Kind == TypePtr }

// Size 返回值在内存中的字节数
func (t DataType) Size() int {
	switch t.Kind {
	case TypeVoid:
		return 0
	case TypePtr:
		return 8
	}
	return (int(t.Bits) + 7) / 8
}

// Align 自然对齐
func (t DataType) Align() int {
	if s := t.Size(); s > 0 {
		return s
	}
	return 1
}

func (t DataType) String() string {
	switch t.Kind {
	case TypeVoid:
		return "void"
	case TypeInt:
		return fmt.Sprintf("i%d", t.Bits)
	case TypeFloat:
		return fmt.Sprintf("f%d", t.Bits)
	case TypePtr:
		return "ptr"
	}
	return "???"
}
