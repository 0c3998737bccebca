package ir

import (
	"fmt"
	"sort"
	"sync"
)

// SymbolKind 符号种类
type SymbolKind uint8

const (
	SymbolFunction SymbolKind = iota
	SymbolGlobal
	SymbolExternal
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolFunction:
		return "function"
	case SymbolGlobal:
		return "global"
	case SymbolExternal:
		return "external"
	}
	return "???"
}

// Symbol 模块级符号
type Symbol struct {
	ID   int
	Name string
	Kind SymbolKind

	// Section 函数所在的输出段，外部符号为空
	Section string
}

func (s *Symbol) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.Name == "" {
		return fmt.Sprintf("sym%d", s.ID)
	}
	return s.Name
}

// SymbolTable 模块符号表
// 代码生成阶段多个 worker 会并发读取，模块在定义时写入
type SymbolTable struct {
	mu      sync.RWMutex
	symbols []*Symbol
	byName  map[string]*Symbol
}

// NewSymbolTable 创建符号表
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]*Symbol),
	}
}

// Define 定义符号；同名符号已存在时返回已有符号
// 已有的外部符号可以被函数或全局变量定义覆盖
func (st *SymbolTable) Define(name string, kind SymbolKind) *Symbol {
	st.mu.Lock()
	defer st.mu.Unlock()

	if name != "" {
		if sym, ok := st.byName[name]; ok {
			if sym.Kind == SymbolExternal && kind != SymbolExternal {
				sym.Kind = kind
			}
			return sym
		}
	}

	sym := &Symbol{ID: len(st.symbols), Name: name, Kind: kind}
	st.symbols = append(st.symbols, sym)
	if name != "" {
		st.byName[name] = sym
	}
	return sym
}

// Lookup 按名字查找
func (st *SymbolTable) Lookup(name string) (*Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sym, ok := st.byName[name]
	return sym, ok
}

// Len 符号数量
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.symbols)
}

// Names 按名字排序的符号名列表
func (st *SymbolTable) Names() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	names := make([]string, 0, len(st.byName))
	for name := range st.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
