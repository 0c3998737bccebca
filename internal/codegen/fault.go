package codegen

import "fmt"

// FaultKind 内部故障类别
type FaultKind int

const (
	// FaultUnimplemented 后端缺少选择规则或不支持的 ABI 组合
	FaultUnimplemented FaultKind = iota
	// FaultConstraint 寄存器约束无法满足
	FaultConstraint
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnimplemented:
		return "internal limitation"
	case FaultConstraint:
		return "constraint violation"
	}
	return "fault"
}

// Fault 编译单个函数时的致命故障
// 故障以 panic 抛出，只在 CompileFunction 边界恢复一次
type Fault struct {
	Kind FaultKind
	Func string
	Msg  string
}

func (f *Fault) Error() string {
	if f.Func == "" {
		return fmt.Sprintf("codegen: %s: %s", f.Kind, f.Msg)
	}
	return fmt.Sprintf("codegen %s: %s: %s", f.Func, f.Kind, f.Msg)
}

// Unimplemented 抛出后端能力缺失故障
func Unimplemented(format string, args ...interface{}) {
	panic(&Fault{Kind: FaultUnimplemented, Msg: fmt.Sprintf(format, args...)})
}

func constraintFault(format string, args ...interface{}) {
	panic(&Fault{Kind: FaultConstraint, Msg: fmt.Sprintf(format, args...)})
}

// recoverFault 把故障 panic 转成错误；其他 panic 继续传播
func recoverFault(fn string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	f, ok := r.(*Fault)
	if !ok {
		panic(r)
	}
	if f.Func == "" {
		f.Func = fn
	}
	*errp = f
}
