package codegen_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tangzhangming/tb/internal/codegen"
	"github.com/tangzhangming/tb/internal/ir"
	"github.com/tangzhangming/tb/internal/x64"
)

// ============================================================================
// 本机执行
// ============================================================================

// mapCode 把机器码复制到可执行页并返回入口地址
func mapCode(t *testing.T, out *codegen.FunctionOutput) uintptr {
	t.Helper()
	if len(out.Patches) != 0 {
		t.Fatalf("%s has unresolved patches %+v", out.Name, out.Patches)
	}
	mem := mapPages(t, len(out.Code))
	copy(mem, out.Code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		t.Fatalf("mprotect: %v", err)
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// mapPages 分配可读写的匿名页，测试结束时释放
func mapPages(t *testing.T, size int) []byte {
	t.Helper()
	page := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, (size+page-1)/page*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return mem
}

func compileNative(t *testing.T, g *ir.Graph) uintptr {
	t.Helper()
	out, snap := compile(t, x64.SystemV, g, codegen.Options{FramePointer: true})
	checkAllocation(t, snap)
	return mapCode(t, out)
}

func call(fn uintptr, args ...int64) int64 {
	raw := make([]uintptr, len(args))
	for i, a := range args {
		raw[i] = uintptr(a)
	}
	r, _, _ := purego.SyscallN(fn, raw...)
	return int64(r)
}

// TestExecute 在本机上运行生成的代码并与 Go 的结果比较
func TestExecute(t *testing.T) {
	data := mapPages(t, 16)
	p := int64(uintptr(unsafe.Pointer(&data[0])))
	reset := func() {
		for i := range data[:16] {
			data[i] = 0
		}
	}

	t.Run("add", func(t *testing.T) {
		b := ir.NewBuilder("add", nil, []ir.DataType{ir.I64, ir.I64}, ir.I64)
		b.Return(b.Add(b.Param(0), b.Param(1)))
		fn := compileNative(t, finish(t, b))
		if got := call(fn, 40, 2); got != 42 {
			t.Errorf("add(40, 2) = %d", got)
		}
	})

	t.Run("division", func(t *testing.T) {
		b := ir.NewBuilder("divmod", nil, []ir.DataType{ir.I64, ir.I64}, ir.I64)
		q := b.Binary(ir.KindSDiv, b.Param(0), b.Param(1))
		r := b.Binary(ir.KindSMod, b.Param(0), b.Param(1))
		b.Return(b.Add(b.Mul(q, b.Int(ir.I64, 1000)), r))
		fn := compileNative(t, finish(t, b))
		tests := []struct{ a, b int64 }{{17, 5}, {-17, 5}, {100, -7}, {3, 9}}
		for _, tt := range tests {
			want := tt.a/tt.b*1000 + tt.a%tt.b
			if got := call(fn, tt.a, tt.b); got != want {
				t.Errorf("divmod(%d, %d) = %d, want %d", tt.a, tt.b, got, want)
			}
		}
	})

	t.Run("loop pressure", func(t *testing.T) {
		g, _ := buildLoopSum(t)
		fn := compileNative(t, g)
		for _, n := range []int64{0, 1, 5, 37} {
			reset()
			if got, want := call(fn, n, p), loopSum(n); got != want {
				t.Errorf("loopsum(%d) = %d, want %d", n, got, want)
			}
			if got := int64(binary.LittleEndian.Uint64(data)); got != max(n, 0) {
				t.Errorf("loopsum(%d) left counter %d", n, got)
			}
		}
	})

	t.Run("diamond", func(t *testing.T) {
		g, _ := buildDiamond(t)
		fn := compileNative(t, g)
		tests := []struct{ a, b, c int64 }{{3, 5, 7}, {9, 2, 4}, {-4, -8, 1}, {6, 6, -3}}
		for _, tt := range tests {
			reset()
			if got, want := call(fn, tt.a, tt.b, tt.c, p), diamond(tt.a, tt.b, tt.c); got != want {
				t.Errorf("diamond(%d, %d, %d) = %d, want %d", tt.a, tt.b, tt.c, got, want)
			}
		}
	})

	t.Run("indirect call", func(t *testing.T) {
		sub := compileNative(t, buildSub(t))
		g, _ := buildIndirect(t)
		fn := compileNative(t, g)
		if got := call(fn, int64(sub), 10, 3); got != 17 {
			t.Errorf("indirect(sub, 10, 3) = %d, want 17", got)
		}
	})

	t.Run("callee saved", func(t *testing.T) {
		// 压力足够大时会用到 RBX/R12..R15，返回后调用方的值必须完好
		const n = 20
		b := ir.NewBuilder("pressure", nil, []ir.DataType{ir.I64}, ir.I64)
		vals := make([]ir.NodeID, n)
		for i := range vals {
			vals[i] = b.Mul(b.Param(0), b.Int(ir.I64, int64(i+2)))
		}
		sum := vals[n-1]
		for i := n - 2; i >= 0; i-- {
			sum = b.Add(sum, vals[i])
		}
		b.Return(sum)
		fn := compileNative(t, finish(t, b))

		var want int64
		for i := int64(0); i < n; i++ {
			want += 3 * (i + 2)
		}
		for i := 0; i < 3; i++ {
			if got := call(fn, 3); got != want {
				t.Errorf("pressure(3) = %d, want %d", got, want)
			}
		}
	})
}
