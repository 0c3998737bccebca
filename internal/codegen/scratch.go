package codegen

import "sync"

// chunk 大小固定，分配出的指针在整个编译过程中保持有效
const chunkSize = 256

// arena 分块分配器，按下标寻址
type arena[T any] struct {
	chunks [][]T
	n      int
}

func (a *arena[T]) alloc() (*T, int) {
	ci, off := a.n/chunkSize, a.n%chunkSize
	if ci == len(a.chunks) {
		a.chunks = append(a.chunks, make([]T, chunkSize))
	}
	idx := a.n
	a.n++
	return &a.chunks[ci][off], idx
}

func (a *arena[T]) at(i int) *T {
	return &a.chunks[i/chunkSize][i%chunkSize]
}

func (a *arena[T]) len() int { return a.n }

func (a *arena[T]) reset() {
	var zero T
	for i := 0; i < a.n; i++ {
		a.chunks[i/chunkSize][i%chunkSize] = zero
	}
	a.n = 0
}

// Scratch 单个函数编译期间使用的临时内存
// 由 CompileFunction 获取，在所有退出路径上释放
type Scratch struct {
	tiles     arena[Tile]
	intervals arena[LiveInterval]

	nodeTile []TileID
	folded   []bool
	uses     []int32
	blockOf  []int32
}

var scratchPool = sync.Pool{
	New: func() interface{} { return new(Scratch) },
}

// AcquireScratch 从池中取出临时内存
func AcquireScratch() *Scratch {
	return scratchPool.Get().(*Scratch)
}

// Release 清空并归还到池中
func (s *Scratch) Release() {
	s.tiles.reset()
	s.intervals.reset()
	s.nodeTile = s.nodeTile[:0]
	s.folded = s.folded[:0]
	s.uses = s.uses[:0]
	s.blockOf = s.blockOf[:0]
	scratchPool.Put(s)
}

func (s *Scratch) prepare(nodes int) {
	s.nodeTile = grow(s.nodeTile, nodes, NoTile)
	s.folded = grow(s.folded, nodes, false)
	s.uses = grow(s.uses, nodes, 0)
	s.blockOf = grow(s.blockOf, nodes, -1)
}

func grow[T any](s []T, n int, fill T) []T {
	if cap(s) < n {
		s = make([]T, n)
	} else {
		s = s[:n]
	}
	for i := range s {
		s[i] = fill
	}
	return s
}
