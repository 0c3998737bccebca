// lsra.go - 线性扫描寄存器分配
//
// 算法概述：
// 1. 在调度后的瓦片序列上计算活跃区间：起点是定义位置，终点是最后一次读取的位置
// 2. 按起点递增处理区间，从未被活跃区间占用的寄存器中取满足约束的最小编号
// 3. 没有空闲寄存器时，溢出终点最远的活跃区间，把它的寄存器让给当前区间
// 4. 调用、除法等破坏寄存器的瓦片之前，跨越该瓦片的区间被强制溢出
// 5. 在寄存器与栈之间转换的位置插入 SPILL_MOVE 瓦片
//
// 位置编号：第 i 个瓦片位于 2i+2，它前面的奇数位置留给插入的复制/重载。
// 被溢出的区间在定义之后立即写入栈槽，此后任意路径上的读取都可以从栈槽得到值；
// 区间的寄存器部分只在 [Start, RegEnd) 内有效。

package codegen

import (
	"math/bits"
	"sort"

	"go.uber.org/zap"

	"github.com/tangzhangming/tb/internal/ir"
)

// IntervalID 活跃区间下标
type IntervalID int32

// NoInterval 空区间
const NoInterval IntervalID = -1

// IntervalState 区间状态
// 区间是单段的，不存在寄存器空洞，因此没有 inactive 状态
type IntervalState uint8

const (
	StateUnhandled IntervalState = iota
	StateActive                  // 占有寄存器
	StateSpilled                 // 寄存器部分已结束，只在栈槽中
	StateHandled
)

// LiveInterval 活跃区间
type LiveInterval struct {
	ID    IntervalID
	Tile  TileID // 定义瓦片
	Mask  RegMask
	Hint  RegMask
	Type  ir.DataType
	Start int
	End   int

	Reg         int
	IsSpill     bool
	SpillOffset int
	RegEnd      int

	State IntervalState

	cross uint64 // 区间内破坏寄存器的并集
}

// Extend 扩展区间终点
func (li *LiveInterval) Extend(pos int) {
	if pos > li.End {
		li.End = pos
	}
}

// At 返回在 pos 读取时的存放处
func (li *LiveInterval) At(pos int) Storage {
	if li.IsSpill && pos >= li.RegEnd {
		return OnStack(li.Mask.Class, li.SpillOffset)
	}
	return InReg(li.Mask.Class, li.Reg)
}

func (ctx *Context) newInterval(tile TileID, mask RegMask, t ir.DataType, start, end int) *LiveInterval {
	li, idx := ctx.scratch.intervals.alloc()
	*li = LiveInterval{
		ID:     IntervalID(idx),
		Tile:   tile,
		Mask:   mask,
		Hint:   RegEmpty,
		Type:   t,
		Start:  start,
		End:    end,
		Reg:    -1,
		RegEnd: end,
	}
	return li
}

// ============================================================================
// 分配器
// ============================================================================

type clobberSite struct {
	pos  int
	regs [NumClasses]uint64
}

type allocator struct {
	ctx    *Context
	order  []TileID
	active []*LiveInterval // 按 End 排序
	free   [NumClasses]uint64

	nextSpill int
	evicted   []*LiveInterval
	early     []*LiveInterval // 定义后立刻溢出的区间

	before      map[TileID][]TileID
	nonMemReads map[IntervalID][]int
	clobbers    []clobberSite
}

// allocate 为调度后的瓦片分配寄存器和栈槽
func allocate(ctx *Context) {
	a := &allocator{
		ctx:         ctx,
		before:      make(map[TileID][]TileID),
		nonMemReads: make(map[IntervalID][]int),
	}
	for c := RegClass(0); c < NumClasses; c++ {
		a.free[c] = ctx.Allocatable[c]
	}

	pos := 2
	scheduled := make([][]TileID, len(ctx.Blocks))
	for bi := range ctx.Blocks {
		b := &ctx.Blocks[bi]
		scheduled[bi] = append([]TileID(nil), b.Tiles...)
		b.First = pos
		for _, id := range b.Tiles {
			ctx.Tile(id).Pos = pos
			a.order = append(a.order, id)
			pos += 2
		}
		b.Last = pos - 2
	}

	a.buildIntervals()
	a.extendLoops()
	a.computeCross()

	for _, id := range a.order {
		a.allocateTile(ctx.Tile(id))
	}

	a.insertMoves(scheduled)
	a.resolve()
	ctx.SpillBytes = a.nextSpill

	ctx.Log.Debug("register allocation",
		zap.String("func", ctx.Func),
		zap.Int("intervals", ctx.NumIntervals()),
		zap.Int("spilled", len(a.evicted)),
		zap.Int("spill_bytes", a.nextSpill),
		zap.Int("spill_moves", ctx.SpillMoves))
}

// buildIntervals 计算每个输出值的活跃区间
func (a *allocator) buildIntervals() {
	ctx := a.ctx
	reads := make(map[IntervalID][]*Input)

	for _, id := range a.order {
		t := ctx.Tile(id)
		for k := range t.Ins {
			in := &t.Ins[k]
			src := ctx.Tile(in.Src)
			if src.Interval == NoInterval {
				constraintFault("%s reads %s which produces no value", t, src)
			}
			li := ctx.Interval(src.Interval)
			li.Extend(t.Pos)
			reads[li.ID] = append(reads[li.ID], in)
		}
		if !t.Out.IsEmpty() {
			li := ctx.newInterval(t.ID, t.Out, t.Type, t.Pos, t.Pos+1)
			t.Interval = li.ID
		}
	}

	// 只有一次读取时，把读取方的约束作为分配偏好
	for id, rs := range reads {
		if len(rs) != 1 {
			continue
		}
		li := ctx.Interval(id)
		if hint, ok := li.Mask.Intersect(rs[0].Mask); ok && hint.Class == li.Mask.Class {
			li.Hint = hint
		}
	}
}

// extendLoops 在循环中活跃的区间延伸到回边
func (a *allocator) extendLoops() {
	ctx := a.ctx
	for bi := range ctx.Blocks {
		b := &ctx.Blocks[bi]
		for _, s := range b.Succs {
			if s <= bi {
				ctx.backEdges = append(ctx.backEdges, [2]int{ctx.Blocks[s].First, b.Last})
			}
		}
	}
	if len(ctx.backEdges) == 0 {
		return
	}

	for changed := true; changed; {
		changed = false
		for _, e := range ctx.backEdges {
			head, jump := e[0], e[1]
			for i := 0; i < ctx.NumIntervals(); i++ {
				li := ctx.Interval(IntervalID(i))
				if li.Start < head && li.End >= head && li.End <= jump {
					li.End = jump + 1
					changed = true
				}
			}
		}
	}
}

func (a *allocator) computeCross() {
	ctx := a.ctx
	for _, id := range a.order {
		t := ctx.Tile(id)
		if regs, ok := ctx.Target.Clobbers(ctx, t); ok {
			a.clobbers = append(a.clobbers, clobberSite{pos: t.Pos, regs: regs})
		}
	}
	if len(a.clobbers) == 0 {
		return
	}
	for i := 0; i < ctx.NumIntervals(); i++ {
		li := ctx.Interval(IntervalID(i))
		for _, c := range a.clobbers {
			if li.Start < c.pos && li.End > c.pos {
				li.cross |= c.regs[li.Mask.Class]
			}
		}
	}
}

// ============================================================================
// 扫描
// ============================================================================

func (a *allocator) allocateTile(t *Tile) {
	ctx := a.ctx
	p := t.Pos

	for _, li := range a.early {
		if li.State == StateActive {
			a.evict(li, p-1)
		}
	}
	a.early = a.early[:0]
	a.expire(p - 1)

	// 跨越破坏点的区间必须先溢出
	if regs, ok := ctx.Target.Clobbers(ctx, t); ok {
		for _, li := range append([]*LiveInterval(nil), a.active...) {
			if li.End > p && regs[li.Mask.Class]&bit(li.Reg) != 0 {
				a.evict(li, p-1)
			}
		}
	}

	// 直接读取的输入受保护，其余输入需要复制或重载
	protect := make(map[IntervalID]bool)
	copies := make(map[IntervalID]bool)
	var need []int
	for k := range t.Ins {
		in := &t.Ins[k]
		li := ctx.Interval(ctx.Tile(in.Src).Interval)
		in.Val, in.Pos = li.ID, p
		if a.readable(li, in) {
			protect[li.ID] = true
		} else {
			need = append(need, k)
		}
	}

	for len(need) > 0 {
		k := need[0]
		need = need[1:]
		in := &t.Ins[k]
		src := ctx.Interval(in.Val)
		if src.State == StateActive && a.readable(src, in) {
			continue
		}

		mask := MustIntersect(Mask(src.Mask.Class, 0), in.Mask)
		c := ctx.newInterval(NoTile, mask, src.Type, p-1, p)
		for !a.assign(c, p-1, 0, protect, copies) {
			// 固定寄存器被本瓦片直接读取的输入占用：溢出该输入并重新分类
			reg, single := mask.Single()
			holder := a.holder(mask.Class, reg)
			if !single || holder == nil || copies[holder.ID] || !a.evictable(holder, p-1) {
				constraintFault("%s: no register satisfies %s", t, mask)
			}
			delete(protect, holder.ID)
			a.evict(holder, p-1)
			for j := range t.Ins {
				if t.Ins[j].Val == holder.ID && !t.Ins[j].MemOK {
					need = append(need, j)
				}
			}
		}
		copies[c.ID] = true

		mv := ctx.newTile(-1, ir.NoNode)
		mv.Block = t.Block
		mv.Tag = TileSpillMove
		mv.Type = src.Type
		mv.Ins = []Input{{Src: src.Tile, Val: src.ID, Pos: p - 1, Mask: mask, MemOK: true}}
		mv.Interval = c.ID
		c.Tile = mv.ID
		a.before[t.ID] = append(a.before[t.ID], mv.ID)
		ctx.SpillMoves++

		in.Src, in.Val = mv.ID, c.ID
	}

	for k := range t.Ins {
		in := &t.Ins[k]
		if !copies[in.Val] && !in.MemOK {
			a.nonMemReads[in.Val] = append(a.nonMemReads[in.Val], p)
		}
	}

	a.expire(p)

	if t.Interval == NoInterval {
		return
	}
	li := ctx.Interval(t.Interval)
	var avoid uint64
	for k := range t.Ins {
		if t.AvoidIns&(1<<uint(k)) == 0 {
			continue
		}
		if s := ctx.Interval(t.Ins[k].Val).At(p); !s.Spill && s.Class == li.Mask.Class {
			avoid |= bit(s.Reg)
		}
	}
	if !a.assign(li, p, avoid, protect, copies) {
		constraintFault("%s: no register satisfies %s", t, li.Mask)
	}
	if a.loopCutAtClobber(li) {
		a.early = append(a.early, li)
	}
}

// readable 输入能否不经复制直接读取
func (a *allocator) readable(li *LiveInterval, in *Input) bool {
	if li.State == StateActive {
		if in.Mask.IsEmpty() {
			return true
		}
		return in.Mask.Class == li.Mask.Class && in.Mask.Has(li.Reg)
	}
	return li.IsSpill && in.MemOK
}

// assign 为区间分配寄存器，必要时溢出一个活跃区间
func (a *allocator) assign(li *LiveInterval, pos int, avoid uint64, protect, copies map[IntervalID]bool) bool {
	ctx := a.ctx
	class := li.Mask.Class
	cand := li.Mask.Expand(ctx.Allocatable[class]) &^ avoid
	if cand == 0 {
		constraintFault("%s has no allocatable register", li.Mask)
	}

	free := a.free[class] & cand
	pref := free &^ li.cross
	reg := -1
	switch {
	case !li.Hint.IsEmpty() && pref&li.Hint.Expand(cand) != 0:
		reg = lowest(pref & li.Hint.Expand(cand))
	case pref != 0:
		reg = lowest(pref)
	case free != 0:
		reg = lowest(free)
	default:
		victim := a.pickVictim(class, cand, pos, protect, copies)
		if victim == nil {
			return false
		}
		reg = victim.Reg
		a.evict(victim, pos)
	}

	li.Reg = reg
	li.State = StateActive
	a.free[class] &^= bit(reg)
	ctx.UsedRegs[class] |= bit(reg)
	a.addToActive(li)
	return true
}

// pickVictim 在满足约束的活跃区间中选终点最远的一个
func (a *allocator) pickVictim(class RegClass, cand uint64, pos int, protect, copies map[IntervalID]bool) *LiveInterval {
	var victim *LiveInterval
	for _, li := range a.active {
		if li.Mask.Class != class || cand&bit(li.Reg) == 0 {
			continue
		}
		if protect[li.ID] || copies[li.ID] || !a.evictable(li, pos) {
			continue
		}
		// active 按 End 升序，后出现的终点不更近
		victim = li
	}
	return victim
}

// evictable 在循环中溢出时，截断后的寄存器段之后不能有必须读寄存器的位置
func (a *allocator) evictable(li *LiveInterval, pos int) bool {
	cut := a.cut(li, pos)
	if cut >= pos {
		return true
	}
	for _, r := range a.nonMemReads[li.ID] {
		if r >= cut && r < pos {
			return false
		}
	}
	return true
}

// cut 计算在 pos 溢出时寄存器段的终点
// 回边从 pos 之后跳回 (Start, pos) 之间的循环头时，循环头之后读到的寄存器可能已被改写
func (a *allocator) cut(li *LiveInterval, pos int) int {
	end := pos
	for _, e := range a.ctx.backEdges {
		head, jump := e[0], e[1]
		if li.Start < head && head < end && jump >= pos {
			end = head
		}
	}
	return end
}

// loopCutAtClobber 区间会在循环内的破坏点被截断时，定义后立刻溢出
func (a *allocator) loopCutAtClobber(li *LiveInterval) bool {
	for _, c := range a.clobbers {
		if li.Start < c.pos && li.End > c.pos && c.regs[li.Mask.Class]&bit(li.Reg) != 0 {
			if a.cut(li, c.pos-1) < c.pos-1 {
				return true
			}
		}
	}
	return false
}

// evict 把区间溢出到新的栈槽
func (a *allocator) evict(li *LiveInterval, pos int) {
	li.RegEnd = a.cut(li, pos)
	li.IsSpill = true
	li.SpillOffset = a.slot(li.Type)
	li.State = StateSpilled
	a.removeActive(li)
	a.free[li.Mask.Class] |= bit(li.Reg)
	a.evicted = append(a.evicted, li)
}

// slot 分配栈槽：偏移单调递增，按值的自然对齐
func (a *allocator) slot(t ir.DataType) int {
	size := t.Size()
	if size < 4 {
		size = 4
	}
	a.nextSpill = (a.nextSpill + size + size - 1) &^ (size - 1)
	return a.nextSpill
}

func (a *allocator) holder(class RegClass, reg int) *LiveInterval {
	for _, li := range a.active {
		if li.Mask.Class == class && li.Reg == reg {
			return li
		}
	}
	return nil
}

// expire 释放已经结束的区间
func (a *allocator) expire(pos int) {
	kept := a.active[:0]
	for _, li := range a.active {
		if li.End <= pos {
			li.State = StateHandled
			a.free[li.Mask.Class] |= bit(li.Reg)
		} else {
			kept = append(kept, li)
		}
	}
	a.active = kept
}

// addToActive 将区间加入活跃列表（保持按结束位置排序）
func (a *allocator) addToActive(li *LiveInterval) {
	i := sort.Search(len(a.active), func(i int) bool {
		return a.active[i].End > li.End
	})
	a.active = append(a.active, nil)
	copy(a.active[i+1:], a.active[i:])
	a.active[i] = li
}

func (a *allocator) removeActive(li *LiveInterval) {
	for i, x := range a.active {
		if x == li {
			a.active = append(a.active[:i], a.active[i+1:]...)
			return
		}
	}
}

// ============================================================================
// 溢出移动与存放处解析
// ============================================================================

// insertMoves 生成每个块的最终顺序：复制在瓦片之前，溢出写入紧跟定义之后
func (a *allocator) insertMoves(scheduled [][]TileID) {
	ctx := a.ctx
	after := make(map[TileID][]TileID)
	for _, li := range a.evicted {
		def := ctx.Tile(li.Tile)
		st := ctx.newTile(-1, ir.NoNode)
		st.Block = def.Block
		st.Tag = TileSpillMove
		st.Type = li.Type
		st.Ins = []Input{{Src: li.Tile, Val: li.ID, Pos: li.Start, Mask: li.Mask}}
		st.Dst = OnStack(li.Mask.Class, li.SpillOffset)
		after[def.ID] = append(after[def.ID], st.ID)
		ctx.SpillMoves++
	}

	for bi := range ctx.Blocks {
		b := &ctx.Blocks[bi]
		b.Tiles = scheduled[bi]
		b.Order = b.Order[:0]
		for _, id := range b.Tiles {
			b.Order = append(b.Order, a.before[id]...)
			b.Order = append(b.Order, id)
			b.Order = append(b.Order, after[id]...)
		}
	}
}

func (a *allocator) resolve() {
	ctx := a.ctx
	for bi := range ctx.Blocks {
		for _, id := range ctx.Blocks[bi].Order {
			t := ctx.Tile(id)
			for k := range t.Ins {
				in := &t.Ins[k]
				in.Loc = ctx.Interval(in.Val).At(in.Pos)
			}
			if t.Interval != NoInterval {
				li := ctx.Interval(t.Interval)
				t.Dst = InReg(li.Mask.Class, li.Reg)
			}
		}
	}
}

func bit(reg int) uint64 {
	if reg < 0 {
		return 0
	}
	return 1 << uint(reg)
}

func lowest(mask uint64) int { return bits.TrailingZeros64(mask) }
