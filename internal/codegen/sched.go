package codegen

import (
	"sort"

	"github.com/tangzhangming/tb/internal/ir"
)

// schedule 把每个块的瓦片排成线性顺序
func schedule(ctx *Context) {
	for bi := range ctx.Blocks {
		scheduleBlock(ctx, &ctx.Blocks[bi])
	}
}

// scheduleBlock 贪心列表调度
//
// 所有输入就绪的瓦片中，取节点创建顺序最小的一个；块头永远最先，终结
// 瓦片永远最后，元组的投影紧跟在元组之后。有副作用的节点通过控制链
// 相互依赖，因此保持选择阶段的相对顺序。
func scheduleBlock(ctx *Context, b *Block) {
	tiles := b.Tiles
	if len(tiles) == 0 {
		return
	}

	index := make(map[TileID]int, len(tiles))
	for i, id := range tiles {
		index[id] = i
	}

	indeg := make([]int, len(tiles))
	users := make([][]int, len(tiles))
	projs := make([][]int, len(tiles))
	head, term := -1, -1

	for i, id := range tiles {
		t := ctx.Tile(id)
		if n := ctx.Node(t.Node); n != nil && t.Op == 0 {
			switch {
			case n.Kind.IsBlockHead():
				head = i
			case n.Kind.IsTerminator():
				term = i
			case n.Kind == ir.KindProj:
				if j, ok := index[ctx.scratch.nodeTile[n.Inputs[0]]]; ok {
					projs[j] = append(projs[j], i)
				}
			}
		}
		addDep := func(d TileID) {
			if j, ok := index[d]; ok && j != i {
				indeg[i]++
				users[j] = append(users[j], i)
			}
		}
		for _, in := range t.Ins {
			addDep(in.Src)
		}
		for _, d := range t.Deps {
			addDep(d)
		}
	}

	less := func(a, b int) bool {
		ta, tb := ctx.Tile(tiles[a]), ctx.Tile(tiles[b])
		if ta.Node != tb.Node {
			return ta.Node < tb.Node
		}
		return ta.ID < tb.ID
	}

	for _, ps := range projs {
		sort.Slice(ps, func(a, b int) bool { return less(ps[a], ps[b]) })
	}

	done := make([]bool, len(tiles))
	order := make([]TileID, 0, len(tiles))
	var ready []int
	for i := range tiles {
		if indeg[i] == 0 && i != head {
			ready = append(ready, i)
		}
	}

	var place func(i int)
	place = func(i int) {
		done[i] = true
		order = append(order, tiles[i])
		for _, u := range users[i] {
			indeg[u]--
			if indeg[u] == 0 && !isProjOf(projs[i], u) {
				ready = append(ready, u)
			}
		}
		for _, p := range projs[i] {
			if !done[p] && indeg[p] == 0 {
				place(p)
			}
		}
	}

	if head >= 0 {
		if indeg[head] != 0 {
			constraintFault("block %d head has dependencies", b.Index)
		}
		place(head)
	}

	for len(order) < len(tiles) {
		best := -1
		for k, i := range ready {
			if done[i] || (i == term && len(order) < len(tiles)-1) {
				continue
			}
			if best < 0 || less(i, ready[best]) {
				best = k
			}
		}
		if best < 0 {
			constraintFault("block %d has a dependency cycle", b.Index)
		}
		i := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		place(i)
	}

	b.Tiles = order
}

func isProjOf(projs []int, u int) bool {
	for _, p := range projs {
		if p == u {
			return true
		}
	}
	return false
}
