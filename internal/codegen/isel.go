package codegen

import (
	"github.com/tangzhangming/tb/internal/ir"
)

// ============================================================================
// 基本块发现
// ============================================================================

// buildBlocks 从 Start 出发发现可达的基本块，按逆后序布局
func buildBlocks(ctx *Context) {
	g := ctx.Graph
	head := make([]ir.NodeID, g.Len())
	terms := make(map[ir.NodeID]ir.NodeID)

	g.Each(func(n *ir.Node) {
		if !n.Kind.IsTerminator() {
			return
		}
		h := headOf(g, head, n.ID)
		if prev, ok := terms[h]; ok {
			Unimplemented("block %%%d has two terminators (%%%d, %%%d)", h, prev, n.ID)
		}
		terms[h] = n.ID
	})

	succs := func(h ir.NodeID) []ir.NodeID {
		term, ok := terms[h]
		if !ok {
			Unimplemented("block %%%d has no terminator", h)
		}
		n := g.Node(term)
		switch n.Kind {
		case ir.KindGoto:
			return n.Targets[:1]
		case ir.KindBranch:
			return n.Targets[:]
		}
		return nil
	}

	// 迭代 DFS 求后序
	type frame struct {
		head ir.NodeID
		next int
	}
	visited := make(map[ir.NodeID]bool)
	var post []ir.NodeID
	stack := []frame{{head: g.Start}}
	visited[g.Start] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		ss := succs(top.head)
		if top.next < len(ss) {
			s := ss[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{head: s})
			}
			continue
		}
		post = append(post, top.head)
		stack = stack[:len(stack)-1]
	}

	blockOf := ctx.scratch.blockOf
	ctx.Blocks = make([]Block, len(post))
	for i := range post {
		h := post[len(post)-1-i]
		ctx.Blocks[i] = Block{Index: i, Head: h, Term: terms[h]}
		blockOf[h] = int32(i)
	}
	for i := range ctx.Blocks {
		b := &ctx.Blocks[i]
		for _, s := range succs(b.Head) {
			b.Succs = append(b.Succs, int(blockOf[s]))
		}
	}

	g.Each(func(n *ir.Node) {
		if n.Kind.IsLeaf() {
			return
		}
		h := headOf(g, head, n.ID)
		if bi := blockOf[h]; bi >= 0 {
			blockOf[n.ID] = bi
			ctx.Blocks[bi].Nodes = append(ctx.Blocks[bi].Nodes, n.ID)
		}
	})

	// 数据使用计数
	uses := ctx.scratch.uses
	for bi := range ctx.Blocks {
		for _, id := range ctx.Blocks[bi].Nodes {
			n := g.Node(id)
			for _, in := range dataInputs(n) {
				if in != ir.NoNode {
					uses[in]++
				}
			}
		}
	}
}

// headOf 沿控制输入找到节点所在的块头，结果记在 memo 中
func headOf(g *ir.Graph, memo []ir.NodeID, id ir.NodeID) ir.NodeID {
	var walk []ir.NodeID
	h := ir.NoNode
	for cur := id; cur != ir.NoNode; {
		if memo[cur] != ir.NoNode {
			h = memo[cur]
			break
		}
		n := g.Node(cur)
		if n.Kind.IsBlockHead() {
			h = cur
			break
		}
		if n.Kind.IsLeaf() || len(n.Inputs) == 0 {
			break
		}
		walk = append(walk, cur)
		cur = n.Inputs[0]
	}
	if h == ir.NoNode {
		Unimplemented("node %%%d (%s) is not anchored to a block", id, g.Node(id).Kind)
	}
	for _, w := range walk {
		memo[w] = h
	}
	return h
}

// dataInputs 节点读取的值（不含控制输入）
func dataInputs(n *ir.Node) []ir.NodeID {
	switch n.Kind {
	case ir.KindStart, ir.KindRegion, ir.KindProj, ir.KindGoto:
		return nil
	}
	if len(n.Inputs) <= 1 {
		return nil
	}
	return n.Inputs[1:]
}

// ============================================================================
// 指令选择驱动
// ============================================================================

// selectTiles 为每个块中需要物化的节点生成瓦片
//
// 块内按创建顺序的逆序访问，父节点先于子节点，父节点可以在子节点被
// 访问前把它折叠掉。叶子在每个使用块中按需重新物化。
func selectTiles(ctx *Context) {
	for bi := range ctx.Blocks {
		b := &ctx.Blocks[bi]
		for i := len(b.Nodes) - 1; i >= 0; i-- {
			id := b.Nodes[i]
			if ctx.IsFolded(id) {
				continue
			}
			n := ctx.Node(id)
			if ctx.Uses(id) == 0 && !mustTile(n.Kind) {
				// 死值：不物化，同块中只供它使用的操作数随之变成死值
				for _, in := range dataInputs(n) {
					if in != ir.NoNode {
						ctx.scratch.uses[in]--
					}
				}
				continue
			}
			t := ctx.newTile(bi, id)
			t.Out = ctx.Target.Select(ctx, t, n)
			ctx.scratch.nodeTile[id] = t.ID
		}
	}

	// 叶子瓦片没有输入，循环中新增的瓦片无需再解析
	for i := 0; i < ctx.NumTiles(); i++ {
		t := ctx.Tile(TileID(i))
		for k := range t.Ins {
			t.Ins[k].Src = ctx.producer(t.Block, t.Ins[k].Node)
		}
		n := ctx.Node(t.Node)
		if n == nil || n.Kind.IsLeaf() || n.Kind.IsBlockHead() || len(n.Inputs) == 0 {
			continue
		}
		// 投影依赖元组，其他节点依赖同块中的控制前驱
		if ctrl := ctx.scratch.nodeTile[n.Inputs[0]]; ctrl != NoTile && ctx.Tile(ctrl).Block == t.Block {
			t.Deps = append(t.Deps, ctrl)
		}
	}
}

// mustTile 没有使用者也必须生成瓦片的节点
func mustTile(k ir.Kind) bool {
	return k.IsBlockHead() || k.IsTerminator() || k.HasSideEffects()
}

// producer 返回在 block 中提供 node 值的瓦片
func (ctx *Context) producer(block int, id ir.NodeID) TileID {
	n := ctx.Node(id)
	if n == nil {
		constraintFault("operand %%%d does not exist", id)
	}
	if n.Kind.IsLeaf() {
		key := rematKey{block: block, node: id}
		if t, ok := ctx.remat[key]; ok {
			return t
		}
		t := ctx.newTile(block, id)
		t.Out = ctx.Target.Select(ctx, t, n)
		ctx.remat[key] = t.ID
		return t.ID
	}
	if ctx.IsFolded(id) {
		constraintFault("operand %%%d was folded but is still read", id)
	}
	t := ctx.scratch.nodeTile[id]
	if t == NoTile {
		constraintFault("operand %%%d (%s) has no tile", id, n.Kind)
	}
	return t
}
