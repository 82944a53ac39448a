package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"whyboard/api/internal/store"
)

func node(key, category string, next ...string) store.Node {
	return store.Node{NodeKey: key, Category: category, NextNodes: next}
}

func TestRecomputeDepthsChain(t *testing.T) {
	nodes := []store.Node{
		node("root", store.CategoryRoot, "n1"),
		node("n1", store.CategoryWhy, "n2"),
		node("n2", store.CategoryWhy),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, map[string]int{"root": 0, "n1": 1, "n2": 2}, depths)
}

func TestRecomputeDepthsBranching(t *testing.T) {
	nodes := []store.Node{
		node("root", store.CategoryRoot, "a", "b"),
		node("a", store.CategoryWhy, "c"),
		node("b", store.CategoryWhy, "c"),
		node("c", store.CategoryCause),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, 0, depths["root"])
	assert.Equal(t, 1, depths["a"])
	assert.Equal(t, 1, depths["b"])
	// Shortest path wins under BFS.
	assert.Equal(t, 2, depths["c"])
}

func TestRecomputeDepthsPreferRootTyped(t *testing.T) {
	// The root-typed node wins even when another node has zero indegree.
	nodes := []store.Node{
		node("orphan", store.CategoryWhy),
		node("real-root", store.CategoryRoot, "n1"),
		node("n1", store.CategoryWhy),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, 0, depths["real-root"])
	assert.Equal(t, 1, depths["n1"])
	assert.Equal(t, 0, depths["orphan"])
}

func TestRecomputeDepthsZeroIndegreeFallback(t *testing.T) {
	nodes := []store.Node{
		node("mid", store.CategoryWhy, "leaf"),
		node("top", store.CategoryWhy, "mid"),
		node("leaf", store.CategoryWhy),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, 0, depths["top"])
	assert.Equal(t, 1, depths["mid"])
	assert.Equal(t, 2, depths["leaf"])
}

func TestRecomputeDepthsPureCycleTerminates(t *testing.T) {
	// No root-typed node, no zero-indegree node. Falls back to the first
	// node in input order and must not loop.
	nodes := []store.Node{
		node("a", store.CategoryWhy, "b"),
		node("b", store.CategoryWhy, "c"),
		node("c", store.CategoryWhy, "a"),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, 0, depths["a"])
	assert.Equal(t, 1, depths["b"])
	assert.Equal(t, 2, depths["c"])
}

func TestRecomputeDepthsDanglingEdges(t *testing.T) {
	// Edges pointing at keys not present in the submitted set are ignored.
	nodes := []store.Node{
		node("root", store.CategoryRoot, "ghost", "n1"),
		node("n1", store.CategoryWhy),
	}

	depths := RecomputeDepths(nodes)

	assert.Equal(t, map[string]int{"root": 0, "n1": 1}, depths)
}

func TestRecomputeDepthsEmpty(t *testing.T) {
	assert.Empty(t, RecomputeDepths(nil))
}
