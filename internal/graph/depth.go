// Package graph recomputes node depths for full-graph saves.
package graph

import "whyboard/api/internal/store"

// RecomputeDepths walks the submitted graph breadth-first and returns the
// distance of every reachable node from the chosen root, keyed by node key.
//
// Root selection, in order: an explicit root-category node, then any node
// with zero indegree, then the first node in input order. Submitted graphs
// can be malformed or cyclic; the visited set guarantees termination and
// the chosen start always gets depth 0. Nodes unreachable from any start
// are seeded as additional depth-0 starts so every node ends up with a
// depth.
func RecomputeDepths(nodes []store.Node) map[string]int {
	depths := make(map[string]int, len(nodes))
	if len(nodes) == 0 {
		return depths
	}

	byKey := make(map[string]store.Node, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, node := range nodes {
		byKey[node.NodeKey] = node
		if _, ok := indegree[node.NodeKey]; !ok {
			indegree[node.NodeKey] = 0
		}
	}
	for _, node := range nodes {
		for _, next := range node.NextNodes {
			if _, ok := byKey[next]; ok {
				indegree[next]++
			}
		}
	}

	start := pickRoot(nodes, indegree)
	visited := make(map[string]bool, len(nodes))

	bfs := func(rootKey string) {
		queue := []string{rootKey}
		visited[rootKey] = true
		depths[rootKey] = 0
		for len(queue) > 0 {
			key := queue[0]
			queue = queue[1:]
			for _, next := range byKey[key].NextNodes {
				if _, ok := byKey[next]; !ok || visited[next] {
					continue
				}
				visited[next] = true
				depths[next] = depths[key] + 1
				queue = append(queue, next)
			}
		}
	}

	bfs(start.NodeKey)

	// Disconnected components still need depths; walk each in input order.
	for _, node := range nodes {
		if !visited[node.NodeKey] {
			bfs(node.NodeKey)
		}
	}

	return depths
}

func pickRoot(nodes []store.Node, indegree map[string]int) store.Node {
	for _, node := range nodes {
		if node.Category == store.CategoryRoot {
			return node
		}
	}
	for _, node := range nodes {
		if indegree[node.NodeKey] == 0 {
			return node
		}
	}
	return nodes[0]
}
