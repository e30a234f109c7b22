package hnsw

// heapItem is one entry of a distHeap: a candidate node and its distance
// to the query (smaller is closer).
type heapItem struct {
	id   string
	dist float64
}

// distHeap is a min-heap over heapItem.dist, used both as the frontier of
// unexplored candidates and (negated) as the bounded best-so-far list
// during a layer search.
type distHeap []*heapItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
