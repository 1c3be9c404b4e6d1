package orchestrator

import (
	"math/rand"
	"sync"
	"time"
)

// Rand picks outgoing branches.
type Rand interface {
	Intn(n int) int
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRand returns a goroutine-safe random source seeded from the clock.
func NewRand() Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Intn(n)
}

// PlayQueue is the linear playback order derived from a graph.
type PlayQueue struct {
	Entries []QueueEntry `json:"entries"`
	// Connections are the ids of the edges the walk followed.
	Connections []string `json:"connections"`
}

// NodeIDs returns the queued node ids in order.
func (q PlayQueue) NodeIDs() []string {
	ids := make([]string, len(q.Entries))
	for i, e := range q.Entries {
		ids[i] = e.NodeID
	}
	return ids
}

// BuildPlayQueue walks g from a root and returns a cycle-free node sequence.
// At every node one outgoing edge is followed, chosen uniformly by rng.
// startID is used as the start when it names a playable root; otherwise the
// first root in node order is used. Connections touching non-playable or
// missing nodes are ignored.
func BuildPlayQueue(g Graph, startID string, rng Rand) PlayQueue {
	if rng == nil {
		rng = NewRand()
	}

	nodes := make(map[string]Node)
	var order []string
	for _, n := range g.Nodes {
		if !n.Playable() {
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			continue
		}
		nodes[n.ID] = n
		order = append(order, n.ID)
	}
	if len(order) == 0 {
		return PlayQueue{}
	}

	outgoing := make(map[string][]Connection)
	incoming := make(map[string]int)
	for _, c := range g.Connections {
		if _, ok := nodes[c.From]; !ok {
			continue
		}
		if _, ok := nodes[c.To]; !ok {
			continue
		}
		outgoing[c.From] = append(outgoing[c.From], c)
		incoming[c.To]++
	}

	var roots []string
	for _, id := range order {
		if incoming[id] == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		roots = []string{order[0]}
	}

	start := roots[0]
	if _, ok := nodes[startID]; ok && incoming[startID] == 0 {
		start = startID
	}

	var q PlayQueue
	visited := make(map[string]bool)
	work := []string{start}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		q.Entries = append(q.Entries, QueueEntry{NodeID: id, Title: nodes[id].Title})

		outs := outgoing[id]
		if len(outs) == 0 {
			continue
		}
		c := outs[rng.Intn(len(outs))]
		if visited[c.To] {
			continue
		}
		q.Connections = append(q.Connections, c.ID)
		work = append(work, c.To)
	}
	return q
}
