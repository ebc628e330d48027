package cache

// lru is a doubly-linked recency list over slot indices. Index n (one
// past the last slot) is the sentinel; front() is the least recently
// used slot.
type lru struct {
	prev []int
	next []int
}

func mkLru(n int) *lru {
	l := &lru{
		prev: make([]int, n+1),
		next: make([]int, n+1),
	}
	l.prev[n] = n
	l.next[n] = n
	for i := 0; i < n; i++ {
		l.pushBack(i)
	}
	return l
}

func (l *lru) end() int {
	return len(l.next) - 1
}

func (l *lru) front() int {
	return l.next[l.end()]
}

func (l *lru) remove(i int) {
	l.next[l.prev[i]] = l.next[i]
	l.prev[l.next[i]] = l.prev[i]
}

func (l *lru) pushBack(i int) {
	s := l.end()
	last := l.prev[s]
	l.next[last] = i
	l.prev[i] = last
	l.next[i] = s
	l.prev[s] = i
}

func (l *lru) moveToBack(i int) {
	l.remove(i)
	l.pushBack(i)
}

// order returns slot indices from least to most recently used.
func (l *lru) order() []int {
	var o []int
	for i := l.front(); i != l.end(); i = l.next[i] {
		o = append(o, i)
	}
	return o
}
