package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type node[V any] struct {
	key     string
	value   V
	forward []*node[V]
}

// SkipList keeps values ordered by key. It is not safe for concurrent use;
// owners guard it with their own lock.
type SkipList[V any] struct {
	head  *node[V]
	level int
	size  int
	rnd   *rand.Rand
}

// NewSkipList creates an empty skip list.
func NewSkipList[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: &node[V]{forward: make([]*node[V], MaxLevel)},
		rnd:  rand.New(rand.NewSource(rand.Int63())),
	}
}

func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on each level.
func (sl *SkipList[V]) findPredecessors(key string, update []*node[V]) *node[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current
}

// Insert adds or replaces the value of key.
func (sl *SkipList[V]) Insert(key string, value V) {
	update := make([]*node[V], MaxLevel)
	current := sl.findPredecessors(key, update).forward[0]
	if current != nil && current.key == key {
		current.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node[V]{key: key, value: value, forward: make([]*node[V], newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

// Search returns the value of key.
func (sl *SkipList[V]) Search(key string) (V, bool) {
	current := sl.findPredecessors(key, nil).forward[0]
	if current != nil && current.key == key {
		return current.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present.
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*node[V], MaxLevel)
	current := sl.findPredecessors(key, update).forward[0]
	if current == nil || current.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != current {
			break
		}
		update[i].forward[i] = current.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

func (sl *SkipList[V]) Len() int {
	return sl.size
}

// Iterator starts before the first key.
func (sl *SkipList[V]) Iterator() *Iterator[V] {
	return &Iterator[V]{current: sl.head}
}

// Seek starts before the first key >= from.
func (sl *SkipList[V]) Seek(from string) *Iterator[V] {
	return &Iterator[V]{current: sl.findPredecessors(from, nil)}
}

// Iterator walks a skip list in key order. Mutating the list while
// iterating is not supported.
type Iterator[V any] struct {
	current *node[V]
}

// Next advances and reports whether an element is available.
func (it *Iterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

func (it *Iterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.key
}

func (it *Iterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.value
}
