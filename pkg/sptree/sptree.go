// Package sptree implements the weight-balanced order-statistic tree used
// by tree indexes: nodes live in a contiguous slot array addressed by
// uint32 index, a freelist recycles released slots, and an alpha-weight
// rebalance pass keeps height close to log(1/alpha) of the size.
package sptree

import (
	"math"

	"github.com/bobboyms/storage-engine/pkg/types"
)

// Nil is the sentinel slot index, mirroring SPNIL in the original tree.
const Nil uint32 = 0xffffffff

// alpha is the weight-balance factor from the original implementation.
const alpha = 0.75

// countAlpha returns the maximum depth allowed for a subtree of the given
// size before it must be rebuilt flat.
func countAlpha(size uint32) float64 {
	if size == 0 {
		return 0
	}
	return math.Floor(math.Log(float64(size)) / math.Log(1.0/alpha))
}

type lrpointers struct {
	left, right uint32
}

type slot struct {
	key   types.Comparable
	value int64
}

// Tree is a weight-balanced BST over an array-of-slots with a freelist.
// It is NOT internally synchronized; callers that need concurrent access
// take an external lock, exactly like the index layer that embeds this
// tree does.
type Tree struct {
	nodes []slot
	lr    []lrpointers

	root        uint32
	garbageHead uint32
	size        uint32
	maxSize     uint32
	maxDepth    int

	// unique selects whether duplicate keys are rejected (true) or kept
	// distinct by tie-breaking on value (false).
	unique bool
}

// New creates an empty tree. When unique is false, entries that compare
// equal by key are kept distinct by ordering on value as a tie-breaker.
func New(unique bool) *Tree {
	return &Tree{
		root:        Nil,
		garbageHead: Nil,
		unique:      unique,
	}
}

// compareFull orders two (key, value) pairs the way the tree is actually
// organized: by key, then — for non-unique trees — by value so that
// distinct tuples sharing a key remain distinct slots.
func (t *Tree) compareFull(aKey types.Comparable, aVal int64, bKey types.Comparable, bVal int64) int {
	if c := aKey.Compare(bKey); c != 0 {
		return c
	}
	if t.unique {
		return 0
	}
	switch {
	case aVal < bVal:
		return -1
	case aVal > bVal:
		return 1
	default:
		return 0
	}
}

func (t *Tree) at(n uint32) *slot {
	return &t.nodes[n]
}

// getPlace returns a free slot index, reusing the freelist before growing.
func (t *Tree) getPlace() uint32 {
	var node uint32
	if t.garbageHead != Nil {
		node = t.garbageHead
		t.garbageHead = t.lr[t.garbageHead].left
	} else {
		t.nodes = append(t.nodes, slot{})
		t.lr = append(t.lr, lrpointers{})
		node = uint32(len(t.nodes) - 1)
	}
	t.lr[node] = lrpointers{left: Nil, right: Nil}
	return node
}

// Size returns the number of live elements.
func (t *Tree) Size() int { return int(t.size) }

// Bytes estimates the tree's memory footprint, mirroring sptree_bytes.
func (t *Tree) Bytes() int {
	return len(t.nodes)*40 + len(t.lr)*8
}

// Find looks up the value stored for an exact key match.
func (t *Tree) Find(key types.Comparable) (int64, bool) {
	node := t.root
	for node != Nil {
		s := t.at(node)
		c := key.Compare(s.key)
		switch {
		case c > 0:
			node = t.lr[node].right
		case c < 0:
			node = t.lr[node].left
		default:
			return s.value, true
		}
	}
	return 0, false
}

// InsertOrReplace inserts a (key, value) pair, or — for unique trees —
// overwrites the value of an existing equal key. Non-unique trees never
// collide on key alone; the tie-break on value means inserting the same
// (key, value) pair twice is the only way to hit the equal branch, and
// that degenerates to a harmless in-place overwrite.
func (t *Tree) InsertOrReplace(key types.Comparable, value int64) {
	if t.root == Nil {
		node := t.getPlace()
		t.at(node).key, t.at(node).value = key, value
		t.root = node
		t.size = 1
		if t.maxSize < 1 {
			t.maxSize = 1
		}
		return
	}

	var path []uint32
	parent := t.root
	depth := 0
	for {
		c := t.compareFull(key, value, t.at(parent).key, t.at(parent).value)
		if c == 0 {
			t.at(parent).key, t.at(parent).value = key, value
			return
		}
		path = append(path, parent)
		depth++
		if c > 0 {
			if t.lr[parent].right == Nil {
				node := t.getPlace()
				t.at(node).key, t.at(node).value = key, value
				t.lr[parent].right = node
				t.insertFixup(path, node, depth)
				return
			}
			parent = t.lr[parent].right
		} else {
			if t.lr[parent].left == Nil {
				node := t.getPlace()
				t.at(node).key, t.at(node).value = key, value
				t.lr[parent].left = node
				t.insertFixup(path, node, depth)
				return
			}
			parent = t.lr[parent].left
		}
	}
}

// insertFixup applies the alpha-weight rebalance rule after an insertion
// that left the new node at the given depth, following the ancestor-walk
// in the original sptree_insert.
func (t *Tree) insertFixup(path []uint32, node uint32, depth int) {
	t.size++
	if t.size > t.maxSize {
		t.maxSize = t.size
	}
	if depth > t.maxDepth {
		t.maxDepth = depth
	}

	if float64(depth) <= countAlpha(t.size) {
		return
	}

	path = append(path, node)
	size := uint32(1)
	for i := 1; ; i++ {
		if i < depth {
			parent := path[depth-i]
			var sibling uint32
			if t.lr[parent].right == path[depth-i+1] {
				sibling = t.lr[parent].left
			} else {
				sibling = t.lr[parent].right
			}
			size += 1 + t.subtreeSize(sibling)
			if float64(i) > countAlpha(size) {
				n := t.balance(parent, size)
				pp := path[depth-i-1]
				if t.lr[pp].left == parent {
					t.lr[pp].left = n
				} else {
					t.lr[pp].right = n
				}
				return
			}
		} else {
			t.root = t.balance(t.root, t.size)
			t.maxSize = t.size
			return
		}
	}
}

func (t *Tree) subtreeSize(node uint32) uint32 {
	if node == Nil {
		return 0
	}
	return 1 + t.subtreeSize(t.lr[node].left) + t.subtreeSize(t.lr[node].right)
}

// flatten turns a subtree into a right-linked list via the garbage_head
// style fake head, then build re-assembles it as a perfectly balanced
// tree. The scratch head slot is returned to the freelist afterward.
func (t *Tree) balance(root uint32, size uint32) uint32 {
	fake := t.getPlace()
	z := t.flatten(root, fake)
	t.build(z, size)

	z = t.lr[fake].left
	t.lr[fake].left = t.garbageHead
	t.garbageHead = fake
	return z
}

func (t *Tree) flatten(root, head uint32) uint32 {
	if root == Nil {
		return head
	}
	node := t.flatten(t.lr[root].right, head)
	t.lr[root].right = node
	return t.flatten(t.lr[root].left, root)
}

func (t *Tree) build(node uint32, size uint32) uint32 {
	if size == 0 {
		t.lr[node].left = Nil
		return node
	}
	root := t.build(node, uint32(math.Ceil((float64(size)-1.0)/2.0)))
	list := t.build(t.lr[root].right, uint32(math.Floor((float64(size)-1.0)/2.0)))
	tmp := t.lr[list].left
	t.lr[root].right = tmp
	t.lr[list].left = root
	return list
}

// Delete removes the element matching key, returning whether it was present.
func (t *Tree) Delete(key types.Comparable) bool {
	node := t.root
	parent := Nil
	lr := 0
	for node != Nil {
		c := key.Compare(t.at(node).key)
		switch {
		case c > 0:
			parent, node, lr = node, t.lr[node].right, 1
		case c < 0:
			parent, node, lr = node, t.lr[node].left, -1
		default:
			freed := t.unlink(node, parent, lr)
			t.lr[freed].left = t.garbageHead
			t.garbageHead = freed

			t.size--
			if t.size > 0 && float64(t.size) < alpha*float64(t.maxSize) {
				t.root = t.balance(t.root, t.size)
				t.maxSize = t.size
			}
			return true
		}
	}
	return false
}

// unlink detaches the matched node from the tree, splicing in its
// in-order predecessor when it has two children — mirroring
// sptree_delete's case analysis. Returns the slot index that is now
// physically vacant and safe to push onto the freelist: that is `node`
// itself in the zero/one-child cases, but the predecessor's old slot in
// the two-children case, since node's slot keeps living with the
// predecessor's payload copied into it.
func (t *Tree) unlink(node, parent uint32, lr int) uint32 {
	left, right := t.lr[node].left, t.lr[node].right

	switch {
	case left == Nil && right == Nil:
		t.setChild(parent, lr, Nil)
		return node
	case left == Nil:
		t.setChild(parent, lr, right)
		return node
	case right == Nil:
		t.setChild(parent, lr, left)
		return node
	default:
		toDel := left
		predParent := Nil
		for t.lr[toDel].right != Nil {
			predParent = toDel
			toDel = t.lr[toDel].right
		}
		if predParent != Nil {
			t.lr[predParent].right = t.lr[toDel].left
		} else {
			t.lr[node].left = t.lr[toDel].left
		}
		t.at(node).key, t.at(node).value = t.at(toDel).key, t.at(toDel).value
		return toDel
	}
}

func (t *Tree) setChild(parent uint32, lr int, child uint32) {
	if parent == Nil {
		t.root = child
		return
	}
	if lr < 0 {
		t.lr[parent].left = child
	} else {
		t.lr[parent].right = child
	}
}

// Iterator walks elements in ascending key order via an explicit ancestor
// stack, restartable from any call to Iterate/IterateFrom.
type Iterator struct {
	t     *Tree
	stack []uint32
}

// Iterate returns an iterator positioned at the smallest element.
func (t *Tree) Iterate() *Iterator {
	it := &Iterator{t: t}
	if t.root == Nil {
		return it
	}
	it.stack = append(it.stack, t.root)
	it.descendLeft()
	return it
}

// IterateFrom returns an iterator positioned at the first element equal
// to key, or the first element greater than key if no equal element
// exists. On non-unique indexes this lands on the first of a run of
// equal keys, not the last, matching the tree's left-to-right tie-break.
func (t *Tree) IterateFrom(key types.Comparable) *Iterator {
	it := &Iterator{t: t}
	if t.root == Nil {
		return it
	}

	lastEqual := -1
	node := t.root
	for node != Nil {
		c := key.Compare(t.at(node).key)
		it.stack = append(it.stack, node)
		switch {
		case c > 0:
			it.stack = it.stack[:len(it.stack)-1]
			node = t.lr[node].right
		case c < 0:
			node = t.lr[node].left
		default:
			lastEqual = len(it.stack) - 1
			node = t.lr[node].left
		}
	}

	if lastEqual >= 0 {
		it.stack = it.stack[:lastEqual+1]
	}
	return it
}

func (it *Iterator) descendLeft() {
	for {
		top := it.stack[len(it.stack)-1]
		left := it.t.lr[top].left
		if left == Nil {
			return
		}
		it.stack = append(it.stack, left)
	}
}

// Next returns the next (key, value) pair in ascending order, or
// ok=false once the walk is exhausted.
func (it *Iterator) Next() (key types.Comparable, value int64, ok bool) {
	if len(it.stack) == 0 {
		return nil, 0, false
	}

	top := it.stack[len(it.stack)-1]
	s := it.t.at(top)
	key, value = s.key, s.value

	it.stack = it.stack[:len(it.stack)-1]
	right := it.t.lr[top].right
	if right != Nil {
		it.stack = append(it.stack, right)
		it.descendLeft()
	}

	return key, value, true
}
