package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/arenalloc"
)

// Every block starts with {flags, back, forward}, linking all blocks in address order. Occupied
// blocks follow that with their owner tag. Free blocks follow it with {parent, left, right}, which
// makes them nodes of a red-black tree keyed by payload size.
const (
	rbFlags   = 0
	rbBack    = 1
	rbForward = rbBack + arenalloc.PointerSize
	rbOwner   = rbForward + arenalloc.PointerSize
	rbParent  = rbForward + arenalloc.PointerSize
	rbLeft    = rbParent + arenalloc.PointerSize
	rbRight   = rbLeft + arenalloc.PointerSize

	rbHeaderSize     = rbOwner + arenalloc.PointerSize
	rbFreeHeaderSize = rbRight + arenalloc.PointerSize
	// rbMinPayload guarantees every occupied block can hold a free header once it is released
	rbMinPayload = rbFreeHeaderSize - rbHeaderSize

	rbOccupiedBit uint8 = 1 << 0
	rbRedBit      uint8 = 1 << 1
)

// RedBlackTreeAllocator links every block in address order and keeps the free ones in an intrusive
// red-black tree ordered by size, so best fit and worst fit searches are logarithmic.
type RedBlackTreeAllocator struct {
	arenaCore
}

var _ arenalloc.Allocator = &RedBlackTreeAllocator{}
var _ arenalloc.FitModeConfigurable = &RedBlackTreeAllocator{}
var _ arenalloc.BlockInspectable = &RedBlackTreeAllocator{}

// NewRedBlackTree creates a RedBlackTreeAllocator managing spaceSize bytes
func NewRedBlackTree(spaceSize int, options CreateOptions) (*RedBlackTreeAllocator, error) {
	if spaceSize < rbFreeHeaderSize {
		return nil, errors.Wrapf(arenalloc.ErrConstructionTooSmall, "red-black tree arena of %d bytes, at least %d are required", spaceSize, rbFreeHeaderSize)
	}

	a := &RedBlackTreeAllocator{}
	err := a.init("RedBlackTreeAllocator", spaceSize, options, a)
	if err != nil {
		return nil, err
	}

	a.view.SetRoot(0)
	a.insert(a.base)
	return a, nil
}

// Move transfers the arena to a new allocator. The receiver is left empty and every later call on it
// fails with arenalloc.ErrReleased.
func (a *RedBlackTreeAllocator) Move() *RedBlackTreeAllocator {
	moved := &RedBlackTreeAllocator{}
	a.moveTo(&moved.arenaCore, moved)
	return moved
}

func (a *RedBlackTreeAllocator) minPayload() int {
	return rbMinPayload
}

func (a *RedBlackTreeAllocator) end() int {
	return a.base + a.size
}

func (a *RedBlackTreeAllocator) isOccupied(node int) bool {
	return a.view.Uint8(node+rbFlags)&rbOccupiedBit != 0
}

func (a *RedBlackTreeAllocator) isRed(node int) bool {
	return node != 0 && a.view.Uint8(node+rbFlags)&rbRedBit != 0
}

func (a *RedBlackTreeAllocator) setRed(node int, red bool) {
	if node == 0 {
		return
	}

	flags := a.view.Uint8(node + rbFlags)
	if red {
		flags |= rbRedBit
	} else {
		flags &^= rbRedBit
	}
	a.view.PutUint8(node+rbFlags, flags)
}

func (a *RedBlackTreeAllocator) back(node int) int    { return a.view.Offset(node + rbBack) }
func (a *RedBlackTreeAllocator) forward(node int) int { return a.view.Offset(node + rbForward) }
func (a *RedBlackTreeAllocator) parent(node int) int  { return a.view.Offset(node + rbParent) }
func (a *RedBlackTreeAllocator) left(node int) int    { return a.view.Offset(node + rbLeft) }
func (a *RedBlackTreeAllocator) right(node int) int   { return a.view.Offset(node + rbRight) }

func (a *RedBlackTreeAllocator) setBack(node, value int) {
	if node != 0 {
		a.view.PutOffset(node+rbBack, value)
	}
}

func (a *RedBlackTreeAllocator) setForward(node, value int) {
	a.view.PutOffset(node+rbForward, value)
}

func (a *RedBlackTreeAllocator) setParent(node, value int) {
	if node != 0 {
		a.view.PutOffset(node+rbParent, value)
	}
}

func (a *RedBlackTreeAllocator) setLeft(node, value int) {
	a.view.PutOffset(node+rbLeft, value)
}

func (a *RedBlackTreeAllocator) setRight(node, value int) {
	a.view.PutOffset(node+rbRight, value)
}

// blockSize is the payload size of any block, free or occupied
func (a *RedBlackTreeAllocator) blockSize(node int) int {
	end := a.forward(node)
	if end == 0 {
		end = a.end()
	}
	return end - node - rbHeaderSize
}

func (a *RedBlackTreeAllocator) rotateLeft(x int) {
	y := a.right(x)
	a.setRight(x, a.left(y))
	a.setParent(a.left(y), x)

	a.replaceChild(a.parent(x), x, y)
	a.setParent(y, a.parent(x))

	a.setLeft(y, x)
	a.setParent(x, y)
}

func (a *RedBlackTreeAllocator) rotateRight(x int) {
	y := a.left(x)
	a.setLeft(x, a.right(y))
	a.setParent(a.right(y), x)

	a.replaceChild(a.parent(x), x, y)
	a.setParent(y, a.parent(x))

	a.setRight(y, x)
	a.setParent(x, y)
}

// replaceChild points whichever link of parent referenced child at replacement. A zero parent
// means child is the root.
func (a *RedBlackTreeAllocator) replaceChild(parent, child, replacement int) {
	switch {
	case parent == 0:
		a.view.SetRoot(replacement)
	case a.left(parent) == child:
		a.setLeft(parent, replacement)
	default:
		a.setRight(parent, replacement)
	}
}

func (a *RedBlackTreeAllocator) insert(node int) {
	size := a.blockSize(node)

	parent := 0
	for current := a.view.Root(); current != 0; {
		parent = current
		if size < a.blockSize(current) {
			current = a.left(current)
		} else {
			current = a.right(current)
		}
	}

	a.setParent(node, parent)
	a.setLeft(node, 0)
	a.setRight(node, 0)
	a.view.PutUint8(node+rbFlags, rbRedBit)

	switch {
	case parent == 0:
		a.view.SetRoot(node)
	case size < a.blockSize(parent):
		a.setLeft(parent, node)
	default:
		a.setRight(parent, node)
	}

	for a.isRed(a.parent(node)) {
		parent = a.parent(node)
		grandparent := a.parent(parent)

		if parent == a.left(grandparent) {
			uncle := a.right(grandparent)
			if a.isRed(uncle) {
				a.setRed(parent, false)
				a.setRed(uncle, false)
				a.setRed(grandparent, true)
				node = grandparent
				continue
			}

			if node == a.right(parent) {
				node = parent
				a.rotateLeft(node)
				parent = a.parent(node)
			}

			a.setRed(parent, false)
			a.setRed(grandparent, true)
			a.rotateRight(grandparent)
		} else {
			uncle := a.left(grandparent)
			if a.isRed(uncle) {
				a.setRed(parent, false)
				a.setRed(uncle, false)
				a.setRed(grandparent, true)
				node = grandparent
				continue
			}

			if node == a.left(parent) {
				node = parent
				a.rotateRight(node)
				parent = a.parent(node)
			}

			a.setRed(parent, false)
			a.setRed(grandparent, true)
			a.rotateLeft(grandparent)
		}
	}

	a.setRed(a.view.Root(), false)
}

func (a *RedBlackTreeAllocator) transplant(node, replacement int) {
	a.replaceChild(a.parent(node), node, replacement)
	a.setParent(replacement, a.parent(node))
}

func (a *RedBlackTreeAllocator) minimum(node int) int {
	for a.left(node) != 0 {
		node = a.left(node)
	}
	return node
}

func (a *RedBlackTreeAllocator) remove(node int) {
	removedRed := a.isRed(node)
	var child, childParent int

	switch {
	case a.left(node) == 0:
		child = a.right(node)
		childParent = a.parent(node)
		a.transplant(node, child)
	case a.right(node) == 0:
		child = a.left(node)
		childParent = a.parent(node)
		a.transplant(node, child)
	default:
		successor := a.minimum(a.right(node))
		removedRed = a.isRed(successor)
		child = a.right(successor)

		if a.parent(successor) == node {
			childParent = successor
		} else {
			childParent = a.parent(successor)
			a.transplant(successor, child)
			a.setRight(successor, a.right(node))
			a.setParent(a.right(successor), successor)
		}

		a.transplant(node, successor)
		a.setLeft(successor, a.left(node))
		a.setParent(a.left(successor), successor)
		a.setRed(successor, a.isRed(node))
	}

	a.setParent(node, 0)
	a.setLeft(node, 0)
	a.setRight(node, 0)

	if removedRed {
		return
	}

	for child != a.view.Root() && !a.isRed(child) {
		if child == a.left(childParent) {
			sibling := a.right(childParent)
			if a.isRed(sibling) {
				a.setRed(sibling, false)
				a.setRed(childParent, true)
				a.rotateLeft(childParent)
				sibling = a.right(childParent)
			}

			if !a.isRed(a.left(sibling)) && !a.isRed(a.right(sibling)) {
				a.setRed(sibling, true)
				child = childParent
				childParent = a.parent(child)
				continue
			}

			if !a.isRed(a.right(sibling)) {
				a.setRed(a.left(sibling), false)
				a.setRed(sibling, true)
				a.rotateRight(sibling)
				sibling = a.right(childParent)
			}

			a.setRed(sibling, a.isRed(childParent))
			a.setRed(childParent, false)
			a.setRed(a.right(sibling), false)
			a.rotateLeft(childParent)
			child = a.view.Root()
		} else {
			sibling := a.left(childParent)
			if a.isRed(sibling) {
				a.setRed(sibling, false)
				a.setRed(childParent, true)
				a.rotateRight(childParent)
				sibling = a.left(childParent)
			}

			if !a.isRed(a.left(sibling)) && !a.isRed(a.right(sibling)) {
				a.setRed(sibling, true)
				child = childParent
				childParent = a.parent(child)
				continue
			}

			if !a.isRed(a.left(sibling)) {
				a.setRed(a.right(sibling), false)
				a.setRed(sibling, true)
				a.rotateLeft(sibling)
				sibling = a.left(childParent)
			}

			a.setRed(sibling, a.isRed(childParent))
			a.setRed(childParent, false)
			a.setRed(a.left(sibling), false)
			a.rotateRight(childParent)
			child = a.view.Root()
		}
	}

	a.setRed(child, false)
}

// find returns the free node the fit mode selects for a payload of size bytes, or 0
func (a *RedBlackTreeAllocator) find(size int, mode arenalloc.FitMode) int {
	found := 0

	switch mode {
	case arenalloc.FitModeBest:
		for node := a.view.Root(); node != 0; {
			nodeSize := a.blockSize(node)
			if nodeSize < size {
				node = a.right(node)
				continue
			}

			found = node
			if nodeSize == size {
				break
			}
			node = a.left(node)
		}
	case arenalloc.FitModeWorst:
		for node := a.view.Root(); node != 0; node = a.right(node) {
			if a.blockSize(node) >= size {
				found = node
			}
		}
	default:
		// Walks the right spine, so the first node reached is the first by tree order rather
		// than by address
		for node := a.view.Root(); node != 0; node = a.right(node) {
			if a.blockSize(node) >= size {
				found = node
				break
			}
		}
	}

	return found
}

func (a *RedBlackTreeAllocator) allocate(size int, mode arenalloc.FitMode) (int, int, error) {
	node := a.find(size, mode)
	if node == 0 {
		return 0, 0, errors.Wrapf(arenalloc.ErrOutOfMemory, "no free block of %d bytes", size)
	}

	a.remove(node)

	nodeSize := a.blockSize(node)
	granted := size
	if nodeSize >= size+rbFreeHeaderSize {
		split := node + rbHeaderSize + size
		next := a.forward(node)

		a.view.Clear(split, rbFreeHeaderSize)
		a.setBack(split, node)
		a.setForward(split, next)
		a.setBack(next, split)
		a.setForward(node, split)
		a.insert(split)
	} else {
		granted = nodeSize
		if granted > size {
			a.warnWholeBlock(size, granted)
		}
	}

	a.view.PutUint8(node+rbFlags, rbOccupiedBit)
	a.view.PutUint64(node+rbOwner, a.tag)

	return node + rbHeaderSize, granted, nil
}

func (a *RedBlackTreeAllocator) occupiedSize(payload int) (int, error) {
	node := payload - rbHeaderSize
	if node < a.base || node > a.end()-rbFreeHeaderSize {
		return 0, corrupt(payload, "no room for a block header")
	}

	if !a.isOccupied(node) {
		return 0, corrupt(payload, "header does not mark the block occupied")
	}

	if a.view.Uint64(node+rbOwner) != a.tag {
		return 0, corrupt(payload, "header does not carry this allocator's tag")
	}

	back := a.back(node)
	if back == 0 {
		if node != a.base {
			return 0, corrupt(payload, "block has no predecessor but is not the first block")
		}
	} else if back < a.base || back > node-rbFreeHeaderSize || a.forward(back) != node {
		return 0, corrupt(payload, "predecessor does not link to the block")
	}

	forward := a.forward(node)
	if forward != 0 && (forward < node+rbFreeHeaderSize || forward > a.end()-rbFreeHeaderSize || a.back(forward) != node) {
		return 0, corrupt(payload, "successor does not link to the block")
	}

	return a.blockSize(node), nil
}

func (a *RedBlackTreeAllocator) release(payload int) {
	node := payload - rbHeaderSize
	a.view.PutUint8(node+rbFlags, 0)
	a.view.Clear(node+rbOwner, rbFreeHeaderSize-rbOwner)

	if forward := a.forward(node); forward != 0 && !a.isOccupied(forward) {
		a.remove(forward)
		next := a.forward(forward)
		a.setForward(node, next)
		a.setBack(next, node)
		a.view.Clear(forward, rbFreeHeaderSize)
	}

	if back := a.back(node); back != 0 && !a.isOccupied(back) {
		a.remove(back)
		next := a.forward(node)
		a.setForward(back, next)
		a.setBack(next, back)
		a.view.Clear(node, rbFreeHeaderSize)
		node = back
	}

	a.insert(node)
}

func (a *RedBlackTreeAllocator) requestCapacity(info arenalloc.BlockInfo) int {
	return info.Size
}

func (a *RedBlackTreeAllocator) visitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	for node := a.base; node != 0; {
		forward := a.forward(node)
		if forward != 0 && (forward < node+rbFreeHeaderSize || forward > a.end()-rbFreeHeaderSize) {
			return pkgerrors.Errorf("block at %d links forward to %d, outside of the arena", node-a.base, forward-a.base)
		}

		err := visit(arenalloc.BlockInfo{
			Offset:   node - a.base,
			Size:     a.blockSize(node),
			Overhead: rbHeaderSize,
			Occupied: a.isOccupied(node),
		})
		if err != nil {
			return err
		}

		node = forward
	}

	return nil
}

func (a *RedBlackTreeAllocator) validate() error {
	free := swiss.NewMap[int, bool](16)

	previous := 0
	previousFree := false
	for node := a.base; node != 0; node = a.forward(node) {
		if a.back(node) != previous {
			return pkgerrors.Errorf("block at %d links back to %d, expected %d", node-a.base, a.back(node)-a.base, previous-a.base)
		}

		occupied := a.isOccupied(node)
		if occupied {
			if a.view.Uint64(node+rbOwner) != a.tag {
				return pkgerrors.Errorf("block at %d does not carry this allocator's tag", node-a.base)
			}
			if a.blockSize(node) < rbMinPayload {
				return pkgerrors.Errorf("block at %d is smaller than the minimum payload", node-a.base)
			}
		} else {
			if previousFree {
				return pkgerrors.Errorf("free blocks at %d and %d were not merged", previous-a.base, node-a.base)
			}
			free.Put(node, false)
		}

		previous = node
		previousFree = !occupied
	}

	root := a.view.Root()
	if a.isRed(root) {
		return pkgerrors.New("tree root is red")
	}

	if root != 0 && a.parent(root) != 0 {
		return pkgerrors.Errorf("tree root at %d has a parent", root-a.base)
	}

	lastSize := -1
	_, err := a.validateSubtree(root, free, &lastSize)
	if err != nil {
		return err
	}

	var missing error
	free.Iter(func(node int, seen bool) bool {
		if !seen {
			missing = pkgerrors.Errorf("free block at %d is not in the tree", node-a.base)
			return true
		}
		return false
	})

	return missing
}

// validateSubtree checks the subtree rooted at node in order, marking each node in free, and returns
// its black height
func (a *RedBlackTreeAllocator) validateSubtree(node int, free *swiss.Map[int, bool], lastSize *int) (int, error) {
	if node == 0 {
		return 1, nil
	}

	seen, isFree := free.Get(node)
	if !isFree {
		return 0, pkgerrors.Errorf("tree node at %d is not a free block", node-a.base)
	}
	if seen {
		return 0, pkgerrors.Errorf("tree node at %d is reachable twice", node-a.base)
	}
	free.Put(node, true)

	left, right := a.left(node), a.right(node)
	for _, child := range []int{left, right} {
		if child != 0 && a.parent(child) != node {
			return 0, pkgerrors.Errorf("tree node at %d does not link back to its parent at %d", child-a.base, node-a.base)
		}
		if a.isRed(node) && a.isRed(child) {
			return 0, pkgerrors.Errorf("red tree node at %d has a red child at %d", node-a.base, child-a.base)
		}
	}

	leftHeight, err := a.validateSubtree(left, free, lastSize)
	if err != nil {
		return 0, err
	}

	size := a.blockSize(node)
	if size < *lastSize {
		return 0, pkgerrors.Errorf("tree node at %d of %d bytes follows a node of %d bytes", node-a.base, size, *lastSize)
	}
	*lastSize = size

	rightHeight, err := a.validateSubtree(right, free, lastSize)
	if err != nil {
		return 0, err
	}

	if leftHeight != rightHeight {
		return 0, pkgerrors.Errorf("tree node at %d has black heights %d and %d", node-a.base, leftHeight, rightHeight)
	}

	if a.isRed(node) {
		return leftHeight, nil
	}
	return leftHeight + 1, nil
}
