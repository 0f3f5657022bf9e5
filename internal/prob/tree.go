package prob

import "math"

// waitTime computes the standard rebalance wait for an interior node given
// its two child aggregates, matching the original tuning: the node is
// revisited sooner the more imbalanced its children are.
func waitTime(lw, rw float64) uint16 {
	lo, hi := lw, rw
	if lo > hi {
		lo, hi = hi, lo
	}
	w := math.Ceil(2*lo - hi)
	if w < 10 {
		w = 10
	}
	if w > 65535 {
		w = 65535
	}
	return uint16(w)
}

func subtreeSum(a *arena, ref nodeRef) float64 {
	if ref.isNil() {
		return 0
	}
	if ref.isLeaf() {
		return a.leaf(ref).count
	}
	return a.interior(ref).sum
}

// largestValue returns the largest value stored under ref. Every interior
// node in this tree always has both children populated (splits always
// produce two leaves), so the rightmost path always terminates in a leaf.
func largestValue(a *arena, ref nodeRef) uint32 {
	for !ref.isLeaf() {
		ref = a.interior(ref).right
	}
	return a.leaf(ref).value
}

// findLeafExact performs a plain BST search for val, without mutating
// anything. Used by probability/entropy/count lookups.
func findLeafExact(a *arena, ref nodeRef, val uint32) (nodeRef, bool) {
	for {
		if ref.isNil() {
			return 0, false
		}
		if ref.isLeaf() {
			ln := a.leaf(ref)
			if ln.value == val {
				return ref, true
			}
			return 0, false
		}
		in := a.interior(ref)
		if val <= in.sortKey {
			ref = in.left
		} else {
			ref = in.right
		}
	}
}

// insertOrIncrement walks or creates the BST rooted at ref, routing
// val<=sortKey left, and returns the (possibly new) subtree root
// together with the leaf that now holds val.
func insertOrIncrement(a *arena, ref nodeRef, val uint32) (nodeRef, nodeRef) {
	if ref.isNil() {
		lf := a.allocLeaf(val)
		a.leaf(lf).count = 1
		return lf, lf
	}
	if ref.isLeaf() {
		ln := a.leaf(ref)
		if ln.value == val {
			ln.count++
			return ref, ref
		}
		newLeaf := a.allocLeaf(val)
		a.leaf(newLeaf).count = 1

		var left, right, sortKey = ref, newLeaf, ln.value
		if val < ln.value {
			left, right, sortKey = newLeaf, ref, val
		}
		interior := a.allocInterior()
		in := a.interior(interior)
		in.left, in.right = left, right
		in.sortKey = sortKey
		in.sum = subtreeSum(a, left) + subtreeSum(a, right)
		in.wait = waitTime(subtreeSum(a, left), subtreeSum(a, right))
		return interior, newLeaf
	}

	in := a.interior(ref)
	var result nodeRef
	if val <= in.sortKey {
		newLeft, lf := insertOrIncrement(a, in.left, val)
		in = a.interior(ref) // the call may have grown the interior slice
		in.left = newLeft
		result = lf
	} else {
		newRight, lf := insertOrIncrement(a, in.right, val)
		in = a.interior(ref) // the call may have grown the interior slice
		in.right = newRight
		result = lf
	}
	in.sum = subtreeSum(a, in.left) + subtreeSum(a, in.right)

	newRef := ref
	if in.wait > 0 {
		in.wait--
	}
	if in.wait == 0 {
		newRef = rebalance(a, ref)
		nin := a.interior(newRef)
		nin.wait = waitTime(subtreeSum(a, nin.left), subtreeSum(a, nin.right))
	}
	return newRef, result
}

// rebalance applies a single AVL-like rotation when one side of an interior
// node is substantially heavier than the other and rotating is structurally
// possible (the heavy child must itself be an interior node). When no
// rotation would meaningfully help, the node is left as-is — an
// alternative "shift" move (relocating a single inner node across the
// imbalance) is not implemented; see DESIGN.md.
func rebalance(a *arena, ref nodeRef) nodeRef {
	in := a.interior(ref)
	leftSum := subtreeSum(a, in.left)
	rightSum := subtreeSum(a, in.right)

	switch {
	case leftSum > rightSum*1.3 && !in.left.isLeaf():
		return rotateRight(a, ref)
	case rightSum > leftSum*1.3 && !in.right.isLeaf():
		return rotateLeft(a, ref)
	default:
		return ref
	}
}

// rotateRight promotes in.left to replace ref, matching the standard AVL
// right rotation. Both sums and sort keys are refreshed bottom-up.
func rotateRight(a *arena, ref nodeRef) nodeRef {
	in := a.interior(ref)
	pivotRef := in.left
	pivot := a.interior(pivotRef)

	in.left = pivot.right
	in.sum = subtreeSum(a, in.left) + subtreeSum(a, in.right)
	in.sortKey = largestValue(a, in.left)

	pivot.right = ref
	pivot.sum = subtreeSum(a, pivot.left) + in.sum
	pivot.sortKey = largestValue(a, pivot.left)

	return pivotRef
}

// rotateLeft promotes in.right to replace ref, the mirror of rotateRight.
func rotateLeft(a *arena, ref nodeRef) nodeRef {
	in := a.interior(ref)
	pivotRef := in.right
	pivot := a.interior(pivotRef)

	in.right = pivot.left
	in.sum = subtreeSum(a, in.left) + subtreeSum(a, in.right)
	in.sortKey = largestValue(a, in.left)

	pivot.left = ref
	pivot.sum = in.sum + subtreeSum(a, pivot.right)
	pivot.sortKey = largestValue(a, pivot.left)

	return pivotRef
}

// collectLeaves appends every leaf reachable from ref, in ascending value
// order, to out.
func collectLeaves(a *arena, ref nodeRef, out *[]nodeRef) {
	if ref.isNil() {
		return
	}
	if ref.isLeaf() {
		*out = append(*out, ref)
		return
	}
	in := a.interior(ref)
	collectLeaves(a, in.left, out)
	collectLeaves(a, in.right, out)
}

// pruneNode scales every count under ref by factor and removes any leaf
// (and its nested trees) whose scaled count falls below threshold,
// collapsing any interior node left with only one surviving child.
func pruneNode(a *arena, ref nodeRef, factor, threshold float64) nodeRef {
	if ref.isNil() {
		return ref
	}
	if ref.isLeaf() {
		ln := a.leaf(ref)
		ln.count *= factor
		ln.nextTree = scalePruneChain(a, ln.nextTree, factor, threshold)
		if ln.count < threshold {
			freeChain(a, ln.nextTree)
			a.freeLeaf(ref)
			return 0
		}
		return ref
	}

	in := a.interior(ref)
	in.left = pruneNode(a, in.left, factor, threshold)
	in.right = pruneNode(a, in.right, factor, threshold)

	switch {
	case in.left.isNil() && in.right.isNil():
		a.freeInterior(ref)
		return 0
	case in.left.isNil():
		surv := in.right
		a.freeInterior(ref)
		return surv
	case in.right.isNil():
		surv := in.left
		a.freeInterior(ref)
		return surv
	default:
		in.sum = subtreeSum(a, in.left) + subtreeSum(a, in.right)
		in.sortKey = largestValue(a, in.left)
		return ref
	}
}

// scalePruneChain scales and prunes every tree in a nested tree-root chain,
// returning the (possibly shorter) new chain head.
func scalePruneChain(a *arena, head uint32, factor, threshold float64) uint32 {
	var newHead uint32
	cur := head
	for cur != 0 {
		root := a.root(cur)
		next := root.next
		root.root = pruneNode(a, root.root, factor, threshold)
		root.entropyValid = false
		if root.root.isNil() {
			a.freeRoot(cur)
		} else {
			root.next = newHead
			newHead = cur
		}
		cur = next
	}
	return newHead
}

// freeChain releases every tree in a nested tree-root chain (and
// everything beneath them) without scaling, used when the owning leaf
// itself is being deleted.
func freeChain(a *arena, head uint32) {
	cur := head
	for cur != 0 {
		root := a.root(cur)
		next := root.next
		freeSubtree(a, root.root)
		a.freeRoot(cur)
		cur = next
	}
}

func freeSubtree(a *arena, ref nodeRef) {
	if ref.isNil() {
		return
	}
	if ref.isLeaf() {
		ln := a.leaf(ref)
		freeChain(a, ln.nextTree)
		a.freeLeaf(ref)
		return
	}
	in := a.interior(ref)
	freeSubtree(a, in.left)
	freeSubtree(a, in.right)
	a.freeInterior(ref)
}
