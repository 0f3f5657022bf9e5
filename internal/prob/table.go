package prob

import "math"

// NoRecord is the sentinel returned by Probability when a denominator is
// missing entirely (no observations exist for the conditioning prefix).
// Callers must treat it as "not scored", never as a numeric probability.
var NoRecord = math.Inf(-1)

// Table is one ordered feature list's nested probability tree, plus the
// arena it is carved from. Features is the fixed nesting order: Record
// must be given exactly len(Features) values, in that order, and panics
// otherwise. Probability, Count and Entropy walk only as many levels as
// the values they are given (Entropy reads just values[0:prefixLen]).
type Table struct {
	arena    *arena
	Features []int

	top uint32 // mindex of the top-level tree root; 0 until first Record
}

// NewTable creates an empty table nesting the given ordered feature types.
func NewTable(features []int) *Table {
	return &Table{arena: newArena(), Features: append([]int(nil), features...)}
}

// Record increments the observed count for values along every nested
// level, creating trees and leaves on demand.
func (t *Table) Record(values []uint32) {
	if len(values) != len(t.Features) {
		panic("prob: Record called with wrong value count")
	}
	if t.top == 0 {
		t.top = t.arena.allocRoot(t.Features[0])
	}
	t.recordLevel(t.top, 0, values)
}

func (t *Table) recordLevel(mindex uint32, depth int, values []uint32) {
	root := t.arena.root(mindex)
	newRoot, lref := insertOrIncrement(t.arena, root.root, values[depth])
	root.root = newRoot
	root.entropyValid = false

	if depth+1 >= len(values) {
		return
	}
	ln := t.arena.leaf(lref)
	childMindex, found := findTreeRootIdx(t.arena, ln.nextTree, t.Features[depth+1])
	if !found {
		childMindex = t.arena.allocRoot(t.Features[depth+1])
		t.arena.root(childMindex).next = ln.nextTree
		ln.nextTree = childMindex
	}
	t.recordLevel(childMindex, depth+1, values)
}

func findTreeRootIdx(a *arena, head uint32, feature int) (uint32, bool) {
	for cur := head; cur != 0; cur = a.root(cur).next {
		if a.root(cur).feature == feature {
			return cur, true
		}
	}
	return 0, false
}

// walkCounts walks the nested chain along values and returns the aggregate
// at each depth: counts[0] is the top-level tree's aggregate, counts[i]
// for i>=1 is the leaf count reached after consuming values[0:i]. reached
// is the number of valid leading entries in counts; any entry at or past
// reached is meaningless (the path did not extend that far).
func (t *Table) walkCounts(values []uint32) (counts []float64, reached int) {
	counts = make([]float64, len(values)+1)
	if t.top == 0 {
		return counts, 0
	}
	root0 := t.arena.root(t.top)
	counts[0] = subtreeSum(t.arena, root0.root)
	reached = 1

	cur := t.top
	for i := 0; i < len(values); i++ {
		root := t.arena.root(cur)
		lref, ok := findLeafExact(t.arena, root.root, values[i])
		if !ok {
			return counts, reached
		}
		ln := t.arena.leaf(lref)
		counts[i+1] = ln.count
		reached = i + 2

		if i+1 < len(values) {
			next, found := findTreeRootIdx(t.arena, ln.nextTree, t.Features[i+1])
			if !found {
				return counts, reached
			}
			cur = next
		}
	}
	return counts, reached
}

// Probability returns N/D where D is the aggregate at condPrefixLen and N
// is the full-depth leaf count. Returns NoRecord if the conditioning
// aggregate itself cannot be located, or 0 if the deeper path is missing.
func (t *Table) Probability(values []uint32, condPrefixLen int) float64 {
	counts, reached := t.walkCounts(values)
	if condPrefixLen >= reached {
		return NoRecord
	}
	d := counts[condPrefixLen]
	if d == 0 {
		return NoRecord
	}
	if len(values) >= reached {
		return 0
	}
	return counts[len(values)] / d
}

// ProbabilityPlusOne is Probability with one imagined extra observation on
// both numerator and denominator, so it is never zero.
func (t *Table) ProbabilityPlusOne(values []uint32, condPrefixLen int) float64 {
	counts, reached := t.walkCounts(values)
	if condPrefixLen >= reached {
		return 1
	}
	d := counts[condPrefixLen]
	if len(values) >= reached {
		return 1 / (d + 1)
	}
	n := counts[len(values)]
	return (n + 1) / (d + 1)
}

// Count returns the aggregate at the given depth (0 = top-level tree
// aggregate), or 0 if the path does not exist that far.
func (t *Table) Count(values []uint32, depth int) float64 {
	counts, reached := t.walkCounts(values)
	if depth >= reached {
		return 0
	}
	return counts[depth]
}

// Entropy returns the Shannon entropy (in bits) of the tree reached after
// consuming values[0:prefixLen], using a cached value when still valid.
func (t *Table) Entropy(values []uint32, prefixLen int) float64 {
	mindex, ok := t.treeAtDepth(values, prefixLen)
	if !ok {
		return 0
	}
	root := t.arena.root(mindex)
	if root.entropyValid {
		return root.entropy
	}

	var leaves []nodeRef
	collectLeaves(t.arena, root.root, &leaves)
	total := subtreeSum(t.arena, root.root)
	var h float64
	if total > 0 {
		for _, lref := range leaves {
			p := t.arena.leaf(lref).count / total
			if p > 0 {
				h -= p * math.Log2(p)
			}
		}
	}
	root.entropy = h
	root.entropyValid = true
	return h
}

// treeAtDepth locates the mindex of the tree keyed by Features[prefixLen],
// reached by consuming values[0:prefixLen].
func (t *Table) treeAtDepth(values []uint32, prefixLen int) (uint32, bool) {
	if t.top == 0 {
		return 0, false
	}
	if prefixLen == 0 {
		return t.top, true
	}
	cur := t.top
	for i := 0; i < prefixLen; i++ {
		root := t.arena.root(cur)
		lref, ok := findLeafExact(t.arena, root.root, values[i])
		if !ok {
			return 0, false
		}
		ln := t.arena.leaf(lref)
		next, found := findTreeRootIdx(t.arena, ln.nextTree, t.Features[i+1])
		if !found {
			return 0, false
		}
		cur = next
	}
	return cur, true
}

// ScaleAndPrune multiplies every count by factor and removes any subtree
// whose scaled aggregate falls below threshold.
func (t *Table) ScaleAndPrune(factor, threshold float64) {
	if t.top == 0 {
		return
	}
	root := t.arena.root(t.top)
	root.root = pruneNode(t.arena, root.root, factor, threshold)
	root.entropyValid = false
	if root.root.isNil() {
		t.arena.freeRoot(t.top)
		t.top = 0
	}
}

// IsEmpty reports whether the table has never recorded a value, which is
// the only state in which its feature list may still be safely extended.
func (t *Table) IsEmpty() bool {
	return t.top == 0
}

// BlocksUsed reports live arena node counts, for metrics export.
func (t *Table) BlocksUsed() map[string]int {
	return t.arena.BlocksUsed()
}
