package prob

import (
	"math"
	"testing"
)

func TestRecordAggregateSum(t *testing.T) {
	tbl := NewTable([]int{0})
	for _, v := range []uint32{1, 1, 2, 3, 3, 3} {
		tbl.Record([]uint32{v})
	}
	if got := tbl.Count(nil, 0); got != 6 {
		t.Errorf("top-level aggregate = %v, want 6", got)
	}
	if got := tbl.Count([]uint32{3}, 1); got != 3 {
		t.Errorf("count for value 3 = %v, want 3", got)
	}
}

func TestRecordThenProbability(t *testing.T) {
	tbl := NewTable([]int{0})
	for i := 0; i < 3; i++ {
		tbl.Record([]uint32{7})
	}
	for i := 0; i < 1; i++ {
		tbl.Record([]uint32{8})
	}
	p := tbl.Probability([]uint32{7}, 0)
	if math.Abs(p-0.75) > 1e-9 {
		t.Errorf("Probability(7) = %v, want 0.75", p)
	}
}

func TestProbabilityNoRecord(t *testing.T) {
	tbl := NewTable([]int{0})
	if p := tbl.Probability([]uint32{1}, 0); p != NoRecord {
		t.Errorf("Probability on empty table = %v, want NoRecord", p)
	}
	tbl.Record([]uint32{1})
	if p := tbl.Probability([]uint32{2}, 0); p != 0 {
		t.Errorf("Probability of unseen value = %v, want 0", p)
	}
}

func TestProbabilityPlusOneStrictlyPositive(t *testing.T) {
	tbl := NewTable([]int{0})
	if p := tbl.ProbabilityPlusOne([]uint32{1}, 0); p <= 0 {
		t.Errorf("ProbabilityPlusOne on empty table = %v, want > 0", p)
	}
	tbl.Record([]uint32{1})
	if p := tbl.ProbabilityPlusOne([]uint32{99}, 0); p <= 0 {
		t.Errorf("ProbabilityPlusOne of unseen value = %v, want > 0", p)
	}
}

func TestEntropySingleLeafIsZero(t *testing.T) {
	tbl := NewTable([]int{0})
	tbl.Record([]uint32{5})
	tbl.Record([]uint32{5})
	tbl.Record([]uint32{5})
	if h := tbl.Entropy(nil, 0); h != 0 {
		t.Errorf("Entropy of single-value tree = %v, want 0", h)
	}
}

func TestEntropyBalancedTwoLeavesIsOne(t *testing.T) {
	tbl := NewTable([]int{0})
	for i := 0; i < 10; i++ {
		tbl.Record([]uint32{1})
		tbl.Record([]uint32{2})
	}
	h := tbl.Entropy(nil, 0)
	if math.Abs(h-1.0) > 1e-9 {
		t.Errorf("Entropy of balanced 2-leaf tree = %v, want 1.0", h)
	}
}

func TestEntropyCacheInvalidatesOnRecord(t *testing.T) {
	tbl := NewTable([]int{0})
	tbl.Record([]uint32{1})
	h1 := tbl.Entropy(nil, 0)
	if h1 != 0 {
		t.Fatalf("unexpected initial entropy %v", h1)
	}
	tbl.Record([]uint32{2})
	h2 := tbl.Entropy(nil, 0)
	if h2 == h1 {
		t.Errorf("entropy cache was not invalidated after Record: still %v", h2)
	}
	if math.Abs(h2-1.0) > 1e-9 {
		t.Errorf("Entropy after second distinct value = %v, want 1.0", h2)
	}
}

func TestScaleAndPruneReducesCounts(t *testing.T) {
	tbl := NewTable([]int{0})
	for i := 0; i < 100; i++ {
		tbl.Record([]uint32{1})
	}
	tbl.ScaleAndPrune(0.5, 0.0)
	if got := tbl.Count(nil, 0); math.Abs(got-50) > 1e-9 {
		t.Errorf("aggregate after scale 0.5 = %v, want 50", got)
	}
}

func TestScaleAndPrunePrunesBelowThreshold(t *testing.T) {
	tbl := NewTable([]int{0})
	for i := 0; i < 3; i++ {
		tbl.Record([]uint32{1})
	}
	for i := 0; i < 100; i++ {
		tbl.Record([]uint32{2})
	}
	tbl.ScaleAndPrune(1.0, 5.0)
	if p := tbl.Probability([]uint32{1}, 0); p != 0 && p != NoRecord {
		t.Errorf("expected pruned value 1 to be gone, got Probability=%v", p)
	}
	if got := tbl.Count([]uint32{2}, 1); math.Abs(got-100) > 1e-9 {
		t.Errorf("surviving value count = %v, want 100", got)
	}
}

func TestScaleAndPruneEmptiesTableWhenEverythingPruned(t *testing.T) {
	tbl := NewTable([]int{0})
	tbl.Record([]uint32{1})
	tbl.ScaleAndPrune(1.0, 5.0)
	if tbl.top != 0 {
		t.Errorf("expected top-level root to be freed, mindex=%d", tbl.top)
	}
	tbl.Record([]uint32{9})
	if got := tbl.Count([]uint32{9}, 1); got != 1 {
		t.Errorf("re-recording after full prune: count = %v, want 1", got)
	}
}

func TestNestedFeatureTables(t *testing.T) {
	tbl := NewTable([]int{0, 1})
	tbl.Record([]uint32{10, 100})
	tbl.Record([]uint32{10, 100})
	tbl.Record([]uint32{10, 200})
	tbl.Record([]uint32{20, 300})

	if got := tbl.Count([]uint32{10}, 1); got != 3 {
		t.Errorf("count for sip=10 = %v, want 3", got)
	}
	p := tbl.Probability([]uint32{10, 100}, 1)
	if math.Abs(p-2.0/3.0) > 1e-9 {
		t.Errorf("Probability(dport=100 | sip=10) = %v, want 2/3", p)
	}
	if got := tbl.Probability([]uint32{99, 1}, 1); got != NoRecord {
		t.Errorf("Probability conditioned on unseen sip = %v, want NoRecord", got)
	}
}

func TestBlocksUsedReflectsArenaOccupancy(t *testing.T) {
	tbl := NewTable([]int{0})
	before := tbl.BlocksUsed()
	if before["leaf"] != 0 {
		t.Fatalf("expected empty arena, got %+v", before)
	}
	tbl.Record([]uint32{1})
	tbl.Record([]uint32{2})
	after := tbl.BlocksUsed()
	if after["leaf"] != 2 {
		t.Errorf("leaf block count = %d, want 2", after["leaf"])
	}
	if after["root"] != 1 {
		t.Errorf("root block count = %d, want 1", after["root"])
	}
}
