// Package threshold drives a detector's reporting threshold over time.
// It composes up to three independent helpers per detector: an adapter
// that actively moves the live threshold toward a target report rate, a
// one-shot adviser that only ever suggests a value, and a surveyor that
// periodically logs score percentiles. At most one of each is enabled.
package threshold

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// AdaptMode selects which of the four threshold-adaptation strategies an
// Adapter runs.
type AdaptMode int

const (
	// AdaptModeNone disables adaptation; the threshold stays fixed.
	AdaptModeNone AdaptMode = iota
	// AdaptModeTopN keeps a sorted list of the top target+1 scores each
	// period and blends the average of the two highest into the threshold
	// (EWMA-style).
	AdaptModeTopN
	// AdaptModeHierarchy averages short/medium/long period components.
	AdaptModeHierarchy
	// AdaptModeHistoryMean averages a circular history of past ideal thresholds.
	AdaptModeHistoryMean
	// AdaptModeOneShot sets a fixed threshold once and stops.
	AdaptModeOneShot
)

// topList keeps the highest `cap` scores seen in a period, smallest last.
type topList struct {
	scores []float64
	cap    int
}

func newTopList(cap int) *topList { return &topList{cap: cap} }

func (l *topList) add(score float64) {
	l.scores = append(l.scores, score)
	sort.Sort(sort.Reverse(sort.Float64Slice(l.scores)))
	if len(l.scores) > l.cap {
		l.scores = l.scores[:l.cap]
	}
}

func (l *topList) reset() { l.scores = l.scores[:0] }

// target derives a period's ideal report count from targetspec (>= 1: an
// absolute per-hour count; < 1: a fraction of scored packets) and the
// packet rate observed in the previous period.
func target(targetspec float64, periodSecs float64, observedPacketRate float64) int {
	if targetspec >= 1 {
		perHour := targetspec
		t := int(perHour * periodSecs / 3600.0)
		if t < 1 {
			t = 1
		}
		return t
	}
	t := int(targetspec * observedPacketRate * periodSecs)
	if t < 1 {
		t = 1
	}
	return t
}

// Adapter periodically recomputes a detector's live threshold.
type Adapter struct {
	mode AdaptMode

	threshold float64
	done      bool

	// mode 1: top-N averaging
	m1NewObsWeight float64
	m1Top          *topList

	// mode 2: short/medium/long hierarchy
	m2TargetSpec            float64
	m2NS, m2NM, m2NL        int
	m2ShortLists            []*topList // length NS, ring buffer of short-period top lists
	m2ShortSlot             int
	m2ShortComponents       []float64 // ring buffer of completed short-term components, up to NM
	m2MediumComponents      []float64 // ring buffer of completed medium-term components, up to NL
	m2ShortComponentsFilled int
	m2Target                int

	// mode 3: circular history of ideal thresholds
	m3TargetSpec float64
	m3NO         int
	m3History    []float64
	m3Top        *topList
	m3Target     int

	periodSecs      float64
	periodStart     int64
	packetsThisPer  int
	scoresThisPer   int
}

// NewAdapterTopN configures mode 1: top-`target+1` averaging.
func NewAdapterTopN(target int, newObsWeight float64) *Adapter {
	return &Adapter{mode: AdaptModeTopN, m1NewObsWeight: newObsWeight, m1Top: newTopList(target + 1)}
}

// NewAdapterHierarchy configures mode 2: NS short periods feeding NM
// medium periods feeding NL long periods.
func NewAdapterHierarchy(targetSpec float64, periodSecs float64, ns, nm, nl int) *Adapter {
	a := &Adapter{
		mode:         AdaptModeHierarchy,
		m2TargetSpec: targetSpec,
		m2NS:         ns, m2NM: nm, m2NL: nl,
		periodSecs: periodSecs,
	}
	a.m2ShortLists = make([]*topList, ns)
	return a
}

// NewAdapterHistoryMean configures mode 3: arithmetic mean over a
// circular history of the last NO periods' ideal thresholds.
func NewAdapterHistoryMean(targetSpec float64, periodSecs float64, no int) *Adapter {
	return &Adapter{mode: AdaptModeHistoryMean, m3TargetSpec: targetSpec, m3NO: no, periodSecs: periodSecs}
}

// NewAdapterOneShot configures mode 4: a fixed threshold, set once.
func NewAdapterOneShot(thresh float64) *Adapter {
	return &Adapter{mode: AdaptModeOneShot, threshold: thresh}
}

// Threshold returns the adapter's current live threshold.
func (a *Adapter) Threshold() float64 { return a.threshold }

// NewScore feeds one scored packet's anomaly score into the adapter's
// current-period bookkeeping.
func (a *Adapter) NewScore(score float64) {
	a.scoresThisPer++
	switch a.mode {
	case AdaptModeTopN:
		a.m1Top.add(score)
	case AdaptModeHierarchy:
		if a.m2ShortLists[a.m2ShortSlot] == nil {
			cap := a.m2Target + 1
			if cap < 1 {
				cap = 1
			}
			a.m2ShortLists[a.m2ShortSlot] = newTopList(cap)
		}
		a.m2ShortLists[a.m2ShortSlot].add(score)
	case AdaptModeHistoryMean:
		if a.m3Top == nil {
			cap := a.m3Target + 1
			if cap < 1 {
				cap = 1
			}
			a.m3Top = newTopList(cap)
		}
		a.m3Top.add(score)
	}
}

// AdvanceTime ends the current period if elapsed >= the adapter's period
// length, recomputing the threshold accordingly.
func (a *Adapter) AdvanceTime(now int64, observedPacketRate float64) {
	if a.done || a.mode == AdaptModeNone || a.mode == AdaptModeOneShot {
		return
	}
	if a.periodStart == 0 {
		a.periodStart = now
		// size the first period's top lists correctly, before any NewScore
		// call can lazily create one with a stale (zero-value) target
		switch a.mode {
		case AdaptModeHierarchy:
			a.m2Target = target(a.m2TargetSpec, a.periodSecs, observedPacketRate)
		case AdaptModeHistoryMean:
			a.m3Target = target(a.m3TargetSpec, a.periodSecs, observedPacketRate)
		}
		return
	}
	elapsed := float64(now - a.periodStart)
	if elapsed < a.periodSecs {
		return
	}

	switch a.mode {
	case AdaptModeTopN:
		if len(a.m1Top.scores) >= 2 {
			avg := (a.m1Top.scores[0] + a.m1Top.scores[1]) / 2
			a.threshold = (1-float64(a.m1NewObsWeight))*a.threshold + float64(a.m1NewObsWeight)*avg
		}
		a.m1Top.reset()

	case AdaptModeHierarchy:
		a.m2Target = target(a.m2TargetSpec, a.periodSecs, observedPacketRate)
		completed := a.m2ShortLists[a.m2ShortSlot]
		var shortComponent float64
		if completed != nil && len(completed.scores) > 0 {
			merged := a.mergeShortLists()
			idx := a.m2Target
			if idx >= len(merged) {
				idx = len(merged) - 1
			}
			if idx >= 0 {
				shortComponent = merged[idx]
			}
		}
		a.m2ShortSlot = (a.m2ShortSlot + 1) % a.m2NS
		// the next slot starts a new short period; NewScore recreates it
		a.m2ShortLists[a.m2ShortSlot] = nil
		a.m2ShortComponents = append(a.m2ShortComponents, shortComponent)
		if len(a.m2ShortComponents) > a.m2NM {
			a.m2ShortComponents = a.m2ShortComponents[1:]
		}
		components := []float64{shortComponent}
		if len(a.m2ShortComponents) == a.m2NM {
			mediumComponent := mean(a.m2ShortComponents)
			a.m2MediumComponents = append(a.m2MediumComponents, mediumComponent)
			if len(a.m2MediumComponents) > a.m2NL {
				a.m2MediumComponents = a.m2MediumComponents[1:]
			}
			components = append(components, mediumComponent)
			if len(a.m2MediumComponents) == a.m2NL {
				components = append(components, mean(a.m2MediumComponents))
			}
		}
		a.threshold = mean(components)

	case AdaptModeHistoryMean:
		a.m3Target = target(a.m3TargetSpec, a.periodSecs, observedPacketRate)
		if a.m3Top != nil && len(a.m3Top.scores) >= 2 {
			ideal := (a.m3Top.scores[0] + a.m3Top.scores[1]) / 2
			a.m3History = append(a.m3History, ideal)
			if len(a.m3History) > a.m3NO {
				a.m3History = a.m3History[1:]
			}
			a.threshold = mean(a.m3History)
		}
		if a.m3Top != nil {
			a.m3Top.reset()
		}
	}

	a.periodStart = now
	a.scoresThisPer = 0
	a.packetsThisPer = 0
}

func (a *Adapter) mergeShortLists() []float64 {
	var merged []float64
	for _, l := range a.m2ShortLists {
		if l != nil {
			merged = append(merged, l.scores...)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(merged)))
	return merged
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Adviser runs once for a fixed horizon, then reports a suggested
// threshold and never touches the live one.
type Adviser struct {
	logger *zap.Logger

	horizonSecs float64
	startTime   int64
	top         *topList
	done        bool

	// Suggested is populated once Done is true.
	Suggested  float64
	ReportRate float64
	count      int
}

// NewAdviser creates an Adviser that keeps the top `target+1` scores and
// reports a suggestion after horizonSecs.
func NewAdviser(logger *zap.Logger, horizonSecs float64, target int) *Adviser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adviser{logger: logger, horizonSecs: horizonSecs, top: newTopList(target + 1)}
}

func (a *Adviser) Done() bool { return a.done }

// NewScore feeds one scored packet's anomaly score into the adviser.
func (a *Adviser) NewScore(score float64) {
	if a.done {
		return
	}
	a.top.add(score)
	a.count++
}

// AdvanceTime reports true the one time the horizon elapses.
func (a *Adviser) AdvanceTime(now int64) bool {
	if a.done {
		return false
	}
	if a.startTime == 0 {
		a.startTime = now
		return false
	}
	elapsed := float64(now - a.startTime)
	if elapsed < a.horizonSecs {
		return false
	}

	if len(a.top.scores) >= 2 {
		a.Suggested = (a.top.scores[0] + a.top.scores[1]) / 2
	} else if len(a.top.scores) == 1 {
		a.Suggested = a.top.scores[0]
	}
	a.ReportRate = float64(a.count) / elapsed
	a.done = true
	a.logger.Info("threshold adviser horizon complete",
		zap.Float64("suggested_threshold", a.Suggested),
		zap.Float64("report_rate", a.ReportRate))
	return true
}

// Surveyor periodically logs 50th/90th/99th percentile scores.
type Surveyor struct {
	logger *zap.Logger

	intervalSecs float64
	periodStart  int64
	periodIndex  int
	scores       []float64
	packetCount  int
}

// NewSurveyor creates a Surveyor that logs percentiles every intervalSecs.
func NewSurveyor(logger *zap.Logger, intervalSecs float64) *Surveyor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Surveyor{logger: logger, intervalSecs: intervalSecs}
}

// NewScore feeds one scored packet's anomaly score into the survey period.
func (s *Surveyor) NewScore(score float64) {
	s.scores = append(s.scores, score)
	s.packetCount++
}

// AdvanceTime closes out the current interval and logs its percentiles
// once intervalSecs have elapsed.
func (s *Surveyor) AdvanceTime(now int64) {
	if s.periodStart == 0 {
		s.periodStart = now
		return
	}
	if float64(now-s.periodStart) < s.intervalSecs {
		return
	}

	sorted := append([]float64(nil), s.scores...)
	sort.Float64s(sorted)
	p50 := percentile(sorted, 50)
	p90 := percentile(sorted, 90)
	p99 := percentile(sorted, 99)

	s.logger.Info("threshold survey interval",
		zap.Int("period", s.periodIndex),
		zap.Int("packets", s.packetCount),
		zap.Float64("p50", p50), zap.Float64("p90", p90), zap.Float64("p99", p99))

	s.periodIndex++
	s.scores = s.scores[:0]
	s.packetCount = 0
	s.periodStart = now
}

// percentile computes pct (0-100) over sorted ascending xs using linear
// interpolation between adjacent elements.
func percentile(xs []float64, pct float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	if len(xs) == 1 {
		return xs[0]
	}
	rank := (pct / 100) * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return xs[lo]
	}
	frac := rank - float64(lo)
	return xs[lo]*(1-frac) + xs[hi]*frac
}

// Manager composes an optional Adapter, Adviser and Surveyor for one
// detector, and is the object the engine drives each packet/tick through.
type Manager struct {
	Adapter  *Adapter
	Adviser  *Adviser
	Surveyor *Surveyor

	// ThresholdExceeded is invoked from Observe whenever a score meets or
	// exceeds the live threshold.
	ThresholdExceeded func(score float64)
}

// CurrentThreshold returns the adapter's live threshold, or -1 if no
// adapter is configured (meaning no score can exceed it).
func (m *Manager) CurrentThreshold() float64 {
	if m.Adapter == nil {
		return -1
	}
	return m.Adapter.Threshold()
}

// Observe feeds score into every configured helper in turn, then invokes
// ThresholdExceeded if an adapter is active and score meets the
// threshold.
func (m *Manager) Observe(score float64) {
	if m.Adapter != nil {
		m.Adapter.NewScore(score)
	}
	if m.Adviser != nil {
		m.Adviser.NewScore(score)
	}
	if m.Surveyor != nil {
		m.Surveyor.NewScore(score)
	}

	threshold := m.CurrentThreshold()
	if threshold >= 0 && score >= threshold && m.ThresholdExceeded != nil {
		m.ThresholdExceeded(score)
	}
}

// AdvanceTime forwards now to every configured helper and reports whether
// the adviser's horizon just completed.
func (m *Manager) AdvanceTime(now int64, observedPacketRate float64) (advisingCompleted bool) {
	if m.Adapter != nil {
		m.Adapter.AdvanceTime(now, observedPacketRate)
	}
	if m.Adviser != nil {
		advisingCompleted = m.Adviser.AdvanceTime(now)
	}
	if m.Surveyor != nil {
		m.Surveyor.AdvanceTime(now)
	}
	return advisingCompleted
}
