// Package score turns recorded observations into an anomaly score: a
// single conditional probability in single-probability mode, or a
// product of maximally-conditioned probabilities across several feature
// lists in product mode.
//
// A Calculator owns one or more recorder.EventFile handles (opened
// lazily on first use so a detector can finish configuring scaling and
// gating criteria before any table is actually allocated) and applies
// optional min-observation and max-entropy gates before computing a
// score.
package score

import (
	"math"

	"github.com/netspade/netspade/internal/recorder"
)

// NoScore marks the absence of a computed score.
const NoScore = -1.0

const log2 = 0.69314718056

// Preference records which of raw/relative is the calculator's main
// reported score.
type Preference int

const (
	PrefNoScore Preference = iota
	PrefRawScore
	PrefRelScore
)

// Info is one scoring result.
type Info struct {
	Main         Preference
	RelScore     float64 // NoScore if not computed
	RawScore     float64 // NoScore if not computed
	CorrScoreUsed bool
}

// MainScore returns whichever of RawScore/RelScore Main prefers, or
// NoScore if Main is PrefNoScore or the preferred field was never computed.
func (i Info) MainScore() float64 {
	switch i.Main {
	case PrefRawScore:
		return i.RawScore
	case PrefRelScore:
		return i.RelScore
	default:
		return NoScore
	}
}

// TableUseSpec is one feature list's storage configuration, used to open
// the event file(s) backing a Calculator.
type TableUseSpec struct {
	Feats          recorder.FeatureList
	FeatureNames   []string
	Conds          recorder.ConditionSet
	ScaleFreq      int
	ScaleFactor    float64
	PruneThreshold float64
}

// Calculator computes anomaly scores for one detector's configuration.
type Calculator struct {
	recorder *recorder.Recorder

	specs     []TableUseSpec
	calcFeats recorder.FeatureList // only meaningful when len(specs) == 1

	evfile  *recorder.EventFile   // single-probability mode
	evfiles []*recorder.EventFile // product mode

	condPrefixLen  int
	calcRawScore   bool
	calcRelScore   bool
	useCorrScore   bool
	mainPref       Preference
	minObsPrefix   int
	minObsCount    float64
	maxEntropy     float64 // < 0 disables the gate
	entropyPrefix  int
	initialized    bool
}

// New creates a Calculator against recorder r. Feature lists and scaling
// must be supplied via SetFeatures before any score is computed; the
// backing event file(s) are opened lazily on the first Score call.
func New(r *recorder.Recorder) *Calculator {
	return &Calculator{
		recorder:     r,
		useCorrScore: true,
		maxEntropy:   -1,
	}
}

// SetFeatures configures the feature list(s) to score against. A single
// TableUseSpec puts the calculator in single-probability mode; more than one
// puts it in product mode. calcFeats, only meaningful in single-
// probability mode, overrides which features compute values fed into
// the table (as opposed to which features key its storage).
func (c *Calculator) SetFeatures(specs []TableUseSpec, calcFeats recorder.FeatureList) {
	c.specs = specs
	c.calcFeats = calcFeats
	c.initialized = false
}

func (c *Calculator) SetCondPrefixLen(n int)    { c.condPrefixLen = n }
func (c *Calculator) SetRelScore(enable, main bool) {
	c.calcRelScore = enable
	if main {
		c.mainPref = PrefRelScore
	}
}
func (c *Calculator) SetRawScore(enable, main bool) {
	c.calcRawScore = enable
	if main {
		c.mainPref = PrefRawScore
	}
}
func (c *Calculator) SetCorrScore(use bool) { c.useCorrScore = use }

// SetMinObs rejects an event while the observation count at
// featPrefixLen plus one is below minCount, i.e. at least minCount-1
// observations are needed before a score is produced.
func (c *Calculator) SetMinObs(featPrefixLen int, minCount float64) {
	c.minObsPrefix = featPrefixLen
	c.minObsCount = minCount
}

// SetLowEntropyDomain restricts scoring to conditioning contexts whose
// entropy at valPrefixLen is at most maxH.
func (c *Calculator) SetLowEntropyDomain(valPrefixLen int, maxH float64) {
	c.entropyPrefix = valPrefixLen
	c.maxEntropy = maxH
}

func (c *Calculator) ensureInitialized() {
	if c.initialized {
		return
	}
	if len(c.specs) == 0 {
		c.specs = []TableUseSpec{{Feats: recorder.FeatureList{0}}}
	}
	if len(c.specs) == 1 {
		s := c.specs[0]
		c.evfile = c.recorder.OpenEventFile(s.Feats, s.FeatureNames, s.Conds, s.ScaleFreq, s.ScaleFactor, s.PruneThreshold, false, c.calcFeats)
	} else {
		c.evfiles = make([]*recorder.EventFile, len(c.specs))
		for i, s := range c.specs {
			c.evfiles[i] = c.recorder.OpenEventFile(s.Feats, s.FeatureNames, s.Conds, s.ScaleFreq, s.ScaleFactor, s.PruneThreshold, false, nil)
		}
	}
	c.initialized = true
}

// Score computes the anomaly score for event. enoughObs is false only
// when the min-observation gate rejected the event outright; a nil Info
// with enoughObs true means the max-entropy gate found the context too
// uniform to be interesting, which is a normal, scored-but-not-anomalous
// outcome rather than a lack of data.
func (c *Calculator) Score(event *recorder.Event) (info *Info, enoughObs bool) {
	c.ensureInitialized()
	enoughObs = true

	if len(c.evfiles) > 1 {
		prob := 1.0
		for _, ef := range c.evfiles {
			prob *= c.recorder.Probability(ef, event, -1, true)
		}
		raw := -1.0 * (math.Log(prob) / log2)
		return &Info{Main: PrefRawScore, RelScore: NoScore, RawScore: raw, CorrScoreUsed: true}, true
	}

	if c.minObsCount > 0 {
		count := c.recorder.Count(c.evfile, event, c.minObsPrefix)
		if count+1 < c.minObsCount {
			return nil, false
		}
	}
	if c.maxEntropy >= 0 {
		entropy := c.recorder.Entropy(c.evfile, event, c.entropyPrefix)
		if entropy > c.maxEntropy {
			return nil, true
		}
	}

	prob := c.recorder.Probability(c.evfile, event, c.condPrefixLen, true)

	rel := NoScore
	raw := NoScore
	if c.calcRawScore {
		if c.useCorrScore {
			raw = -1.0 * (math.Log(prob) / log2)
		} else {
			raw = -1.0 * math.Log(prob/log2)
		}
	}
	if c.calcRelScore {
		baseCount := c.recorder.Count(c.evfile, event, c.condPrefixLen) + 1
		rel = math.Log(prob) / math.Log(1/baseCount)
	}
	return &Info{Main: c.mainPref, RelScore: rel, RawScore: raw, CorrScoreUsed: c.useCorrScore}, true
}

// Diagnostics is a snapshot of entropy and probability readings for event
// against the calculator's primary table (the first table, in product
// mode). It is read-only: computing it performs no gating and cannot
// affect Score's outcome, so it is safe to call from an output-stats
// decorator alongside normal scoring.
type Diagnostics struct {
	Entropy    float64
	UncondProb float64
	CondProb   float64
}

// Diagnostics computes entropy, unconditional probability (no
// conditioning, i.e. the full joint), and conditional probability (at
// the calculator's configured cond-prefix, or -1/full-depth in product
// mode) for event.
func (c *Calculator) Diagnostics(event *recorder.Event) Diagnostics {
	c.ensureInitialized()
	ef := c.evfile
	condPrefixLen := c.condPrefixLen
	if len(c.evfiles) > 0 {
		ef = c.evfiles[0]
		condPrefixLen = -1
	}
	return Diagnostics{
		Entropy:    c.recorder.Entropy(ef, event, c.entropyPrefix),
		UncondProb: c.recorder.Probability(ef, event, 0, true),
		CondProb:   c.recorder.Probability(ef, event, condPrefixLen, true),
	}
}

// StoreCount returns how many events have fed this calculator's primary table.
func (c *Calculator) StoreCount() uint64 {
	c.ensureInitialized()
	ef := c.evfile
	if len(c.evfiles) > 0 {
		ef = c.evfiles[0]
	}
	return c.recorder.StoreCount(ef)
}

// ObsCount returns the primary table's top-level observation aggregate.
func (c *Calculator) ObsCount() float64 {
	c.ensureInitialized()
	ef := c.evfile
	if len(c.evfiles) > 0 {
		ef = c.evfiles[0]
	}
	return c.recorder.ObsCount(ef)
}
