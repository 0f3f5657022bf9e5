// Package recorder deduplicates per-detector probability table requests
// and dispatches packet events into every table whose event conditions
// are satisfied.
//
// Several detectors frequently want the same feature list under the same
// conditions and scaling parameters (e.g. two detection types both keying
// on source IP, destination port). Rather than let each detector carry
// its own table, callers open a handle through a Recorder, which reuses
// an existing table manager when one is compatible and only allocates a
// fresh one otherwise. This keeps memory and per-packet work proportional
// to the number of distinct tables actually needed, not the number of
// detectors configured.
package recorder

import (
	"encoding/binary"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/netspade/netspade/internal/prob"
)

// ConditionSet is a bitset of event conditions, bits 1..31. Bit 32 is
// reserved for the always-false condition.
type ConditionSet uint32

// ConditionFalse never matches any packet's satisfied conditions.
const ConditionFalse ConditionSet = 1 << 31

// AllCondsMet reports whether every condition in ref is present in testcase.
func AllCondsMet(testcase, ref ConditionSet) bool {
	return testcase&ref == ref
}

// Event is a decoded packet's feature values, keyed by feature id.
type Event struct {
	Values map[int]uint32
}

// FeatureList is an ordered sequence of feature ids keying a nested
// probability tree; order matters and is part of a table manager's
// compatibility test.
type FeatureList []int

func (f FeatureList) hasPrefix(other FeatureList) bool {
	if len(f) < len(other) {
		return false
	}
	for i := range other {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tableMgr is the shared storage behind one or more event file handles:
// the probability table itself, the conditions under which it is fed,
// and its scaling schedule.
type tableMgr struct {
	table *prob.Table

	feats        FeatureList
	featureNames []string

	conds          ConditionSet
	scaleFreq      int // seconds; 0 disables scaling
	scaleFactor    float64
	pruneThreshold float64

	startTime int64
	lastScale int64

	useCount   int
	storeCount uint64
}

func (m *tableMgr) isCompatible(feats FeatureList, featureNames []string, conds ConditionSet, scaleFreq int, scaleFactor, pruneThreshold float64) bool {
	if m.conds != conds {
		return false
	}
	if m.useCount != 0 {
		if m.scaleFreq != scaleFreq || m.scaleFactor != scaleFactor || m.pruneThreshold != pruneThreshold {
			return false
		}
	}
	if !sameNames(m.featureNames, featureNames) {
		return false
	}

	var shorter, longer FeatureList
	if len(m.feats) <= len(feats) {
		shorter, longer = m.feats, feats
	} else {
		shorter, longer = feats, m.feats
	}
	if !longer.hasPrefix(shorter) {
		return false
	}
	if len(m.feats) < len(feats) && !m.table.IsEmpty() {
		return false
	}
	return true
}

// EventFile is a detector's handle into a shared table manager, plus how
// deep a feature path it cares about and (optionally) a distinct set of
// features used only to compute values, not to key storage.
type EventFile struct {
	mgr       *tableMgr
	featDepth int
	calcFeats FeatureList
}

// Recorder owns the table managers and event file handles for one engine.
type Recorder struct {
	logger *zap.Logger

	tables  []*tableMgr
	files   []*EventFile
	curtime int64
}

// New creates an empty Recorder.
func New(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger}
}

// OpenEventFile returns a handle for feats/conds/scaling parameters,
// reusing a compatible table manager and event file when one already
// exists. calcFeats, when non-nil, names the features actually used to
// compute values fed through this handle (may differ from feats' storage
// order). freshOnly forces allocation of a brand new table manager even
// if a compatible one exists.
func (r *Recorder) OpenEventFile(feats FeatureList, featureNames []string, conds ConditionSet, scaleFreq int, scaleFactor, pruneThreshold float64, freshOnly bool, calcFeats FeatureList) *EventFile {
	var mgr *tableMgr

	if !freshOnly {
		for _, candidate := range r.tables {
			if candidate.isCompatible(feats, featureNames, conds, scaleFreq, scaleFactor, pruneThreshold) {
				mgr = candidate
				break
			}
		}
		if mgr != nil && len(mgr.feats) < len(feats) {
			mgr.feats = append(FeatureList(nil), feats...)
			mgr.table.Features = append([]int(nil), mgr.feats...)
		}
		if mgr != nil && mgr.useCount == 0 {
			mgr.scaleFreq = scaleFreq
			mgr.scaleFactor = scaleFactor
			mgr.pruneThreshold = pruneThreshold
		}
	}

	if mgr == nil {
		mgr = &tableMgr{
			table:          prob.NewTable(feats),
			feats:          append(FeatureList(nil), feats...),
			featureNames:   append([]string(nil), featureNames...),
			conds:          conds,
			scaleFreq:      scaleFreq,
			scaleFactor:    scaleFactor,
			pruneThreshold: pruneThreshold,
			startTime:      r.curtime,
		}
		r.tables = append(r.tables, mgr)
		r.logger.Debug("recorder: allocated new table manager",
			zap.Ints("feats", feats), zap.Uint32("conds", uint32(conds)))
	}
	mgr.useCount++

	for _, ef := range r.files {
		if ef.mgr != mgr || ef.featDepth != len(feats) {
			continue
		}
		if !calcFeatsMatch(ef.calcFeats, calcFeats, ef.featDepth) {
			continue
		}
		return ef
	}

	ef := &EventFile{mgr: mgr, featDepth: len(feats), calcFeats: append(FeatureList(nil), calcFeats...)}
	r.files = append(r.files, ef)
	return ef
}

func calcFeatsMatch(existing, wanted FeatureList, featDepth int) bool {
	if len(wanted) == 0 {
		return len(existing) == 0
	}
	if len(existing) == 0 || len(existing) == featDepth {
		return false
	}
	for i := 0; i < featDepth && i < len(existing) && i < len(wanted); i++ {
		if existing[i] != wanted[i] {
			return false
		}
	}
	return true
}

// Record dispatches event into every table manager whose conditions are
// a subset of matchingConds, mapping the event's feature values into each
// manager's own feature order.
func (r *Recorder) Record(event *Event, matchingConds ConditionSet) int {
	updates := 0
	for _, mgr := range r.tables {
		if !AllCondsMet(matchingConds, mgr.conds) {
			continue
		}
		vals := make([]uint32, len(mgr.feats))
		for i, feat := range mgr.feats {
			vals[i] = event.Values[feat]
		}
		mgr.table.Record(vals)
		mgr.storeCount++
		updates++
	}
	return updates
}

// AdvanceTime stores now and scales/prunes any table manager whose
// scaling interval has elapsed. last_scale is bumped by scaleFreq, never
// by the whole elapsed delta, so a long pause does not trigger a burst of
// catch-up scale operations.
func (r *Recorder) AdvanceTime(now int64) {
	r.curtime = now
	for _, mgr := range r.tables {
		if mgr.useCount == 0 || mgr.scaleFreq <= 0 {
			continue
		}
		if now-mgr.lastScale >= int64(mgr.scaleFreq) {
			if mgr.lastScale == 0 {
				mgr.lastScale = now
				continue
			}
			mgr.table.ScaleAndPrune(mgr.scaleFactor, mgr.pruneThreshold)
			mgr.lastScale += int64(mgr.scaleFreq)
		}
	}
}

// NeededConditions returns the union of every table manager's condition
// set, letting detectors skip recording work entirely for packets that
// satisfy none of it.
func (r *Recorder) NeededConditions() ConditionSet {
	var needed ConditionSet
	for _, mgr := range r.tables {
		needed |= mgr.conds
	}
	return needed
}

// PruneUnused removes table managers with a zero use-count, e.g. after a
// detector reconfiguration drops an event file.
func (r *Recorder) PruneUnused() {
	kept := r.tables[:0]
	for _, mgr := range r.tables {
		if mgr.useCount > 0 {
			kept = append(kept, mgr)
		}
	}
	r.tables = kept
}

// Probability returns N/D for the event at ef's feature depth, condition
// prefix condPrefixLen, optionally Laplace-smoothed. A negative
// condPrefixLen counts from the end of the feature list (-1 is the full
// depth), matching event_recorder_get_condprob's condcutoff convention.
func (r *Recorder) Probability(ef *EventFile, event *Event, condPrefixLen int, plusOne bool) float64 {
	if condPrefixLen < 0 {
		condPrefixLen += ef.featDepth
	}
	vals := r.valuesFor(ef, event)
	if plusOne {
		return ef.mgr.table.ProbabilityPlusOne(vals, condPrefixLen)
	}
	return ef.mgr.table.Probability(vals, condPrefixLen)
}

// Count returns the aggregate observed at the given feature depth.
func (r *Recorder) Count(ef *EventFile, event *Event, featDepth int) float64 {
	vals := r.valuesFor(ef, event)
	return ef.mgr.table.Count(vals, featDepth)
}

// Entropy returns the Shannon entropy of the tree reached at prefixLen.
func (r *Recorder) Entropy(ef *EventFile, event *Event, prefixLen int) float64 {
	vals := r.valuesFor(ef, event)
	return ef.mgr.table.Entropy(vals, prefixLen)
}

// StoreCount returns how many events have been recorded into ef's table.
func (r *Recorder) StoreCount(ef *EventFile) uint64 {
	return ef.mgr.storeCount
}

// ObsCount returns the table's top-level aggregate observation count.
func (r *Recorder) ObsCount(ef *EventFile) float64 {
	return ef.mgr.table.Count(nil, 0)
}

// WriteTo serializes every table manager's configuration and probability
// table body. This is the application payload that sits after
// internal/checkpoint's envelope; event file handles are not persisted,
// since callers rebuild them by reopening through Score calculators,
// which reattach to a restored manager whenever it is still compatible.
func (r *Recorder) WriteTo(w io.Writer) error {
	if err := writeU32(w, uint32(len(r.tables))); err != nil {
		return err
	}
	for _, m := range r.tables {
		if err := writeTableMgr(w, m); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom reconstructs every table manager from a body written by
// WriteTo. fileVersion is the checkpoint envelope's format version,
// forwarded to each table's own ReadFrom for its entropy-cache
// narrow/wide record handling.
func (r *Recorder) ReadFrom(rd io.Reader, fileVersion int) error {
	n, err := readU32(rd)
	if err != nil {
		return err
	}
	tables := make([]*tableMgr, n)
	for i := range tables {
		m, err := readTableMgr(rd, fileVersion)
		if err != nil {
			return err
		}
		tables[i] = m
	}
	r.tables = tables
	r.files = nil
	return nil
}

func writeTableMgr(w io.Writer, m *tableMgr) error {
	if err := writeU32(w, uint32(len(m.feats))); err != nil {
		return err
	}
	for _, f := range m.feats {
		if err := writeU32(w, uint32(int32(f))); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(m.featureNames))); err != nil {
		return err
	}
	for _, name := range m.featureNames {
		if err := writeString(w, name); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(m.conds)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(m.scaleFreq)); err != nil {
		return err
	}
	if err := writeF64(w, m.scaleFactor); err != nil {
		return err
	}
	if err := writeF64(w, m.pruneThreshold); err != nil {
		return err
	}
	if err := writeU64(w, uint64(m.startTime)); err != nil {
		return err
	}
	if err := writeU64(w, uint64(m.lastScale)); err != nil {
		return err
	}
	if err := writeU64(w, m.storeCount); err != nil {
		return err
	}
	return m.table.WriteTo(w)
}

func readTableMgr(r io.Reader, fileVersion int) (*tableMgr, error) {
	numFeats, err := readU32(r)
	if err != nil {
		return nil, err
	}
	feats := make(FeatureList, numFeats)
	for i := range feats {
		v, err := readU32(r)
		if err != nil {
			return nil, err
		}
		feats[i] = int(int32(v))
	}

	numNames, err := readU32(r)
	if err != nil {
		return nil, err
	}
	names := make([]string, numNames)
	for i := range names {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		names[i] = s
	}

	condsRaw, err := readU32(r)
	if err != nil {
		return nil, err
	}
	scaleFreq, err := readU32(r)
	if err != nil {
		return nil, err
	}
	scaleFactor, err := readF64(r)
	if err != nil {
		return nil, err
	}
	pruneThreshold, err := readF64(r)
	if err != nil {
		return nil, err
	}
	startTime, err := readU64(r)
	if err != nil {
		return nil, err
	}
	lastScale, err := readU64(r)
	if err != nil {
		return nil, err
	}
	storeCount, err := readU64(r)
	if err != nil {
		return nil, err
	}

	table := &prob.Table{}
	if err := table.ReadFrom(r, fileVersion); err != nil {
		return nil, err
	}

	return &tableMgr{
		table:          table,
		feats:          feats,
		featureNames:   names,
		conds:          ConditionSet(condsRaw),
		scaleFreq:      int(scaleFreq),
		scaleFactor:    scaleFactor,
		pruneThreshold: pruneThreshold,
		startTime:      int64(startTime),
		lastScale:      int64(lastScale),
		storeCount:     storeCount,
	}, nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeF64(w io.Writer, v float64) error {
	return writeU64(w, math.Float64bits(v))
}

func readF64(r io.Reader) (float64, error) {
	v, err := readU64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *Recorder) valuesFor(ef *EventFile, event *Event) []uint32 {
	feats := ef.calcFeats
	if len(feats) == 0 {
		feats = ef.mgr.feats
	}
	n := ef.featDepth
	if n > len(feats) {
		n = len(feats)
	}
	vals := make([]uint32, n)
	for i := 0; i < n; i++ {
		vals[i] = event.Values[feats[i]]
	}
	return vals
}
