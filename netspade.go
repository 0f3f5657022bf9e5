// Package netspade is a statistical packet anomaly detection engine: a
// set of detectors, each backed by a probability table recording how
// often a feature combination has been seen, score a packet by how
// surprising its feature values are relative to what the detector has
// recorded so far, and report when a score crosses an adaptively-tuned
// threshold.
//
// An Engine owns the shared recorder (probability tables are reused
// across detectors when their feature lists and conditions allow it),
// the home-network definition, global exclusions, and every configured
// Detector. The single entry point on the packet path is OnPacket;
// everything else configures the engine before traffic starts flowing.
package netspade

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/netspade/netspade/internal/canceller"
	"github.com/netspade/netspade/internal/checkpoint"
	"github.com/netspade/netspade/internal/detection"
	"github.com/netspade/netspade/internal/recorder"
	"github.com/netspade/netspade/internal/score"
	"github.com/netspade/netspade/internal/threshold"
)

// MsgLevel classifies a configuration/operational message raised through
// the message callback: a warning that the engine can continue past, or
// a fatal condition that leaves the detector unusable.
type MsgLevel int

const (
	MsgWarning MsgLevel = iota
	MsgFatal
)

func (l MsgLevel) String() string {
	if l == MsgFatal {
		return "fatal"
	}
	return "warning"
}

// MsgFn receives warning/fatal configuration and operational messages.
// It is additive to, not a replacement for, the zap logging every such
// message also goes through.
type MsgFn func(level MsgLevel, msg string)

// ReportCB is invoked once per emitted report: a detector's score
// crossed its threshold, survived exclusion-list checks, and (if a
// canceller was configured) was confirmed or timed out to a final
// port-status belief.
type ReportCB func(rpt Report)

// ThresholdChangedCB is invoked when a period boundary moves a
// detector's live threshold to a new value.
type ThresholdChangedCB func(detectorID string, newThreshold float64)

// Report is one detector's finding, handed to ReportCB.
type Report struct {
	DetectorID string
	Type       detection.Type
	Event      PacketEvent
	Score      float64
	PortStatus canceller.PortStatus
}

// OutputStats selects which extra per-packet diagnostics
// Engine.SetOutputStats enables on the configured output writer.
type OutputStats struct {
	Entropy    bool
	UncondProb bool
	CondProb   bool
}

// Engine is a running instance of the detection pipeline: one recorder,
// the detectors registered against it, and the callbacks/exclusions/
// checkpoint configuration that govern packet handling. Not safe for
// concurrent use; callers feed it packets from a single goroutine.
type Engine struct {
	logger     *zap.Logger
	msgCB      MsgFn
	debugLevel int

	recorder *recorder.Recorder
	homenet  detection.Homenet

	detectors   []*Detector
	byID        map[string]*Detector
	anonCounter int

	totalPackets uint64
	lastTime     int64
	firstTime    int64
	needed       recorder.ConditionSet
	finalized    bool

	globalExclusions ExclusionList

	reportCB ReportCB
	threshCB ThresholdChangedCB
	copier   func(PacketEvent) PacketEvent

	checkpointPath         string
	checkpointEveryN       uint64
	recordsSinceCheckpoint uint64

	outputPath  string
	outputFile  io.WriteCloser
	outputStats OutputStats

	featureIDs    map[string]int
	nextFeatureID int

	excludedCount uint64

	// skipBroadcastLowByte, when set, excludes a packet from scoring if
	// its destination IP's low byte is 0xFF (a subnet broadcast).
	skipBroadcastLowByte bool

	// currentReport stashes the packet under evaluation for the
	// duration of a single OnPacket call, since threshold.Manager's
	// ThresholdExceeded callback only carries a score.
	currentReport pendingReport
}

// NewEngine creates an empty engine. msgCB may be nil (messages are
// still logged via logger, just not surfaced to the host).
func NewEngine(logger *zap.Logger, msgCB MsgFn, debugLevel int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:     logger,
		msgCB:      msgCB,
		debugLevel: debugLevel,
		recorder:   recorder.New(logger),
		byID:       make(map[string]*Detector),
		featureIDs: make(map[string]int),
		copier:     func(pe PacketEvent) PacketEvent { return pe },
	}
}

// NewEngineFromStatefile creates an engine and attempts to recover it
// from a checkpoint at path. Recovery failure (missing file, stamp
// mismatch, truncation) is a warning, not a fatal error: the caller
// always gets back a usable, blank engine.
func NewEngineFromStatefile(path string, logger *zap.Logger, msgCB MsgFn, debugLevel int) *Engine {
	e := NewEngine(logger, msgCB, debugLevel)
	if err := e.recover(path); err != nil {
		e.warn("checkpoint recovery failed, starting with a clean slate: %v", err)
	}
	return e
}

func (e *Engine) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Warn(msg)
	if e.msgCB != nil {
		e.msgCB(MsgWarning, msg)
	}
}

func (e *Engine) fatal(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	e.logger.Error(msg)
	if e.msgCB != nil {
		e.msgCB(MsgFatal, msg)
	}
	return fmt.Errorf("netspade: %s", msg)
}

// SetCallbacks installs the report and threshold-change callbacks, plus
// a native-copier used to take ownership of a packet event when it must
// outlive OnPacket (i.e. when a tentative report is enqueued in a
// canceller). copier may be nil to use a plain value copy, which shares
// the SIP/DIP backing arrays with the caller's event.
func (e *Engine) SetCallbacks(reportCB ReportCB, threshCB ThresholdChangedCB, copier func(PacketEvent) PacketEvent) {
	e.reportCB = reportCB
	e.threshCB = threshCB
	if copier != nil {
		e.copier = copier
	}
}

// SetCheckpointing configures periodic checkpointing: every everyN
// recorded events, Dump is called automatically. everyN <= 0 disables
// automatic checkpointing (Dump can still be called manually).
func (e *Engine) SetCheckpointing(path string, everyN int) {
	e.checkpointPath = path
	if everyN > 0 {
		e.checkpointEveryN = uint64(everyN)
	} else {
		e.checkpointEveryN = 0
	}
}

// SetHomenetFromStr parses a comma-separated CIDR list as the engine's
// home network definition.
func (e *Engine) SetHomenetFromStr(cidrList string) error {
	hn, err := detection.ParseHomenet(cidrList)
	if err != nil {
		return e.fatal("invalid homenet: %v", err)
	}
	e.homenet = hn
	return nil
}

// SetOutputFile opens path as the engine's verbose-stats output writer,
// used by Dump and (when enabled) OnPacket's per-packet stats lines.
func (e *Engine) SetOutputFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return e.fatal("opening output file %q: %v", path, err)
	}
	e.outputPath = path
	e.outputFile = f
	return nil
}

// SetOutputStats toggles which extra diagnostics OnPacket appends to
// the output file for every packet that touches a table.
func (e *Engine) SetOutputStats(stats OutputStats) { e.outputStats = stats }

// SetSkipBroadcastLowByte toggles whether a packet whose destination
// IP's low byte is 0xFF (a subnet broadcast address) is excluded from
// scoring across every detector.
func (e *Engine) SetSkipBroadcastLowByte(skip bool) { e.skipBroadcastLowByte = skip }

// AddGlobalExclusions merges xsips/xdips/xsports/xdports (comma-separated
// CIDRs/integers) into the engine-wide exclusion list, checked ahead of
// every detector's own exclusions.
func (e *Engine) AddGlobalExclusions(xsips, xdips, xsports, xdports string) error {
	x, err := ParseExclusions(xsips, xdips, xsports, xdports)
	if err != nil {
		return e.fatal("%v", err)
	}
	e.globalExclusions.SIPs = append(e.globalExclusions.SIPs, x.SIPs...)
	e.globalExclusions.DIPs = append(e.globalExclusions.DIPs, x.DIPs...)
	e.globalExclusions.SPorts = append(e.globalExclusions.SPorts, x.SPorts...)
	e.globalExclusions.DPorts = append(e.globalExclusions.DPorts, x.DPorts...)
	return nil
}

func (e *Engine) featureID(name string) int {
	if id, ok := e.featureIDs[name]; ok {
		return id
	}
	id := e.nextFeatureID
	e.featureIDs[name] = id
	e.nextFeatureID++
	return id
}

// NewDetector parses optString (space-separated key=value tokens) and
// registers a new detector, returning its id (either the option string's
// id= value or an auto-generated one).
func (e *Engine) NewDetector(optString string) (string, error) {
	opts, err := detection.ParseOptionString(optString)
	if err != nil {
		return "", e.fatal("parsing detector options %q: %v", optString, err)
	}
	for _, unk := range opts.Unknown {
		e.warn("unknown detector option key %q, ignored", unk)
	}

	typeKW := opts.String("type", "")
	dt := detection.TypeForKeyword(typeKW)
	if dt == detection.TypeUnknown {
		return "", e.fatal("unknown detection type %q", typeKW)
	}
	defaults := detection.DefaultsFor(dt)

	id := opts.String("id", "")
	if id == "" {
		e.anonCounter++
		id = fmt.Sprintf("%s-%d", dt.Keyword(), e.anonCounter)
	}
	if _, exists := e.byID[id]; exists {
		return "", e.fatal("duplicate detector id %q", id)
	}

	d := &Detector{ID: id, Type: dt}

	feats := append([]string(nil), defaults.Features...)
	d.featureNames = feats
	d.feats = make(recorder.FeatureList, len(feats))
	for i, name := range feats {
		d.feats[i] = e.featureID(name)
	}
	if len(defaults.CalcFeatures) > 0 {
		d.calcFeats = make(recorder.FeatureList, len(defaults.CalcFeatures))
		for i, name := range defaults.CalcFeatures {
			d.calcFeats[i] = e.featureID(name)
		}
	}

	d.condPrefixLen = defaults.CondPrefixLen
	d.scaleFreq = opts.Int("scalefreq", defaults.Scale.ScaleFreq)
	d.pruneThreshold = opts.Float("scalecutoff", defaults.Scale.ScaleCutoff)
	d.scaleFactor = defaults.Scale.ScaleFactor
	if hl := opts.Float("scalehalflife", 0); hl > 0 {
		d.scaleFactor = halflifeToFactor(float64(d.scaleFreq), hl)
	}
	d.scaleFactor = opts.Float("scalefactor", d.scaleFactor)

	thresh := opts.Float("thresh", defaults.Thresh)
	relScore := opts.Bool("relscore", defaults.RelScore)
	rawScore := !relScore
	corrScore := opts.Bool("corrscore", true)

	minObs := defaults.MinObs
	maxEntropy := opts.Float("maxentropy", 0)
	if dt == detection.TypeOddPortDest {
		if maxEntropy == 0 {
			maxEntropy = 2.0
		}
		minObs = minObsForMaxEntropy(maxEntropy)
	}
	minObs = opts.Int("minobs", minObs)

	d.storageConds = defaultScoringConditions(dt)
	if tf := opts.String("tcpflags", ""); tf != "" {
		if bit, ok := tcpFlagCondition(tf); ok {
			d.storageConds = (d.storageConds &^ allTCPFlagConds) | bit
		}
	}
	if proto := opts.String("protocol", ""); proto != "" {
		if bit, ok := protocolCondition(proto); ok {
			d.storageConds = (d.storageConds &^ allProtocolConds) | bit
		}
	}
	if to := opts.String("to", ""); to == "home" {
		d.storageConds |= detection.CondDipInHomenet
	} else if to == "external" {
		d.storageConds |= detection.CondDipNotInHomenet
	}
	if from := opts.String("from", ""); from == "home" {
		d.storageConds |= detection.CondSipInHomenet
	} else if from == "external" {
		d.storageConds |= detection.CondSipNotInHomenet
	}
	d.scoringConds = d.storageConds

	if usesCanceller(dt) {
		d.cancelOpenConds = detection.CondIsTCP | detection.CondSynAck
		d.cancelClosedConds = detection.CondIsTCP | detection.CondNormalRst
	}

	d.wait = opts.Int("wait", 0)
	d.timeoutImplication = defaultTimeoutImplication(dt)
	if d.wait > 0 {
		d.portReportCriterion = withoutUnknown()
		if opts.Bool("revwaitrpt", false) {
			d.portReportCriterion = closedOnly()
		}
	} else {
		d.portReportCriterion = allPortStatuses()
	}

	xsips := firstNonEmpty(opts.String("Xsips", ""), opts.String("Xsip", ""), opts.String("xsips", ""))
	excl, err := ParseExclusions(xsips, opts.String("Xdips", ""), opts.String("Xsports", ""), opts.String("Xdports", ""))
	if err != nil {
		return "", e.fatal("%v", err)
	}
	d.exclusions = excl

	d.calc = score.New(e.recorder)
	d.calc.SetFeatures([]score.TableUseSpec{{
		Feats:          d.feats,
		FeatureNames:   d.featureNames,
		Conds:          d.storageConds,
		ScaleFreq:      d.scaleFreq,
		ScaleFactor:    d.scaleFactor,
		PruneThreshold: d.pruneThreshold,
	}}, d.calcFeats)
	d.calc.SetCondPrefixLen(d.condPrefixLen)
	d.calc.SetRelScore(relScore, relScore)
	d.calc.SetRawScore(rawScore, !relScore)
	d.calc.SetCorrScore(corrScore)
	if minObs > 0 {
		d.calc.SetMinObs(d.condPrefixLen, float64(minObs))
	}
	if maxEntropy > 0 {
		d.calc.SetLowEntropyDomain(d.condPrefixLen, maxEntropy)
	}

	d.tmgr = &threshold.Manager{}
	d.tmgr.Adapter = threshold.NewAdapterOneShot(thresh)
	d.tmgr.ThresholdExceeded = func(s float64) {}

	if d.wait > 0 {
		d.canc = canceller.New(d.wait, d.timeoutImplication, e.makeCancellerStatusCB(d))
	}

	e.detectors = append(e.detectors, d)
	e.byID[id] = d
	e.needed |= d.storageConds | d.scoringConds | d.cancelOpenConds | d.cancelClosedConds
	return id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func halflifeToFactor(periodSecs, halflifeSecs float64) float64 {
	if halflifeSecs <= 0 {
		return 1
	}
	exp := periodSecs / halflifeSecs
	f := 1.0
	for exp > 0 {
		f *= 0.5
		exp--
	}
	return f
}

func usesCanceller(t detection.Type) bool {
	switch t {
	case detection.TypeClosedDport, detection.TypeOddDport, detection.TypeOddPortDest:
		return true
	default:
		return false
	}
}

const allTCPFlagConds = detection.CondSynOnly | detection.CondSynAck | detection.CondWeirdFlags |
	detection.CondSetupFlags | detection.CondEstFlags | detection.CondTeardownFlags | detection.CondNormalRst

const allProtocolConds = detection.CondIsTCP | detection.CondIsUDP | detection.CondIsICMP |
	detection.CondIsUnrchTCP | detection.CondIsUnrchUDP | detection.CondIsUnrchICMP

func tcpFlagCondition(name string) (recorder.ConditionSet, bool) {
	switch strings.ToLower(name) {
	case "synonly":
		return detection.CondIsTCP | detection.CondSynOnly, true
	case "synack":
		return detection.CondIsTCP | detection.CondSynAck, true
	case "setup":
		return detection.CondIsTCP | detection.CondSetupFlags, true
	case "est":
		return detection.CondIsTCP | detection.CondEstFlags, true
	case "teardown":
		return detection.CondIsTCP | detection.CondTeardownFlags, true
	case "rst":
		return detection.CondIsTCP | detection.CondNormalRst, true
	default:
		return 0, false
	}
}

func protocolCondition(name string) (recorder.ConditionSet, bool) {
	switch strings.ToLower(name) {
	case "tcp":
		return detection.CondIsTCP, true
	case "udp":
		return detection.CondIsUDP, true
	case "icmp":
		return detection.CondIsICMP, true
	case "unrchtcp":
		return detection.CondIsUnrchTCP, true
	case "unrchudp":
		return detection.CondIsUnrchUDP, true
	case "unrchicmp":
		return detection.CondIsUnrchICMP, true
	default:
		return 0, false
	}
}

// SetupDetectorAdapt1 configures detector id with threshold adaptation
// mode 1 (top-target+1 averaging, EWMA-blended).
func (e *Engine) SetupDetectorAdapt1(id string, target int, newObsWeight float64) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Adapter = threshold.NewAdapterTopN(target, newObsWeight)
	return nil
}

// SetupDetectorAdapt2 configures mode 2: short/medium/long hierarchy.
func (e *Engine) SetupDetectorAdapt2(id string, targetSpec, periodSecs float64, ns, nm, nl int) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Adapter = threshold.NewAdapterHierarchy(targetSpec, periodSecs, ns, nm, nl)
	return nil
}

// SetupDetectorAdapt3 configures mode 3: circular history-of-ideals mean.
func (e *Engine) SetupDetectorAdapt3(id string, targetSpec, periodSecs float64, no int) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Adapter = threshold.NewAdapterHistoryMean(targetSpec, periodSecs, no)
	return nil
}

// SetupDetectorAdapt4 configures mode 4: a fixed threshold, set once.
func (e *Engine) SetupDetectorAdapt4(id string, thresh float64) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Adapter = threshold.NewAdapterOneShot(thresh)
	return nil
}

// SetupDetectorAdvise attaches a one-shot threshold adviser over
// horizonSecs that only ever logs a suggestion, never moving the live
// threshold.
func (e *Engine) SetupDetectorAdvise(id string, horizonSecs float64, target int) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Adviser = threshold.NewAdviser(e.logger, horizonSecs, target)
	return nil
}

// SetupDetectorSurvey attaches a periodic percentile logger.
func (e *Engine) SetupDetectorSurvey(id string, intervalSecs float64) error {
	d, err := e.detector(id)
	if err != nil {
		return err
	}
	d.tmgr.Surveyor = threshold.NewSurveyor(e.logger, intervalSecs)
	return nil
}

func (e *Engine) detector(id string) (*Detector, error) {
	d, ok := e.byID[id]
	if !ok {
		return nil, e.fatal("unknown detector id %q", id)
	}
	return d, nil
}

// finalize wires every detector's threshold-exceeded callback now that
// all detectors are registered (so d.tmgr.ThresholdExceeded can close
// over a stable *Detector). The engine-wide needed condition set is
// already accumulated by NewDetector. Runs once, lazily, on the first
// OnPacket call.
func (e *Engine) finalize() {
	if e.finalized {
		return
	}
	for _, d := range e.detectors {
		d := d
		d.tmgr.ThresholdExceeded = func(s float64) {
			e.handleReport(d, e.currentReport.pe, s, canceller.Unknown)
		}
	}
	e.finalized = true
}

// pendingReport is threaded from OnPacket into the threshold-exceeded
// closure above: Observe's callback carries only the score, not the
// triggering packet, so the packet is stashed on the engine for the
// duration of a single OnPacket call.
type pendingReport struct {
	pe PacketEvent
}

func (e *Engine) makeCancellerStatusCB(d *Detector) canceller.StatusFn {
	return func(rpt *canceller.Report, status canceller.PortStatus) {
		p := rpt.Payload.(reportPayload)
		if d.portReportCriterion[status] {
			e.emit(d, p.pe, p.score, status)
		}
	}
}

func (e *Engine) handleReport(d *Detector, pe PacketEvent, s float64, status canceller.PortStatus) {
	if e.globalExclusions.matches(pe) || d.exclusions.matches(pe) {
		e.excludedCount++
		d.excludedCount++
		return
	}
	if d.portReportCriterion[status] {
		e.emit(d, pe, s, status)
		return
	}
	if d.canc != nil {
		rpt := &canceller.Report{
			SIP: ipToU32(pe.SIP), DIP: ipToU32(pe.DIP),
			SPort: pe.SPort, DPort: pe.DPort,
			Protocol: uint8(pe.Protocol), Time: pe.Time,
			Payload: reportPayload{pe: e.copier(pe), score: s},
		}
		d.canc.AddReport(rpt)
	}
}

func (e *Engine) emit(d *Detector, pe PacketEvent, s float64, status canceller.PortStatus) {
	d.reportCount++
	if e.reportCB != nil {
		e.reportCB(Report{DetectorID: d.ID, Type: d.Type, Event: pe, Score: s, PortStatus: status})
	}
}

// OnPacket runs one packet through the full pipeline: advance every
// detector's threshold manager and canceller, advance the recorder,
// classify the packet's condition bits, then score/cancel/record it
// against every detector.
func (e *Engine) OnPacket(pe PacketEvent) {
	e.finalize()

	if e.firstTime == 0 {
		e.firstTime = pe.Time
	}

	if pe.Time > e.lastTime {
		rate := e.observedPacketRate(pe.Time)
		for _, d := range e.detectors {
			before := d.tmgr.CurrentThreshold()
			d.tmgr.AdvanceTime(pe.Time, rate)
			if after := d.tmgr.CurrentThreshold(); after != before && e.threshCB != nil {
				e.threshCB(d.ID, after)
			}
			if d.canc != nil {
				d.canc.AdvanceTime(pe.Time)
			}
		}
		e.recorder.AdvanceTime(pe.Time)
		e.lastTime = pe.Time
	}
	e.totalPackets++

	pkt := pe.toDetectionPacket()
	bits := detection.Classify(pkt, e.homenet, e.needed)

	ev := &recorder.Event{Values: make(map[int]uint32, len(e.featureIDs))}
	for name, id := range e.featureIDs {
		ev.Values[id] = featureValue(name, pe)
	}

	for _, d := range e.detectors {
		if recorder.AllCondsMet(bits, d.scoringConds) && !(e.skipBroadcastLowByte && isBroadcastLowByte(pe.DIP)) {
			info, enoughObs := d.calc.Score(ev)
			if enoughObs && info != nil {
				s := info.MainScore()
				if s != score.NoScore {
					d.scoredCount++
					e.currentReport = pendingReport{pe: pe}
					d.tmgr.Observe(s)
				}
			}
			e.writePacketDiagnostics(d, ev)
		}
		if d.canc != nil {
			if d.cancelOpenConds != 0 && recorder.AllCondsMet(bits, d.cancelOpenConds) {
				e.noteReverseResponse(d, pe, canceller.Open)
			}
			if d.cancelClosedConds != 0 && recorder.AllCondsMet(bits, d.cancelClosedConds) {
				e.noteReverseResponse(d, pe, canceller.Closed)
			}
		}
	}

	e.recorder.Record(ev, bits)

	if e.checkpointPath != "" && e.checkpointEveryN > 0 {
		e.recordsSinceCheckpoint++
		if e.recordsSinceCheckpoint >= e.checkpointEveryN {
			if err := e.Dump(); err != nil {
				e.warn("automatic checkpoint failed: %v", err)
			}
			e.recordsSinceCheckpoint = 0
		}
	}
}

// noteReverseResponse reconstructs the original probe's 4-tuple from a
// response packet's (swapped) addressing and feeds it to the canceller:
// a SYN-ACK from the probed host has source/dest reversed relative to
// the SYN that triggered the tentative report.
func (e *Engine) noteReverseResponse(d *Detector, pe PacketEvent, implied canceller.PortStatus) {
	d.canc.NoteResponse(implied, ipToU32(pe.DIP), pe.DPort, ipToU32(pe.SIP), pe.SPort, false)
}

func isBroadcastLowByte(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[3] == 0xFF
}

// observedPacketRate estimates packets/second since the engine's first
// packet, the feedback signal threshold adapter modes 2/3 use to turn a
// target specification into a period's ideal report count.
func (e *Engine) observedPacketRate(now int64) float64 {
	elapsed := now - e.firstTime
	if elapsed <= 0 {
		return 0
	}
	return float64(e.totalPackets) / float64(elapsed)
}

// Dump writes a checkpoint to the configured checkpoint path (or
// returns an error if none was configured) and, when an output file is
// set, a human-readable summary line per detector (id, type, scored,
// reported and excluded counts) to it.
func (e *Engine) Dump() error {
	if e.checkpointPath == "" {
		return fmt.Errorf("netspade: no checkpoint path configured")
	}
	f, err := os.Create(e.checkpointPath)
	if err != nil {
		return fmt.Errorf("netspade: creating checkpoint file: %w", err)
	}
	defer f.Close()
	if err := e.checkpoint(f); err != nil {
		return err
	}
	if e.outputFile != nil {
		e.writeStatsSummary()
	}
	return nil
}

func (e *Engine) checkpoint(w io.Writer) error {
	// Force every detector's calculator to open its event file so the
	// recorder's table set reflects everything that has ever scored,
	// even a detector that has not yet seen a single matching packet.
	for _, d := range e.detectors {
		d.calc.StoreCount()
	}

	maxFeat := uint8(len(e.featureIDs))
	h := checkpoint.Header{AppName: "netspade", AppFormatVersion: 1, MaxFeatureCount: maxFeat}
	if err := checkpoint.WriteHeader(w, h); err != nil {
		return fmt.Errorf("netspade: writing checkpoint header: %w", err)
	}
	if err := e.recorder.WriteTo(w); err != nil {
		return fmt.Errorf("netspade: writing recorder body: %w", err)
	}
	return nil
}

// recover reads a checkpoint's envelope and application body back into
// the engine's recorder. Detectors must already be registered (their
// feature lists and conditions are what let OpenEventFile reattach to a
// restored table manager on first use), so NewEngineFromStatefile only
// restores the recorder; callers that need detectors recovered too
// should register them (engine_new_detector) before relying on restored
// counts to feed scoring.
func (e *Engine) recover(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	h, err := checkpoint.ReadHeader(f)
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if err := e.recorder.ReadFrom(f, int(h.FormatVersion)); err != nil {
		return fmt.Errorf("reading recorder body: %w", err)
	}
	return nil
}

// Recover restores the engine's recorded tables from a checkpoint at
// path, after detectors have already been registered via NewDetector.
// This is the resume-in-place counterpart to NewEngineFromStatefile,
// which only makes sense before any detector exists.
func (e *Engine) Recover(path string) error {
	return e.recover(path)
}

// writePacketDiagnostics appends one line of entropy/probability readings
// for d's table to the output file, gated on which OutputStats flags are
// enabled. It is a thin decorator over d.calc's already-computed
// quantities: disabled when no flag is set or no output file is
// configured, so the common case costs one branch.
func (e *Engine) writePacketDiagnostics(d *Detector, ev *recorder.Event) {
	if e.outputFile == nil {
		return
	}
	st := e.outputStats
	if !st.Entropy && !st.UncondProb && !st.CondProb {
		return
	}
	diag := d.calc.Diagnostics(ev)
	fmt.Fprintf(e.outputFile, "detector=%s", d.ID)
	if st.Entropy {
		fmt.Fprintf(e.outputFile, " entropy=%.6f", diag.Entropy)
	}
	if st.UncondProb {
		fmt.Fprintf(e.outputFile, " uncondprob=%.6g", diag.UncondProb)
	}
	if st.CondProb {
		fmt.Fprintf(e.outputFile, " condprob=%.6g", diag.CondProb)
	}
	fmt.Fprintln(e.outputFile)
}

func (e *Engine) writeStatsSummary() {
	for _, d := range e.detectors {
		fmt.Fprintf(e.outputFile, "detector=%s type=%s scored=%d reports=%d excluded=%d\n",
			d.ID, d.Type.Keyword(), d.scoredCount, d.reportCount, d.excludedCount)
	}
}

// Cleanup flushes and releases the engine's output and checkpoint
// resources. Safe to call more than once.
func (e *Engine) Cleanup() error {
	if e.outputFile != nil {
		err := e.outputFile.Close()
		e.outputFile = nil
		return err
	}
	return nil
}

// WriteLog writes the per-detector summary lines to the output file now.
// It does nothing when no output file is set.
func (e *Engine) WriteLog() error {
	if e.outputFile == nil {
		return nil
	}
	e.writeStatsSummary()
	return nil
}

// TotalPackets returns how many packets OnPacket has processed.
func (e *Engine) TotalPackets() uint64 { return e.totalPackets }

// ExcludedCount returns how many would-be reports were dropped by a
// global or per-detector exclusion list.
func (e *Engine) ExcludedCount() uint64 { return e.excludedCount }

