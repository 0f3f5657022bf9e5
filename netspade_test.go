package netspade

import (
	"bytes"
	"net"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/netspade/netspade/internal/canceller"
	"github.com/netspade/netspade/internal/detection"
	"github.com/netspade/netspade/internal/recorder"
)

func synPacket(tm int64, sip, dip net.IP, sport, dport uint16) PacketEvent {
	return PacketEvent{
		Time: tm, Protocol: detection.ProtoTCP,
		SIP: sip, DIP: dip, SPort: sport, DPort: dport,
		TCPFlags: 0x02,
	}
}

func trainClosedDportTable(t *testing.T, e *Engine, victim, scanner net.IP) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		e.OnPacket(synPacket(50, scanner, victim, uint16(1024+i), 80))
	}
}

// A detector with no wait window configured reports against every port
// status, including the bare Unknown a fresh score carries — there is
// no canceller evidence to wait for.
func TestNewDetectorImmediateReportCriterion(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	id, err := e.NewDetector("type=closed-dport")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]
	if d.canc != nil {
		t.Fatalf("expected no canceller for a wait=0 detector")
	}
	if !d.portReportCriterion[canceller.Unknown] {
		t.Errorf("wait=0 detector must report on Unknown status")
	}
}

// A detector with wait>0 must exclude the bare Unknown status from its
// report criterion, or it would double-report: once immediately with
// Unknown and again once the canceller resolves the tentative report.
func TestNewDetectorWaitExcludesUnknownStatus(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	id, err := e.NewDetector("type=closed-dport wait=5")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]
	if d.canc == nil {
		t.Fatalf("expected a canceller for a wait=5 detector")
	}
	if d.portReportCriterion[canceller.Unknown] {
		t.Errorf("wait>0 detector must not report on bare Unknown")
	}
	if !d.portReportCriterion[canceller.LikelyClosed] {
		t.Errorf("wait>0 detector should still report on a resolved status")
	}
}

// revwaitrpt=1 narrows the report criterion to confirmed-dead statuses
// only, dropping open/probably-open results a plain wait=N detector
// would still emit.
func TestNewDetectorRevwaitrptRestrictsToClosedStatuses(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	id, err := e.NewDetector("type=closed-dport wait=5 revwaitrpt=1")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]
	if d.portReportCriterion[canceller.Open] {
		t.Errorf("revwaitrpt=1 must not report Open")
	}
	if !d.portReportCriterion[canceller.LikelyClosed] {
		t.Errorf("revwaitrpt=1 must still report LikelyClosed")
	}
}

// scenario 1: with no canceller configured, a tentative finding must be
// emitted immediately, carrying an Unknown port status since nothing
// ever resolved it.
func TestHandleReportEmitsImmediatelyWithoutCanceller(t *testing.T) {
	var reports []Report
	e := NewEngine(zap.NewNop(), nil, 0)
	e.SetCallbacks(func(r Report) { reports = append(reports, r) }, nil, nil)

	id, err := e.NewDetector("type=closed-dport")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	pe := synPacket(100, scanner, victim, 9999, 81)

	e.handleReport(d, pe, 7.5, canceller.Unknown)

	if len(reports) != 1 {
		t.Fatalf("got %d reports, want exactly 1", len(reports))
	}
	if reports[0].DetectorID != id || reports[0].Score != 7.5 || reports[0].PortStatus != canceller.Unknown {
		t.Errorf("unexpected report: %+v", reports[0])
	}
}

// scenario 2: with a canceller configured, a tentative finding must be
// queued rather than emitted, then released with the resolved status
// once a matching reverse-direction packet confirms it.
func TestCancellerConfirmsPortOpen(t *testing.T) {
	var reports []Report
	e := NewEngine(zap.NewNop(), nil, 0)
	e.SetCallbacks(func(r Report) { reports = append(reports, r) }, nil, nil)

	id, err := e.NewDetector("type=closed-dport wait=5 tcpflags=synonly")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	probe := synPacket(100, scanner, victim, 9999, 81)

	e.handleReport(d, probe, 7.5, canceller.Unknown)
	if len(reports) != 0 {
		t.Fatalf("got %d reports before any canceller evidence arrived, want 0", len(reports))
	}
	if d.canc.Pending() != 1 {
		t.Fatalf("pending canceller reports = %d, want 1", d.canc.Pending())
	}

	synAck := PacketEvent{
		Time: 102, Protocol: detection.ProtoTCP,
		SIP: victim, DIP: scanner, SPort: 81, DPort: 9999,
		TCPFlags: 0x12,
	}
	e.noteReverseResponse(d, synAck, canceller.Open)

	if len(reports) != 1 {
		t.Fatalf("got %d reports after the SYN-ACK, want exactly 1", len(reports))
	}
	if reports[0].PortStatus != canceller.Open {
		t.Errorf("port status = %v, want Open", reports[0].PortStatus)
	}
	if d.canc.Pending() != 0 {
		t.Errorf("pending canceller reports = %d, want 0 after resolution", d.canc.Pending())
	}
}

// scenario 3: same as scenario 2, but no confirming packet ever
// arrives; once the wait window elapses the canceller must release the
// finding with its configured timeout implication.
func TestCancellerTimesOutToLikelyClosed(t *testing.T) {
	var reports []Report
	e := NewEngine(zap.NewNop(), nil, 0)
	e.SetCallbacks(func(r Report) { reports = append(reports, r) }, nil, nil)

	id, err := e.NewDetector("type=closed-dport wait=5 tcpflags=synonly")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	probe := synPacket(100, scanner, victim, 9999, 81)

	e.handleReport(d, probe, 7.5, canceller.Unknown)
	if len(reports) != 0 {
		t.Fatalf("got %d reports before timeout, want 0", len(reports))
	}

	d.canc.AdvanceTime(106)

	if len(reports) != 1 {
		t.Fatalf("got %d reports after the wait window elapsed, want exactly 1", len(reports))
	}
	if reports[0].PortStatus != canceller.LikelyClosed {
		t.Errorf("port status = %v, want LikelyClosed", reports[0].PortStatus)
	}
}

func TestHandleReportExcludesGlobalMatch(t *testing.T) {
	var reports []Report
	e := NewEngine(zap.NewNop(), nil, 0)
	e.SetCallbacks(func(r Report) { reports = append(reports, r) }, nil, nil)

	id, err := e.NewDetector("type=closed-dport")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]

	if err := e.AddGlobalExclusions("2.0.0.2/32", "", "", ""); err != nil {
		t.Fatalf("AddGlobalExclusions: %v", err)
	}

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	pe := synPacket(100, scanner, victim, 9999, 81)

	e.handleReport(d, pe, 7.5, canceller.Unknown)

	if len(reports) != 0 {
		t.Fatalf("got %d reports for an excluded source, want 0", len(reports))
	}
	if e.ExcludedCount() != 1 {
		t.Errorf("ExcludedCount() = %d, want 1", e.ExcludedCount())
	}
	if d.excludedCount != 1 {
		t.Errorf("detector excludedCount = %d, want 1", d.excludedCount)
	}
}

// SetOutputFile/SetOutputStats/WriteLog/Cleanup must produce a non-empty
// stats file and leave it safely closeable exactly once.
func TestOutputFileWriteLogAndCleanup(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	if _, err := e.NewDetector("type=closed-dport thresh=1e18 minobs=0"); err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	path := t.TempDir() + "/stats.out"
	if err := e.SetOutputFile(path); err != nil {
		t.Fatalf("SetOutputFile: %v", err)
	}
	e.SetOutputStats(OutputStats{Entropy: true, UncondProb: true, CondProb: true})

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	trainClosedDportTable(t, e, victim, scanner)

	if err := e.WriteLog(); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}

	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := e.Cleanup(); err != nil {
		t.Fatalf("second Cleanup call must be a no-op, got: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("expected WriteLog to have written something to the output file")
	}
	for _, want := range []string{"entropy=", "uncondprob=", "condprob="} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("output file missing %q diagnostic with all OutputStats flags enabled:\n%s", want, data)
		}
	}
}

// With no OutputStats flags enabled, OnPacket must not append any
// per-packet diagnostic lines, only writeStatsSummary's fixed line.
func TestOutputFileWithoutStatsFlagsOmitsDiagnostics(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	if _, err := e.NewDetector("type=closed-dport thresh=1e18 minobs=0"); err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	path := t.TempDir() + "/stats.out"
	if err := e.SetOutputFile(path); err != nil {
		t.Fatalf("SetOutputFile: %v", err)
	}

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	trainClosedDportTable(t, e, victim, scanner)

	if err := e.WriteLog(); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	for _, unwanted := range []string{"entropy=", "uncondprob=", "condprob="} {
		if bytes.Contains(data, []byte(unwanted)) {
			t.Errorf("output file contains %q diagnostic with no OutputStats flags enabled:\n%s", unwanted, data)
		}
	}
	if !bytes.Contains(data, []byte("detector=")) {
		t.Errorf("expected writeStatsSummary's detector= line regardless of OutputStats")
	}
}

func TestNewDetectorRejectsUnknownType(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	if _, err := e.NewDetector("type=not-a-real-type"); err == nil {
		t.Fatalf("expected an error for an unrecognized detection type")
	}
}

// Each SetupDetectorAdapt{1..4}/Advise/Survey call must replace the
// detector's one-shot default adapter (or attach an adviser/surveyor)
// rather than silently no-op.
func TestSetupDetectorAdaptModesReplaceTheDefaultAdapter(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	id, err := e.NewDetector("type=closed-dport thresh=5")
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	d := e.byID[id]
	if got := d.tmgr.Adapter.Threshold(); got != 5 {
		t.Fatalf("default one-shot threshold = %v, want 5", got)
	}

	if err := e.SetupDetectorAdapt1(id, 10, 0.5); err != nil {
		t.Fatalf("SetupDetectorAdapt1: %v", err)
	}
	if got := d.tmgr.Adapter.Threshold(); got != 0 {
		t.Errorf("mode-1 adapter should start with no live threshold until it observes data, got %v", got)
	}

	if err := e.SetupDetectorAdapt2(id, 0.01, 60, 4, 4, 4); err != nil {
		t.Fatalf("SetupDetectorAdapt2: %v", err)
	}
	if err := e.SetupDetectorAdapt3(id, 0.01, 60, 8); err != nil {
		t.Fatalf("SetupDetectorAdapt3: %v", err)
	}
	if err := e.SetupDetectorAdapt4(id, 42); err != nil {
		t.Fatalf("SetupDetectorAdapt4: %v", err)
	}
	if got := d.tmgr.Adapter.Threshold(); got != 42 {
		t.Errorf("mode-4 threshold = %v, want 42", got)
	}

	if err := e.SetupDetectorAdvise(id, 3600, 10); err != nil {
		t.Fatalf("SetupDetectorAdvise: %v", err)
	}
	if d.tmgr.Adviser == nil {
		t.Errorf("expected a non-nil adviser after SetupDetectorAdvise")
	}

	if err := e.SetupDetectorSurvey(id, 60); err != nil {
		t.Fatalf("SetupDetectorSurvey: %v", err)
	}
	if d.tmgr.Surveyor == nil {
		t.Errorf("expected a non-nil surveyor after SetupDetectorSurvey")
	}
}

func TestSetupDetectorAdaptRejectsUnknownID(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	if err := e.SetupDetectorAdapt1("no-such-id", 10, 0.5); err == nil {
		t.Fatalf("expected an error configuring an unregistered detector id")
	}
}

func TestNewDetectorRejectsDuplicateID(t *testing.T) {
	e := NewEngine(zap.NewNop(), nil, 0)
	if _, err := e.NewDetector("type=closed-dport id=dup1"); err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	if _, err := e.NewDetector("type=odd-dport id=dup1"); err == nil {
		t.Fatalf("expected an error for a duplicate detector id")
	}
}

// With an unreachable threshold nothing should ever cross into a
// report, proving the OnPacket classify/score wiring itself does not
// spuriously fire regardless of the traffic it sees.
func TestOnPacketNeverReportsWhenThresholdUnreachable(t *testing.T) {
	var reports []Report
	e := NewEngine(zap.NewNop(), nil, 0)
	e.SetCallbacks(func(r Report) { reports = append(reports, r) }, nil, nil)

	if _, err := e.NewDetector("type=closed-dport thresh=1e18 minobs=0"); err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	trainClosedDportTable(t, e, victim, scanner)
	e.OnPacket(synPacket(100, scanner, victim, 9999, 81))

	if len(reports) != 0 {
		t.Fatalf("got %d reports with an unreachable threshold, want 0", len(reports))
	}
	if e.TotalPackets() != 1001 {
		t.Errorf("TotalPackets() = %d, want 1001", e.TotalPackets())
	}
}

// A checkpoint/recover round trip must preserve every table a
// detector's calculator reads from closely enough that scoring the
// same event before and after produces the same result.
func TestCheckpointRoundTripPreservesScore(t *testing.T) {
	victim := net.ParseIP("10.0.0.1")
	scanner := net.ParseIP("2.0.0.2")
	const optString = "type=closed-dport thresh=1e18 minobs=0"

	baseline := NewEngine(zap.NewNop(), nil, 0)
	baseID, err := baseline.NewDetector(optString)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	trainClosedDportTable(t, baseline, victim, scanner)

	baseDetector := baseline.byID[baseID]
	dipID := baseline.featureIDs["dip"]
	dportID := baseline.featureIDs["dport"]
	probeEvent := &recorder.Event{Values: map[int]uint32{
		dipID:   ipToU32(victim),
		dportID: uint32(81),
	}}

	beforeInfo, beforeEnough := baseDetector.calc.Score(probeEvent)
	if beforeInfo == nil {
		t.Fatalf("baseline score: got nil info")
	}

	path := t.TempDir() + "/checkpoint.bin"
	baseline.SetCheckpointing(path, 0)
	if err := baseline.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	resumed := NewEngine(zap.NewNop(), nil, 0)
	resumedID, err := resumed.NewDetector(optString)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	if err := resumed.Recover(path); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	resumedDetector := resumed.byID[resumedID]
	afterInfo, afterEnough := resumedDetector.calc.Score(probeEvent)
	if afterInfo == nil {
		t.Fatalf("resumed score: got nil info")
	}
	if beforeEnough != afterEnough {
		t.Fatalf("enoughObs before=%v after=%v", beforeEnough, afterEnough)
	}
	diff := afterInfo.MainScore() - beforeInfo.MainScore()
	if diff < 0 {
		diff = -diff
	}
	if diff > 1e-9 {
		t.Errorf("resumed score = %v, baseline score = %v, diff %v exceeds 1e-9",
			afterInfo.MainScore(), beforeInfo.MainScore(), diff)
	}
}
