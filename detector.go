package netspade

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/netspade/netspade/internal/canceller"
	"github.com/netspade/netspade/internal/detection"
	"github.com/netspade/netspade/internal/recorder"
	"github.com/netspade/netspade/internal/score"
	"github.com/netspade/netspade/internal/threshold"
)

// PacketEvent is the decoded packet an embedder feeds to Engine.OnPacket.
// Everything beyond these fields (payload, link-layer info) is the host's
// concern; the core only ever looks at what the condition classifier and
// feature extraction need.
type PacketEvent struct {
	Time int64 // unix seconds

	Origin   detection.Origin
	Protocol detection.Protocol

	SIP, DIP     net.IP
	SPort, DPort uint16

	TCPFlags          uint8
	ICMPType, ICMPCode uint8
}

func ipToU32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func (pe PacketEvent) toDetectionPacket() *detection.Packet {
	return &detection.Packet{
		Origin:   pe.Origin,
		Protocol: pe.Protocol,
		SIP:      pe.SIP,
		DIP:      pe.DIP,
		TCPFlags: pe.TCPFlags,
		ICMPType: pe.ICMPType,
	}
}

// featureValue computes the raw value a named feature takes for pe. The
// feature-name set is fixed by internal/detection's defaults tables.
func featureValue(name string, pe PacketEvent) uint32 {
	switch name {
	case "sip":
		return ipToU32(pe.SIP)
	case "dip":
		return ipToU32(pe.DIP)
	case "sport":
		return uint32(pe.SPort)
	case "dport":
		return uint32(pe.DPort)
	case "icmp-type-code":
		return uint32(pe.ICMPType)<<8 | uint32(pe.ICMPCode)
	default:
		return 0
	}
}

// ExclusionList is a set of source/dest IPs and ports a report must not
// match, checked by exact unsigned-integer equality for ports and CIDR
// containment for IPs.
type ExclusionList struct {
	SIPs   []*net.IPNet
	DIPs   []*net.IPNet
	SPorts []uint16
	DPorts []uint16
}

// ParseExclusions builds an ExclusionList from comma-separated CIDR (IPs)
// and integer (ports) lists, the format engine_add_global_exclusions and
// the Xsips/Xdips/Xsports/Xdports option keys both use.
func ParseExclusions(xsips, xdips, xsports, xdports string) (ExclusionList, error) {
	var x ExclusionList
	var err error
	if x.SIPs, err = parseCIDRList(xsips); err != nil {
		return x, fmt.Errorf("netspade: Xsips: %w", err)
	}
	if x.DIPs, err = parseCIDRList(xdips); err != nil {
		return x, fmt.Errorf("netspade: Xdips: %w", err)
	}
	if x.SPorts, err = parsePortList(xsports); err != nil {
		return x, fmt.Errorf("netspade: Xsports: %w", err)
	}
	if x.DPorts, err = parsePortList(xdports); err != nil {
		return x, fmt.Errorf("netspade: Xdports: %w", err)
	}
	return x, nil
}

func parseCIDRList(s string) ([]*net.IPNet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []*net.IPNet
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !strings.Contains(tok, "/") {
			tok = tok + "/32"
		}
		_, n, err := net.ParseCIDR(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", tok, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parsePortList(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint16
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", tok, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func containsPort(ports []uint16, p uint16) bool {
	for _, x := range ports {
		if x == p {
			return true
		}
	}
	return false
}

// matches reports whether pe falls inside x: any single populated field
// that matches is enough to exclude the packet.
func (x ExclusionList) matches(pe PacketEvent) bool {
	if pe.SIP != nil && containsIP(x.SIPs, pe.SIP) {
		return true
	}
	if pe.DIP != nil && containsIP(x.DIPs, pe.DIP) {
		return true
	}
	if containsPort(x.SPorts, pe.SPort) {
		return true
	}
	if containsPort(x.DPorts, pe.DPort) {
		return true
	}
	return false
}

// allPortStatuses and withoutUnknown build the two stock port-report
// criteria: "report on anything, including no canceller evidence at all"
// for wait=0 detectors, and "report on anything the canceller resolved
// to, but never on the bare Unknown implication a fresh score carries"
// for detectors with a canceller configured. Without the second form a
// detector with a canceller would double-report: once immediately with
// Unknown, and again once the canceller resolves it.
func allPortStatuses() map[canceller.PortStatus]bool {
	return map[canceller.PortStatus]bool{
		canceller.Unknown: true, canceller.ProbablyOpen: true, canceller.LikelyOpen: true, canceller.Open: true,
		canceller.ProbablyClosed: true, canceller.LikelyClosed: true, canceller.Closed: true,
	}
}

func withoutUnknown() map[canceller.PortStatus]bool {
	s := allPortStatuses()
	delete(s, canceller.Unknown)
	return s
}

// closedOnly backs the revwaitrpt=1 ("reverse wait report")
// option: report only destinations the canceller confirms dead/closed,
// the configuration a detector watching for live-host churn wants
// instead of the default "report the scan, then the confirmation."
func closedOnly() map[canceller.PortStatus]bool {
	return map[canceller.PortStatus]bool{
		canceller.ProbablyClosed: true, canceller.LikelyClosed: true, canceller.Closed: true,
	}
}

// Detector holds one configured detection type's fixed condition masks,
// scoring/threshold/cancellation machinery, and per-detector exclusions.
// Built by Engine.NewDetector from an option string; immutable once the
// engine finalizes it on the first OnPacket call.
type Detector struct {
	ID   string
	Type detection.Type

	feats        recorder.FeatureList
	featureNames []string
	calcFeats    recorder.FeatureList

	condPrefixLen int

	storageConds      recorder.ConditionSet
	scoringConds      recorder.ConditionSet
	cancelOpenConds   recorder.ConditionSet
	cancelClosedConds recorder.ConditionSet

	scaleFreq      int
	scaleFactor    float64
	pruneThreshold float64

	calc  *score.Calculator
	tmgr  *threshold.Manager
	canc  *canceller.Canceller
	wait  int
	timeoutImplication canceller.PortStatus
	portReportCriterion map[canceller.PortStatus]bool

	exclusions ExclusionList

	scoredCount uint64
	reportCount uint64
	excludedCount uint64
}

type reportPayload struct {
	pe    PacketEvent
	score float64
}

// defaultScoringConditions derives the default protocol/flag gate a
// detection type scores against. closed-dport/odd-dport/odd-port-dest
// key on a SYN probe the way a port scanner's first packet looks;
// odd-typecode keys on any ICMP packet; dead-dest keys on an ICMP
// packet carried inside an ICMP-unreachable message (it fires on the
// responses a probe draws, not on the probe itself).
func defaultScoringConditions(t detection.Type) recorder.ConditionSet {
	switch t {
	case detection.TypeClosedDport, detection.TypeOddDport, detection.TypeOddPortDest:
		return detection.CondIsTCP | detection.CondSynOnly
	case detection.TypeOddTypecode:
		return detection.CondIsICMP
	case detection.TypeDeadDest:
		return detection.CondIsUnrchICMP
	default:
		return 0
	}
}

// defaultTimeoutImplication is the belief a canceller settles on when no
// confirming/disconfirming packet arrives before wait seconds elapse.
func defaultTimeoutImplication(t detection.Type) canceller.PortStatus {
	switch t {
	case detection.TypeOddPortDest:
		return canceller.LikelyClosed
	default:
		return canceller.LikelyClosed
	}
}

// minObsForMaxEntropy derives odd-port-dest's min-obs gate from its
// maxentropy option: the gate admits roughly the number of observations
// a maximally-entropic domain of that width would need to be
// statistically meaningful, i.e. proportional to 2^maxentropy.
func minObsForMaxEntropy(maxEntropy float64) int {
	n := int(4 * math.Exp2(maxEntropy))
	if n < 1 {
		n = 1
	}
	return n
}
