// Package detection classifies packets into event conditions and compiles
// detector configuration from a detection-type keyword plus an option
// string, mirroring the condition-mask and detection-type-default tables
// a netspade-style engine consults on every packet and at detector setup.
package detection

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/netspade/netspade/internal/recorder"
)

// Condition bits, positions 1..31 of a recorder.ConditionSet. Bit 32 is
// recorder.ConditionFalse, the reserved always-false condition.
const (
	CondIsTCP ConditionBit = 1 << iota
	CondIsUDP
	CondIsICMP
	CondIsUnrchTCP
	CondIsUnrchUDP
	CondIsUnrchICMP
	CondSynOnly
	CondSynAck
	CondWeirdFlags
	CondSetupFlags
	CondEstFlags
	CondTeardownFlags
	CondNormalRst
	CondIcmpErr
	CondIcmpNotErr
	CondSipInHomenet
	CondDipInHomenet
	CondSipNotInHomenet
	CondDipNotInHomenet
)

// ConditionBit is a single named condition, widened to recorder.ConditionSet
// wherever a set of conditions is built.
type ConditionBit = recorder.ConditionSet

// Origin distinguishes a packet seen directly from one carried inside an
// ICMP unreachable message.
type Origin int

const (
	OriginTop Origin = iota
	OriginEmbeddedInICMPUnreach
)

// Protocol is the packet's IANA protocol number restricted to the three
// this engine classifies.
type Protocol uint8

const (
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
	ProtoICMP Protocol = 1
)

// Packet carries the fields the condition classifier needs. Everything
// else about the packet is detector-specific feature data and lives in
// the recorder.Event the caller builds separately.
type Packet struct {
	Origin   Origin
	Protocol Protocol
	SIP, DIP net.IP

	TCPFlags uint8 // lower 6 bits: FIN SYN RST PSH ACK URG, bit0=FIN..bit5=URG
	ICMPType uint8
}

const (
	tcpFIN = 1 << 0
	tcpSYN = 1 << 1
	tcpRST = 1 << 2
	tcpACK = 1 << 4
)

// Homenet is a set of CIDR blocks defining the "local" network. An empty
// Homenet makes every in-homenet predicate true, per the membership rule
// the original classifier uses when no homenet has been configured.
type Homenet []*net.IPNet

// ParseHomenet parses a comma-separated list of CIDR blocks.
func ParseHomenet(cidrList string) (Homenet, error) {
	if strings.TrimSpace(cidrList) == "" {
		return nil, nil
	}
	var hn Homenet
	for _, tok := range strings.Split(cidrList, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid homenet CIDR %q: %w", tok, err)
		}
		hn = append(hn, ipnet)
	}
	return hn, nil
}

func (hn Homenet) contains(ip net.IP) bool {
	if len(hn) == 0 {
		return true
	}
	for _, n := range hn {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// weirdFlags applies the TCP flag classification rule: weird if none of
// {SYN,ACK,RST} are set, or ACK is set together with more than one of
// {FIN,RST}, or ACK is absent together with something other than exactly
// one of {SYN,FIN,RST}.
func weirdFlags(flags uint8) bool {
	syn := flags&tcpSYN != 0
	ack := flags&tcpACK != 0
	fin := flags&tcpFIN != 0
	rst := flags&tcpRST != 0

	if !syn && !ack && !rst {
		return true
	}
	if ack {
		count := 0
		if fin {
			count++
		}
		if rst {
			count++
		}
		return count > 1
	}
	// ack absent: weird unless exactly one of {SYN,FIN,RST} is set
	count := 0
	if syn {
		count++
	}
	if fin {
		count++
	}
	if rst {
		count++
	}
	return count != 1
}

// Classify computes the packet's satisfied condition bits, restricted to
// conditions present in needed (every bit is evaluated, then bits outside
// needed are cleared from the result).
func Classify(pkt *Packet, homenet Homenet, needed recorder.ConditionSet) recorder.ConditionSet {
	var c recorder.ConditionSet

	switch pkt.Protocol {
	case ProtoTCP:
		if pkt.Origin == OriginTop {
			c |= CondIsTCP
		} else {
			c |= CondIsUnrchTCP
		}
		flags := pkt.TCPFlags & 0x3F
		switch {
		case flags == 0x02:
			c |= CondSynOnly
		case flags == 0x12:
			c |= CondSynAck
		}
		if weirdFlags(flags) {
			c |= CondWeirdFlags
		} else {
			syn := flags&tcpSYN != 0
			fin := flags&tcpFIN != 0
			rst := flags&tcpRST != 0
			switch {
			case syn:
				c |= CondSetupFlags
			case fin:
				c |= CondTeardownFlags
			case rst:
				c |= CondTeardownFlags
				c |= CondNormalRst
			default:
				c |= CondEstFlags
			}
		}
	case ProtoUDP:
		if pkt.Origin == OriginTop {
			c |= CondIsUDP
		} else {
			c |= CondIsUnrchUDP
		}
	case ProtoICMP:
		if pkt.Origin == OriginTop {
			c |= CondIsICMP
		} else {
			c |= CondIsUnrchICMP
		}
		switch pkt.ICMPType {
		case 3, 4, 5, 11, 12:
			c |= CondIcmpErr
		default:
			c |= CondIcmpNotErr
		}
	}

	if pkt.SIP != nil {
		if homenet.contains(pkt.SIP) {
			c |= CondSipInHomenet
		} else {
			c |= CondSipNotInHomenet
		}
	}
	if pkt.DIP != nil {
		if homenet.contains(pkt.DIP) {
			c |= CondDipInHomenet
		} else {
			c |= CondDipNotInHomenet
		}
	}

	return c & needed
}

// Type is a detection type, numbered consecutively from 1; the zero
// value is TypeUnknown.
type Type int

const (
	TypeUnknown Type = iota
	TypeClosedDport
	TypeDeadDest
	TypeOddDport
	TypeOddTypecode
	TypeOddPortDest
)

// keyword maps a Type to the option-string "type=" keyword that selects it.
var keyword = map[Type]string{
	TypeClosedDport: "closed-dport",
	TypeDeadDest:    "dead-dest",
	TypeOddDport:    "odd-dport",
	TypeOddTypecode: "odd-typecode",
	TypeOddPortDest: "odd-port-dest",
}

var typeForKeyword = func() map[string]Type {
	m := make(map[string]Type, len(keyword))
	for t, kw := range keyword {
		m[kw] = t
	}
	return m
}()

// Short returns the type's brief two-letter code, or "?" if unknown.
func (t Type) Short() string {
	switch t {
	case TypeClosedDport:
		return "CD"
	case TypeOddDport:
		return "RD"
	case TypeDeadDest:
		return "DD"
	case TypeOddTypecode:
		return "OT"
	case TypeOddPortDest:
		return "PD"
	default:
		return "?"
	}
}

// Description returns the type's medium-length human description, or "?"
// if unknown.
func (t Type) Description() string {
	switch t {
	case TypeClosedDport:
		return "Closed dest port used"
	case TypeOddDport:
		return "Rare dest port used"
	case TypeDeadDest:
		return "Non-live dest used"
	case TypeOddTypecode:
		return "Odd ICMP type/code found"
	case TypeOddPortDest:
		return "Source used odd dest for port"
	default:
		return "?"
	}
}

// Keyword returns the option-string keyword selecting t.
func (t Type) Keyword() string { return keyword[t] }

// TypeForKeyword maps an option-string "type=" value back to a Type, or
// TypeUnknown if kw is not recognized.
func TypeForKeyword(kw string) Type { return typeForKeyword[kw] }

// ScaleParams is a table manager's aging schedule: every ScaleFreq
// seconds, multiply counts by ScaleFactor and prune anything that falls
// below ScaleCutoff.
type ScaleParams struct {
	ScaleFreq   int
	ScaleFactor float64
	ScaleCutoff float64
}

// Defaults is one detection type's fixed configuration, consulted when a
// detector of that type doesn't override a field via its option string.
type Defaults struct {
	Type          Type
	Features      []string // feature names, engine-specific mapping to ids
	CalcFeatures  []string // optional alternate calc-feature list (dead-dest)
	CondPrefixLen int
	Thresh        float64
	RelScore      bool
	MinObs        int
	Scale         ScaleParams
}

// defaultsTable is keyed by Type and mirrors the fixed per-detection-type
// defaults table.
var defaultsTable = map[Type]Defaults{
	TypeClosedDport: {
		Type: TypeClosedDport, Features: []string{"dip", "dport"},
		CondPrefixLen: 0, Thresh: 0.85, RelScore: true, MinObs: 400,
		Scale: ScaleParams{ScaleFreq: 240 * 60, ScaleFactor: 0.96409, ScaleCutoff: 0.18},
	},
	TypeOddTypecode: {
		Type: TypeOddTypecode, Features: []string{"icmp-type-code"},
		CondPrefixLen: 0, Thresh: 0.9, MinObs: 3000,
		Scale: ScaleParams{ScaleFreq: 240 * 60, ScaleFactor: 0.96409, ScaleCutoff: 0.18},
	},
	TypeOddDport: {
		Type: TypeOddDport, Features: []string{"sip", "dport"},
		CondPrefixLen: 1, Thresh: 0.8, MinObs: 600,
		Scale: ScaleParams{ScaleFreq: 240 * 60, ScaleFactor: 0.98363, ScaleCutoff: 0.18},
	},
	TypeOddPortDest: {
		Type: TypeOddPortDest, Features: []string{"sip", "dport", "dip"},
		CondPrefixLen: 1, Thresh: 0.9,
		// MinObs is derived from maxentropy for this type; left 0 here,
		// the caller computing defaults fills it in once maxentropy is known.
		Scale: ScaleParams{ScaleFreq: 90 * 60, ScaleFactor: 0.97957, ScaleCutoff: 0.25},
	},
	TypeDeadDest: {
		Type: TypeDeadDest, Features: []string{"sip"}, CalcFeatures: []string{"dip"},
		CondPrefixLen: 0, Thresh: 1, MinObs: 2000,
		Scale: ScaleParams{ScaleFreq: 60 * 60, ScaleFactor: 0.94387, ScaleCutoff: 0.25},
	},
}

// DefaultsFor returns the fixed defaults for a detection type. The zero
// Defaults (Type: TypeUnknown) is returned for unrecognized types.
func DefaultsFor(t Type) Defaults { return defaultsTable[t] }

// Options is an option string parsed into its recognized key=value pairs.
// Unrecognized keys are returned separately so the caller can warn.
type Options struct {
	values   map[string]string
	Unknown  []string
}

var recognizedKeys = map[string]bool{
	"type": true, "id": true, "thresh": true, "wait": true, "minobs": true,
	"scalefreq": true, "scalefactor": true, "scalecutoff": true, "scalehalflife": true,
	"probmode": true, "relscore": true, "corrscore": true, "protocol": true,
	"to": true, "from": true, "tcpflags": true, "icmptype": true, "maxentropy": true,
	"revwaitrpt": true, "Xsips": true, "Xsip": true, "xsips": true, "Xdips": true,
	"Xsports": true, "Xdports": true,
}

// ParseOptionString parses a space-separated list of key=value tokens.
// Unknown keys are collected in Options.Unknown instead of erroring, per
// the original's warn-and-ignore policy.
func ParseOptionString(s string) (Options, error) {
	opts := Options{values: make(map[string]string)}
	for _, tok := range strings.Fields(s) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return opts, fmt.Errorf("malformed option token %q: want key=value", tok)
		}
		key, val := kv[0], kv[1]
		if !recognizedKeys[key] {
			opts.Unknown = append(opts.Unknown, key)
			continue
		}
		opts.values[key] = val
	}
	return opts, nil
}

func (o Options) get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Float returns the float64 value of key, or def if absent/unparseable.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o.get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Int returns the int value of key, or def if absent/unparseable.
func (o Options) Int(key string, def int) int {
	v, ok := o.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the boolean value of key ("0"/"1"), or def if absent.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o.get(key)
	if !ok {
		return def
	}
	return v != "0"
}

// String returns the raw string value of key, or def if absent.
func (o Options) String(key string, def string) string {
	v, ok := o.get(key)
	if !ok {
		return def
	}
	return v
}
