package detection

import (
	"net"
	"testing"

	"github.com/netspade/netspade/internal/recorder"
)

func TestClassifySynOnlyAndSetupFlags(t *testing.T) {
	pkt := &Packet{Protocol: ProtoTCP, TCPFlags: 0x02, SIP: net.ParseIP("10.0.0.1"), DIP: net.ParseIP("8.8.8.8")}
	needed := CondIsTCP | CondSynOnly | CondSetupFlags | CondWeirdFlags
	got := Classify(pkt, nil, needed)

	if got&CondIsTCP == 0 {
		t.Errorf("expected CondIsTCP set")
	}
	if got&CondSynOnly == 0 {
		t.Errorf("expected CondSynOnly set for flags 0x02")
	}
	if got&CondSetupFlags == 0 {
		t.Errorf("expected CondSetupFlags set (lone SYN)")
	}
	if got&CondWeirdFlags != 0 {
		t.Errorf("lone SYN must not be weird")
	}
}

func TestClassifySynAck(t *testing.T) {
	pkt := &Packet{Protocol: ProtoTCP, TCPFlags: 0x12}
	got := Classify(pkt, nil, CondSynAck|CondSetupFlags|CondEstFlags|CondWeirdFlags)
	if got&CondSynAck == 0 {
		t.Errorf("expected CondSynAck for flags 0x12")
	}
	if got&CondSetupFlags == 0 {
		t.Errorf("SYN+ACK carries SYN, so it should classify as setup")
	}
	if got&CondWeirdFlags != 0 {
		t.Errorf("SYN+ACK must not be weird")
	}
}

func TestWeirdFlagsRule(t *testing.T) {
	cases := []struct {
		flags uint8
		weird bool
		name  string
	}{
		{0x00, true, "no SYN/ACK/RST"},
		{0x02, false, "lone SYN"},
		{0x12, false, "SYN+ACK"},
		{0x10 | tcpFIN | tcpRST, true, "ACK with both FIN and RST"},
		{0x10 | tcpFIN, false, "ACK+FIN only"},
		{tcpSYN | tcpFIN, true, "no ACK, SYN and FIN both set"},
	}
	for _, c := range cases {
		if got := weirdFlags(c.flags); got != c.weird {
			t.Errorf("%s: weirdFlags(0x%02x) = %v, want %v", c.name, c.flags, got, c.weird)
		}
	}
}

func TestNormalRstCoincidesWithTeardown(t *testing.T) {
	pkt := &Packet{Protocol: ProtoTCP, TCPFlags: tcpRST}
	got := Classify(pkt, nil, CondTeardownFlags|CondNormalRst|CondWeirdFlags)
	if got&CondTeardownFlags == 0 {
		t.Errorf("expected CondTeardownFlags for lone RST")
	}
	if got&CondNormalRst == 0 {
		t.Errorf("expected CondNormalRst for lone RST")
	}
}

func TestICMPErrClassification(t *testing.T) {
	for _, typ := range []uint8{3, 4, 5, 11, 12} {
		pkt := &Packet{Protocol: ProtoICMP, ICMPType: typ}
		got := Classify(pkt, nil, CondIcmpErr|CondIcmpNotErr)
		if got&CondIcmpErr == 0 {
			t.Errorf("ICMP type %d should be ICMPERR", typ)
		}
	}
	pkt := &Packet{Protocol: ProtoICMP, ICMPType: 8} // echo request
	got := Classify(pkt, nil, CondIcmpErr|CondIcmpNotErr)
	if got&CondIcmpNotErr == 0 {
		t.Errorf("ICMP echo request should be ICMPNOTERR")
	}
}

func TestEmptyHomenetAlwaysInHomenet(t *testing.T) {
	pkt := &Packet{Protocol: ProtoUDP, SIP: net.ParseIP("203.0.113.9"), DIP: net.ParseIP("198.51.100.2")}
	got := Classify(pkt, nil, CondSipInHomenet|CondDipInHomenet|CondSipNotInHomenet|CondDipNotInHomenet)
	if got&CondSipInHomenet == 0 || got&CondDipInHomenet == 0 {
		t.Errorf("empty homenet should make every address in-homenet, got %v", got)
	}
}

func TestHomenetMembership(t *testing.T) {
	hn, err := ParseHomenet("10.0.0.0/8, 192.168.0.0/16")
	if err != nil {
		t.Fatalf("ParseHomenet: %v", err)
	}
	pkt := &Packet{Protocol: ProtoUDP, SIP: net.ParseIP("10.1.2.3"), DIP: net.ParseIP("8.8.8.8")}
	got := Classify(pkt, hn, CondSipInHomenet|CondDipInHomenet|CondSipNotInHomenet|CondDipNotInHomenet)
	if got&CondSipInHomenet == 0 {
		t.Errorf("10.1.2.3 should be in homenet")
	}
	if got&CondDipNotInHomenet == 0 {
		t.Errorf("8.8.8.8 should not be in homenet")
	}
}

func TestClassifyOnlyComputesNeededBits(t *testing.T) {
	pkt := &Packet{Protocol: ProtoTCP, TCPFlags: 0x02}
	got := Classify(pkt, nil, recorder.ConditionSet(0))
	if got != 0 {
		t.Errorf("Classify with an empty needed mask should return 0, got %v", got)
	}
}

func TestTypeKeywordRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeClosedDport, TypeDeadDest, TypeOddDport, TypeOddTypecode, TypeOddPortDest} {
		kw := typ.Keyword()
		if TypeForKeyword(kw) != typ {
			t.Errorf("TypeForKeyword(%q) = %v, want %v", kw, TypeForKeyword(kw), typ)
		}
	}
	if TypeForKeyword("bogus") != TypeUnknown {
		t.Errorf("unknown keyword should map to TypeUnknown")
	}
}

func TestDefaultsForClosedDport(t *testing.T) {
	d := DefaultsFor(TypeClosedDport)
	if d.Thresh != 0.85 || !d.RelScore || d.MinObs != 400 {
		t.Errorf("unexpected closed-dport defaults: %+v", d)
	}
	if len(d.Features) != 2 || d.Features[0] != "dip" || d.Features[1] != "dport" {
		t.Errorf("unexpected closed-dport feature list: %v", d.Features)
	}
}

func TestParseOptionStringCollectsUnknownKeys(t *testing.T) {
	opts, err := ParseOptionString("type=closed-dport thresh=0.9 bogus=1 wait=5")
	if err != nil {
		t.Fatalf("ParseOptionString: %v", err)
	}
	if got := opts.String("type", ""); got != "closed-dport" {
		t.Errorf("type = %q, want closed-dport", got)
	}
	if got := opts.Float("thresh", -1); got != 0.9 {
		t.Errorf("thresh = %v, want 0.9", got)
	}
	if got := opts.Int("wait", -1); got != 5 {
		t.Errorf("wait = %v, want 5", got)
	}
	if len(opts.Unknown) != 1 || opts.Unknown[0] != "bogus" {
		t.Errorf("Unknown = %v, want [bogus]", opts.Unknown)
	}
}

func TestParseOptionStringRejectsMalformedToken(t *testing.T) {
	if _, err := ParseOptionString("type"); err == nil {
		t.Errorf("expected an error for a token with no '='")
	}
}

func TestOptionsDefaultsWhenAbsent(t *testing.T) {
	opts, _ := ParseOptionString("type=odd-dport")
	if got := opts.Float("thresh", 0.8); got != 0.8 {
		t.Errorf("Float default = %v, want 0.8", got)
	}
	if got := opts.Bool("relscore", true); got != true {
		t.Errorf("Bool default = %v, want true", got)
	}
}
