package canceller

import "testing"

func TestNoteResponseConfirmsOpenBeforeTimeout(t *testing.T) {
	var got []struct {
		rpt    *Report
		status PortStatus
	}
	c := New(5, Closed, func(rpt *Report, status PortStatus) {
		got = append(got, struct {
			rpt    *Report
			status PortStatus
		}{rpt, status})
	})

	c.AdvanceTime(100) // establish the wheel's baseline before anything is buffered
	rpt := &Report{SIP: 1, DIP: 2, SPort: 4444, DPort: 22, Protocol: protoTCP, Time: 100}
	c.AddReport(rpt)

	// a SYN-ACK arrives before the wait window elapses
	c.NoteResponse(Open, 1, 4444, 2, 22, false)
	c.AdvanceTime(103)

	if len(got) != 1 {
		t.Fatalf("expected exactly 1 callback, got %d", len(got))
	}
	if got[0].status != Open {
		t.Errorf("status = %v, want Open", got[0].status)
	}
}

func TestTimeoutFiresWhenNoResponseArrives(t *testing.T) {
	var calls int
	c := New(3, Closed, func(rpt *Report, status PortStatus) {
		calls++
		if status != Closed {
			t.Errorf("timeout status = %v, want Closed", status)
		}
	})

	c.AdvanceTime(50) // establish baseline
	rpt := &Report{SIP: 1, DIP: 2, SPort: 1, DPort: 2, Protocol: protoTCP, Time: 50}
	c.AddReport(rpt)
	c.AdvanceTime(54) // 4 seconds elapsed, window is 3+1=4 buckets

	if calls != 1 {
		t.Fatalf("expected exactly 1 timeout callback, got %d", calls)
	}
}

func TestStatusCallbackFiresExactlyOnce(t *testing.T) {
	var calls int
	c := New(2, Closed, func(rpt *Report, status PortStatus) { calls++ })

	c.AdvanceTime(10) // establish baseline
	rpt := &Report{SIP: 9, DIP: 8, SPort: 7, DPort: 6, Protocol: protoUDP, Time: 10}
	c.AddReport(rpt)
	c.NoteResponse(Open, 9, 7, 8, 6, false)
	// a second, duplicate confirming packet must not trigger a second callback
	c.NoteResponse(Open, 9, 7, 8, 6, false)
	c.AdvanceTime(20)

	if calls != 1 {
		t.Errorf("expected exactly 1 callback across confirm+timeout, got %d", calls)
	}
}

func TestNoteResponseIgnoresNonMatchingTuple(t *testing.T) {
	var calls int
	c := New(5, Closed, func(rpt *Report, status PortStatus) { calls++ })

	c.AdvanceTime(5) // establish baseline
	c.AddReport(&Report{SIP: 1, DIP: 2, SPort: 10, DPort: 20, Protocol: protoTCP, Time: 5})
	c.NoteResponse(Open, 1, 10, 2, 99, false) // wrong dport

	if calls != 0 {
		t.Errorf("expected no callback for a non-matching 4-tuple, got %d", calls)
	}
	if c.Pending() != 1 {
		t.Errorf("expected the report to remain pending, Pending()=%d", c.Pending())
	}
}

func TestPortlessHashingForNonPortProtocols(t *testing.T) {
	var gotStatus PortStatus
	c := New(5, Closed, func(rpt *Report, status PortStatus) { gotStatus = status })

	c.AdvanceTime(1) // establish baseline
	c.AddReport(&Report{SIP: 10, DIP: 20, Protocol: 1, Time: 1}) // ICMP, no ports
	c.NoteResponse(Open, 10, 0, 20, 0, true)

	if gotStatus != Open {
		t.Errorf("portless NoteResponse did not match, gotStatus=%v", gotStatus)
	}
}
