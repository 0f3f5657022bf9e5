package contrib

import (
	"testing"

	"go.uber.org/zap"

	"github.com/netspade/netspade/internal/canceller"
	"github.com/netspade/netspade/internal/detection"
)

type recordingSink struct {
	name string
	got  []ReportView
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Handle(rpt ReportView) error {
	r.got = append(r.got, rpt)
	return nil
}

func TestRegisterSinkAndGetSink(t *testing.T) {
	s := &recordingSink{name: "test-recorder"}
	RegisterSink(s)

	got, err := GetSink("test-recorder")
	if err != nil {
		t.Fatalf("GetSink: %v", err)
	}
	if got.Name() != "test-recorder" {
		t.Errorf("Name() = %q, want test-recorder", got.Name())
	}
}

func TestRegisterSinkPanicsOnDuplicateName(t *testing.T) {
	RegisterSink(&recordingSink{name: "dup-sink"})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	RegisterSink(&recordingSink{name: "dup-sink"})
}

func TestGetSinkUnknownNameReturnsError(t *testing.T) {
	if _, err := GetSink("no-such-sink"); err == nil {
		t.Fatalf("expected an error for an unregistered sink name")
	}
}

func TestListSinksIncludesBuiltinLogSink(t *testing.T) {
	names := ListSinks()
	found := false
	for _, n := range names {
		if n == "log" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListSinks() = %v, want it to include the built-in \"log\" sink", names)
	}
}

func TestLogSinkHandleDoesNotError(t *testing.T) {
	l := &LogSink{Logger: zap.NewNop()}
	rpt := ReportView{
		DetectorID: "portscan",
		Type:       detection.TypeClosedDport,
		Score:      12.5,
		PortStatus: canceller.Closed,
		SIP:        "10.0.0.1", DIP: "10.0.0.2",
		SPort: 1024, DPort: 80,
	}
	if err := l.Handle(rpt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
