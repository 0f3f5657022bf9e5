// Package contrib — sink.go
//
// Plugin interface for custom report sinks.
//
// netspade's Engine delivers every emitted Report through a single
// ReportCB (Engine.SetCallbacks). contrib provides a registry so a
// host can wire that callback to fan a report out
// to several independently-contributed sinks — a Slack webhook, a
// syslog forwarder, a second audit store — without the engine itself
// knowing about any of them.
//
// Plugin registration:
//
//	Plugins register themselves in an init() function using RegisterSink().
//	The host looks up the sinks it wants by name with GetSink() and calls
//	them from its ReportCB. internal/config has no sink-selection key,
//	and the engine never calls a sink on its own.
//
//	Built-in sinks: "log" (writes one line per report via zap).
//	Community sinks: registered via contrib.RegisterSink().
//
// Plugin contract:
//   - Handle() must be goroutine-safe only if the host dispatches
//     concurrently; a host calling it from its ReportCB calls it
//     synchronously from inside Engine.OnPacket.
//   - Handle() must not block on slow I/O long enough to stall the
//     packet path; slow sinks should queue internally and return.
//   - Handle() must not panic.
//   - Name() must return a stable, unique string (used as a config key).
//
// Example plugin (contrib/sinks/webhook/webhook.go):
//
//	package webhook
//
//	import "github.com/netspade/netspade/contrib"
//
//	func init() {
//	  contrib.RegisterSink(&WebhookSink{URL: os.Getenv("NETSPADE_WEBHOOK_URL")})
//	}
package contrib

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netspade/netspade/internal/canceller"
	"github.com/netspade/netspade/internal/detection"
)

// ─── ReportSink interface ──────────────────────────────────────────────────

// ReportView is the read-only shape of an emitted report handed to a sink.
// It mirrors netspade.Report without importing the root package, so
// contrib stays a leaf dependency hosts can import from either side.
type ReportView struct {
	DetectorID string
	Type       detection.Type
	Score      float64
	PortStatus canceller.PortStatus

	SIP, DIP     string
	SPort, DPort uint16
}

// ReportSink is the interface custom report destinations must implement.
type ReportSink interface {
	// Name returns the unique identifier for this sink, the key
	// GetSink looks it up by.
	Name() string

	// Handle is called once per emitted report, in report order.
	Handle(rpt ReportView) error
}

// ─── Registry ───────────────────────────────────────────────────────────────

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ReportSink)
)

// RegisterSink registers a custom report sink.
// Panics if a sink with the same name is already registered.
// Call from init() functions in plugin packages.
func RegisterSink(s ReportSink) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[s.Name()]; exists {
		panic(fmt.Sprintf("contrib: sink %q already registered", s.Name()))
	}
	registry[s.Name()] = s
}

// GetSink returns the registered sink with the given name.
// Returns an error if no sink with that name is registered.
func GetSink(name string) (ReportSink, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: sink %q not registered (available: %v)", name, listNames())
	}
	return s, nil
}

// ListSinks returns the names of all registered sinks.
func ListSinks() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// ─── Built-in sink: structured log ─────────────────────────────────────────
// Provided as a reference implementation in the contrib package itself.
// Community sinks should live in contrib/sinks/<name>/<name>.go.

// LogSink writes one zap log line per report. Registered as "log".
type LogSink struct {
	Logger *zap.Logger
}

func init() {
	RegisterSink(&LogSink{Logger: zap.NewNop()})
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Handle(rpt ReportView) error {
	l.Logger.Info("report",
		zap.String("detector", rpt.DetectorID),
		zap.String("type", rpt.Type.Keyword()),
		zap.Float64("score", rpt.Score),
		zap.Uint16("port_status", uint16(rpt.PortStatus)),
		zap.String("sip", rpt.SIP), zap.String("dip", rpt.DIP),
		zap.Uint16("sport", rpt.SPort), zap.Uint16("dport", rpt.DPort),
	)
	return nil
}
