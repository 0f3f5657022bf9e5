// Package main — cmd/netspade-agent/main.go
//
// netspade agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/netspade/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open BoltDB audit ledger, prune stale entries.
//  4. Start Prometheus metrics server.
//  5. Construct the Engine: homenet, global exclusions, checkpoint
//     cadence, output file, detectors.
//  6. Optionally recover from a checkpoint (checkpoint.resume_on_start).
//  7. Open the capture handle (a live interface or an offline pcap file)
//     and start feeding decoded packets to Engine.OnPacket.
//  8. Register signal handlers and block until shutdown.
//
// Process signals (preprocessor-style contract):
//
//	SIGUSR1            dump state to the checkpoint file
//	SIGHUP/SIGINT/SIGQUIT  flush stats output, then exit
//
// Shutdown sequence:
//  1. Stop the capture loop.
//  2. Engine.Cleanup() (closes the engine's output file).
//  3. Close BoltDB.
//  4. Flush logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netspade/netspade"
	"github.com/netspade/netspade/internal/config"
	"github.com/netspade/netspade/internal/detection"
	"github.com/netspade/netspade/internal/observability"
	"github.com/netspade/netspade/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/netspade/config.yaml", "Path to config.yaml")
	iface := flag.String("i", "", "Interface to capture live (mutually exclusive with -r)")
	offlineFile := flag.String("r", "", "Read packets from a pcap file instead of a live interface")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("netspade-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("netspade starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	pruned, err := db.PruneOldReports()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	engine := buildEngine(cfg, log, metrics, db)

	if cfg.Checkpoint.ResumeOnStart && cfg.Checkpoint.Path != "" {
		if err := engine.Recover(cfg.Checkpoint.Path); err != nil {
			log.Warn("checkpoint recovery failed, starting clean", zap.Error(err))
		} else {
			log.Info("recovered from checkpoint", zap.String("path", cfg.Checkpoint.Path))
		}
	}

	handle, err := openCapture(*iface, *offlineFile)
	if err != nil {
		log.Fatal("capture open failed", zap.Error(err))
	}
	defer handle.Close()
	log.Info("capture started", zap.String("iface", *iface), zap.String("offline_file", *offlineFile))

	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		runCaptureLoop(ctx, handle, engine, metrics, log)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGUSR1:
			log.Info("SIGUSR1 received — dumping state")
			if err := engine.Dump(); err != nil {
				log.Error("checkpoint dump failed", zap.Error(err))
			}
		default:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
			<-captureDone
			if err := engine.Cleanup(); err != nil {
				log.Error("engine cleanup failed", zap.Error(err))
			}
			log.Info("netspade shutdown complete")
			return
		}
	}
}

// buildEngine wires a fresh Engine from cfg: homenet, global exclusions,
// checkpoint cadence, output file, and every configured detector. Each
// emitted report is logged, recorded to the BoltDB ledger, and counted
// in Prometheus.
func buildEngine(cfg *config.Config, log *zap.Logger, metrics *observability.Metrics, db *storage.DB) *netspade.Engine {
	msgCB := func(level netspade.MsgLevel, msg string) {
		if level == netspade.MsgFatal {
			log.Error("engine error", zap.String("msg", msg))
		} else {
			log.Warn("engine warning", zap.String("msg", msg))
		}
	}
	engine := netspade.NewEngine(log, msgCB, 0)

	if cfg.Homenet != "" {
		if err := engine.SetHomenetFromStr(cfg.Homenet); err != nil {
			log.Fatal("invalid homenet", zap.Error(err), zap.String("homenet", cfg.Homenet))
		}
	}

	if err := engine.AddGlobalExclusions(
		cfg.Exclusions.SIPs, cfg.Exclusions.DIPs,
		cfg.Exclusions.SPorts, cfg.Exclusions.DPorts,
	); err != nil {
		log.Fatal("invalid global exclusions", zap.Error(err))
	}

	if cfg.Checkpoint.Path != "" {
		engine.SetCheckpointing(cfg.Checkpoint.Path, cfg.Checkpoint.EveryN)
	}

	if cfg.Output.Path != "" {
		if err := engine.SetOutputFile(cfg.Output.Path); err != nil {
			log.Fatal("failed to open output file", zap.Error(err), zap.String("path", cfg.Output.Path))
		}
		engine.SetOutputStats(netspade.OutputStats{
			Entropy:    cfg.Output.Entropy,
			UncondProb: cfg.Output.UncondProb,
			CondProb:   cfg.Output.CondProb,
		})
	}

	engine.SetCallbacks(
		func(rpt netspade.Report) {
			handleReport(rpt, log, metrics, db, cfg.NodeID)
		},
		func(detectorID string, newThresh float64) {
			metrics.ThresholdValue.WithLabelValues(detectorID).Set(newThresh)
			metrics.ThresholdAdjustmentsTotal.WithLabelValues(detectorID).Inc()
			log.Info("threshold adjusted",
				zap.String("detector", detectorID), zap.Float64("new", newThresh))
		},
		nil,
	)

	for _, optString := range cfg.Detectors {
		id, err := engine.NewDetector(optString)
		if err != nil {
			log.Fatal("failed to register detector", zap.Error(err), zap.String("options", optString))
		}
		log.Info("detector registered", zap.String("id", id), zap.String("options", optString))
	}

	return engine
}

// handleReport is netspade's ReportCB: it logs the report, counts it in
// Prometheus, and appends it to the BoltDB audit ledger.
func handleReport(rpt netspade.Report, log *zap.Logger, metrics *observability.Metrics, db *storage.DB, nodeID string) {
	metrics.ReportsEmittedTotal.WithLabelValues(rpt.DetectorID).Inc()
	metrics.AnomalyScoreHistogram.Observe(rpt.Score)

	log.Info("report",
		zap.String("detector", rpt.DetectorID),
		zap.String("type", rpt.Type.Keyword()),
		zap.Float64("score", rpt.Score),
		zap.String("sip", rpt.Event.SIP.String()), zap.String("dip", rpt.Event.DIP.String()),
		zap.Uint16("sport", rpt.Event.SPort), zap.Uint16("dport", rpt.Event.DPort),
	)

	entry := storage.ReportEntry{
		DetectorID:    rpt.DetectorID,
		DetectionType: int(rpt.Type),
		SrcIP:         rpt.Event.SIP.String(),
		DstIP:         rpt.Event.DIP.String(),
		SrcPort:       rpt.Event.SPort,
		DstPort:       rpt.Event.DPort,
		Score:         rpt.Score,
		PortStatus:    uint16(rpt.PortStatus),
	}
	if err := db.AppendReport(entry); err != nil {
		log.Error("ledger write failed", zap.Error(err))
	}
}

// openCapture opens a live interface handle or, if offlineFile is set, a
// pcap file for replay. Exactly one of iface/offlineFile must be given.
func openCapture(iface, offlineFile string) (*pcap.Handle, error) {
	switch {
	case offlineFile != "":
		return pcap.OpenOffline(offlineFile)
	case iface != "":
		return pcap.OpenLive(iface, 65535, true, pcap.BlockForever)
	default:
		return nil, fmt.Errorf("one of -i or -r is required")
	}
}

// runCaptureLoop reads packets from handle until ctx is cancelled or the
// source is exhausted (pcap file replay), decoding each into a
// netspade.PacketEvent and handing it to Engine.OnPacket.
func runCaptureLoop(ctx context.Context, handle *pcap.Handle, engine *netspade.Engine, metrics *observability.Metrics, log *zap.Logger) {
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			pe, ok := decodePacket(pkt)
			if !ok {
				continue
			}
			engine.OnPacket(pe)
			metrics.PacketsProcessedTotal.Inc()
		}
	}
}

// decodePacket extracts the fields netspade.OnPacket needs from a decoded
// gopacket.Packet. Returns ok=false for anything that isn't IPv4
// TCP/UDP/ICMP (the only protocols the detection layer classifies).
func decodePacket(pkt gopacket.Packet) (netspade.PacketEvent, bool) {
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return netspade.PacketEvent{}, false
	}
	ip4, _ := ipLayer.(*layers.IPv4)

	pe := netspade.PacketEvent{
		Time:     pkt.Metadata().Timestamp.Unix(),
		Protocol: detection.Protocol(ip4.Protocol),
		SIP:      ip4.SrcIP,
		DIP:      ip4.DstIP,
	}

	switch pe.Protocol {
	case detection.ProtoTCP:
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return netspade.PacketEvent{}, false
		}
		pe.SPort, pe.DPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		pe.TCPFlags = tcpFlagsToByte(tcp)
	case detection.ProtoUDP:
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return netspade.PacketEvent{}, false
		}
		pe.SPort, pe.DPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	case detection.ProtoICMP:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			return netspade.PacketEvent{}, false
		}
		pe.ICMPType = uint8(icmp.TypeCode.Type())
		pe.ICMPCode = uint8(icmp.TypeCode.Code())
	default:
		return netspade.PacketEvent{}, false
	}

	return pe, true
}

// tcpFlagsToByte packs gopacket's per-flag TCP booleans into the single
// flags byte detection.Classify expects (FIN, SYN, RST, PSH, ACK, URG).
func tcpFlagsToByte(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	return f
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
