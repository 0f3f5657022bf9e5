package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDB_AppendAndReadReports(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "ledger.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	entry := ReportEntry{
		DetectorID:    "closed-dport",
		DetectionType: 1,
		SrcIP:         "10.0.0.5",
		DstIP:         "10.0.0.9",
		SrcPort:       4444,
		DstPort:       22,
		Score:         14.2,
		PortStatus:    6,
	}
	if err := db.AppendReport(entry); err != nil {
		t.Fatalf("AppendReport: %v", err)
	}

	got, err := db.ReadReports()
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].DetectorID != entry.DetectorID || got[0].Score != entry.Score {
		t.Errorf("round-tripped entry mismatch: %+v", got[0])
	}
}

func TestDB_PruneOldReports(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "ledger.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	old := ReportEntry{DetectorID: "old", Timestamp: time.Now().AddDate(0, 0, -10)}
	fresh := ReportEntry{DetectorID: "fresh", Timestamp: time.Now()}
	if err := db.AppendReport(old); err != nil {
		t.Fatalf("AppendReport old: %v", err)
	}
	if err := db.AppendReport(fresh); err != nil {
		t.Fatalf("AppendReport fresh: %v", err)
	}

	n, err := db.PruneOldReports()
	if err != nil {
		t.Fatalf("PruneOldReports: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned entry, got %d", n)
	}

	remaining, err := db.ReadReports()
	if err != nil {
		t.Fatalf("ReadReports: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DetectorID != "fresh" {
		t.Errorf("expected only the fresh entry to remain, got %+v", remaining)
	}
}

func TestDB_ReopenWithMatchingSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	// Reopen should succeed with the same schema version.
	db2, err := Open(path, 30)
	if err != nil {
		t.Fatalf("reopen with matching schema: %v", err)
	}
	db2.Close()
}
