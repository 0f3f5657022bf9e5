// Package storage — bolt.go
//
// BoltDB-backed audit ledger for emitted netspade reports. This is not
// part of the core detection path: the engine works identically with the
// ledger disabled. It exists for offline review of what was reported.
//
// Schema (BoltDB bucket layout):
//
//	/reports
//	    key:   RFC3339 UTC timestamp with a fixed 9-digit fraction + "_" + detector id  [sortable]
//	    value: JSON-encoded ReportEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Entries older than RetentionDays are pruned on startup.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The caller should refuse to start.
//   - Disk full: bbolt.Update() returns an error; callers should log and
//     continue operating without the audit trail rather than abort.

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/netspade/ledger.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketReports = "reports"
	bucketMeta    = "meta"
)

// ReportEntry is the persisted form of an emitted spade report.
// Stored as JSON in the reports bucket.
type ReportEntry struct {
	// Timestamp is the packet time that triggered the report.
	Timestamp time.Time `json:"timestamp"`

	// DetectorID identifies the detector that emitted the report.
	DetectorID string `json:"detector_id"`

	// DetectionType is the numeric detection type (see internal/detection.Type).
	DetectionType int `json:"detection_type"`

	// SrcIP, DstIP, SrcPort, DstPort identify the packet.
	SrcIP   string `json:"src_ip"`
	DstIP   string `json:"dst_ip"`
	SrcPort uint16 `json:"src_port"`
	DstPort uint16 `json:"dst_port"`

	// Score is the main reported anomaly score.
	Score float64 `json:"score"`

	// PortStatus is the reported port status bits (see internal/canceller.PortStatus).
	PortStatus uint16 `json:"port_status"`
}

// DB wraps a BoltDB instance with typed accessors for the report ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketReports, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, ledger requires %q",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// reportKey constructs a sortable BoltDB key for a report entry.
// Format: RFC3339 UTC with a fixed 9-digit fraction + "_" + detector id.
// The fixed width makes lexicographic sort = chronological.
func reportKey(t time.Time, detectorID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), detectorID))
}

// AppendReport writes a new report ledger entry.
func (d *DB) AppendReport(entry ReportEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendReport marshal: %w", err)
	}

	key := reportKey(entry.Timestamp, entry.DetectorID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReports))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendReport bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldReports deletes report entries older than retentionDays.
// Called on startup. Returns the number of entries deleted.
func (d *DB) PruneOldReports() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := reportKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReports))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldReports delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadReports returns all report entries in chronological order.
// For operational use (CLI inspection). Not called on the hot path.
func (d *DB) ReadReports() ([]ReportEntry, error) {
	var entries []ReportEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReports))
		return b.ForEach(func(_, v []byte) error {
			var entry ReportEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
