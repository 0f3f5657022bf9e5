// Package checkpoint reads and writes the engine-level checkpoint file
// envelope: a magic/version preamble, a byte-order and floating-point
// stamp used to detect cross-machine incompatibility, and a feature-count
// ceiling, all ahead of the application body (the recorder's table
// managers, each dumped via internal/prob's per-table codec).
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	magicByte     = 'v'
	byteOrderStamp = 0x01020304
	doubleStamp    = 1234.56789

	// minReadableVersion is the oldest file-format version this package
	// will attempt to recover. Versions below it are refused outright.
	minReadableVersion = 4

	// directTreeRootVersion is the version at which tree-root records are
	// read directly (the width internal/prob's WriteTo/ReadFrom write
	// today); older-but-still-supported files get the narrower-struct
	// synthesis path in internal/prob.ReadFrom.
	directTreeRootVersion = 5

	currentVersion = directTreeRootVersion
)

// Header is the fixed preamble written ahead of every checkpoint's
// application body.
type Header struct {
	FormatVersion   uint8
	AppName         string
	AppFormatVersion uint8
	MaxFeatureCount uint8
}

// WriteHeader writes the envelope preamble: magic byte, format version,
// app name/version, word-size markers, byte-order and double stamps, and
// the feature-count ceiling.
func WriteHeader(w io.Writer, h Header) error {
	buf := []byte{magicByte, currentVersion}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := writeString(w, h.AppName); err != nil {
		return err
	}
	if _, err := w.Write([]byte{h.AppFormatVersion, 2, 4, 8}); err != nil {
		return err
	}
	if err := writeU32(w, byteOrderStamp); err != nil {
		return err
	}
	if err := writeF64(w, doubleStamp); err != nil {
		return err
	}
	_, err := w.Write([]byte{h.MaxFeatureCount})
	return err
}

// ReadHeader reads and validates the envelope preamble. Any stamp
// mismatch or unsupported format version is a recovery failure: the
// caller should treat it the same as a missing file and start clean,
// per the "no exceptions, errors are values" policy.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header

	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return h, fmt.Errorf("checkpoint: reading magic/version: %w", err)
	}
	if head[0] != magicByte {
		return h, fmt.Errorf("checkpoint: bad magic byte 0x%02x", head[0])
	}
	h.FormatVersion = head[1]
	if h.FormatVersion < minReadableVersion {
		return h, fmt.Errorf("checkpoint: format version %d is older than the minimum readable version %d", h.FormatVersion, minReadableVersion)
	}

	name, err := readString(r)
	if err != nil {
		return h, fmt.Errorf("checkpoint: reading app name: %w", err)
	}
	h.AppName = name

	var sizes [4]byte
	if _, err := io.ReadFull(r, sizes[:]); err != nil {
		return h, fmt.Errorf("checkpoint: reading app version/word sizes: %w", err)
	}
	h.AppFormatVersion = sizes[0]
	if sizes[1] != 2 || sizes[2] != 4 || sizes[3] != 8 {
		return h, fmt.Errorf("checkpoint: word-size stamp {%d,%d,%d} does not match this platform's {2,4,8}", sizes[1], sizes[2], sizes[3])
	}

	order, err := readU32(r)
	if err != nil {
		return h, fmt.Errorf("checkpoint: reading byte-order stamp: %w", err)
	}
	if order != byteOrderStamp {
		return h, fmt.Errorf("checkpoint: byte-order stamp 0x%x, want 0x%x (file written on a different-endian machine)", order, byteOrderStamp)
	}

	dbl, err := readF64(r)
	if err != nil {
		return h, fmt.Errorf("checkpoint: reading double-precision stamp: %w", err)
	}
	if dbl != doubleStamp {
		return h, fmt.Errorf("checkpoint: double-precision stamp %v, want %v", dbl, doubleStamp)
	}

	var maxFeat [1]byte
	if _, err := io.ReadFull(r, maxFeat[:]); err != nil {
		return h, fmt.Errorf("checkpoint: reading max feature count: %w", err)
	}
	h.MaxFeatureCount = maxFeat[0]

	return h, nil
}

// UsesNarrowTreeRoot reports whether a checkpoint of this format version
// carries the pre-entropy-cache tree-root record width, which
// internal/prob.Table.ReadFrom must synthesize cache-invalid entries for.
func (h Header) UsesNarrowTreeRoot() bool {
	return h.FormatVersion < directTreeRootVersion
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeF64(w io.Writer, v float64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	_, err := w.Write(b[:])
	return err
}

func readF64(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}
