package prob

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Checkpoint record byte widths. The single byte written ahead of each
// arena's blocks self-describes its record width, the role the original's
// per-arena "block_bits" field plays; readers can detect a record-layout
// drift even before the backward-compatible synthesis path below kicks in.
const (
	treeRootRecordSize   = 23 // next u32, root u32, feature i32, entropy f64, entropyValid u8, entropyWait u16
	treeRootRecordSizeV4 = 12 // next u32, root u32, feature i32 — no entropy cache in file version 4
	interiorRecordSize   = 22 // sum f64, sortKey u32, left u32, right u32, wait u16
	leafRecordSize       = 16 // value u32, count f64, nextTree u32
)

// WriteTo serializes the table's feature list and arena contents. The
// caller is responsible for the surrounding checkpoint envelope (magic,
// version, byte-order/double stamps); this is the per-table application
// body the envelope wraps.
func (t *Table) WriteTo(w io.Writer) (err error) {
	if err = writeU32(w, uint32(len(t.Features))); err != nil {
		return err
	}
	for _, f := range t.Features {
		if err = writeU32(w, uint32(int32(f))); err != nil {
			return err
		}
	}
	if err = writeU32(w, t.top); err != nil {
		return err
	}

	a := t.arena
	if err = writeRootArena(w, a); err != nil {
		return err
	}
	if err = writeInteriorArena(w, a); err != nil {
		return err
	}
	return writeLeafArena(w, a)
}

// ReadFrom reconstructs the table from a body written by WriteTo.
// fileVersion is the envelope's format version; version 4 bodies carry a
// narrower tree-root record with no entropy cache, which is synthesized
// here as an invalid (not-yet-computed) cache entry — exactly the state
// a freshly-touched node is already in, so no special-case reads follow.
func (t *Table) ReadFrom(r io.Reader, fileVersion int) error {
	numFeatures, err := readU32(r)
	if err != nil {
		return err
	}
	feats := make([]int, numFeatures)
	for i := range feats {
		v, err := readU32(r)
		if err != nil {
			return err
		}
		feats[i] = int(int32(v))
	}

	top, err := readU32(r)
	if err != nil {
		return err
	}

	a := &arena{}
	if err := readRootArena(r, a, fileVersion); err != nil {
		return err
	}
	if err := readInteriorArena(r, a); err != nil {
		return err
	}
	if err := readLeafArena(r, a); err != nil {
		return err
	}

	t.Features = feats
	t.top = top
	t.arena = a
	return nil
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

func writeFreelist(w io.Writer, free []uint32) error {
	if err := writeU32(w, uint32(len(free))); err != nil {
		return err
	}
	for _, idx := range free {
		if err := writeU32(w, idx); err != nil {
			return err
		}
	}
	return nil
}

func readFreelist(r io.Reader) ([]uint32, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	free := make([]uint32, n)
	for i := range free {
		v, err := readU32(r)
		if err != nil {
			return nil, err
		}
		free[i] = v
	}
	return free, nil
}

func writeRootArena(w io.Writer, a *arena) error {
	if _, err := w.Write([]byte{treeRootRecordSize}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(a.roots))); err != nil {
		return err
	}
	var buf [treeRootRecordSize]byte
	for _, rt := range a.roots {
		binary.LittleEndian.PutUint32(buf[0:4], rt.next)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(rt.root))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(rt.feature)))
		binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(rt.entropy))
		if rt.entropyValid {
			buf[20] = 1
		} else {
			buf[20] = 0
		}
		binary.LittleEndian.PutUint16(buf[21:23], rt.entropyWait)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return writeFreelist(w, a.freeRoots)
}

func readRootArena(r io.Reader, a *arena, fileVersion int) error {
	var sizeB [1]byte
	if _, err := io.ReadFull(r, sizeB[:]); err != nil {
		return err
	}
	recSize := int(sizeB[0])

	narrow := fileVersion == 4
	expected := treeRootRecordSize
	if narrow {
		expected = treeRootRecordSizeV4
	}
	if recSize != expected {
		return fmt.Errorf("prob: tree-root record size %d, want %d for file version %d", recSize, expected, fileVersion)
	}

	n, err := readU32(r)
	if err != nil {
		return err
	}
	roots := make([]treeRoot, n)
	buf := make([]byte, recSize)
	for i := range roots {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		roots[i].next = binary.LittleEndian.Uint32(buf[0:4])
		roots[i].root = nodeRef(binary.LittleEndian.Uint32(buf[4:8]))
		roots[i].feature = int(int32(binary.LittleEndian.Uint32(buf[8:12])))
		if narrow {
			roots[i].entropyValid = false
			continue
		}
		roots[i].entropy = math.Float64frombits(binary.LittleEndian.Uint64(buf[12:20]))
		roots[i].entropyValid = buf[20] != 0
		roots[i].entropyWait = binary.LittleEndian.Uint16(buf[21:23])
	}
	free, err := readFreelist(r)
	if err != nil {
		return err
	}
	a.roots = roots
	a.freeRoots = free
	return nil
}

func writeInteriorArena(w io.Writer, a *arena) error {
	if _, err := w.Write([]byte{interiorRecordSize}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(a.interiors))); err != nil {
		return err
	}
	var buf [interiorRecordSize]byte
	for _, n := range a.interiors {
		binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(n.sum))
		binary.LittleEndian.PutUint32(buf[8:12], n.sortKey)
		binary.LittleEndian.PutUint32(buf[12:16], uint32(n.left))
		binary.LittleEndian.PutUint32(buf[16:20], uint32(n.right))
		binary.LittleEndian.PutUint16(buf[20:22], n.wait)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return writeFreelist(w, a.freeInteriors)
}

func readInteriorArena(r io.Reader, a *arena) error {
	var sizeB [1]byte
	if _, err := io.ReadFull(r, sizeB[:]); err != nil {
		return err
	}
	if int(sizeB[0]) != interiorRecordSize {
		return fmt.Errorf("prob: interior record size %d, want %d", sizeB[0], interiorRecordSize)
	}
	n, err := readU32(r)
	if err != nil {
		return err
	}
	nodes := make([]interiorNode, n)
	buf := make([]byte, interiorRecordSize)
	for i := range nodes {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		nodes[i].sum = math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))
		nodes[i].sortKey = binary.LittleEndian.Uint32(buf[8:12])
		nodes[i].left = nodeRef(binary.LittleEndian.Uint32(buf[12:16]))
		nodes[i].right = nodeRef(binary.LittleEndian.Uint32(buf[16:20]))
		nodes[i].wait = binary.LittleEndian.Uint16(buf[20:22])
	}
	free, err := readFreelist(r)
	if err != nil {
		return err
	}
	a.interiors = nodes
	a.freeInteriors = free
	return nil
}

func writeLeafArena(w io.Writer, a *arena) error {
	if _, err := w.Write([]byte{leafRecordSize}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(a.leaves))); err != nil {
		return err
	}
	var buf [leafRecordSize]byte
	for _, l := range a.leaves {
		binary.LittleEndian.PutUint32(buf[0:4], l.value)
		binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(l.count))
		binary.LittleEndian.PutUint32(buf[12:16], l.nextTree)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return writeFreelist(w, a.freeLeaves)
}

func readLeafArena(r io.Reader, a *arena) error {
	var sizeB [1]byte
	if _, err := io.ReadFull(r, sizeB[:]); err != nil {
		return err
	}
	if int(sizeB[0]) != leafRecordSize {
		return fmt.Errorf("prob: leaf record size %d, want %d", sizeB[0], leafRecordSize)
	}
	n, err := readU32(r)
	if err != nil {
		return err
	}
	leaves := make([]leafNode, n)
	buf := make([]byte, leafRecordSize)
	for i := range leaves {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		leaves[i].value = binary.LittleEndian.Uint32(buf[0:4])
		leaves[i].count = math.Float64frombits(binary.LittleEndian.Uint64(buf[4:12]))
		leaves[i].nextTree = binary.LittleEndian.Uint32(buf[12:16])
	}
	free, err := readFreelist(r)
	if err != nil {
		return err
	}
	a.leaves = leaves
	a.freeLeaves = free
	return nil
}
