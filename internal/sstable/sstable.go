// Package sstable implements nexadb's on-disk sorted string tables: the
// immutable, compacted runs the LSM engine flushes memtables into and
// merges during compaction. Grounded on the teacher's pkg/lsm/sstable.go,
// generalized from its one-index-entry-per-N-keys / uncompressed layout
// into spec.md §4.4's block-based layout: entries are grouped into
// ~4KiB data blocks (optionally compressed as a unit), the sparse index
// maps each block's first key to its file offset, and the footer adds
// the sequence-number range and compaction level the teacher's format
// didn't track. Per spec.md §4.4/§6's on-disk layout, the bloom filter
// lives in its own sibling .bloom file next to the .sst rather than in
// the footer, so a reader can decide to skip a table without touching
// its (potentially large) data/footer pages at all.
package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mnohosten/nexadb/internal/bloom"
	"github.com/mnohosten/nexadb/internal/memtable"
)

// ErrNotFound is returned by Get when the key is absent from this table.
var ErrNotFound = errors.New("sstable: key not found")

// ErrCorruption is returned when a data block can't be read,
// decompressed or decoded, the footer can't be parsed, or the bloom
// sidecar is missing or malformed, per spec.md §7's storage corruption
// taxonomy. Data blocks carry no checksum of their own.
var ErrCorruption = errors.New("sstable: corrupted table")

const (
	targetBlockSize = 4096
	footerMagic     = uint32(0x4E455853) // "NEXS"
)

// Entry is a single record read back out of an SSTable.
type Entry = memtable.Entry

// IndexEntry is one sparse-index row: the first key of a data block and
// where that block starts in the file.
type IndexEntry struct {
	Key    []byte
	Offset int64
	Length int64
}

// Table is an opened, immutable SSTable ready for point lookups, range
// scans, and compaction merges.
type Table struct {
	path        string
	index       []IndexEntry
	bloom       *bloom.Filter
	minKey      []byte
	maxKey      []byte
	numEntries  int
	minSeq      uint64
	maxSeq      uint64
	level       int
	compression Compression
	dataEnd     int64
	handles     *HandleCache
}

func (t *Table) Path() string          { return t.path }
func (t *Table) MinKey() []byte        { return t.minKey }
func (t *Table) MaxKey() []byte        { return t.maxKey }
func (t *Table) NumEntries() int       { return t.numEntries }
func (t *Table) Level() int            { return t.level }
func (t *Table) SeqRange() (lo, hi uint64) { return t.minSeq, t.maxSeq }

// Writer builds a new SSTable from entries that must arrive in ascending
// key order (the engine guarantees this: flush reads a memtable's
// skip list in order, compaction merges already-sorted tables).
type Writer struct {
	file          *os.File
	path          string
	level         int
	compression   Compression
	index         []IndexEntry
	bloomFilter   *bloom.Filter
	minKey        []byte
	maxKey        []byte
	numEntries    int
	minSeq        uint64
	maxSeq        uint64
	hasEntry      bool
	currentOffset int64
	block         bytes.Buffer
	blockFirstKey []byte
}

// bloomPath returns the sibling .bloom file for an SSTable path, per
// spec.md §4.4/§6's on-disk layout: each sstable_<id>_L<level>.sst has a
// separate .bloom file alongside it rather than an embedded filter.
func bloomPath(sstPath string) string {
	return strings.TrimSuffix(sstPath, filepath.Ext(sstPath)) + ".bloom"
}

// RemoveFiles deletes the .sst file at path and its sibling .bloom file.
// A missing .bloom file (e.g. a table written before this file existed)
// is not an error.
func RemoveFiles(path string) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	if err := os.Remove(bloomPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NewWriter creates a new SSTable file at dir/sstable_<id>_L<level>.sst.
// expectedEntries sizes the bloom filter; pass an estimate, it does not
// need to be exact.
func NewWriter(dir string, id int, level int, compression Compression, expectedEntries int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sstable: create directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("sstable_%06d_L%d.sst", id, level))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: create file: %w", err)
	}
	return &Writer{
		file:        f,
		path:        path,
		level:       level,
		compression: compression,
		bloomFilter: bloom.New(expectedEntries, 0.01),
	}, nil
}

// Write appends entry to the table. Entries must arrive in ascending key
// order.
func (w *Writer) Write(e *Entry) error {
	if w.minKey == nil {
		w.minKey = append([]byte(nil), e.Key...)
	}
	w.maxKey = append([]byte(nil), e.Key...)
	w.bloomFilter.Add(e.Key)

	if !w.hasEntry || e.Seq < w.minSeq {
		w.minSeq = e.Seq
	}
	if !w.hasEntry || e.Seq > w.maxSeq {
		w.maxSeq = e.Seq
	}
	w.hasEntry = true
	w.numEntries++

	if w.blockFirstKey == nil {
		w.blockFirstKey = append([]byte(nil), e.Key...)
	}
	writeBlockEntry(&w.block, e)

	if w.block.Len() >= targetBlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func writeBlockEntry(buf *bytes.Buffer, e *Entry) {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(e.Key)))
	buf.Write(tmp[:4])
	buf.Write(e.Key)
	buf.WriteByte(byte(e.Kind))
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(e.Value)))
	buf.Write(tmp[:4])
	buf.Write(e.Value)
	binary.LittleEndian.PutUint64(tmp[:], e.Seq)
	buf.Write(tmp[:])
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	compressed, err := compressBlock(w.block.Bytes(), w.compression)
	if err != nil {
		return err
	}
	n, err := w.file.Write(compressed)
	if err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}
	w.index = append(w.index, IndexEntry{
		Key:    w.blockFirstKey,
		Offset: w.currentOffset,
		Length: int64(n),
	})
	w.currentOffset += int64(n)
	w.block.Reset()
	w.blockFirstKey = nil
	return nil
}

// Finalize flushes any pending block, writes the footer, writes the
// sibling .bloom file, fsyncs both, and returns the opened Table
// descriptor. handles is the shared handle cache the returned Table's
// Get/Iterator calls will use.
func (w *Writer) Finalize(handles *HandleCache) (*Table, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	footer := new(bytes.Buffer)
	writeU32(footer, footerMagic)
	writeU32(footer, uint32(w.numEntries))
	writeU64(footer, w.minSeq)
	writeU64(footer, w.maxSeq)
	writeU32(footer, uint32(w.level))
	footer.WriteByte(byte(w.compression))
	writeBytesField(footer, w.minKey)
	writeBytesField(footer, w.maxKey)

	writeU32(footer, uint32(len(w.index)))
	for _, ie := range w.index {
		writeBytesField(footer, ie.Key)
		writeU64(footer, uint64(ie.Offset))
		writeU64(footer, uint64(ie.Length))
	}

	footerSize := uint32(footer.Len())
	if _, err := w.file.Write(footer.Bytes()); err != nil {
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], footerSize)
	if _, err := w.file.Write(sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("sstable: write footer size: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close: %w", err)
	}

	bf, err := os.Create(bloomPath(w.path))
	if err != nil {
		return nil, fmt.Errorf("sstable: create bloom sidecar: %w", err)
	}
	if _, err := bf.Write(w.bloomFilter.Marshal()); err != nil {
		bf.Close()
		return nil, fmt.Errorf("sstable: write bloom sidecar: %w", err)
	}
	if err := bf.Sync(); err != nil {
		bf.Close()
		return nil, fmt.Errorf("sstable: fsync bloom sidecar: %w", err)
	}
	if err := bf.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close bloom sidecar: %w", err)
	}

	return &Table{
		path:        w.path,
		index:       w.index,
		bloom:       w.bloomFilter,
		minKey:      w.minKey,
		maxKey:      w.maxKey,
		numEntries:  w.numEntries,
		minSeq:      w.minSeq,
		maxSeq:      w.maxSeq,
		level:       w.level,
		compression: w.compression,
		dataEnd:     w.currentOffset,
		handles:     handles,
	}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

// Open reads an existing SSTable's footer and returns a Table ready for
// Get/Iterator, using handles as the shared file-handle cache.
func Open(path string, handles *HandleCache) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	fileSize := stat.Size()
	if fileSize < 4 {
		return nil, fmt.Errorf("%w: %s: too small", ErrCorruption, path)
	}

	if _, err := f.Seek(fileSize-4, io.SeekStart); err != nil {
		return nil, err
	}
	var sizeBuf [4]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: reading footer size: %v", ErrCorruption, path, err)
	}
	footerSize := binary.LittleEndian.Uint32(sizeBuf[:])
	footerStart := fileSize - int64(footerSize) - 4
	if footerStart < 0 {
		return nil, fmt.Errorf("%w: %s: footer size out of range", ErrCorruption, path)
	}
	if _, err := f.Seek(footerStart, io.SeekStart); err != nil {
		return nil, err
	}

	r := io.LimitReader(f, int64(footerSize))
	magic, err := readU32(r)
	if err != nil || magic != footerMagic {
		return nil, fmt.Errorf("%w: %s: bad footer magic", ErrCorruption, path)
	}
	numEntries, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	minSeq, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	maxSeq, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	levelU32, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	var compByte [1]byte
	if _, err := io.ReadFull(r, compByte[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	minKey, err := readBytesField(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	maxKey, err := readBytesField(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}

	numIndex, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	index := make([]IndexEntry, numIndex)
	for i := uint32(0); i < numIndex; i++ {
		key, err := readBytesField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
		offset, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
		length, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
		index[i] = IndexEntry{Key: key, Offset: int64(offset), Length: int64(length)}
	}

	bloomData, err := os.ReadFile(bloomPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading bloom sidecar: %v", ErrCorruption, path, err)
	}
	bf, err := bloom.Unmarshal(bloomData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bloom: %v", ErrCorruption, path, err)
	}

	return &Table{
		path:        path,
		index:       index,
		bloom:       bf,
		minKey:      minKey,
		maxKey:      maxKey,
		numEntries:  int(numEntries),
		minSeq:      minSeq,
		maxSeq:      maxSeq,
		level:       int(levelU32),
		compression: Compression(compByte[0]),
		dataEnd:     footerStart,
		handles:     handles,
	}, nil
}

func readU32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readBytesField(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Get looks up key in the table. It returns ErrNotFound if the key is
// absent (including when the bloom filter or key range rules it out
// without touching disk).
func (t *Table) Get(key []byte) (*Entry, error) {
	if !t.bloom.Contains(key) {
		return nil, ErrNotFound
	}
	if bytes.Compare(key, t.minKey) < 0 || bytes.Compare(key, t.maxKey) > 0 {
		return nil, ErrNotFound
	}

	idx := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].Key, key) > 0
	})
	if idx == 0 {
		return nil, ErrNotFound
	}
	block := t.index[idx-1]

	raw, err := t.readBlock(block)
	if err != nil {
		return nil, err
	}

	entries, err := decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, t.path, err)
	}
	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (t *Table) readBlock(block IndexEntry) ([]byte, error) {
	f, err := t.handles.Acquire(t.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: acquire handle: %w", err)
	}
	defer t.handles.Release(t.path)

	raw := make([]byte, block.Length)
	if _, err := f.ReadAt(raw, block.Offset); err != nil {
		return nil, fmt.Errorf("%w: %s: read block: %v", ErrCorruption, t.path, err)
	}
	decompressed, err := decompressBlock(raw, t.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrCorruption, t.path, err)
	}
	return decompressed, nil
}

func decodeBlock(raw []byte) ([]*Entry, error) {
	r := bytes.NewReader(raw)
	var entries []*Entry
	for r.Len() > 0 {
		e, err := readBlockEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readBlockEntry(r *bytes.Reader) (*Entry, error) {
	keyLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	valueLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, err
		}
	}
	seq, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:   key,
		Value: value,
		Seq:   seq,
		Kind:  memtable.Kind(kindByte),
	}, nil
}

// Iterator walks every entry in the table in ascending key order.
type Iterator struct {
	table   *Table
	blockNo int
	entries []*Entry
	pos     int
	err     error
}

func (t *Table) Iterator() *Iterator {
	return &Iterator{table: t, blockNo: -1}
}

// Next advances the iterator, loading the next block lazily. Returns
// false at end of table or on read/decode error (check Err).
func (it *Iterator) Next() bool {
	for {
		if it.pos < len(it.entries)-1 {
			it.pos++
			return true
		}
		it.blockNo++
		if it.blockNo >= len(it.table.index) {
			return false
		}
		raw, err := it.table.readBlock(it.table.index[it.blockNo])
		if err != nil {
			it.err = err
			return false
		}
		entries, err := decodeBlock(raw)
		if err != nil {
			it.err = fmt.Errorf("%w: %s: %v", ErrCorruption, it.table.path, err)
			return false
		}
		it.entries = entries
		it.pos = -1
		if len(entries) == 0 {
			continue
		}
		it.pos = 0
		return true
	}
}

func (it *Iterator) Entry() *Entry { return it.entries[it.pos] }
func (it *Iterator) Err() error    { return it.err }
