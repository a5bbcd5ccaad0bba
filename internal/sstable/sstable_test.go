package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mnohosten/nexadb/internal/memtable"
)

func writeTestTable(t *testing.T, dir string, compression Compression, n int) *Table {
	t.Helper()
	w, err := NewWriter(dir, 1, 0, compression, n)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < n; i++ {
		e := &memtable.Entry{
			Key:   []byte(fmt.Sprintf("key-%04d", i)),
			Value: []byte(fmt.Sprintf("value-%d", i)),
			Seq:   uint64(i + 1),
			Kind:  memtable.KindPut,
		}
		if err := w.Write(e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	handles := NewHandleCache(4)
	t.Cleanup(func() { handles.Close() })
	table, err := w.Finalize(handles)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return table
}

func TestWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, CompressionNone, 500)

	for i := 0; i < 500; i += 37 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		e, err := table.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		want := fmt.Sprintf("value-%d", i)
		if string(e.Value) != want {
			t.Fatalf("Get(%s) = %q, want %q", key, e.Value, want)
		}
	}

	if _, err := table.Get([]byte("missing-key")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOutOfRange(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, CompressionNone, 10)
	if _, err := table.Get([]byte("zzz-out-of-range")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for out-of-range key, got %v", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			dir := t.TempDir()
			table := writeTestTable(t, dir, c, 200)
			e, err := table.Get([]byte("key-0099"))
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(e.Value) != "value-99" {
				t.Fatalf("got %q, want value-99", e.Value)
			}
		})
	}
}

func TestIteratorOrder(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, CompressionNone, 100)
	it := table.Iterator()
	count := 0
	var last []byte
	for it.Next() {
		e := it.Entry()
		if last != nil && string(e.Key) <= string(last) {
			t.Fatalf("iterator out of order: %s after %s", e.Key, last)
		}
		last = append([]byte(nil), e.Key...)
		count++
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	if count != 100 {
		t.Fatalf("expected 100 entries, got %d", count)
	}
}

func TestOpenExistingTable(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, CompressionSnappy, 50)
	handles := NewHandleCache(4)
	defer handles.Close()
	reopened, err := Open(filepath.Join(dir, filepath.Base(table.Path())), handles)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := reopened.Get([]byte("key-0010"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(e.Value) != "value-10" {
		t.Fatalf("got %q, want value-10", e.Value)
	}
	if reopened.NumEntries() != 50 {
		t.Fatalf("expected 50 entries, got %d", reopened.NumEntries())
	}
}

func TestSeqRangeAndLevel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 2, 3, CompressionNone, 10)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 1; i <= 10; i++ {
		w.Write(&memtable.Entry{Key: []byte(fmt.Sprintf("k%02d", i)), Value: []byte("v"), Seq: uint64(i), Kind: memtable.KindPut})
	}
	handles := NewHandleCache(2)
	defer handles.Close()
	table, err := w.Finalize(handles)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	lo, hi := table.SeqRange()
	if lo != 1 || hi != 10 {
		t.Fatalf("expected seq range [1,10], got [%d,%d]", lo, hi)
	}
	if table.Level() != 3 {
		t.Fatalf("expected level 3, got %d", table.Level())
	}
}

func TestBloomSidecarWrittenAndRemoved(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, CompressionNone, 20)

	if _, err := os.Stat(bloomPath(table.Path())); err != nil {
		t.Fatalf("expected a sibling .bloom file, got %v", err)
	}

	if err := RemoveFiles(table.Path()); err != nil {
		t.Fatalf("RemoveFiles: %v", err)
	}
	if _, err := os.Stat(table.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected .sst to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(bloomPath(table.Path())); !os.IsNotExist(err) {
		t.Fatalf("expected .bloom to be removed, stat err = %v", err)
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, 0, CompressionNone, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write(&memtable.Entry{Key: []byte("a"), Kind: memtable.KindDelete, Seq: 1})
	w.Write(&memtable.Entry{Key: []byte("b"), Value: []byte("v"), Kind: memtable.KindPut, Seq: 2})
	handles := NewHandleCache(2)
	defer handles.Close()
	table, err := w.Finalize(handles)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	e, err := table.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get tombstone: %v", err)
	}
	if e.Kind != memtable.KindDelete {
		t.Fatalf("expected tombstone kind, got %v", e.Kind)
	}
}
