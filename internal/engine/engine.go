// Package engine binds the WAL, MemTable, and SSTable layers into the
// single-node LSM storage engine described in spec.md §4. Grounded on
// the teacher's pkg/lsm/lsm.go — same flat-list-of-SSTables-plus-
// immutable-memtable-queue shape, same background flush/compaction
// worker pair — generalized to route every write through nexadb's WAL
// first (the teacher's LSMTree never durs to its own pkg/storage WAL;
// nexadb wires durability and the storage layer together, which
// spec.md's per-write durability invariant requires) and to operate on
// the document-shaped key space from internal/codec rather than opaque
// byte keys.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mnohosten/nexadb/internal/codec"
	"github.com/mnohosten/nexadb/internal/memtable"
	"github.com/mnohosten/nexadb/internal/sstable"
	"github.com/mnohosten/nexadb/internal/wal"
)

// ErrClosed is returned by any operation on a closed engine.
var ErrClosed = errors.New("engine: closed")

// ErrNotFound is returned by Get when the key has no live value
// (never written, or the most recent write was a delete).
var ErrNotFound = errors.New("engine: key not found")

// ErrCorruption is returned when an SSTable read fails its integrity
// check. Per spec.md §7, the engine tries every remaining source for the
// key before giving up and propagating this.
var ErrCorruption = sstable.ErrCorruption

// Config controls the engine's memory budget, durability batching, and
// compaction behavior.
type Config struct {
	DataDir             string
	MemTableSizeBytes   int64
	CompactionThreshold int // merge once a tier holds this many SSTables
	BloomFPR            float64 // not read: SSTable bloom filters are always sized for a 1% false-positive rate
	Compression         sstable.Compression
	HandleCacheCapacity int
	WAL                 wal.Config
}

// DefaultConfig mirrors the teacher's lsm.DefaultConfig defaults, scaled
// to spec.md §6's option table (4MiB memtable, compact at 4 tables,
// 1% bloom FPR, snappy block compression, 64 cached file handles).
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		MemTableSizeBytes:   4 * 1024 * 1024,
		CompactionThreshold: 4,
		BloomFPR:            0.01,
		Compression:         sstable.CompressionSnappy,
		HandleCacheCapacity: 64,
		WAL:                 wal.DefaultConfig(),
	}
}

// Engine is a single collection-agnostic LSM key/value store; database
// and collection scoping is expressed entirely through the record-key
// encoding from internal/codec, so one Engine instance backs every
// database and collection in the catalog.
type Engine struct {
	mu sync.RWMutex

	cfg     Config
	wal     *wal.WAL
	active  *memtable.MemTable
	frozen  []*memtable.MemTable // oldest first; pending flush
	tables  []*sstable.Table     // newest first
	handles *sstable.HandleCache

	nextTableID int
	randSrc     *rand.Rand
	closed      bool

	flushCh   chan *memtable.MemTable
	compactCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Open creates or reopens an engine rooted at cfg.DataDir: it replays
// the WAL into a fresh memtable and loads whatever SSTables already
// exist on disk, then starts the background flush and compaction
// workers.
func Open(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	w, records, err := wal.Open(filepath.Join(cfg.DataDir, "wal.log"), cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		wal:       w,
		handles:   sstable.NewHandleCache(cfg.HandleCacheCapacity),
		randSrc:   rand.New(rand.NewSource(1)),
		flushCh:   make(chan *memtable.MemTable, 16),
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	e.active = memtable.New(cfg.MemTableSizeBytes, e.randSrc)

	for _, rec := range records {
		switch rec.Kind {
		case memtable.KindPut:
			e.active.Put(rec.Key, rec.Value, rec.Seq)
		case memtable.KindDelete:
			e.active.Delete(rec.Key, rec.Seq)
		}
	}

	if err := e.loadTables(); err != nil {
		w.Close()
		return nil, err
	}

	e.wg.Add(2)
	go e.flushWorker()
	go e.compactionWorker()

	return e, nil
}

func (e *Engine) loadTables() error {
	pattern := filepath.Join(e.cfg.DataDir, "sstable_*.sst")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("engine: glob sstables: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	for _, path := range matches {
		t, err := sstable.Open(path, e.handles)
		if err != nil {
			return fmt.Errorf("engine: open sstable %s: %w", path, err)
		}
		e.tables = append(e.tables, t)

		var id int
		if _, err := fmt.Sscanf(filepath.Base(path), "sstable_%d_L", &id); err == nil {
			if id >= e.nextTableID {
				e.nextTableID = id + 1
			}
		}
	}
	return nil
}

// Put applies value for key to the active MemTable and returns once the
// write is buffered in the WAL. Per spec.md §4.2/§5, wal.Append only
// buffers the record and assigns it a sequence number — it does not wait
// for the record's group to actually fsync — so e.mu is only ever held
// across CPU-bound work (WAL buffering plus the MemTable insert), never
// across an fsync wait. That is what lets concurrent Put/Delete/Get
// calls queue into the same WAL batch instead of serializing behind one
// disk round trip.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	seq, err := e.wal.Append(memtable.KindPut, key, value)
	if err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	e.active.Put(key, value, seq)
	e.maybeFreezeLocked()
	return nil
}

// Delete records a tombstone for key. See Put for the durability and
// locking contract: the call returns once the tombstone is buffered in
// the WAL and visible in the MemTable, before it is necessarily durable.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	seq, err := e.wal.Append(memtable.KindDelete, key, nil)
	if err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	e.active.Delete(key, seq)
	e.maybeFreezeLocked()
	return nil
}

// WriteOp is one entry of a BatchWrite call.
type WriteOp struct {
	Key     []byte
	Value   []byte // nil for a delete
	Delete  bool
}

// BatchWrite applies every op as a single WAL group: the ops get
// consecutive sequence numbers and are all visible in the memtable when
// it returns. Like Put, it returns once the group is buffered, before
// the fsync; after a crash, recovery sees a contiguous prefix of the
// batch (possibly all or none of it), never a gap.
func (e *Engine) BatchWrite(ops []WriteOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	items := make([]wal.Item, len(ops))
	for i, op := range ops {
		kind := memtable.KindPut
		if op.Delete {
			kind = memtable.KindDelete
		}
		items[i] = wal.Item{Kind: kind, Key: op.Key, Value: op.Value}
	}
	seqs, err := e.wal.AppendBatch(items)
	if err != nil {
		return fmt.Errorf("engine: wal append batch: %w", err)
	}
	for i, op := range ops {
		if op.Delete {
			e.active.Delete(op.Key, seqs[i])
		} else {
			e.active.Put(op.Key, op.Value, seqs[i])
		}
	}
	e.maybeFreezeLocked()
	return nil
}

func (e *Engine) maybeFreezeLocked() {
	if !e.active.IsFull() {
		return
	}
	frozen := e.active
	e.frozen = append(e.frozen, frozen)
	e.active = memtable.New(e.cfg.MemTableSizeBytes, e.randSrc)
	select {
	case e.flushCh <- frozen:
	default:
		// Flush channel is full; the worker is behind. It will still
		// pick this memtable up because it's in e.frozen, just later.
	}
}

// Get returns the most recent live value for key. It returns
// ErrNotFound both when key was never written and when its most recent
// write was a delete, per spec.md's distinction between "not found" and
// an error.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	if v, ok := e.active.Get(key); ok {
		return entryValue(v)
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		if v, ok := e.frozen[i].Get(key); ok {
			return entryValue(v)
		}
	}

	var lastErr error
	for _, t := range e.tables {
		entry, err := t.Get(key)
		if err == sstable.ErrNotFound {
			continue
		}
		if err != nil {
			// Corrupted table: keep trying the rest in case a newer or
			// older copy of the key survives elsewhere, per spec.md §7.
			lastErr = err
			continue
		}
		return entryValue(entry)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNotFound
}

// entryValue turns a live/tombstone entry into the Get contract.
func entryValue(e *memtable.Entry) ([]byte, error) {
	if e.Kind == memtable.KindDelete {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// ScanResult is one live key/value pair returned by Scan.
type ScanResult struct {
	Key   []byte
	Value []byte
}

// Scan returns every live key in [prefix, ...) with key having prefix,
// starting at the first key >= start (start == nil means from the very
// first key in the prefix), in ascending order, up to limit results
// (limit <= 0 means unbounded). It merges the active memtable, every
// frozen memtable, and every SSTable, keeping only the newest version of
// each key and skipping tombstones and keys outside prefix.
func (e *Engine) Scan(prefix, start []byte, limit int) ([]ScanResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	// newest wins: collect every source's view of the key space, keeping
	// the entry with the highest sequence number for each key.
	best := make(map[string]*memtable.Entry)
	consider := func(entries []*memtable.Entry) {
		for _, ent := range entries {
			if !codec.HasPrefix(ent.Key, prefix) {
				continue
			}
			k := string(ent.Key)
			if cur, ok := best[k]; !ok || ent.Seq > cur.Seq {
				best[k] = ent
			}
		}
	}

	consider(e.active.Scan(start, 0))
	for _, fm := range e.frozen {
		consider(fm.Scan(start, 0))
	}
	for _, t := range e.tables {
		it := t.Iterator()
		var tableEntries []*memtable.Entry
		for it.Next() {
			tableEntries = append(tableEntries, it.Entry())
		}
		if it.Err() != nil {
			return nil, it.Err()
		}
		consider(tableEntries)
	}

	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []ScanResult
	for _, k := range keys {
		if start != nil && k < string(start) {
			continue
		}
		ent := best[k]
		if ent.Kind == memtable.KindDelete {
			continue
		}
		out = append(out, ScanResult{Key: ent.Key, Value: ent.Value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeletePrefix tombstones every live key under prefix, per spec.md §3's
// cascade-delete requirement for dropping a database or collection. It
// is not atomic with any concurrent write to the same prefix: a key
// written after the Scan snapshot but before the batch tombstone applies
// may survive the drop, the same race spec.md leaves unresolved for any
// other concurrent-write-during-structural-change scenario.
func (e *Engine) DeletePrefix(prefix []byte) error {
	results, err := e.Scan(prefix, nil, 0)
	if err != nil {
		return fmt.Errorf("engine: scan prefix for delete: %w", err)
	}
	if len(results) == 0 {
		return nil
	}
	ops := make([]WriteOp, len(results))
	for i, r := range results {
		ops[i] = WriteOp{Key: r.Key, Delete: true}
	}
	return e.BatchWrite(ops)
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()
	for {
		select {
		case mt := <-e.flushCh:
			if err := e.flushMemTable(mt); err != nil {
				fmt.Fprintf(os.Stderr, "nexadb: flush error: %v\n", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) flushMemTable(mt *memtable.MemTable) error {
	e.mu.Lock()
	id := e.nextTableID
	e.nextTableID++
	e.mu.Unlock()

	entries := mt.All()
	w, err := sstable.NewWriter(e.cfg.DataDir, id, 0, e.cfg.Compression, len(entries))
	if err != nil {
		return fmt.Errorf("engine: new sstable writer: %w", err)
	}
	for _, ent := range entries {
		if err := w.Write(ent); err != nil {
			return fmt.Errorf("engine: write sstable entry: %w", err)
		}
	}
	t, err := w.Finalize(e.handles)
	if err != nil {
		return fmt.Errorf("engine: finalize sstable: %w", err)
	}

	e.mu.Lock()
	e.tables = append([]*sstable.Table{t}, e.tables...)
	for i, fm := range e.frozen {
		if fm == mt {
			e.frozen = append(e.frozen[:i], e.frozen[i+1:]...)
			break
		}
	}
	needsCompaction := e.tablesAtLevel(0) >= e.cfg.CompactionThreshold
	e.mu.Unlock()

	if needsCompaction {
		select {
		case e.compactCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *Engine) tablesAtLevel(level int) int {
	n := 0
	for _, t := range e.tables {
		if t.Level() == level {
			n++
		}
	}
	return n
}

func (e *Engine) compactionWorker() {
	defer e.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.compactCh:
			e.runCompactionPass()
		case <-ticker.C:
			e.runCompactionPass()
		case <-e.stopCh:
			return
		}
	}
}

// runCompactionPass compacts every level that has reached the
// configured threshold, cascading upward (a level-1 merge can itself
// push level 1 over threshold, and so on), per spec.md §4.6's
// size-tiered policy with a fixed fanout.
func (e *Engine) runCompactionPass() {
	for {
		e.mu.RLock()
		level := -1
		maxLevel := 0
		for _, t := range e.tables {
			if t.Level() > maxLevel {
				maxLevel = t.Level()
			}
		}
		for l := 0; l <= maxLevel; l++ {
			if e.tablesAtLevel(l) >= e.cfg.CompactionThreshold {
				level = l
				break
			}
		}
		e.mu.RUnlock()
		if level == -1 {
			return
		}
		if err := e.compactLevel(level); err != nil {
			fmt.Fprintf(os.Stderr, "nexadb: compaction error: %v\n", err)
			return
		}
	}
}

func (e *Engine) compactLevel(level int) error {
	e.mu.Lock()
	var toCompact []*sstable.Table
	var keep []*sstable.Table
	for _, t := range e.tables {
		if t.Level() == level {
			toCompact = append(toCompact, t)
		} else {
			keep = append(keep, t)
		}
	}
	if len(toCompact) < e.cfg.CompactionThreshold {
		e.mu.Unlock()
		return nil
	}
	targetLevel := level + 1
	hasDeeperData := false
	for _, t := range keep {
		if t.Level() >= targetLevel {
			hasDeeperData = true
			break
		}
	}
	dropTombstones := !hasDeeperData
	id := e.nextTableID
	e.nextTableID++
	e.mu.Unlock()

	merged, err := e.mergeTables(toCompact, targetLevel, dropTombstones, id)
	if err != nil {
		return fmt.Errorf("engine: merge level %d: %w", level, err)
	}

	e.mu.Lock()
	compacted := make(map[*sstable.Table]bool, len(toCompact))
	for _, t := range toCompact {
		compacted[t] = true
	}
	newTables := make([]*sstable.Table, 0, len(e.tables)+1)
	inserted := false
	for _, t := range e.tables {
		if compacted[t] {
			continue
		}
		if !inserted && t.Level() >= targetLevel {
			newTables = append(newTables, merged)
			inserted = true
		}
		newTables = append(newTables, t)
	}
	if !inserted {
		newTables = append(newTables, merged)
	}
	e.tables = newTables
	e.mu.Unlock()

	for _, t := range toCompact {
		e.handles.Evict(t.Path())
		if err := sstable.RemoveFiles(t.Path()); err != nil {
			fmt.Fprintf(os.Stderr, "nexadb: remove obsolete sstable %s: %v\n", t.Path(), err)
		}
	}
	return nil
}

type tableIterState struct {
	it    *sstable.Iterator
	entry *memtable.Entry
	valid bool
}

// mergeTables k-way merges already-sorted tables into one new SSTable,
// keeping only the newest entry per key and optionally dropping
// tombstones, the same merge shape as the teacher's mergeSSTables.
func (e *Engine) mergeTables(tables []*sstable.Table, targetLevel int, dropTombstones bool, id int) (*sstable.Table, error) {
	states := make([]*tableIterState, len(tables))
	expected := 0
	for i, t := range tables {
		states[i] = &tableIterState{it: t.Iterator()}
		states[i].valid = states[i].it.Next()
		if states[i].valid {
			states[i].entry = states[i].it.Entry()
		}
		expected += t.NumEntries()
	}

	w, err := sstable.NewWriter(e.cfg.DataDir, id, targetLevel, e.cfg.Compression, expected)
	if err != nil {
		return nil, err
	}

	var lastKey []byte
	for {
		minIdx := -1
		for i, st := range states {
			if !st.valid {
				continue
			}
			if minIdx == -1 || bytes.Compare(st.entry.Key, states[minIdx].entry.Key) < 0 ||
				(bytes.Equal(st.entry.Key, states[minIdx].entry.Key) && st.entry.Seq > states[minIdx].entry.Seq) {
				minIdx = i
			}
		}
		if minIdx == -1 {
			break
		}
		winner := states[minIdx].entry

		if lastKey == nil || !bytes.Equal(winner.Key, lastKey) {
			if !(dropTombstones && winner.Kind == memtable.KindDelete) {
				if err := w.Write(winner); err != nil {
					return nil, err
				}
			}
			lastKey = append([]byte(nil), winner.Key...)
		}

		for i, st := range states {
			if st.valid && bytes.Equal(st.entry.Key, winner.Key) {
				states[i].valid = states[i].it.Next()
				if states[i].valid {
					states[i].entry = states[i].it.Entry()
				}
			}
		}
	}

	for _, st := range states {
		if st.it.Err() != nil {
			return nil, st.it.Err()
		}
	}

	return w.Finalize(e.handles)
}

// Flush blocks until every frozen memtable has been written to an
// SSTable.
func (e *Engine) Flush() error {
	for {
		e.mu.RLock()
		pending := len(e.frozen)
		e.mu.RUnlock()
		if pending == 0 {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close flushes all pending data and stops the background workers.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	active := e.active
	frozen := append([]*memtable.MemTable(nil), e.frozen...)
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	if active.Len() > 0 {
		if err := e.flushMemTable(active); err != nil {
			return err
		}
	}
	for _, mt := range frozen {
		if err := e.flushMemTable(mt); err != nil {
			return err
		}
	}

	if err := e.handles.Close(); err != nil {
		return err
	}
	return e.wal.Close()
}

// Stats reports point-in-time counters, in the teacher's
// map[string]interface{} style (pkg/lsm.LSMTree.Stats), for diagnostics
// endpoints or tests.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	totalEntries := 0
	for _, t := range e.tables {
		totalEntries += t.NumEntries()
	}
	return map[string]interface{}{
		"memtable_size":  e.active.Size(),
		"num_frozen":     len(e.frozen),
		"num_sstables":   len(e.tables),
		"total_entries":  totalEntries,
		"next_table_id":  e.nextTableID,
	}
}
