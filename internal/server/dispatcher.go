package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mnohosten/nexadb/internal/auth"
	"github.com/mnohosten/nexadb/internal/catalog"
	"github.com/mnohosten/nexadb/internal/codec"
	"github.com/mnohosten/nexadb/internal/engine"
	"github.com/mnohosten/nexadb/internal/idgen"
	"github.com/mnohosten/nexadb/internal/query"
	"github.com/mnohosten/nexadb/internal/vector"
	"github.com/mnohosten/nexadb/internal/wire"
)

// defaultDatabase is used when a request omits the optional "database"
// field. spec.md §4.10's request contract marks it optional and its §8
// end-to-end scenarios never name one, so there must be an implicit
// single database a caller can ignore entirely.
const defaultDatabase = "default"

// Session is one connection's authentication state. Per spec.md §4.9
// there is no role/permission granularity beyond "authenticated".
type Session struct {
	Authenticated bool
	Username      string
}

// Dispatcher decodes a request frame, routes it to the catalog,
// engine, or a collection's vector index, and encodes the response.
// This is the "Request dispatcher" layer from spec.md §2.
type Dispatcher struct {
	catalog   *catalog.Catalog
	engine    *engine.Engine
	vectorCfg vector.Config

	vecMu   sync.RWMutex
	vectors map[string]vector.Index // "database\x00collection" -> index
}

// NewDispatcher wires the catalog, storage engine, and vector index
// configuration into one dispatcher. Vector indexes are created lazily
// the first time a vector-enabled collection is touched.
func NewDispatcher(cat *catalog.Catalog, eng *engine.Engine, vectorCfg vector.Config) *Dispatcher {
	return &Dispatcher{
		catalog:   cat,
		engine:    eng,
		vectorCfg: vectorCfg,
		vectors:   make(map[string]vector.Index),
	}
}

func vectorKey(database, collection string) string {
	return database + "\x00" + collection
}

// vectorIndexFor returns the lazily-created vector index for a
// vector-enabled collection, or nil if the collection carries no
// vector dimension (or does not exist).
func (d *Dispatcher) vectorIndexFor(database, collection string) (vector.Index, error) {
	col, ok := d.lookupCollection(database, collection)
	if !ok || col.VectorDimensions == 0 {
		return nil, nil
	}

	key := vectorKey(database, collection)
	d.vecMu.RLock()
	idx, ok := d.vectors[key]
	d.vecMu.RUnlock()
	if ok {
		return idx, nil
	}

	d.vecMu.Lock()
	defer d.vecMu.Unlock()
	if idx, ok := d.vectors[key]; ok {
		return idx, nil
	}
	// HNSW is the default once a collection carries a vector index;
	// spec.md §4.7 treats brute-force as the cold-start baseline, but we
	// always construct the richer variant here. The index starts empty:
	// it is not persisted, and documents stored before this process
	// started are not scanned back into it, so only vectors written
	// through this Dispatcher since start are searchable.
	cfg := d.vectorCfg
	if col.CosineSimilarity {
		cfg.Metric = vector.Cosine
	}
	idx = vector.NewHNSW(col.VectorDimensions, cfg)
	d.vectors[key] = idx
	return idx, nil
}

// lookupCollection reports whether (database, collection) is
// registered, without creating it. Used on read paths, where a missing
// collection is a boundary case (empty result), not a creation point.
func (d *Dispatcher) lookupCollection(database, collection string) (*catalog.CollectionMeta, bool) {
	col, err := d.catalog.GetCollection(database, collection)
	if err != nil {
		return nil, false
	}
	return col, true
}

// ensureCollection registers (database, collection) as a plain,
// non-vector collection if it is not already known. Grounded on the
// teacher's pkg/database.Database.Collection, which creates a
// collection on first access rather than requiring an explicit
// CreateCollection call first.
func (d *Dispatcher) ensureCollection(database, collection string) (*catalog.CollectionMeta, error) {
	if col, err := d.catalog.GetCollection(database, collection); err == nil {
		return col, nil
	} else if err != catalog.ErrDatabaseNotFound && err != catalog.ErrCollectionNotFound {
		return nil, err
	}

	if err := d.catalog.CreateDatabase(database); err != nil && err != catalog.ErrDatabaseExists {
		return nil, err
	}
	if err := d.catalog.CreateCollection(database, collection, 0, false); err != nil && err != catalog.ErrCollectionExists {
		return nil, err
	}
	return d.catalog.GetCollection(database, collection)
}

// Dispatch routes one decoded frame to its handler and returns the
// response type and payload for the caller to write back.
func (d *Dispatcher) Dispatch(session *Session, frame *wire.Frame) (uint8, map[string]interface{}) {
	switch frame.Type {
	case wire.TypeConnect:
		return d.handleConnect(session, frame.Payload)
	case wire.TypeCreate:
		return d.handleCreate(frame.Payload)
	case wire.TypeRead:
		return d.handleRead(frame.Payload)
	case wire.TypeUpdate:
		return d.handleUpdate(frame.Payload)
	case wire.TypeDelete:
		return d.handleDelete(frame.Payload)
	case wire.TypeQuery:
		return d.handleQuery(frame.Payload)
	case wire.TypeVectorSearch:
		return d.handleVectorSearch(frame.Payload)
	case wire.TypeBatchWrite:
		return d.handleBatchWrite(frame.Payload)
	case wire.TypePing:
		return wire.PongFrame()
	default:
		return wire.ErrorFrame(wire.CodeBadRequest, fmt.Sprintf("unknown frame type 0x%x", frame.Type))
	}
}

func stringField(payload map[string]interface{}, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func databaseField(payload map[string]interface{}) string {
	if db, ok := stringField(payload, "database"); ok && db != "" {
		return db
	}
	return defaultDatabase
}

func (d *Dispatcher) handleConnect(session *Session, payload map[string]interface{}) (uint8, map[string]interface{}) {
	username, _ := stringField(payload, "username")
	password, _ := stringField(payload, "password")

	cred := d.catalog.GetUser(username)
	if cred == nil || !auth.Verify(password, cred.Salt, cred.Hash) {
		return wire.ErrorFrame(wire.CodeUnauthenticated, "invalid username or password")
	}

	session.Authenticated = true
	session.Username = username
	return wire.SuccessFrame(map[string]interface{}{"username": username})
}

// handleCreate multiplexes database/collection/user administration
// onto CREATE via an optional "target" field (default "document");
// spec.md §4.10 names CREATE's document payload shape
// ({collection, data:{_id?, ...}, database?}) but not an administrative
// one, so this is this implementation's resolution of that gap.
func (d *Dispatcher) handleCreate(payload map[string]interface{}) (uint8, map[string]interface{}) {
	target, _ := stringField(payload, "target")
	if target == "" {
		target = "document"
	}

	switch target {
	case "database":
		database, _ := stringField(payload, "database")
		if err := d.catalog.CreateDatabase(database); err != nil {
			return errorForCatalogErr(err)
		}
		return wire.SuccessFrame(nil)

	case "collection":
		database := databaseField(payload)
		collection, _ := stringField(payload, "collection")
		dims := 0
		if v, ok := payload["vector_dimensions"]; ok {
			dims = toInt(v)
		}
		cosine := false
		if v, ok := payload["cosine_similarity"]; ok {
			cosine, _ = v.(bool)
		}
		if err := d.catalog.CreateCollection(database, collection, dims, cosine); err != nil {
			return errorForCatalogErr(err)
		}
		return wire.SuccessFrame(nil)

	case "user":
		username, _ := stringField(payload, "username")
		password, _ := stringField(payload, "password")
		salt, hash, err := auth.HashPassword(password)
		if err != nil {
			return wire.ErrorFrame(wire.CodeInternal, err.Error())
		}
		if err := d.catalog.CreateUser(username, salt, hash); err != nil {
			return errorForCatalogErr(err)
		}
		return wire.SuccessFrame(nil)

	default: // "document"
		return d.createDocument(payload)
	}
}

func (d *Dispatcher) createDocument(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	col, err := d.ensureCollection(database, collection)
	if err != nil {
		return errorForCatalogErr(err)
	}

	data, _ := payload["data"].(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}

	// spec.md §7: CREATE with an explicit _id that already exists is a
	// conflict; an omitted _id is always freshly generated and cannot
	// collide.
	id, explicit := data["_id"].(string)
	if explicit && id != "" {
		key := codec.RecordKey(database, collection, id)
		if _, err := d.engine.Get(key); err == nil {
			return wire.ErrorFrame(wire.CodeAlreadyExists, fmt.Sprintf("document %q already exists", id))
		} else if err != engine.ErrNotFound {
			return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
		}
	} else {
		id = idgen.New()
	}
	data["_id"] = id

	value := codec.Pack(codec.Map(codec.DocFromMap(data)))
	key := codec.RecordKey(database, collection, id)
	if err := d.engine.Put(key, value); err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	if col.VectorDimensions > 0 {
		if err := d.indexVector(database, collection, id, data); err != nil {
			return errorForIndexErr(err)
		}
	}

	return wire.SuccessFrame(map[string]interface{}{"_id": id})
}

// indexVector adds doc's "vector" field to the collection's index,
// rejecting a dimension mismatch per spec.md §4.7.
func (d *Dispatcher) indexVector(database, collection, id string, doc map[string]interface{}) error {
	raw, ok := doc["vector"].([]interface{})
	if !ok {
		return nil // no vector on this document; nothing to index
	}
	vec := make([]float32, len(raw))
	for i, x := range raw {
		vec[i] = toFloat32(x)
	}

	idx, err := d.vectorIndexFor(database, collection)
	if err != nil {
		return fmt.Errorf("vector index lookup: %w", err)
	}
	if idx == nil {
		return nil
	}
	if err := idx.Add(id, vec); err != nil {
		return err
	}
	return nil
}

// errorForIndexErr maps an indexVector failure to its wire error code:
// a dimension mismatch is reported as DIMENSION_MISMATCH per spec.md §4.7,
// anything else (a vector index lookup failure) as INTERNAL.
func errorForIndexErr(err error) (uint8, map[string]interface{}) {
	if errors.Is(err, vector.ErrDimensionMismatch) {
		return wire.ErrorFrame(wire.CodeDimensionMismatch, err.Error())
	}
	return wire.ErrorFrame(wire.CodeInternal, err.Error())
}

func (d *Dispatcher) handleRead(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	key, _ := stringField(payload, "key")

	if _, ok := d.lookupCollection(database, collection); !ok {
		return wire.NotFoundFrame()
	}

	recordKey := codec.RecordKey(database, collection, key)
	value, err := d.engine.Get(recordKey)
	if err == engine.ErrNotFound {
		return wire.NotFoundFrame()
	}
	if err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	doc, err := decodeDocument(value)
	if err != nil {
		return wire.ErrorFrame(wire.CodeInternal, err.Error())
	}
	return wire.SuccessFrame(map[string]interface{}{"document": doc})
}

// handleUpdate is a read-merge-write: it reads the current document,
// shallow-merges "updates" over it, and writes the result back. Per
// spec.md §4.6/§9 this is a shallow merge (scalars overwrite, nested
// maps replace wholesale) and is not atomic across concurrent updates
// to the same key.
func (d *Dispatcher) handleUpdate(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	key, _ := stringField(payload, "key")
	updates, _ := payload["updates"].(map[string]interface{})

	if _, ok := d.lookupCollection(database, collection); !ok {
		return wire.NotFoundFrame()
	}

	recordKey := codec.RecordKey(database, collection, key)
	value, err := d.engine.Get(recordKey)
	if err == engine.ErrNotFound {
		return wire.NotFoundFrame()
	}
	if err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	doc, err := decodeDocument(value)
	if err != nil {
		return wire.ErrorFrame(wire.CodeInternal, err.Error())
	}
	for k, v := range updates {
		if k == "_id" {
			continue // primary key is immutable after creation
		}
		doc[k] = v
	}

	newValue := codec.Pack(codec.Map(codec.DocFromMap(doc)))
	if err := d.engine.Put(recordKey, newValue); err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	if col, ok := d.lookupCollection(database, collection); ok && col.VectorDimensions > 0 {
		if err := d.indexVector(database, collection, key, doc); err != nil {
			return errorForIndexErr(err)
		}
	}

	return wire.SuccessFrame(nil)
}

// handleDelete multiplexes database/collection/document deletion the
// same way handleCreate multiplexes creation. A missing document key
// returns NOT_FOUND rather than a silent no-op success, per the Open
// Question decision recorded in SPEC_FULL.md.
func (d *Dispatcher) handleDelete(payload map[string]interface{}) (uint8, map[string]interface{}) {
	target, _ := stringField(payload, "target")
	if target == "" {
		target = "document"
	}

	switch target {
	case "database":
		database, _ := stringField(payload, "database")
		// List before dropping: DropDatabase's metadata is gone the
		// instant it returns, and every collection underneath still
		// needs its documents and vector index cascaded away.
		collections, err := d.catalog.ListCollections(database)
		if err != nil {
			return errorForCatalogErr(err)
		}
		for _, collection := range collections {
			if err := d.engine.DeletePrefix(codec.ScanPrefix(database, collection)); err != nil {
				return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
			}
		}
		if err := d.catalog.DropDatabase(database); err != nil {
			return errorForCatalogErr(err)
		}
		d.vecMu.Lock()
		for _, collection := range collections {
			delete(d.vectors, vectorKey(database, collection))
		}
		d.vecMu.Unlock()
		return wire.SuccessFrame(nil)

	case "collection":
		database := databaseField(payload)
		collection, _ := stringField(payload, "collection")
		if err := d.engine.DeletePrefix(codec.ScanPrefix(database, collection)); err != nil {
			return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
		}
		if err := d.catalog.DropCollection(database, collection); err != nil {
			return errorForCatalogErr(err)
		}
		d.vecMu.Lock()
		delete(d.vectors, vectorKey(database, collection))
		d.vecMu.Unlock()
		return wire.SuccessFrame(nil)

	default: // "document"
		database := databaseField(payload)
		collection, _ := stringField(payload, "collection")
		key, _ := stringField(payload, "key")

		if _, ok := d.lookupCollection(database, collection); !ok {
			return wire.NotFoundFrame()
		}

		recordKey := codec.RecordKey(database, collection, key)
		if _, err := d.engine.Get(recordKey); err == engine.ErrNotFound {
			return wire.NotFoundFrame()
		} else if err != nil {
			return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
		}

		if err := d.engine.Delete(recordKey); err != nil {
			return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
		}
		if idx, err := d.vectorIndexFor(database, collection); err == nil && idx != nil {
			idx.Remove(key)
		}
		return wire.SuccessFrame(nil)
	}
}

// handleQuery scans a collection and applies the filter sublanguage
// from spec.md §4.10. When "filters" constrains "_id" with an exact
// value, $gte, or $gt, internal/query.RangeStart seeds the underlying
// scan's start key so a range query does not walk the whole collection
// from the beginning (spec.md §8 scenario 2).
func (d *Dispatcher) handleQuery(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	filterFields, _ := payload["filters"].(map[string]interface{})
	filter := query.Filter(filterFields)
	limit := 0
	if v, ok := payload["limit"]; ok {
		limit = toInt(v)
	}

	if _, ok := d.lookupCollection(database, collection); !ok {
		return wire.SuccessFrame(map[string]interface{}{"documents": []interface{}{}})
	}

	prefix := codec.ScanPrefix(database, collection)
	startKey := prefix
	if rs, ok := query.RangeStart(filter); ok {
		startKey = codec.RecordKey(database, collection, rs)
	}

	results, err := d.engine.Scan(prefix, startKey, 0)
	if err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	docs := make([]interface{}, 0, len(results))
	for _, r := range results {
		doc, err := decodeDocument(r.Value)
		if err != nil {
			return wire.ErrorFrame(wire.CodeInternal, err.Error())
		}
		matched, err := query.Matches(doc, filter)
		if err != nil {
			return wire.ErrorFrame(wire.CodeBadRequest, err.Error())
		}
		if !matched {
			continue
		}
		docs = append(docs, doc)
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return wire.SuccessFrame(map[string]interface{}{"documents": docs})
}

func (d *Dispatcher) handleVectorSearch(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	k := 10
	if v, ok := payload["k"]; ok {
		k = toInt(v)
	}
	raw, _ := payload["vector"].([]interface{})
	queryVec := make([]float32, len(raw))
	for i, x := range raw {
		queryVec[i] = toFloat32(x)
	}

	col, ok := d.lookupCollection(database, collection)
	if !ok {
		// spec.md §8: vector search on an empty index returns an empty
		// list rather than an error; an unregistered collection is
		// equivalent to one with no vectors yet.
		return wire.SuccessFrame(map[string]interface{}{"results": []interface{}{}})
	}
	if col.VectorDimensions == 0 {
		return wire.ErrorFrame(wire.CodeBadRequest, "collection has no vector index")
	}

	idx, err := d.vectorIndexFor(database, collection)
	if err != nil {
		return errorForCatalogErr(err)
	}
	if idx == nil {
		return wire.SuccessFrame(map[string]interface{}{"results": []interface{}{}})
	}

	results, err := idx.Search(queryVec, k)
	if err == vector.ErrDimensionMismatch {
		return wire.ErrorFrame(wire.CodeDimensionMismatch, "query vector length does not match collection dimension")
	}
	if err != nil {
		return wire.ErrorFrame(wire.CodeInternal, err.Error())
	}

	// spec.md §2: assemble the response by fetching each hit's document.
	hits := make([]interface{}, 0, len(results))
	for _, r := range results {
		recordKey := codec.RecordKey(database, collection, r.ID)
		value, err := d.engine.Get(recordKey)
		if err != nil {
			continue // vector index and document store raced; skip
		}
		doc, err := decodeDocument(value)
		if err != nil {
			continue
		}
		hits = append(hits, map[string]interface{}{"_id": r.ID, "distance": float64(r.Distance), "document": doc})
	}
	return wire.SuccessFrame(map[string]interface{}{"results": hits})
}

// handleBatchWrite performs a single WAL group-commit of mixed
// put/delete ops, per spec.md §4.6. Each op names its kind ("put",
// the default, or "delete"), an optional key, and for "put" a data
// document; a missing key on a put is generated the same way CREATE
// generates one.
func (d *Dispatcher) handleBatchWrite(payload map[string]interface{}) (uint8, map[string]interface{}) {
	database := databaseField(payload)
	collection, _ := stringField(payload, "collection")
	if _, err := d.ensureCollection(database, collection); err != nil {
		return errorForCatalogErr(err)
	}
	rawOps, _ := payload["ops"].([]interface{})

	ops := make([]engine.WriteOp, 0, len(rawOps))
	type pendingVector struct {
		id  string
		doc map[string]interface{}
	}
	var pendingVectors []pendingVector

	for _, rawOp := range rawOps {
		opMap, ok := rawOp.(map[string]interface{})
		if !ok {
			return wire.ErrorFrame(wire.CodeBadRequest, "malformed batch op")
		}
		kind, _ := stringField(opMap, "kind")
		key, _ := stringField(opMap, "key")

		if kind == "delete" {
			if key == "" {
				return wire.ErrorFrame(wire.CodeBadRequest, "delete op requires a key")
			}
			ops = append(ops, engine.WriteOp{Key: codec.RecordKey(database, collection, key), Delete: true})
			continue
		}

		data, _ := opMap["data"].(map[string]interface{})
		if data == nil {
			data = map[string]interface{}{}
		}
		if key == "" {
			key = idgen.New()
		}
		data["_id"] = key
		value := codec.Pack(codec.Map(codec.DocFromMap(data)))
		ops = append(ops, engine.WriteOp{Key: codec.RecordKey(database, collection, key), Value: value})
		pendingVectors = append(pendingVectors, pendingVector{id: key, doc: data})
	}

	if err := d.engine.BatchWrite(ops); err != nil {
		return wire.ErrorFrame(wire.CodeStorageIO, err.Error())
	}

	if col, ok := d.lookupCollection(database, collection); ok && col.VectorDimensions > 0 {
		for _, pv := range pendingVectors {
			if err := d.indexVector(database, collection, pv.id, pv.doc); err != nil {
				return errorForIndexErr(err)
			}
		}
	}

	return wire.SuccessFrame(map[string]interface{}{"count": len(ops)})
}

func decodeDocument(value []byte) (map[string]interface{}, error) {
	v, err := codec.Unpack(value)
	if err != nil {
		return nil, err
	}
	doc, ok := v.ToGo().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: stored value is not a document")
	}
	return doc, nil
}

func errorForCatalogErr(err error) (uint8, map[string]interface{}) {
	switch err {
	case catalog.ErrDatabaseNotFound, catalog.ErrCollectionNotFound:
		return wire.NotFoundFrame()
	case catalog.ErrDatabaseExists, catalog.ErrCollectionExists, catalog.ErrUserExists:
		return wire.ErrorFrame(wire.CodeAlreadyExists, err.Error())
	case catalog.ErrInvalidDimension, catalog.ErrInvalidName:
		return wire.ErrorFrame(wire.CodeBadRequest, err.Error())
	default:
		return wire.ErrorFrame(wire.CodeInternal, err.Error())
	}
}

func toInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return 0
	}
}

func toFloat32(v interface{}) float32 {
	switch x := v.(type) {
	case float64:
		return float32(x)
	case float32:
		return x
	case int64:
		return float32(x)
	case int:
		return float32(x)
	default:
		return 0
	}
}
