package sealbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.etcd.io/bbolt"
)

// Engine is the versioned storage layer under the Store: a single bbolt
// file holding one bucket per table plus hidden bookkeeping buckets.
//
// The schema version lives in the meta bucket and is written only inside
// the same transaction that runs an upgrade callback, so a crash at any
// point leaves the version exactly where the last committed upgrade put
// it. That property is what the whole migration protocol leans on.
//
// Engine assumes a single writer per file per process; bbolt's own file
// lock rejects a second process.
type Engine struct {
	db   *bbolt.DB
	path string
}

const (
	metaBucket       = "__meta"
	versionKey       = "schema_version"
	indexDefPrefix   = "index:"   // meta key: index:<table>:<name> -> indexDef JSON
	indexBucketMark  = "__index:" // bucket: __index:<table>:<name>
	hiddenBucketMark = "__"
)

// indexDef describes a secondary index over a JSON field of a table's
// values. Definitions persist in the meta bucket so every transaction
// maintains the same indexes.
type indexDef struct {
	Table  string `json:"table"`
	Name   string `json:"name"`
	Field  string `json:"field"`
	Unique bool   `json:"unique"`
}

// openEngine opens the store without forcing a version ("default" open).
// A missing file is created empty at version 0.
func openEngine(path string) (*Engine, error) {
	db, err := bbolt.Open(path, DefaultFileMode, &bbolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, engineError("open", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, engineError("init meta", err)
	}
	return &Engine{db: db, path: path}, nil
}

// openEngineAt opens the store at the requested version. If the stored
// version is lower, the upgrade callback (which may be nil) runs inside
// the same transaction that persists the requested version; if it is
// higher, the open fails with ErrVersionDowngrade.
func openEngineAt(path string, version uint32, upgrade func(*UpgradeTx) error) (*Engine, error) {
	eng, err := openEngine(path)
	if err != nil {
		return nil, err
	}

	err = eng.db.Update(func(btx *bbolt.Tx) error {
		meta := btx.Bucket([]byte(metaBucket))
		old := readVersion(meta)

		if old > version {
			return WithContext(ErrVersionDowngrade, map[string]interface{}{
				"stored_version":    old,
				"requested_version": version,
			})
		}
		if old == version {
			return nil
		}

		if upgrade != nil {
			utx := &UpgradeTx{
				tx:         &Tx{btx: btx},
				oldVersion: old,
				newVersion: version,
			}
			if err := upgrade(utx); err != nil {
				return err
			}
		}

		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], version)
		return meta.Put([]byte(versionKey), buf[:])
	})
	if err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func readVersion(meta *bbolt.Bucket) uint32 {
	v := meta.Get([]byte(versionKey))
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// Version returns the durably committed schema version
func (e *Engine) Version() (uint32, error) {
	var version uint32
	err := e.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta != nil {
			version = readVersion(meta)
		}
		return nil
	})
	if err != nil {
		return 0, engineError("read version", err)
	}
	return version, nil
}

// Path returns the underlying file path
func (e *Engine) Path() string {
	return e.path
}

// Close releases the file lock and closes the store
func (e *Engine) Close() error {
	return e.db.Close()
}

// Update runs fn inside one atomic read-write batch spanning any number
// of tables. All effects commit together or roll back together.
func (e *Engine) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
	if err != nil && !isSealboxError(err) {
		return engineError("update", err)
	}
	return err
}

// View runs fn inside a read-only snapshot
func (e *Engine) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
	if err != nil && !isSealboxError(err) {
		return engineError("view", err)
	}
	return err
}

// isSealboxError reports whether err already carries one of our sentinel
// classifications, so engine wrappers don't double-wrap it.
func isSealboxError(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound, ErrAlreadyExists, ErrDecodeFailed, ErrEngineFault,
		ErrVersionDowngrade, ErrTableMissing, ErrTableExists,
		ErrIndexMissing, ErrCursorNoKey, ErrInvalidConfig,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Tx is one atomic batch over the engine
type Tx struct {
	btx *bbolt.Tx
}

// Table resolves a named table inside this batch
func (t *Tx) Table(name string) (*Table, error) {
	bucket := t.btx.Bucket([]byte(name))
	if bucket == nil {
		return nil, WithContext(ErrTableMissing, map[string]interface{}{"table": name})
	}
	return &Table{name: name, bucket: bucket, tx: t, defs: t.indexDefs(name)}, nil
}

// HasTable reports whether a table exists
func (t *Tx) HasTable(name string) bool {
	return t.btx.Bucket([]byte(name)) != nil
}

// TableNames lists user tables, skipping hidden bookkeeping buckets
func (t *Tx) TableNames() []string {
	var names []string
	_ = t.btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		if !strings.HasPrefix(string(name), hiddenBucketMark) {
			names = append(names, string(name))
		}
		return nil
	})
	return names
}

func (t *Tx) indexDefs(table string) []indexDef {
	meta := t.btx.Bucket([]byte(metaBucket))
	if meta == nil {
		return nil
	}
	prefix := []byte(indexDefPrefix + table + ":")
	var defs []indexDef
	c := meta.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var def indexDef
		if err := json.Unmarshal(v, &def); err == nil {
			defs = append(defs, def)
		}
	}
	return defs
}

func indexBucketName(table, index string) []byte {
	return []byte(indexBucketMark + table + ":" + index)
}

func indexDefKey(table, index string) []byte {
	return []byte(indexDefPrefix + table + ":" + index)
}

// Table is a named keyed collection of records inside one batch
type Table struct {
	name   string
	bucket *bbolt.Bucket
	tx     *Tx
	defs   []indexDef
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Get returns the value stored at key, or ErrNotFound
func (t *Table) Get(key []byte) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, WithContext(ErrNotFound, map[string]interface{}{"table": t.name})
	}
	return v, nil
}

// Put stores value at key, replacing any existing record and keeping
// secondary indexes in step.
func (t *Table) Put(key, value []byte) error {
	if len(t.defs) > 0 {
		if old := t.bucket.Get(key); old != nil {
			if err := t.removeIndexEntries(key, old); err != nil {
				return err
			}
		}
		if err := t.addIndexEntries(key, value); err != nil {
			return err
		}
	}
	if err := t.bucket.Put(key, value); err != nil {
		return engineError("put", err)
	}
	return nil
}

// Add stores value at key, failing with ErrAlreadyExists if the key is
// already present.
func (t *Table) Add(key, value []byte) error {
	if t.bucket.Get(key) != nil {
		return WithContext(ErrAlreadyExists, map[string]interface{}{"table": t.name})
	}
	return t.Put(key, value)
}

// Delete removes the record at key, along with its index entries. A
// missing key is a no-op.
func (t *Table) Delete(key []byte) error {
	old := t.bucket.Get(key)
	if old == nil {
		return nil
	}
	if len(t.defs) > 0 {
		if err := t.removeIndexEntries(key, old); err != nil {
			return err
		}
	}
	if err := t.bucket.Delete(key); err != nil {
		return engineError("delete", err)
	}
	return nil
}

// Count returns the number of records in the table, as seen by this batch
func (t *Table) Count() int {
	n := 0
	c := t.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// Scan walks every record in forward key order. fn must not mutate this
// table; collect mutations and apply them after the walk.
func (t *Table) Scan(fn func(key, value []byte) error) error {
	c := t.bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns a forward cursor positioned at the first record.
// Cursor.Delete is safe mid-scan; inserting into the same table is not.
func (t *Table) Cursor() *Cursor {
	c := t.bucket.Cursor()
	k, v := c.First()
	return &Cursor{cursor: c, table: t, key: k, value: v}
}

// IndexScan walks the primary keys of all records whose indexed field
// equals value, in insertion-key order.
func (t *Table) IndexScan(index string, value []byte, fn func(primaryKey []byte) error) error {
	def, ib, err := t.index(index)
	if err != nil {
		return err
	}
	if def.Unique {
		pk := ib.Get(value)
		if pk == nil {
			return nil
		}
		return fn(pk)
	}
	prefix := append(append([]byte{}, value...), 0x00)
	c := ib.Cursor()
	for k, pk := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, pk = c.Next() {
		if err := fn(pk); err != nil {
			return err
		}
	}
	return nil
}

// IndexGet resolves a unique index entry to its primary key, or
// ErrNotFound.
func (t *Table) IndexGet(index string, value []byte) ([]byte, error) {
	def, ib, err := t.index(index)
	if err != nil {
		return nil, err
	}
	if !def.Unique {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"index":  index,
			"reason": "IndexGet requires a unique index",
		})
	}
	pk := ib.Get(value)
	if pk == nil {
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"table": t.name,
			"index": index,
		})
	}
	return pk, nil
}

func (t *Table) index(name string) (*indexDef, *bbolt.Bucket, error) {
	for i := range t.defs {
		if t.defs[i].Name == name {
			ib := t.tx.btx.Bucket(indexBucketName(t.name, name))
			if ib == nil {
				return nil, nil, WithContext(ErrIndexMissing, map[string]interface{}{
					"table": t.name,
					"index": name,
				})
			}
			return &t.defs[i], ib, nil
		}
	}
	return nil, nil, WithContext(ErrIndexMissing, map[string]interface{}{
		"table": t.name,
		"index": name,
	})
}

// addIndexEntries writes one entry per index whose field is present in
// the value. A value that is not JSON, or lacks the field, is simply not
// indexed.
func (t *Table) addIndexEntries(key, value []byte) error {
	fields, ok := indexableFields(value)
	if !ok {
		return nil
	}
	for _, def := range t.defs {
		fv, ok := indexFieldValue(fields[def.Field])
		if !ok {
			continue
		}
		ib := t.tx.btx.Bucket(indexBucketName(t.name, def.Name))
		if ib == nil {
			return WithContext(ErrIndexMissing, map[string]interface{}{
				"table": t.name,
				"index": def.Name,
			})
		}
		if def.Unique {
			if existing := ib.Get(fv); existing != nil && !bytes.Equal(existing, key) {
				return WithContext(ErrAlreadyExists, map[string]interface{}{
					"table":  t.name,
					"index":  def.Name,
					"reason": "unique index violation",
				})
			}
			if err := ib.Put(fv, copyBytes(key)); err != nil {
				return engineError("index put", err)
			}
		} else {
			entry := append(append(copyBytes(fv), 0x00), key...)
			if err := ib.Put(entry, copyBytes(key)); err != nil {
				return engineError("index put", err)
			}
		}
	}
	return nil
}

func (t *Table) removeIndexEntries(key, value []byte) error {
	fields, ok := indexableFields(value)
	if !ok {
		return nil
	}
	for _, def := range t.defs {
		fv, ok := indexFieldValue(fields[def.Field])
		if !ok {
			continue
		}
		ib := t.tx.btx.Bucket(indexBucketName(t.name, def.Name))
		if ib == nil {
			continue
		}
		var entry []byte
		if def.Unique {
			entry = fv
		} else {
			entry = append(append(copyBytes(fv), 0x00), key...)
		}
		if err := ib.Delete(entry); err != nil {
			return engineError("index delete", err)
		}
	}
	return nil
}

func indexableFields(value []byte) (map[string]interface{}, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// indexFieldValue encodes a JSON field value into a stable index key
// fragment. Missing or unsupported values are not indexed.
func indexFieldValue(v interface{}) ([]byte, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case bool:
		if x {
			return []byte("1"), true
		}
		return []byte("0"), true
	case string:
		return []byte(x), true
	case float64:
		return []byte(strconv.FormatFloat(x, 'g', -1, 64)), true
	default:
		return nil, false
	}
}

// Cursor is a forward scan over one table with per-record delete
type Cursor struct {
	cursor *bbolt.Cursor
	table  *Table
	key    []byte
	value  []byte
}

// Valid reports whether the cursor is positioned on a record
func (c *Cursor) Valid() bool {
	return c.key != nil
}

// Key returns the current record's physical key. The slice is only valid
// until the cursor moves; copy it if it must outlive the current record.
func (c *Cursor) Key() []byte {
	return c.key
}

// Value returns the current record's value, with the same lifetime
// caveat as Key.
func (c *Cursor) Value() []byte {
	return c.value
}

// Next advances to the next record
func (c *Cursor) Next() {
	c.key, c.value = c.cursor.Next()
}

// Delete removes the current record and its index entries. The cursor
// stays usable; call Next to advance.
func (c *Cursor) Delete() error {
	if c.key == nil {
		return ErrCursorNoKey
	}
	if len(c.table.defs) > 0 {
		if err := c.table.removeIndexEntries(c.key, c.value); err != nil {
			return err
		}
	}
	if err := c.cursor.Delete(); err != nil {
		return engineError("cursor delete", err)
	}
	return nil
}

// UpgradeTx is the structural-change surface handed to upgrade
// callbacks. It is only ever created inside the transaction that will
// persist the new version number.
type UpgradeTx struct {
	tx         *Tx
	oldVersion uint32
	newVersion uint32
}

// OldVersion is the durably committed version before this upgrade
func (u *UpgradeTx) OldVersion() uint32 {
	return u.oldVersion
}

// NewVersion is the version this upgrade commits to
func (u *UpgradeTx) NewVersion() uint32 {
	return u.newVersion
}

// HasTable reports whether a table exists
func (u *UpgradeTx) HasTable(name string) bool {
	return u.tx.HasTable(name)
}

// CreateTable creates an empty table, failing if it already exists
func (u *UpgradeTx) CreateTable(name string) error {
	if _, err := u.tx.btx.CreateBucket([]byte(name)); err != nil {
		if errors.Is(err, bbolt.ErrBucketExists) {
			return WithContext(ErrTableExists, map[string]interface{}{"table": name})
		}
		return engineError("create table", err)
	}
	return nil
}

// DeleteTable drops a table together with its indexes and their
// definitions.
func (u *UpgradeTx) DeleteTable(name string) error {
	if err := u.tx.btx.DeleteBucket([]byte(name)); err != nil {
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return WithContext(ErrTableMissing, map[string]interface{}{"table": name})
		}
		return engineError("delete table", err)
	}

	meta := u.tx.btx.Bucket([]byte(metaBucket))
	prefix := []byte(indexDefPrefix + name + ":")
	var defKeys [][]byte
	c := meta.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		defKeys = append(defKeys, copyBytes(k))
	}
	for _, k := range defKeys {
		index := strings.TrimPrefix(string(k), string(prefix))
		if err := u.tx.btx.DeleteBucket(indexBucketName(name, index)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return engineError("delete index", err)
		}
		if err := meta.Delete(k); err != nil {
			return engineError("delete index def", err)
		}
	}
	return nil
}

// CreateIndex adds a secondary index on a JSON field of the table's
// values and backfills it from any existing records.
func (u *UpgradeTx) CreateIndex(table, name, field string, unique bool) error {
	if !u.tx.HasTable(table) {
		return WithContext(ErrTableMissing, map[string]interface{}{"table": table})
	}
	if _, err := u.tx.btx.CreateBucket(indexBucketName(table, name)); err != nil {
		if errors.Is(err, bbolt.ErrBucketExists) {
			return WithContext(ErrTableExists, map[string]interface{}{
				"table": table,
				"index": name,
			})
		}
		return engineError("create index", err)
	}

	def := indexDef{Table: table, Name: name, Field: field, Unique: unique}
	data, err := json.Marshal(def)
	if err != nil {
		return engineError("encode index def", err)
	}
	meta := u.tx.btx.Bucket([]byte(metaBucket))
	if err := meta.Put(indexDefKey(table, name), data); err != nil {
		return engineError("store index def", err)
	}

	// Backfill from existing records
	tbl, err := u.tx.Table(table)
	if err != nil {
		return err
	}
	return tbl.Scan(func(k, v []byte) error {
		return tbl.addIndexEntries(k, v)
	})
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
