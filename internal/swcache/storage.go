package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Bucket.Match when no entry exists for a key.
var ErrNotFound = errors.New("swcache: entry not found")

// ErrNoBucket is returned by Bucket.Put when the bucket does not exist,
// typically because it was swept after the handle was taken.
var ErrNoBucket = errors.New("swcache: bucket does not exist")

// Key layout:
//
//	b:<label>           bucket marker
//	e:<label>\x00<key>  entry
const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
)

type bucketMeta struct {
	CreatedAt int64
}

// Storage is the set of named buckets, persisted in one leveldb database.
type Storage struct {
	db *leveldb.DB

	// serializes bucket creation and deletion against entry writes
	mu sync.Mutex
}

func OpenStorage(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", path, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Open returns the bucket named label, creating it if it does not exist.
func (s *Storage) Open(label string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := []byte(bucketPrefix + label)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", label, err)
	}
	if !ok {
		mb, err := encodeGob(bucketMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(mk, mb, nil); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", label, err)
		}
	}
	return &Bucket{s: s, label: label}, nil
}

// Bucket returns a handle on the bucket named label without creating it.
// Match on a missing bucket reports ErrNotFound, Put reports ErrNoBucket.
func (s *Storage) Bucket(label string) *Bucket {
	return &Bucket{s: s, label: label}
}

// Has reports whether a bucket named label exists.
func (s *Storage) Has(label string) (bool, error) {
	return s.db.Has([]byte(bucketPrefix+label), nil)
}

// Keys returns the labels of all existing buckets, sorted.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the bucket named label and all its entries. It reports
// whether the bucket existed.
func (s *Storage) Delete(label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := []byte(bucketPrefix + label)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(label)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(mk)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete bucket %q: %w", label, err)
	}
	return true, nil
}

func entryKeyPrefix(label string) []byte {
	return []byte(entryPrefix + label + "\x00")
}

// Bucket is a handle on one named bucket.
type Bucket struct {
	s     *Storage
	label string
}

func (b *Bucket) Label() string { return b.label }

func (b *Bucket) entryKey(key string) []byte {
	return append(entryKeyPrefix(b.label), key...)
}

// Match returns the entry stored under key, or ErrNotFound.
func (b *Bucket) Match(key string) (Entry, error) {
	v, err := b.s.db.Get(b.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var ent Entry
	if err := decodeGob(v, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, nil
}

// Put stores ent under key, replacing any previous entry.
func (b *Bucket) Put(key string, ent Entry) error {
	return b.PutAll(map[string]Entry{key: ent})
}

// PutAll stores all entries atomically. It fails with ErrNoBucket, writing
// nothing, if the bucket has been deleted; a swept bucket is never revived.
func (b *Bucket) PutAll(entries map[string]Entry) error {
	batch := new(leveldb.Batch)
	for key, ent := range entries {
		v, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", key, err)
		}
		batch.Put(b.entryKey(key), v)
	}

	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	ok, err := b.s.db.Has([]byte(bucketPrefix+b.label), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put into %q: %w", b.label, ErrNoBucket)
	}
	return b.s.db.Write(batch, nil)
}

// Keys returns the request keys stored in the bucket, sorted.
func (b *Bucket) Keys() ([]string, error) {
	prefix := entryKeyPrefix(b.label)
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
