package tripcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	ErrNotCacheable   = errors.New("tripcache: response is not cacheable")
	ErrGenerationGone = errors.New("tripcache: cache generation deleted")
)

// Key layout in the shared leveldb:
//
//	g:<generation>            generation marker, value = creation time
//	c:<generation>\x00<key>   gob encoded Response
const (
	generationPrefix = "g:"
	entryPrefix      = "c:"
	keySep           = "\x00"
)

// CacheStorage holds every named cache generation. Only the lifecycle lists
// or deletes generations; strategies go through a *Cache handle.
type CacheStorage struct {
	db  *leveldb.DB
	ram *ramCache

	// Held exclusively while a generation is deleted so that no Put can
	// resurrect entries of a generation that no longer has a marker.
	mu sync.RWMutex
}

func newCacheStorage(db *leveldb.DB, ramMax int64, overflowLog *rateLimitedLogger) *CacheStorage {
	return &CacheStorage{db: db, ram: newRAMCache(ramMax, overflowLog)}
}

// Open returns the handle for name, creating the generation if needed.
func (s *CacheStorage) Open(name string) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("tripcache: empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := []byte(generationPrefix + name)
	ok, err := s.db.Has(mk, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		ts := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := s.db.Put(mk, []byte(ts), nil); err != nil {
			return nil, err
		}
	}
	return &Cache{s: s, name: name}, nil
}

func (s *CacheStorage) Has(name string) (bool, error) {
	return s.db.Has([]byte(generationPrefix+name), nil)
}

// Keys lists generation names in lexical order.
func (s *CacheStorage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete drops a generation and every response stored under it in a single
// batch. It reports whether the generation existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := []byte(generationPrefix + name)
	existed, err := s.db.Has(mk, nil)
	if err != nil {
		return false, err
	}

	prefix := []byte(entryPrefix + name + keySep)
	batch := new(leveldb.Batch)
	batch.Delete(mk)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.ram.DeletePrefix(string(prefix))
	return existed || batch.Len() > 1, nil
}

// Cache is a handle on one generation.
type Cache struct {
	s    *CacheStorage
	name string
}

// CacheEntry pairs a request URI with the response to store for it.
type CacheEntry struct {
	URI      string
	Response Response
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) entryKey(key string) string {
	return entryPrefix + c.name + keySep + key
}

// Match looks up the stored response for req. Only GET requests can match.
// A request carrying credentials sees its own partition first and falls back
// to the anonymous copy; it never sees another partition.
func (c *Cache) Match(ctx context.Context, req *http.Request) (Response, bool, error) {
	if req.Method != http.MethodGet {
		return Response{}, false, nil
	}
	key := requestKey(http.MethodGet, req.URL.RequestURI())
	if p := cachePartition(req); p != "" {
		resp, ok, err := c.lookup(ctx, partitionKey(key, p))
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return c.lookup(ctx, key)
}

// MatchURI looks up the anonymous copy of uri.
func (c *Cache) MatchURI(ctx context.Context, uri string) (Response, bool, error) {
	return c.lookup(ctx, requestKey(http.MethodGet, uri))
}

func (c *Cache) lookup(ctx context.Context, key string) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}
	k := c.entryKey(key)
	if ent, ok := c.s.ram.Get(k); ok {
		return ent.Clone(), true, nil
	}
	b, err := c.s.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var ent Response
	if err := decodeGob(b, &ent); err != nil {
		return Response{}, false, fmt.Errorf("decode %s: %w", k, err)
	}
	c.s.ram.Put(k, ent, int64(len(b)))
	return ent.Clone(), true, nil
}

// Put stores resp for req, replacing any earlier copy in the same partition.
// Non-GET requests, non-2xx responses and responses marked no-store are
// refused with ErrNotCacheable, as are private responses to anonymous
// requests.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp Response) error {
	if req.Method != http.MethodGet || !resp.OK() {
		return ErrNotCacheable
	}
	p := cachePartition(req)
	if !storable(resp.Header, p != "") {
		return ErrNotCacheable
	}
	key := requestKey(http.MethodGet, req.URL.RequestURI())
	if p != "" {
		key = partitionKey(key, p)
	}
	return c.write(ctx, []string{key}, []Response{resp})
}

// PutAll writes every entry to the anonymous partition, all or none.
func (c *Cache) PutAll(ctx context.Context, entries []CacheEntry) error {
	keys := make([]string, 0, len(entries))
	resps := make([]Response, 0, len(entries))
	for _, e := range entries {
		if !e.Response.OK() {
			return fmt.Errorf("%w: %s has status %d", ErrNotCacheable, e.URI, e.Response.Status)
		}
		keys = append(keys, requestKey(http.MethodGet, e.URI))
		resps = append(resps, e.Response)
	}
	return c.write(ctx, keys, resps)
}

// write stores resps[i] under keys[i] in one batch. Set-Cookie never
// reaches storage.
func (c *Cache) write(ctx context.Context, keys []string, resps []Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type staged struct {
		key  string
		ent  Response
		size int64
	}
	batch := new(leveldb.Batch)
	stagedAll := make([]staged, 0, len(keys))
	for i, key := range keys {
		ent := resps[i].Clone()
		ent.Header.Del("Set-Cookie")
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		k := c.entryKey(key)
		batch.Put([]byte(k), b)
		stagedAll = append(stagedAll, staged{key: k, ent: ent, size: int64(len(b))})
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ok, err := c.s.Has(c.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationGone
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}
	for _, st := range stagedAll {
		c.s.ram.Put(st.key, st.ent, st.size)
	}
	return nil
}

// Keys lists the request keys ("GET /path") stored in this generation.
// Partitioned keys carry a "\x00p=" suffix.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(entryPrefix + c.name + keySep)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  Response
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU in front of leveldb. leveldb is always
// written first, so evicting from RAM never loses data.
type ramCache struct {
	maxBytes    int64
	overflowLog *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, overflowLog: overflowLog, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent Response, size int64) {
	if c.maxBytes > 0 && size > c.maxBytes {
		// too big for RAM, leveldb only
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
		return
	}

	if c.maxBytes > 0 && c.total+size > c.maxBytes {
		c.overflowLog.Log(zapcore.DebugLevel, "ram cache overflow, evicting",
			zap.Int64("total", c.total), zap.Int64("max", c.maxBytes))
		for c.tail != nil && c.total+size > c.maxBytes {
			c.evictLocked()
		}
	}

	it := &ramItem{key: key, ent: ent, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

// evictLocked drops the least-recently-used 10% (at least one item).
func (c *ramCache) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && c.tail != nil; i++ {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
