package storage

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// DefaultCacheSize is the default number of decoded pages kept per store.
const DefaultCacheSize = 4096

// cacheKey identifies a committed page image. The writer txnid in the page
// header changes whenever a page number is reused, and the mapping
// generation keeps nodes decoded from an unmapped region unreachable.
type cacheKey struct {
	gen   uint32
	pgno  Pgno
	txnid uint64
}

func hashCacheKey(k cacheKey) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], k.gen)
	binary.LittleEndian.PutUint32(b[4:], uint32(k.pgno))
	binary.LittleEndian.PutUint64(b[8:], k.txnid)
	return uint32(xxhash.Sum64(b[:]))
}

// nodeCache holds decoded clean pages shared by all transactions.
type nodeCache struct {
	lru *freelru.SyncedLRU[cacheKey, *node]
}

func newNodeCache(size int) (*nodeCache, error) {
	if size <= 0 {
		return nil, nil
	}
	lru, err := freelru.NewSynced[cacheKey, *node](uint32(size), hashCacheKey)
	if err != nil {
		return nil, err
	}
	return &nodeCache{lru: lru}, nil
}

func (c *nodeCache) get(k cacheKey) (*node, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(k)
}

func (c *nodeCache) add(k cacheKey, n *node) {
	if c == nil {
		return
	}
	c.lru.Add(k, n)
}

func (c *nodeCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

func (c *nodeCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
