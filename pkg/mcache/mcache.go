// Package mcache is a memory pool of fixed-size numbered pages backed
// by caller-supplied page-in/page-out callbacks. Pages are numbered
// from 1 (0 denotes an invalid page). All active pages sit on an LRU
// list; dirty pages are written back through the pager before their
// buffer is reused and on Sync/Close.
//
// The cache performs no locking of its own; access to one Cache must
// be externally serialized.
package mcache

import (
	"container/list"
	"sort"

	"github.com/pkg/errors"

	"github.com/loricooperhdf/hdf4/pkg/utils"
)

var logger = utils.GetLogger("hdf4")

// DefMaxCache is the default number of resident pages.
const DefMaxCache = 1

// Pager moves whole pages between the cache and backing storage.
// PageIn fills page with the contents of pgno; PageOut persists it.
type Pager interface {
	PageIn(pgno int32, page []byte) error
	PageOut(pgno int32, page []byte) error
}

type bucket struct {
	pgno   int32
	page   []byte
	dirty  bool
	pinned bool
	elem   *list.Element
}

// Stats carries cache access counters.
type Stats struct {
	Hit       int64 // Get satisfied from memory
	Miss      int64 // Get that invoked PageIn
	PageAlloc int64 // buffers allocated
	PageFlush int64 // dirty pages written back
}

// Cache is one memory pool instance.
type Cache struct {
	pagesize int32
	maxcache int32
	npages   int32

	pager   Pager
	lru     *list.List // front = most recently used
	buckets map[int32]*bucket
	byBuf   map[*byte]*bucket
	stats   Stats
	closed  bool
}

// Open creates a cache of npages pages of pagesize bytes each, keeping
// at most maxcache of them resident.
func Open(pagesize, maxcache, npages int32) (*Cache, error) {
	if pagesize <= 0 || npages < 1 {
		return nil, errors.Errorf("bad cache geometry: pagesize %d npages %d", pagesize, npages)
	}
	if maxcache < 1 {
		maxcache = DefMaxCache
	}
	return &Cache{
		pagesize: pagesize,
		maxcache: maxcache,
		npages:   npages,
		lru:      list.New(),
		buckets:  make(map[int32]*bucket),
		byBuf:    make(map[*byte]*bucket),
	}, nil
}

// Filter installs the pager invoked on miss and write-back. It must be
// called before the first Get.
func (c *Cache) Filter(p Pager) { c.pager = p }

func (c *Cache) PageSize() int32 { return c.pagesize }
func (c *Cache) MaxCache() int32 { return c.maxcache }
func (c *Cache) NPages() int32   { return c.npages }
func (c *Cache) Stats() Stats    { return c.stats }

// Resident returns the number of pages currently held in memory.
func (c *Cache) Resident() int32 { return int32(len(c.buckets)) }

// Get returns the buffer for page pgno, pinned for the caller. On miss
// the page is read through the pager. The buffer stays valid until the
// matching Put; callers must not retain it afterwards.
func (c *Cache) Get(pgno int32) ([]byte, error) {
	if c.closed {
		return nil, errors.New("cache is closed")
	}
	if c.pager == nil {
		return nil, errors.New("no pager installed")
	}
	if pgno < 1 || pgno > c.npages {
		return nil, errors.Errorf("page %d out of range [1,%d]", pgno, c.npages)
	}
	if b, ok := c.buckets[pgno]; ok {
		if b.pinned {
			return nil, errors.Errorf("page %d is already pinned", pgno)
		}
		b.pinned = true
		c.lru.MoveToFront(b.elem)
		c.stats.Hit++
		return b.page, nil
	}
	c.stats.Miss++
	page, err := c.pageBuffer()
	if err != nil {
		return nil, err
	}
	if err = c.pager.PageIn(pgno, page); err != nil {
		utils.Free(page)
		return nil, errors.Wrapf(err, "page %d in", pgno)
	}
	b := &bucket{pgno: pgno, page: page, pinned: true}
	b.elem = c.lru.PushFront(b)
	c.buckets[pgno] = b
	c.byBuf[&page[0]] = b
	return page, nil
}

// Put unpins a page obtained from Get, optionally marking it dirty.
func (c *Cache) Put(page []byte, dirty bool) error {
	if len(page) == 0 {
		return errors.New("invalid page buffer")
	}
	b, ok := c.byBuf[&page[0]]
	if !ok {
		return errors.New("buffer does not belong to this cache")
	}
	if !b.pinned {
		return errors.Errorf("page %d is not pinned", b.pgno)
	}
	b.pinned = false
	if dirty {
		b.dirty = true
	}
	return nil
}

// Sync writes every dirty page back through the pager. It is
// idempotent: synced pages are marked clean.
func (c *Cache) Sync() error {
	pgnos := make([]int, 0, len(c.buckets))
	for pgno, b := range c.buckets {
		if b.dirty {
			pgnos = append(pgnos, int(pgno))
		}
	}
	sort.Ints(pgnos)
	for _, pgno := range pgnos {
		b := c.buckets[int32(pgno)]
		if err := c.pager.PageOut(b.pgno, b.page); err != nil {
			return errors.Wrapf(err, "page %d out", b.pgno)
		}
		c.stats.PageFlush++
		b.dirty = false
	}
	return nil
}

// Close syncs and releases all buffers. Pinned pages indicate a caller
// bug and are logged, not failed on.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	if err := c.Sync(); err != nil {
		return err
	}
	for _, b := range c.buckets {
		if b.pinned {
			logger.Errorf("closing cache with page %d still pinned", b.pgno)
		}
		utils.Free(b.page)
	}
	c.buckets = nil
	c.byBuf = nil
	c.lru = nil
	c.closed = true
	return nil
}

// SetMaxCache adjusts the resident-page budget, evicting LRU pages
// when shrinking. It fails without changing the budget if compliance
// would require evicting a pinned page.
func (c *Cache) SetMaxCache(n int32) (int32, error) {
	if n < 1 {
		return c.maxcache, errors.Errorf("maxcache %d < 1", n)
	}
	var pinned int32
	for _, b := range c.buckets {
		if b.pinned {
			pinned++
		}
	}
	if pinned > n {
		return c.maxcache, errors.Errorf("%d pages pinned, cannot shrink to %d", pinned, n)
	}
	for int32(len(c.buckets)) > n {
		buf, err := c.evict()
		if err != nil {
			return c.maxcache, err
		}
		utils.Free(buf)
	}
	c.maxcache = n
	return n, nil
}

// pageBuffer returns a buffer for a new page, recycling the least
// recently used unpinned one when the budget is reached. When every
// resident page is pinned the budget is exceeded rather than failing,
// as in the original memory pool.
func (c *Cache) pageBuffer() ([]byte, error) {
	if int32(len(c.buckets)) >= c.maxcache {
		if buf, err := c.evict(); err == nil {
			return buf, nil
		}
	}
	c.stats.PageAlloc++
	return utils.Alloc(int(c.pagesize)), nil
}

// evict removes the least recently used unpinned page, writing it back
// first if dirty, and returns its buffer.
func (c *Cache) evict() ([]byte, error) {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*bucket)
		if b.pinned {
			continue
		}
		if b.dirty {
			if err := c.pager.PageOut(b.pgno, b.page); err != nil {
				return nil, errors.Wrapf(err, "page %d out", b.pgno)
			}
			c.stats.PageFlush++
		}
		c.lru.Remove(e)
		delete(c.buckets, b.pgno)
		delete(c.byBuf, &b.page[0])
		return b.page, nil
	}
	return nil, errors.New("all pages pinned")
}
