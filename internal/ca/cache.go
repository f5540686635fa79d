package ca

import (
	"container/list"
	"crypto/tls"
	"sync"
	"time"
)

// leafCache 有界叶子证书缓存：超出容量淘汰最旧条目，命中提升为最新
type leafCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[cacheKey]*list.Element
}

type cacheKey struct {
	userID string
	domain string
}

type cacheEntry struct {
	key      cacheKey
	cert     *tls.Certificate
	notAfter time.Time
}

func newLeafCache(capacity int) *leafCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &leafCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[cacheKey]*list.Element),
	}
}

// Get 命中且未过期时返回证书并提升条目，过期条目就地移除
func (c *leafCache) Get(userID, domain string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[cacheKey{userID: userID, domain: domain}]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.notAfter) {
		c.order.Remove(el)
		delete(c.index, entry.key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.cert, true
}

// Put 插入条目，超出容量时淘汰最旧插入的条目
func (c *leafCache) Put(userID, domain string, cert *tls.Certificate, notAfter time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{userID: userID, domain: domain}
	if el, ok := c.index[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.cert = cert
		entry.notAfter = notAfter
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, cert: cert, notAfter: notAfter})
	c.index[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Purge 移除某个用户的全部缓存条目（根证书轮换时使用）
func (c *leafCache) Purge(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if entry.key.userID == userID {
			c.order.Remove(el)
			delete(c.index, entry.key)
		}
		el = next
	}
}

// Len 当前条目数
func (c *leafCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
