package ca

import (
	"crypto/tls"
	"fmt"
	"testing"
	"time"
)

func TestLeafCacheEvictsOldestOnOverflow(t *testing.T) {
	c := newLeafCache(3)
	expiry := time.Now().Add(time.Hour)
	for i := 0; i < 4; i++ {
		c.Put("u1", fmt.Sprintf("d%d.test", i), &tls.Certificate{}, expiry)
	}

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("u1", "d0.test"); ok {
		t.Fatal("oldest entry d0.test should have been evicted")
	}
	for i := 1; i < 4; i++ {
		if _, ok := c.Get("u1", fmt.Sprintf("d%d.test", i)); !ok {
			t.Fatalf("d%d.test missing", i)
		}
	}
}

func TestLeafCachePromotesOnAccess(t *testing.T) {
	c := newLeafCache(2)
	expiry := time.Now().Add(time.Hour)
	c.Put("u1", "a.test", &tls.Certificate{}, expiry)
	c.Put("u1", "b.test", &tls.Certificate{}, expiry)

	// 访问 a 之后插入 c，应当淘汰 b
	if _, ok := c.Get("u1", "a.test"); !ok {
		t.Fatal("a.test missing")
	}
	c.Put("u1", "c.test", &tls.Certificate{}, expiry)

	if _, ok := c.Get("u1", "b.test"); ok {
		t.Fatal("b.test should have been evicted")
	}
	if _, ok := c.Get("u1", "a.test"); !ok {
		t.Fatal("a.test should survive after promotion")
	}
}

func TestLeafCacheExpiredEntryIsMiss(t *testing.T) {
	c := newLeafCache(10)
	c.Put("u1", "old.test", &tls.Certificate{}, time.Now().Add(-time.Minute))
	if _, ok := c.Get("u1", "old.test"); ok {
		t.Fatal("expired entry must not be returned")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed, len = %d", c.Len())
	}
}

func TestLeafCachePurgeRemovesOnlyUser(t *testing.T) {
	c := newLeafCache(10)
	expiry := time.Now().Add(time.Hour)
	c.Put("u1", "a.test", &tls.Certificate{}, expiry)
	c.Put("u1", "b.test", &tls.Certificate{}, expiry)
	c.Put("u2", "a.test", &tls.Certificate{}, expiry)

	c.Purge("u1")

	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("u2", "a.test"); !ok {
		t.Fatal("u2 entry must survive purge of u1")
	}
}
