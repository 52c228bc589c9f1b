package ratchet

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// skippedCacheKey identifies one unclaimed message key by the DH public key
// epoch it belongs to and its position in that epoch's receiving chain.
type skippedCacheKey struct {
	dhPub string
	index uint32
}

// skippedCache bounds the set of message keys derived ahead of the
// currently-processed receive index, so a burst of out-of-order or dropped
// messages cannot grow memory without limit. Eviction is LRU: the oldest
// unclaimed key is dropped first when the cache is full.
type skippedCache struct {
	lru *lru.Cache[skippedCacheKey, []byte]
}

func newSkippedCache(size int) (*skippedCache, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[skippedCacheKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("constructing lru cache: %w", err)
	}
	return &skippedCache{lru: c}, nil
}

func (s *skippedCache) put(dhPub []byte, index uint32, msgKey []byte) {
	s.lru.Add(skippedCacheKey{dhPub: string(dhPub), index: index}, msgKey)
}

func (s *skippedCache) take(dhPub []byte, index uint32) ([]byte, bool) {
	key := skippedCacheKey{dhPub: string(dhPub), index: index}
	msgKey, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	s.lru.Remove(key)
	return msgKey, true
}

func (s *skippedCache) entries() map[skippedCacheKey][]byte {
	out := make(map[skippedCacheKey][]byte, s.lru.Len())
	for _, key := range s.lru.Keys() {
		if v, ok := s.lru.Peek(key); ok {
			out[key] = v
		}
	}
	return out
}

func (s *skippedCache) restore(entries map[skippedCacheKey][]byte) {
	for k, v := range entries {
		s.lru.Add(k, v)
	}
}
