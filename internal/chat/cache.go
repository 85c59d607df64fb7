package chat

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
)

const DefaultCacheCapacity = 50

// ResponseCache is a bounded key/value store that evicts in insertion order.
// Reads never change the eviction order.
type ResponseCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest
	items    map[string]*list.Element
}

type cacheEntry struct {
	key   string
	value []byte
}

func NewResponseCache(capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ResponseCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).value, true
}

// Set stores value under key. Overwriting an existing key keeps its position.
func (c *ResponseCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).value = value
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
	c.items[key] = c.order.PushBack(&cacheEntry{key: key, value: value})
}

func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Fingerprint derives the cache key for a message sent to a chatbot.
// The image itself is not part of the key, only whether one was attached.
func Fingerprint(chatbotID, text string, hasImage bool) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	h := sha256.Sum256([]byte(chatbotID + "\x00" + normalized + "\x00" + strconv.FormatBool(hasImage)))
	return hex.EncodeToString(h[:])
}
