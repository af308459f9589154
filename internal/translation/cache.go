// Package translation memoizes translated lines for one panel session.
package translation

import (
	"strconv"
	"strings"
	"sync"

	"github.com/MimeLyc/caption-floater/internal/llm"
)

// DefaultModel stands in for "whatever model the gateway has active".
const DefaultModel = "default"

// Key identifies one translation. It is compared by value, so no field
// content can collide with another field the way a joined string could.
type Key struct {
	Text           string
	TargetLanguage string
	MixRatio       float64
	Model          string
}

func NewKey(req llm.Request) Key {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	return Key{
		Text:           req.Text,
		TargetLanguage: req.TargetLanguage,
		MixRatio:       req.MixRatio,
		Model:          model,
	}
}

// String renders an unambiguous form of the key.
func (k Key) String() string {
	return strconv.Quote(k.Text) + "|" +
		strconv.Quote(k.TargetLanguage) + "|" +
		strconv.FormatFloat(k.MixRatio, 'g', -1, 64) + "|" +
		strconv.Quote(k.Model)
}

// Cache is an unbounded in-memory map. It lives as long as the session.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]string
}

func NewCache() *Cache {
	return &Cache{entries: make(map[Key]string)}
}

func (c *Cache) Get(k Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[k]
	return v, ok
}

func (c *Cache) Put(k Key, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = v
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
