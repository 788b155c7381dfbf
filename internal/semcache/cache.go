package semcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one cached tutor response.
type Entry struct {
	Key       string    `json:"key"`
	Topic     string    `json:"topic"`
	Subject   string    `json:"subject"`
	Question  string    `json:"question"`
	Content   string    `json:"content"`
	Citations []string  `json:"citations,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Hits      int64     `json:"hits"`
}

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Entries          int     `json:"entries"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Evictions        int64   `json:"evictions"`
	HitRate          float64 `json:"hit_rate"`
	ApproxMemBytes   int64   `json:"approx_mem_bytes"`
	SimilarityPasses int64   `json:"similarity_passes"`
}

const (
	defaultMaxEntries = 10_000
	defaultTTL        = 24 * time.Hour

	// The Jaccard pass is an O(n) scan over same-topic entries; it is only
	// worth the latency while the cache is small.
	similarityScanLimit = 1000
	similarityThreshold = 0.7
	hashKeyPrefixLength = 16
)

var fillerWords = map[string]bool{
	"um": true, "uh": true, "like": true, "please": true, "just": true,
	"well": true, "so": true, "hmm": true, "basically": true, "actually": true,
}

// Cache maps (topic, normalized question) to previously generated tutor
// responses with combined LRU and TTL eviction. One long-lived Cache is
// shared process-wide; construct it once and inject it.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[string]*list.Element
	order      *list.List // front = most recently used

	hits             int64
	misses           int64
	evictions        int64
	similarityPasses int64

	now func() time.Time
}

// Config carries cache sizing; zero values fall back to defaults.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

func New(cfg Config) *Cache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Key builds the canonical cache key for a topic and raw question.
func Key(topic, question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return topic + ":" + hex.EncodeToString(sum[:])[:hashKeyPrefixLength]
}

// Normalize lowercases, strips punctuation except '?', collapses whitespace,
// and removes filler words so near-identical phrasings hash together.
func Normalize(question string) string {
	question = strings.ToLower(strings.TrimSpace(question))
	var b strings.Builder
	b.Grow(len(question))
	prevSpace := true
	for _, r := range question {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '?':
			b.WriteRune(r)
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, tok := range tokens {
		if fillerWords[strings.TrimSuffix(tok, "?")] {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// Get returns the cached entry for (topic, question), or nil on miss. A hit
// refreshes recency and increments the entry's hit counter. While the cache
// is small a secondary Jaccard pass over same-topic entries catches
// near-duplicate phrasings that hash differently.
func (c *Cache) Get(topic, question string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(topic, question)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		if c.expiredLocked(entry) {
			c.removeLocked(elem)
			c.misses++
			return nil
		}
		c.order.MoveToFront(elem)
		entry.Hits++
		c.hits++
		out := *entry
		return &out
	}

	if len(c.entries) < similarityScanLimit {
		if elem := c.similarLocked(topic, question); elem != nil {
			entry := elem.Value.(*Entry)
			c.order.MoveToFront(elem)
			entry.Hits++
			c.hits++
			out := *entry
			return &out
		}
	}

	c.misses++
	return nil
}

// Set stores a generated response. Citations are derived deterministically
// from topic and subject metadata, never from the generated content.
func (c *Cache) Set(topic, question, content, subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(topic, question)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Content = content
		entry.Subject = subject
		entry.Citations = buildCitations(topic, subject)
		entry.CreatedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	entry := &Entry{
		Key:       key,
		Topic:     topic,
		Subject:   subject,
		Question:  Normalize(question),
		Content:   content,
		Citations: buildCitations(topic, subject),
		CreatedAt: c.now(),
	}
	c.entries[key] = c.order.PushFront(entry)

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Invalidate drops every entry for a topic.
func (c *Cache) Invalidate(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).Topic == topic {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mem int64
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		mem += int64(len(entry.Key) + len(entry.Topic) + len(entry.Subject) +
			len(entry.Question) + len(entry.Content))
		for _, cit := range entry.Citations {
			mem += int64(len(cit))
		}
		mem += 96 // struct and bookkeeping overhead, rough
	}

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Metrics{
		Entries:          len(c.entries),
		Hits:             c.hits,
		Misses:           c.misses,
		Evictions:        c.evictions,
		HitRate:          rate,
		ApproxMemBytes:   mem,
		SimilarityPasses: c.similarityPasses,
	}
}

func (c *Cache) expiredLocked(entry *Entry) bool {
	return c.now().Sub(entry.CreatedAt) > c.ttl
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.Key)
}

func (c *Cache) similarLocked(topic, question string) *list.Element {
	c.similarityPasses++
	queryTokens := tokenSet(Normalize(question))
	if len(queryTokens) == 0 {
		return nil
	}
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.Topic != topic || c.expiredLocked(entry) {
			continue
		}
		if jaccard(queryTokens, tokenSet(entry.Question)) >= similarityThreshold {
			return elem
		}
	}
	return nil
}

func tokenSet(normalized string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(normalized) {
		set[strings.TrimSuffix(tok, "?")] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func buildCitations(topic, subject string) []string {
	citations := make([]string, 0, 2)
	if strings.TrimSpace(topic) != "" {
		citations = append(citations, fmt.Sprintf("curriculum:%s", strings.ToLower(strings.TrimSpace(topic))))
	}
	if strings.TrimSpace(subject) != "" {
		citations = append(citations, fmt.Sprintf("subject:%s", strings.ToLower(strings.TrimSpace(subject))))
	}
	return citations
}
