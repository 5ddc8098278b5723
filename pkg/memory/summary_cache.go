package memory

import (
	"context"
	"sync"
	"time"
)

// Entry is the cached digest and when it was produced.
type Entry struct {
	Summary     string
	GeneratedAt time.Time
}

// SummaryCache holds the most recent full-history digest. The zero state is
// "never generated", which is distinct from an empty digest.
type SummaryCache struct {
	store      Store
	summarizer *Summarizer
	now        func() time.Time

	mu       sync.Mutex
	entry    Entry
	present  bool
	seq      uint64
	storeSeq uint64
}

func NewSummaryCache(store Store, summarizer *Summarizer) *SummaryCache {
	return &SummaryCache{store: store, summarizer: summarizer, now: time.Now}
}

// Regenerate summarizes every committed turn, stores the result and returns
// the cached digest. A regeneration that started before another one
// completed does not replace the newer result; it returns that newer
// digest instead of its own, so callers always see what Retrieve serves.
func (c *SummaryCache) Regenerate(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.seq++
	mySeq := c.seq
	c.mu.Unlock()

	turns, err := c.store.All(ctx)
	if err != nil {
		return "", err
	}
	summary, err := c.summarizer.Summarize(ctx, turns)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mySeq > c.storeSeq {
		c.entry = Entry{Summary: summary, GeneratedAt: c.now()}
		c.present = true
		c.storeSeq = mySeq
	}
	return c.entry.Summary, nil
}

// Retrieve returns the cached digest and whether one was ever generated.
func (c *SummaryCache) Retrieve() (string, bool) {
	e, ok := c.RetrieveEntry()
	return e.Summary, ok
}

// RetrieveEntry is Retrieve with the generation time.
func (c *SummaryCache) RetrieveEntry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.present
}
